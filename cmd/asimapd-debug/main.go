// Command asimapd-debug is a minimal, non-TLS-terminating launcher for
// package imapserver against an on-disk MH mail store. It exists for
// manual/local testing: per §1, TLS termination, credential-file
// provisioning tooling, and per-user process supervision are external
// collaborators, not part of this server. This binary plays the part of
// that collaborator just enough to accept a plaintext listener and a
// flat bcrypt credentials file.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"net"
	"os"

	"crawshaw.io/iox"

	"asimapd.io/asimapd/imapserver"
	"asimapd.io/asimapd/userserver"
)

func main() {
	log.SetFlags(0)

	var (
		flagMailRoot  = flag.String("mailroot", "", "parent directory of every user's MH root, one subdirectory per username")
		flagCredsFile = flag.String("creds", "", "flat \"username:bcrypt-hash\" credentials file")
		flagAddr      = flag.String("addr", "localhost:1143", "address to listen on (plaintext; wrap with an external TLS terminator for production use)")
		flagHashPw    = flag.String("hash-password", "", "print a bcrypt hash for the given password and exit, for building the credentials file")
	)
	flag.Parse()

	if *flagHashPw != "" {
		hash, err := userserver.VerifyPasswordFile([]byte(*flagHashPw))
		if err != nil {
			log.Fatalf("asimapd-debug: hashing password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	if *flagMailRoot == "" || *flagCredsFile == "" {
		fmt.Fprintln(os.Stderr, "asimapd-debug: -mailroot and -creds are required (or use -hash-password)")
		flag.Usage()
		os.Exit(2)
	}

	if err := ensureCredsFile(*flagCredsFile); err != nil {
		log.Fatalf("asimapd-debug: %v", err)
	}

	store, err := userserver.New(userserver.DefaultConfig(*flagMailRoot, *flagCredsFile), log.Printf)
	if err != nil {
		log.Fatalf("asimapd-debug: %v", err)
	}
	defer store.Close()

	server := &imapserver.Server{
		Filer:     iox.NewFiler(0),
		Logf:      log.Printf,
		DataStore: store,
	}

	ln, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		log.Fatalf("asimapd-debug: listen: %v", err)
	}
	log.Printf("asimapd-debug: serving IMAP on %s (mailroot=%s)", ln.Addr(), *flagMailRoot)
	if err := server.Serve(ln); err != nil && err != imapserver.ErrServerClosed {
		log.Fatalf("asimapd-debug: serve: %v", err)
	}
}

// ensureCredsFile creates an empty credentials file if none exists yet,
// so a fresh -mailroot can be stood up without a separate provisioning
// step.
func ensureCredsFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	fmt.Fprintln(w, "# username:bcrypt-hash, one per line; generate hashes with -hash-password")
	return w.Flush()
}
