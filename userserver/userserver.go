// Package userserver implements the per-user server (§4.9): it owns a
// user's MH root, state database, message cache, and materialised
// folder table, and runs the periodic resync/expiry/exit tasks that
// keep in-memory folder state honest against external mutation of the
// MH store.
//
// Grounded on the teacher's spilldb/deliverer and spilldb/processor
// pattern of a long-lived struct owning a *sqlitex.Pool plus a handful
// of time.Ticker-driven background goroutines started from a New/Run
// pair; unlike those, a Server here is per-*user*, materialised lazily
// on first successful Login and torn down by the idle-exit task rather
// than by process exit, since this implementation runs every logged-in
// user's event loop inside one shared process instead of the teacher's
// (and the original spec's) one-process-per-user model — credential
// parsing and process supervision are explicitly out of scope (§1) and
// left to whatever operator wraps this package.
package userserver

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"crawshaw.io/sqlite/sqlitex"
	"golang.org/x/crypto/bcrypt"

	"asimapd.io/asimapd/asimap"
	"asimapd.io/asimapd/folder"
	"asimapd.io/asimapd/imapserver"
	"asimapd.io/asimapd/mh"
	"asimapd.io/asimapd/msgcache"
	"asimapd.io/asimapd/statedb"
)

// Config carries the environment/configuration knobs enumerated in §6.
type Config struct {
	BaseDir                 string // parent of every user's MH root, one subdirectory per username
	CredentialsFile         string // flat "username:bcrypt-hash" file
	CacheMaxBytes           int64
	FolderIdleExpiry        time.Duration
	UserIdleExit            time.Duration
	LockTimeout             time.Duration
	ResyncIdlingInterval    time.Duration
	ExpireInterval          time.Duration
	MTimeResyncInterval     time.Duration
}

// DefaultConfig fills in the defaults from §6.
func DefaultConfig(baseDir, credentialsFile string) Config {
	return Config{
		BaseDir:              baseDir,
		CredentialsFile:      credentialsFile,
		CacheMaxBytes:        40 * 1024 * 1024,
		FolderIdleExpiry:     900 * time.Second,
		UserIdleExit:         1800 * time.Second,
		LockTimeout:          2 * time.Second,
		ResyncIdlingInterval: 30 * time.Second,
		ExpireInterval:       30 * time.Second,
		MTimeResyncInterval:  5 * time.Minute,
	}
}

// Store is the imapserver.DataStore implementation: it authenticates
// against the flat credentials file and hands back a per-user Server's
// Session, materialising the Server on first login.
type Store struct {
	cfg Config
	log func(format string, v ...interface{})

	mu    sync.Mutex
	creds map[string][]byte // username -> bcrypt hash
	users map[string]*Server
}

func New(cfg Config, logf func(format string, v ...interface{})) (*Store, error) {
	if logf == nil {
		logf = func(string, ...interface{}) {}
	}
	creds, err := loadCredentials(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	return &Store{cfg: cfg, log: logf, creds: creds, users: make(map[string]*Server)}, nil
}

func loadCredentials(path string) (map[string][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("userserver: reading credentials file: %v", err)
	}
	defer f.Close()

	creds := make(map[string][]byte)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, hash, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("userserver: malformed credentials line %q", line)
		}
		creds[user] = []byte(hash)
	}
	return creds, scanner.Err()
}

// Login implements imapserver.DataStore. userID is the stable per-user
// identifier imapserver uses to group connections belonging to the same
// logged-in user.
func (st *Store) Login(c *imapserver.Conn, username, password []byte) (int64, asimap.Session, error) {
	st.mu.Lock()
	hash, ok := st.creds[string(username)]
	st.mu.Unlock()
	if !ok {
		return 0, nil, imapserver.ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, password); err != nil {
		return 0, nil, imapserver.ErrBadCredentials
	}

	server, err := st.serverFor(string(username))
	if err != nil {
		return 0, nil, err
	}
	server.addClient()
	return server.userID, &trackedSession{server: server, Session: server.folderSession()}, nil
}

func (st *Store) serverFor(username string) (*Server, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.users[username]; ok {
		return s, nil
	}

	s, err := newServer(st.cfg, username, int64(len(st.users)+1), st.log)
	if err != nil {
		return nil, err
	}
	st.users[username] = s
	go s.run()
	return s, nil
}

func (st *Store) Close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, s := range st.users {
		s.stop()
	}
}

// trackedSession decrements the owning Server's live-client count on
// Close, driving the §4.9 idle-exit timer.
type trackedSession struct {
	asimap.Session
	server *Server
	once   sync.Once
}

func (ts *trackedSession) Close() {
	ts.once.Do(func() { ts.server.removeClient() })
	ts.Session.Close()
}

// Server is the per-user server of §4.9.
type Server struct {
	username string
	userID   int64
	cfg      Config
	log      func(format string, v ...interface{})

	root  *mh.Store
	db    *sqlitex.Pool
	cache *msgcache.Cache

	session *folder.Session

	mu         sync.Mutex
	numClients int
	lastClient time.Time

	done chan struct{}
}

func newServer(cfg Config, username string, userID int64, log func(format string, v ...interface{})) (*Server, error) {
	mhRoot := filepath.Join(cfg.BaseDir, username)
	if err := os.MkdirAll(mhRoot, 0755); err != nil {
		return nil, err
	}
	root := mh.Open(mhRoot)

	dbFile := filepath.Join(mhRoot, "asimap.db")
	pool, err := statedb.Open(dbFile)
	if err != nil {
		return nil, err
	}

	cache := msgcache.New(cfg.CacheMaxBytes)
	s := &Server{
		username:   username,
		userID:     userID,
		cfg:        cfg,
		log:        log,
		root:       root,
		db:         pool,
		cache:      cache,
		lastClient: time.Now(),
		done:       make(chan struct{}),
	}
	s.session = folder.NewSession(root, pool, cache)
	folder.LockTimeout = cfg.LockTimeout

	if err := folder.FindAllFolders(root, pool); err != nil {
		log("userserver: find_all_folders for %s: %v", username, err)
	}
	return s, nil
}

func (s *Server) folderSession() asimap.Session { return s.session }

func (s *Server) addClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numClients++
	s.lastClient = time.Now()
}

func (s *Server) removeClient() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.numClients--
	s.lastClient = time.Now()
}

func (s *Server) stop() {
	close(s.done)
}

// run drives every periodic task from §4.9 until stop() is called.
func (s *Server) run() {
	resyncTicker := time.NewTicker(s.cfg.ResyncIdlingInterval)
	expireTicker := time.NewTicker(s.cfg.ExpireInterval)
	mtimeTicker := time.NewTicker(s.cfg.MTimeResyncInterval)
	exitTicker := time.NewTicker(s.cfg.UserIdleExit / 4)
	defer resyncTicker.Stop()
	defer expireTicker.Stop()
	defer mtimeTicker.Stop()
	defer exitTicker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-resyncTicker.C:
			s.resyncActive(true)
		case <-mtimeTicker.C:
			s.resyncActive(false)
		case <-expireTicker.C:
			s.expireIdleFolders()
		case <-exitTicker.C:
			if s.idleFor() > s.cfg.UserIdleExit {
				return
			}
		}
	}
}

func (s *Server) idleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.numClients > 0 {
		return 0
	}
	return time.Since(s.lastClient)
}

// resyncActive resyncs every currently materialised folder through
// Mailbox.Info, which always runs an optional resync that is skipped when
// the folder's mtime is unchanged. optional (true for the idling-client
// sweep, false for the 5-minute pass) does not change this: neither pass
// forces a full rescan.
func (s *Server) resyncActive(optional bool) {
	for _, m := range s.session.ActiveMailboxes() {
		if _, err := m.Info(); err != nil {
			s.log("userserver: resync %s/%s: %v", s.username, m.Name(), err)
		}
	}
	_ = optional // Info() always does an optional resync; see folder.Mailbox.Info.
}

func (s *Server) expireIdleFolders() {
	s.session.ExpireIdle(s.cfg.FolderIdleExpiry)
}

// VerifyPasswordFile hashes a plaintext password with bcrypt for
// writing into the flat credentials file consumed by loadCredentials;
// exposed for cmd/asimapd-debug's user-management flag.
func VerifyPasswordFile(password []byte) (string, error) {
	hash, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
