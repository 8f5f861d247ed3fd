package imaptest

import (
	"io"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestFetch(t *testing.T, server *TestServer) {
	s := server.OpenInbox(t)
	defer s.Shutdown()

	t.Run("FLAGS", func(t *testing.T) {
		s.t = t
		s.write("02 UID FETCH 1,3:4 (UID FLAGS)\r\n")
		s.readExpectPrefix("* 1 FETCH (UID 1 FLAGS (\\Flagged))")
		s.readExpectPrefix("* 2 FETCH (UID 3 FLAGS (\\Junk))")
		s.readExpectPrefix("* 3 FETCH (UID 4 FLAGS (\\Junk))")
		s.readExpectPrefix(`02 OK`)
	})
	t.Run("RFC822.SIZE", func(t *testing.T) {
		s.t = t
		s.write("02 UID FETCH 1,3,4 (RFC822.SIZE)\r\n")
		s.readExpectPrefix("* 1 FETCH (RFC822.SIZE 907 UID 1)")
		s.readExpectPrefix("* 2 FETCH (RFC822.SIZE 530 UID 3)")
		s.readExpectPrefix("* 3 FETCH (RFC822.SIZE 396 UID 4)")
		s.readExpectPrefix(`02 OK`)
	})
	t.Run("BODYSTRUCTURE", func(t *testing.T) {
		s.t = t
		s.write("02 UID FETCH 1,3:4 (BODYSTRUCTURE)\r\n")
		// testdata/msg1.eml: text/plain + multipart/alternative(text/html, image/gif)
		s.readExpect(`BODYSTRUCTURE \(\("TEXT" "PLAIN".*85 1\) \(\("TEXT" "HTML".*52 4\) \("IMAGE" "GIF".*48\) "ALTERNATIVE".*\) "MIXED".*\) UID 1\)`)
		// testdata/msg3.eml: text/plain + text/html + text/richtext
		s.readExpect(`BODYSTRUCTURE \(\("TEXT" "PLAIN".*11 1\) \("TEXT" "HTML".*18 1\) \("TEXT" "RICHTEXT".*81 1\) "ALTERNATIVE".*\) UID 3\)`)
		// testdata/msg4.eml: single text/plain, quoted-printable
		s.readExpect(`BODYSTRUCTURE \("TEXT" "PLAIN" \("charset" "us-ascii"\) NIL NIL "QUOTED-PRINTABLE" 118 3 NIL NIL NIL NIL\) UID 4\)`)
		s.readExpectPrefix(`02 OK`)
	})
	t.Run("ENVELOPE", func(t *testing.T) {
		s.t = t
		s.write("02 UID FETCH 1 (ENVELOPE)\r\n")
		s.readExpect(`\(ENVELOPE \(".*Oct 2018.*" "Upcoming Space Apps Bootcamp Events" \("Space Apps NYC Organizers" NIL "organizers" "spaceapps.nyc"\)\) .* \("David Crawshaw" NIL "david" "zentus.com"\) .* "<10b5.*mail167.suw121.mcdlv.net>"\) UID 1\)`)
		s.readExpectPrefix(`02 OK`)
	})
	t.Run("INTERNALDATE", func(t *testing.T) {
		s.t = t
		s.write("02 UID FETCH 1 (INTERNALDATE)\r\n")
		s.readExpectPrefix(`* 1 FETCH (INTERNALDATE "` + time.Now().Format("02-Jan-2006"))
		s.readExpectPrefix(`02 OK`)
	})
}

func TestFetchBody(t *testing.T, server *TestServer) {
	s := server.OpenInbox(t)
	defer s.Shutdown()

	t.Run("msg4 BODY[1]", func(t *testing.T) {
		s.t = t
		s.write("02 UID FETCH 4 (BODY[1])\r\n")
		s.readExpectPrefix(`* 3 FETCH (UID 4 BODY[1] {118}`)

		b := make([]byte, 118)
		if _, err := io.ReadFull(s.br, b); err != nil {
			t.Fatal("could not read literal: %", err)
		}
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)

		if got := string(b); !strings.Contains(got, "quoted-printabl=\r\ne encoding") {
			t.Error("msg 4 body not quoted-printable encoded")
		}
	})

	t.Run("msg4 BODY[]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 3 (BODY[])\r\n")
		s.readExpectPrefix(`* 3 FETCH (BODY[] {396}`)
		b := make([]byte, 396)
		if _, err := io.ReadFull(s.br, b); err != nil {
			t.Fatal("could not read literal: %", err)
		}
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)

		if got := string(b); !strings.Contains(got, "To: tester@asimapd.io") {
			t.Error("msg 4 missing headers")
		}
		if got := string(b); !strings.Contains(got, "quoted-printabl=\r\ne encoding") {
			t.Error("msg 4 body not quoted-printable encoded")
		}
	})

	t.Run("msg1 BODY.PEEK[2.1]<0.25>", func(t *testing.T) {
		s.t = t

		s.write("02 FETCH 1 (FLAGS BODY.PEEK[2.1]<0.25>)\r\n")
		s.readExpectPrefix(`* 1 FETCH (FLAGS (\Flagged) BODY[2.1]<0> {25}`)
		s.readExpectPrefix(`<!doctype html>`)
		s.readExpectPrefix(`<html>`)
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)

		s.write("03 FETCH 1 (FLAGS)\r\n")
		s.readExpectPrefix(`* 1 FETCH (FLAGS (\Flagged))`) // not \Seen
		s.readExpectPrefix(`03 OK`)
	})

	t.Run("msg1 BODY[1]<0.25>", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (FLAGS BODY[1]<0.25>)\r\n")
		s.readExpectPrefix(`* 1 FETCH (FLAGS (\Flagged) BODY[1]<0> {25}`)
		s.readExpectPrefix(`A Journey to the Stars by)`)
		s.readExpectPrefix(`02 OK`)

		s.write("03 FETCH 1 (FLAGS)\r\n")
		s.readExpectPrefix(`* 1 FETCH (FLAGS (\Flagged \Seen))`) // \Seen
		s.readExpectPrefix(`03 OK`)
	})

	t.Run("msg1 BODY.PEEK[2.2]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY.PEEK[2.2])\r\n")
		s.readExpectPrefix(`* 1 FETCH (BODY[2.2] {48}`)
		s.readExpectPrefix(`R0lGODdhAQABAIAAAP///////ywAAAAAAQABAAACAkQBADs=)`)
		s.readExpectPrefix(`02 OK`)
	})

	t.Run("msg1 BODY.PEEK[2.2.TEXT]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY.PEEK[2.2.TEXT])\r\n")
		s.readExpectPrefix(`* 1 FETCH (BODY[2.2.TEXT] {48}`)
		s.readExpectPrefix(`R0lGODdhAQABAIAAAP///////ywAAAAAAQABAAACAkQBADs=)`)
		s.readExpectPrefix(`02 OK`)
	})

	t.Run("msg1 BODY[2.2]<10.15>", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY.PEEK[2.2]<10.15>)\r\n")
		s.readExpectPrefix(`* 1 FETCH (BODY[2.2]<10> {15}`)
		s.readExpectPrefix(`ABAIAAAP///////)`)
		s.readExpectPrefix(`02 OK`)
	})

	t.Run("msg1 BODY[HEADER]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY[HEADER])\r\n")
		s.readExpectPrefix(`* 1 FETCH (BODY[HEADER] {366}`)
		b := make([]byte, 366)
		if _, err := io.ReadFull(s.br, b); err != nil {
			t.Fatal("could not read literal: %", err)
		}
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)

		m := regexp.MustCompile(`.*(Subject: .*?\r\n)`).FindSubmatch(b)
		got := string(m[1])

		if !strings.Contains(got, "Subject: Upcoming Space Apps Bootcamp Events") {
			t.Error("headers are missing subject")
		}
	})

	t.Run("msg1 BODY[HEADER.FIELDS (To From MIME-Version)]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY[HEADER.FIELDS (To From MIME-Version)])\r\n")
		s.readExpectPrefix(`* 1 FETCH (BODY[HEADER.FIELDS (To From MIME-Version)] {120}`)
		s.readExpectPrefix(`From: Space Apps NYC Organizers <organizers@spaceapps.nyc>`)
		s.readExpectPrefix(`Mime-Version: 1.0`)
		s.readExpectPrefix(`To: David Crawshaw <david@zentus.com>`)
		s.read()
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)
	})

	t.Run("msg1 BODY[HEADER.FIELDS.NOT (To)]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY[HEADER.FIELDS.NOT (To)])\r\n")
		s.readExpectPrefix(`* 1 FETCH (BODY[HEADER.FIELDS.NOT (To)] {327}`)
		b := make([]byte, 327)
		if _, err := io.ReadFull(s.br, b); err != nil {
			t.Fatal("could not read literal: %", err)
		}
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)

		if regexp.MustCompile(`.*(\r\nTo: .*?\r\n)`).Match(b) {
			t.Errorf("found To: header expected to be absent")
		}
	})

	t.Run("msg1 BODY[2.2.HEADER]", func(t *testing.T) {
		s.t = t
		s.write("02 FETCH 1 (BODY[2.2.HEADER])\r\n")
		s.readExpectPrefix(`* 1 FETCH (BODY[2.2.HEADER] {144}`)
		s.readExpectPrefix(`Content-Disposition: inline; filename="fetchasset12"`)
		s.readExpectPrefix(`Content-Id: <fetchasset12>`)
		s.readExpectPrefix(`Content-Transfer-Encoding: base64`)
		s.readExpectPrefix(`Content-Type: image/gif`)
		s.read()
		s.readExpectPrefix(`)`)
		s.readExpectPrefix(`02 OK`)
	})

	// TODO: 02 FETCH 1 (RFC822.HEADER)
	// TODO: 02 FETCH 1 (RFC822.TEXT)
}
