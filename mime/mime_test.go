package mime

import (
	"strings"
	"testing"
)

func TestParseSimpleMessage(t *testing.T) {
	raw := "From: a@example.com\r\n" +
		"To: b@example.com\r\n" +
		"Subject: hi\r\n" +
		"Date: Mon, 1 Jan 2024 00:00:00 +0000\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"hello\r\nworld\r\n"

	m, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if m.Root.Type != "text" || m.Root.Subtype != "plain" {
		t.Fatalf("got %s/%s", m.Root.Type, m.Root.Subtype)
	}
	if got := m.Size(); got != int64(len(raw)) {
		t.Fatalf("size = %d, want %d", got, len(raw))
	}
	env := m.Envelope()
	if !strings.Contains(env, `"hi"`) {
		t.Fatalf("envelope missing subject: %s", env)
	}
	if !strings.Contains(env, `(NIL NIL "a" "example.com")`) {
		t.Fatalf("envelope missing from address: %s", env)
	}
}

func TestParseMultipart(t *testing.T) {
	raw := "Content-Type: multipart/mixed; boundary=X\r\n" +
		"\r\n" +
		"--X\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"part one\r\n" +
		"--X\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>part two</p>\r\n" +
		"--X--\r\n"

	m, err := Parse([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if len(m.Root.Children) != 2 {
		t.Fatalf("children = %d, want 2", len(m.Root.Children))
	}
	bs := m.BodyStructure(true)
	if !strings.Contains(bs, `"MIXED"`) {
		t.Fatalf("bodystructure missing subtype: %s", bs)
	}

	p := m.FindPath([]int{2})
	if p == nil || p.Subtype != "html" {
		t.Fatalf("FindPath([2]) = %v", p)
	}
}
