package msgcache

import (
	"testing"

	"asimapd.io/asimapd/mime"
)

func msgOfSize(n int) *mime.Msg {
	return &mime.Msg{Raw: make([]byte, n)}
}

func TestGetMiss(t *testing.T) {
	c := New(1024)
	if got := c.Get(Key{Folder: "INBOX", MsgKey: 1}); got != nil {
		t.Fatalf("Get on empty cache = %v, want nil", got)
	}
}

func TestAddAndGet(t *testing.T) {
	c := New(1024)
	k := Key{Folder: "INBOX", MsgKey: 1}
	msg := msgOfSize(10)
	c.Add(k, msg)
	if got := c.Get(k); got != msg {
		t.Fatalf("Get = %v, want %v", got, msg)
	}
}

func TestAddReplacesSize(t *testing.T) {
	c := New(1024)
	k := Key{Folder: "INBOX", MsgKey: 1}
	c.Add(k, msgOfSize(10))
	c.Add(k, msgOfSize(20))
	if c.size != 20 {
		t.Fatalf("size = %d, want 20", c.size)
	}
	if c.ll.Len() != 1 {
		t.Fatalf("ll.Len() = %d, want 1 (replace, not append)", c.ll.Len())
	}
}

func TestEvictsGloballyOldest(t *testing.T) {
	c := New(30)
	c.Add(Key{Folder: "INBOX", MsgKey: 1}, msgOfSize(10))
	c.Add(Key{Folder: "Archive", MsgKey: 1}, msgOfSize(10))
	c.Add(Key{Folder: "INBOX", MsgKey: 2}, msgOfSize(10))
	// Cache now holds 30 bytes across 3 entries; one more entry must
	// evict the globally oldest (INBOX/1), regardless of which folder
	// it belongs to.
	c.Add(Key{Folder: "Archive", MsgKey: 2}, msgOfSize(10))

	if got := c.Get(Key{Folder: "INBOX", MsgKey: 1}); got != nil {
		t.Fatalf("oldest entry survived eviction: %v", got)
	}
	if got := c.Get(Key{Folder: "Archive", MsgKey: 2}); got == nil {
		t.Fatal("newest entry was evicted")
	}
}

func TestGetPromotesToFront(t *testing.T) {
	c := New(30)
	c.Add(Key{Folder: "INBOX", MsgKey: 1}, msgOfSize(10))
	c.Add(Key{Folder: "INBOX", MsgKey: 2}, msgOfSize(10))
	c.Get(Key{Folder: "INBOX", MsgKey: 1}) // now most-recently-used
	c.Add(Key{Folder: "INBOX", MsgKey: 3}, msgOfSize(10))

	if got := c.Get(Key{Folder: "INBOX", MsgKey: 2}); got != nil {
		t.Fatal("least-recently-used entry should have been evicted, not key 1")
	}
	if got := c.Get(Key{Folder: "INBOX", MsgKey: 1}); got == nil {
		t.Fatal("recently-accessed entry was evicted")
	}
}

func TestRemove(t *testing.T) {
	c := New(1024)
	k := Key{Folder: "INBOX", MsgKey: 1}
	c.Add(k, msgOfSize(10))
	c.Remove(k)
	if got := c.Get(k); got != nil {
		t.Fatalf("Get after Remove = %v, want nil", got)
	}
	if c.size != 0 {
		t.Fatalf("size after Remove = %d, want 0", c.size)
	}
}

func TestClearFolder(t *testing.T) {
	c := New(1024)
	c.Add(Key{Folder: "INBOX", MsgKey: 1}, msgOfSize(10))
	c.Add(Key{Folder: "INBOX", MsgKey: 2}, msgOfSize(10))
	c.Add(Key{Folder: "Archive", MsgKey: 1}, msgOfSize(10))

	c.ClearFolder("INBOX")

	if got := c.Get(Key{Folder: "INBOX", MsgKey: 1}); got != nil {
		t.Fatal("INBOX entry survived ClearFolder")
	}
	if got := c.Get(Key{Folder: "Archive", MsgKey: 1}); got == nil {
		t.Fatal("Archive entry was wrongly cleared")
	}
	if c.size != 10 {
		t.Fatalf("size after ClearFolder = %d, want 10", c.size)
	}
}

func TestClear(t *testing.T) {
	c := New(1024)
	c.Add(Key{Folder: "INBOX", MsgKey: 1}, msgOfSize(10))
	c.Add(Key{Folder: "Archive", MsgKey: 1}, msgOfSize(10))
	c.Clear()
	if c.size != 0 || c.ll.Len() != 0 || len(c.elements) != 0 {
		t.Fatalf("Clear left state behind: size=%d ll.Len=%d elements=%d", c.size, c.ll.Len(), len(c.elements))
	}
}

func TestNewDefaultsNonPositiveMax(t *testing.T) {
	c := New(0)
	if c.maxBytes != DefaultMaxBytes {
		t.Fatalf("maxBytes = %d, want %d", c.maxBytes, DefaultMaxBytes)
	}
}
