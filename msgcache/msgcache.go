// Package msgcache implements the per-user message cache (§4.3): a
// size-bounded LRU of parsed MIME trees keyed by (folder name, message
// key), so repeated FETCH/SEARCH/BODYSTRUCTURE calls against the same
// message don't re-parse it from disk every time.
//
// Grounded on the shape of the teacher's in-memory caches (a mutex-
// guarded map plus an intrusive doubly-linked list for LRU order); the
// eviction policy itself (global oldest entry, size-bounded by the
// CRLF-flattened byte count) is spec.md §4.3's, since the teacher has no
// analogous cache (its messages live in a SQL blob store, not parsed on
// every access).
package msgcache

import (
	"container/list"
	"sync"

	"asimapd.io/asimapd/mime"
)

const DefaultMaxBytes = 40 * 1024 * 1024

type Key struct {
	Folder string
	MsgKey int
}

type entry struct {
	key   Key
	msg   *mime.Msg
	bytes int
}

// Cache is a global LRU shared by every folder a per-user server has
// materialised.
type Cache struct {
	maxBytes int64

	mu       sync.Mutex
	size     int64
	ll       *list.List
	elements map[Key]*list.Element
}

func New(maxBytes int64) *Cache {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Cache{
		maxBytes: maxBytes,
		ll:       list.New(),
		elements: make(map[Key]*list.Element),
	}
}

// Get returns the cached parsed message for key, updating its LRU
// position, or nil if absent.
func (c *Cache) Get(key Key) *mime.Msg {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.elements[key]
	if !ok {
		return nil
	}
	c.ll.MoveToFront(el)
	return el.Value.(*entry).msg
}

// Add inserts or replaces the cached entry for key, evicting the
// globally oldest entries (across every folder) until the cache fits
// within maxBytes.
func (c *Cache) Add(key Key, msg *mime.Msg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.elements[key]; ok {
		old := el.Value.(*entry)
		c.size -= int64(old.bytes)
		c.ll.Remove(el)
		delete(c.elements, key)
	}

	sz := len(msg.Raw)
	el := c.ll.PushFront(&entry{key: key, msg: msg, bytes: sz})
	c.elements[key] = el
	c.size += int64(sz)

	for c.size > c.maxBytes && c.ll.Len() > 0 {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		ent := oldest.Value.(*entry)
		c.ll.Remove(oldest)
		delete(c.elements, ent.key)
		c.size -= int64(ent.bytes)
	}
}

// Remove drops a single cached entry, if present.
func (c *Cache) Remove(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.elements[key]
	if !ok {
		return
	}
	ent := el.Value.(*entry)
	c.ll.Remove(el)
	delete(c.elements, key)
	c.size -= int64(ent.bytes)
}

// ClearFolder evicts every entry belonging to folder, used when a
// folder is renamed, deleted, or expired from the active-folder table.
func (c *Cache) ClearFolder(folder string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var toRemove []*list.Element
	for el := c.ll.Front(); el != nil; el = el.Next() {
		if el.Value.(*entry).key.Folder == folder {
			toRemove = append(toRemove, el)
		}
	}
	for _, el := range toRemove {
		ent := el.Value.(*entry)
		c.ll.Remove(el)
		delete(c.elements, ent.key)
		c.size -= int64(ent.bytes)
	}
}

// Clear evicts every entry in the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.elements = make(map[Key]*list.Element)
	c.size = 0
}
