// Package folder implements the mailbox state engine (§4.7): the
// asimap.Mailbox and asimap.Session backed by an on-disk MH store
// (package mh), the per-user state database (package statedb), and the
// UID index / resync engine (package uidindex). It is the production
// counterpart of imaptest.MemoryStore.
//
// Grounded on imaptest/memory.go for the method-level contract every
// asimap.Mailbox/asimap.Session must satisfy (Info/Append/Search/Fetch/
// Expunge/Store/Move/Copy, Mailboxes/Mailbox/CreateMailbox/
// DeleteMailbox/RenameMailbox) — package imapserver's dispatcher already
// owns unsolicited-update fan-out via Conn.sendIdleUpdate, driven by
// what these methods return, so this package only has to reproduce the
// memory store's behavior against real files instead of slices.
package folder

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"

	"asimapd.io/asimapd/asimap"
	"asimapd.io/asimapd/asimaperr"
	"asimapd.io/asimapd/imapparser"
	"asimapd.io/asimapd/mh"
	"asimapd.io/asimapd/mime"
	"asimapd.io/asimapd/msgcache"
	"asimapd.io/asimapd/statedb"
	"asimapd.io/asimapd/uidindex"
)

// LockTimeout is the folder advisory-lock acquisition budget (§6
// lock_timeout_seconds).
var LockTimeout = 2 * time.Second

// Session is one logged-in user's view of their MH root.
type Session struct {
	root  *mh.Store
	db    *sqlitex.Pool
	cache *msgcache.Cache

	mu            sync.Mutex
	mailboxes     map[string]*Mailbox
	nextMailboxID int64
	modSeq        int64 // monotonic counter shared by every mailbox this session touches
}

// NewSession builds a Session over an already-initialised state
// database and root MH store.
func NewSession(root *mh.Store, db *sqlitex.Pool, cache *msgcache.Cache) *Session {
	return &Session{
		root:      root,
		db:        db,
		cache:     cache,
		mailboxes: make(map[string]*Mailbox),
	}
}

func normalizeName(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

func (s *Session) withConn(fn func(conn *sqlite.Conn) error) error {
	conn := s.db.Get(nil)
	if conn == nil {
		return fmt.Errorf("folder: state database unavailable")
	}
	defer s.db.Put(conn)
	return fn(conn)
}

// Mailboxes lists every mailbox known to this user, from the state
// database (materialised or not).
func (s *Session) Mailboxes() ([]asimap.MailboxSummary, error) {
	var out []asimap.MailboxSummary
	err := s.withConn(func(conn *sqlite.Conn) error {
		rows, err := statedb.ListMailboxes(conn)
		if err != nil {
			return err
		}
		for _, r := range rows {
			out = append(out, asimap.MailboxSummary{
				Name:  r.Name,
				Attrs: asimap.ListAttrFlag(r.Attributes),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		n1, n2 := out[i].Name, out[j].Name
		if n1 == "INBOX" {
			n1 = ""
		}
		if n2 == "INBOX" {
			n2 = ""
		}
		return n1 < n2
	})
	return out, nil
}

// Mailbox returns a (possibly freshly materialised) handle on name.
func (s *Session) Mailbox(name string) (asimap.Mailbox, error) {
	name = normalizeName(name)
	s.mu.Lock()
	if m, ok := s.mailboxes[name]; ok {
		s.mu.Unlock()
		return m, nil
	}
	s.mu.Unlock()

	var rec *statedb.Mailbox
	err := s.withConn(func(conn *sqlite.Conn) error {
		var err error
		rec, err = statedb.GetMailbox(conn, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, &asimaperr.NotFound{What: "mailbox " + name}
	}
	return s.materialize(name, rec)
}

func (s *Session) materialize(name string, rec *statedb.Mailbox) (*Mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.mailboxes[name]; ok {
		return m, nil
	}

	m := &Mailbox{
		session:   s,
		mailboxID: rec.ID,
		store:     s.root.Sub(name),
		folder: &uidindex.Folder{
			Name:        name,
			UIDValidity: rec.UIDVV,
			NextUID:     rec.NextUID,
			UIDs:        rec.UIDs,
		},
		attrs:      asimap.ListAttrFlag(rec.Attributes),
		lastAccess: time.Now(),
	}
	if !rec.MTime.IsZero() {
		m.folder.MTime = rec.MTime
	}
	s.mailboxes[name] = m
	return m, nil
}

// CreateMailbox materialises a new, empty folder.
func (s *Session) CreateMailbox(name string, attrs asimap.ListAttrFlag) error {
	name = normalizeName(name)
	if name == "INBOX" {
		return &asimaperr.ProtoError{Text: "INBOX always exists"}
	}
	if _, err := strconv.Atoi(name); err == nil {
		return &asimaperr.ProtoError{Text: "folder names consisting solely of digits are forbidden"}
	}

	if err := s.root.AddFolder(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var uidvv uint32
	err := s.withConn(func(conn *sqlite.Conn) error {
		existing, err := statedb.GetMailbox(conn, name)
		if err != nil {
			return err
		}
		if existing != nil {
			return &asimaperr.ProtoError{Text: "mailbox already exists"}
		}
		uidvv, err = statedb.NextUIDValidity(conn)
		if err != nil {
			return err
		}
		rec := &statedb.Mailbox{
			Name:       name,
			UIDVV:      uidvv,
			Attributes: int64(attrs),
			NextUID:    1,
			MTime:      time.Now(),
			LastResync: time.Now(),
		}
		return statedb.PutMailbox(conn, rec)
	})
	return err
}

// DeleteMailbox removes a folder and its persisted record. Per §3,
// INBOX itself may never be deleted.
func (s *Session) DeleteMailbox(name string) error {
	name = normalizeName(name)
	if name == "INBOX" {
		return &asimaperr.ProtoError{Text: "INBOX may not be deleted"}
	}

	s.mu.Lock()
	delete(s.mailboxes, name)
	s.mu.Unlock()

	s.cache.ClearFolder(name)

	if err := s.root.RemoveFolder(name); err != nil {
		return err
	}
	return s.withConn(func(conn *sqlite.Conn) error {
		return statedb.DeleteMailbox(conn, name)
	})
}

// RenameMailbox renames a folder. Renaming INBOX moves its messages
// into the new folder and leaves INBOX itself in place and empty (§3).
func (s *Session) RenameMailbox(old, new string) error {
	old, new = normalizeName(old), normalizeName(new)
	if new == "INBOX" {
		return &asimaperr.ProtoError{Text: "INBOX may not be the rename target"}
	}
	if _, err := strconv.Atoi(new); err == nil {
		return &asimaperr.ProtoError{Text: "folder names consisting solely of digits are forbidden"}
	}

	if old == "INBOX" {
		if err := s.CreateMailbox(new, asimap.AttrNone); err != nil {
			return err
		}
		srcMbox, err := s.Mailbox("INBOX")
		if err != nil {
			return err
		}
		dstMbox, err := s.Mailbox(new)
		if err != nil {
			return err
		}
		src := srcMbox.(*Mailbox)
		src.mu.Lock()
		keys := append([]int(nil), src.folder.Keys...)
		src.mu.Unlock()
		if len(keys) == 0 {
			return nil
		}
		var ranges []imapparser.SeqRange
		for _, k := range keys {
			ranges = append(ranges, imapparser.SeqRange{Min: uint32(k), Max: uint32(k)})
		}
		// Msn-based selection requires resync first to align msn<->key.
		if _, err := src.resync(false); err != nil {
			return err
		}
		return src.Move(false, allMsgs(len(src.folder.Keys)), dstMbox, nil)
	}

	s.mu.Lock()
	m := s.mailboxes[old]
	delete(s.mailboxes, old)
	s.mu.Unlock()

	oldPath := s.root.Sub(old).Path
	newPath := s.root.Sub(new).Path
	if err := renameDir(oldPath, newPath); err != nil {
		return err
	}

	var newUIDVV uint32
	err := s.withConn(func(conn *sqlite.Conn) error {
		var err error
		newUIDVV, err = statedb.NextUIDValidity(conn)
		if err != nil {
			return err
		}
		return statedb.RenameMailbox(conn, old, new, newUIDVV)
	})
	if err != nil {
		return err
	}
	s.cache.ClearFolder(old)

	if m != nil {
		m.mu.Lock()
		m.store = s.root.Sub(new)
		m.folder.Name = new
		m.folder.UIDValidity = newUIDVV
		m.mu.Unlock()
		s.mu.Lock()
		s.mailboxes[new] = m
		s.mu.Unlock()
	}
	return nil
}

func allMsgs(n int) []imapparser.SeqRange {
	if n == 0 {
		return nil
	}
	return []imapparser.SeqRange{{Min: 1, Max: uint32(n)}}
}

func renameDir(oldPath, newPath string) error {
	return os.Rename(oldPath, newPath)
}

func (s *Session) Close() {}

// ActiveMailboxes returns a snapshot of every currently materialised
// folder, for the per-user server's periodic resync sweeps (§4.9).
func (s *Session) ActiveMailboxes() []*Mailbox {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Mailbox, 0, len(s.mailboxes))
	for _, m := range s.mailboxes {
		out = append(out, m)
	}
	return out
}

// ExpireIdle drops materialised folders that have had no activity for
// longer than expiry from memory, after a final non-optional resync to
// flush their state to the database (§4.9's 30s expiry sweep).
func (s *Session) ExpireIdle(expiry time.Duration) {
	s.mu.Lock()
	var stale []*Mailbox
	for name, m := range s.mailboxes {
		m.mu.Lock()
		idle := time.Since(m.lastAccess)
		m.mu.Unlock()
		if idle > expiry {
			stale = append(stale, m)
			delete(s.mailboxes, name)
		}
	}
	s.mu.Unlock()

	for _, m := range stale {
		m.mu.Lock()
		_, _ = m.resync(false)
		m.mu.Unlock()
		s.cache.ClearFolder(m.Name())
	}
}

// Mailbox is a single folder, backed by an MH directory.
type Mailbox struct {
	session   *Session
	mailboxID int64

	mu         sync.Mutex
	store      *mh.Store
	folder     *uidindex.Folder
	attrs      asimap.ListAttrFlag
	lastAccess time.Time
}

func (m *Mailbox) ID() int64 { return m.mailboxID }

// Name returns the folder's hierarchical name.
func (m *Mailbox) Name() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.folder.Name
}

func (m *Mailbox) nextModSeq() int64 { return atomic.AddInt64(&m.session.modSeq, 1) }

// touch records activity against the folder, under m.mu, for the
// idle-expiry sweep.
func (m *Mailbox) touch() { m.lastAccess = time.Now() }

// resync runs the uidindex resync procedure and persists the result.
func (m *Mailbox) resync(optional bool) (*uidindex.Result, error) {
	m.touch()
	res, err := uidindex.Resync(m.store, m.folder, optional)
	if err != nil {
		return nil, err
	}
	if err := uidindex.CheckInvariants(m.folder); err != nil {
		return nil, err
	}
	_ = m.session.withConn(func(conn *sqlite.Conn) error {
		return statedb.PutMailbox(conn, &statedb.Mailbox{
			ID:         m.mailboxID,
			Name:       m.folder.Name,
			UIDVV:      m.folder.UIDValidity,
			Attributes: int64(m.attrs),
			MTime:      m.folder.MTime,
			NextUID:    m.folder.NextUID,
			NumMsgs:    uint32(len(m.folder.Keys)),
			UIDs:       m.folder.UIDs,
			LastResync: time.Now(),
		})
	})
	return res, nil
}

func (m *Mailbox) Info() (asimap.MailboxInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.resyncLocked(true); err != nil {
		return asimap.MailboxInfo{}, err
	}

	info := asimap.MailboxInfo{
		Summary: asimap.MailboxSummary{
			Name:  m.folder.Name,
			Attrs: m.attrs,
		},
		NumMessages: uint32(len(m.folder.Keys)),
		UIDNext:     m.folder.NextUID,
		UIDValidity: m.folder.UIDValidity,
	}
	for i, key := range m.folder.Keys {
		flags := uidindex.FlagsForKey(key, m.folder.Sequences)
		unseen, recent := true, false
		for _, f := range flags {
			switch f {
			case `\Seen`:
				unseen = false
			case `\Recent`:
				recent = true
			}
		}
		if unseen {
			info.NumUnseen++
			if info.FirstUnseenSeqNum == 0 {
				info.FirstUnseenSeqNum = uint32(i + 1)
			}
		}
		if recent {
			info.NumRecent++
		}
	}
	info.HighestModSequence = atomic.LoadInt64(&m.session.modSeq)
	return info, nil
}

// resyncLocked assumes m.mu is already held; resync only touches
// m.folder and m.store, both guarded by m.mu, and its own MH dot-lock
// acquisition is a separate, file-based lock, so no unlock is needed.
func (m *Mailbox) resyncLocked(optional bool) (*uidindex.Result, error) {
	return m.resync(optional)
}

func (m *Mailbox) Append(flags []string, internalDate time.Time, data []byte) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, err := m.store.Lock(LockTimeout)
	if err != nil {
		return 0, err
	}
	key, err := m.store.Add(data)
	if err != nil {
		lock.Unlock()
		return 0, err
	}
	if !internalDate.IsZero() {
		_ = m.store.SetMTime(key, internalDate)
	}

	sequences, err := m.store.GetSequences()
	if err != nil {
		lock.Unlock()
		return 0, err
	}
	sequences["Recent"] = append(sequences["Recent"], key)
	for _, flag := range flags {
		if flag == `\Recent` {
			continue
		}
		name, ok := uidindex.SequenceForFlag(flag)
		if !ok {
			name = flag
		}
		sequences[name] = append(sequences[name], key)
	}
	if err := m.store.SetSequences(sequences); err != nil {
		lock.Unlock()
		return 0, err
	}
	lock.Unlock()

	if _, err := m.resyncLocked(false); err != nil {
		return 0, err
	}

	for i, k := range m.folder.Keys {
		if k == key {
			return m.folder.UIDs[i], nil
		}
	}
	return 0, &asimaperr.MailboxInconsistency{Mailbox: m.folder.Name, MsgKey: key, Reason: "appended message not found after resync"}
}

type folderMsg struct {
	key     int
	msn     uint32
	uid     uint32
	flags   []string
	modSeq  int64
	mtime   time.Time
	rawSize int64
	parsed  *mime.Msg
}

func (f *folderMsg) SeqNum() uint32            { return f.msn }
func (f *folderMsg) UID() uint32               { return f.uid }
func (f *folderMsg) ModSeq() int64             { return f.modSeq }
func (f *folderMsg) Date() time.Time           { return f.mtime }
func (f *folderMsg) RFC822Size() int64         { return int64(len(f.parsed.Raw)) }
func (f *folderMsg) RawHeader() string         { return string(f.parsed.Root.HeaderRaw) }
func (f *folderMsg) BodyText() string          { return f.parsed.AllText() }
func (f *folderMsg) Header(name string) string { return f.parsed.Root.Header.Get(name) }
func (f *folderMsg) Flag(name string) bool {
	for _, fl := range f.flags {
		if fl == name {
			return true
		}
	}
	return false
}
func (f *folderMsg) SentDate() time.Time {
	if t, err := parseDateHeader(f.parsed.Root.Header.Get("Date")); err == nil {
		return t
	}
	return f.mtime
}

// loadMsg parses (or retrieves from cache) the message at key, under
// m.mu. seqNum/uid must already be known by the caller.
func (m *Mailbox) loadMsg(key int, seqNum, uid uint32) (*folderMsg, error) {
	ck := msgcache.Key{Folder: m.folder.Name, MsgKey: key}
	parsed := m.session.cache.Get(ck)
	if parsed == nil {
		data, err := m.store.GetBytes(key)
		if err != nil {
			return nil, err
		}
		parsed, err = mime.Parse(data)
		if err != nil {
			return nil, err
		}
		m.session.cache.Add(ck, parsed)
	}
	mt, err := m.store.MTime(key)
	if err != nil {
		return nil, err
	}
	return &folderMsg{
		key:    key,
		msn:    seqNum,
		uid:    uid,
		flags:  uidindex.FlagsForKey(key, m.folder.Sequences),
		mtime:  mt,
		parsed: parsed,
	}, nil
}

func (m *Mailbox) Search(op *imapparser.SearchOp, uidCmd bool, fn func(asimap.MessageSummary)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.resyncLocked(false); err != nil {
		return err
	}

	matcher, err := imapparser.NewMatcher(op)
	if err != nil {
		return err
	}

	for i, key := range m.folder.Keys {
		msg, err := m.loadMsg(key, uint32(i+1), m.folder.UIDs[i])
		if err != nil {
			continue
		}
		if matcher.Match(msg) {
			fn(asimap.MessageSummary{SeqNum: msg.msn, UID: msg.uid, ModSeq: msg.modSeq})
		}
	}
	return nil
}

// folderMessage adapts a folderMsg to asimap.Message for one Fetch
// callback.
type folderMessage struct {
	mbox *Mailbox
	msg  *folderMsg
}

func (fm *folderMessage) Summary() asimap.MessageSummary {
	return asimap.MessageSummary{SeqNum: fm.msg.msn, UID: fm.msg.uid, ModSeq: fm.msg.modSeq}
}
func (fm *folderMessage) Msg() *mime.Msg          { return fm.msg.parsed }
func (fm *folderMessage) Flags() []string         { return append([]string{}, fm.msg.flags...) }
func (fm *folderMessage) InternalDate() time.Time { return fm.msg.mtime }
func (fm *folderMessage) SetSeen() error {
	// Called from inside the Fetch callback, which already holds m.mu.
	// \Seen is derived from "unseen" on resync, so that is what changes.
	m := fm.mbox
	lock, err := m.store.Lock(LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	sequences, err := m.store.GetSequences()
	if err != nil {
		return err
	}
	if !hasSeq(sequences["unseen"], fm.msg.key) {
		return nil
	}
	sequences["unseen"] = removeSeq(sequences["unseen"], fm.msg.key)
	return m.store.SetSequences(sequences)
}

// addToSequenceLocked marks key present in the named sequence, if not
// already, and writes .mh_sequences. Assumes m.mu held.
func (m *Mailbox) addToSequenceLocked(key int, seqName string) error {
	lock, err := m.store.Lock(LockTimeout)
	if err != nil {
		return err
	}
	defer lock.Unlock()
	sequences, err := m.store.GetSequences()
	if err != nil {
		return err
	}
	for _, k := range sequences[seqName] {
		if k == key {
			return nil
		}
	}
	sequences[seqName] = append(sequences[seqName], key)
	return m.store.SetSequences(sequences)
}

func (m *Mailbox) Fetch(uid bool, seqs []imapparser.SeqRange, changedSince int64, fn func(asimap.Message)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.resyncLocked(true); err != nil {
		return err
	}

	for i, key := range m.folder.Keys {
		seqNum := uint32(i + 1)
		id := seqNum
		if uid {
			id = m.folder.UIDs[i]
		}
		if !imapparser.SeqContains(seqs, id) {
			continue
		}
		msg, err := m.loadMsg(key, seqNum, m.folder.UIDs[i])
		if err != nil {
			return err
		}
		if changedSince >= msg.modSeq {
			continue
		}
		fn(&folderMessage{mbox: m, msg: msg})
	}
	return nil
}

func (m *Mailbox) Expunge(uidSeqs []imapparser.SeqRange, fn func(seqNum uint32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.resyncLocked(false); err != nil {
		return err
	}

	var toRemove []int // message-keys, ascending
	for i, key := range m.folder.Keys {
		if uidSeqs != nil && !imapparser.SeqContains(uidSeqs, m.folder.UIDs[i]) {
			continue
		}
		if hasSeq(m.folder.Sequences["Deleted"], key) {
			toRemove = append(toRemove, key)
		}
	}
	if len(toRemove) == 0 {
		return nil
	}

	lock, err := m.store.Lock(LockTimeout)
	if err != nil {
		return err
	}
	for _, key := range toRemove {
		if err := m.store.Remove(key); err != nil {
			lock.Unlock()
			return err
		}
		m.session.cache.Remove(msgcache.Key{Folder: m.folder.Name, MsgKey: key})
	}
	sequences, err := m.store.GetSequences()
	if err == nil {
		_ = m.store.SetSequences(sequences)
	}
	lock.Unlock()

	res, err := m.resyncLocked(false)
	if err != nil {
		return err
	}
	if fn != nil {
		for _, ev := range res.Expunges {
			fn(ev.SeqNum)
		}
	}
	return nil
}

func hasSeq(keys []int, key int) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func (m *Mailbox) Store(uid bool, seqs []imapparser.SeqRange, store *imapparser.Store) (asimap.StoreResults, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var res asimap.StoreResults
	if _, err := m.resyncLocked(false); err != nil {
		return res, err
	}

	var flagNames []string
	for _, f := range store.Flags {
		if string(f) == `\Recent` {
			return res, &asimaperr.ProtoError{Text: `\Recent flag may not be set or removed by STORE`}
		}
		flagNames = append(flagNames, string(f))
	}

	lock, err := m.store.Lock(LockTimeout)
	if err != nil {
		return res, err
	}
	sequences, err := m.store.GetSequences()
	if err != nil {
		lock.Unlock()
		return res, err
	}

	for i, key := range m.folder.Keys {
		seqNum := uint32(i + 1)
		id := seqNum
		if uid {
			id = m.folder.UIDs[i]
		}
		if !imapparser.SeqContains(seqs, id) {
			continue
		}
		changed := applyStoreMode(sequences, key, store.Mode, flagNames)
		if !changed {
			continue
		}
		res.Stored = append(res.Stored, asimap.StoreResult{
			SeqNum:      seqNum,
			UID:         m.folder.UIDs[i],
			Flags:       uidindex.FlagsForKey(key, sequences),
			ModSequence: m.nextModSeq(),
		})
	}
	if err := m.store.SetSequences(sequences); err != nil {
		lock.Unlock()
		return res, err
	}
	lock.Unlock()

	if _, err := m.resyncLocked(false); err != nil {
		return res, err
	}
	return res, nil
}

func applyStoreMode(sequences map[string][]int, key int, mode imapparser.StoreMode, flagNames []string) bool {
	changed := false
	switch mode {
	case imapparser.StoreAdd:
		for _, flag := range flagNames {
			name, ok := uidindex.SequenceForFlag(flag)
			if !ok {
				name = flag
			}
			if !hasSeq(sequences[name], key) {
				sequences[name] = append(sequences[name], key)
				changed = true
			}
		}
	case imapparser.StoreRemove:
		for _, flag := range flagNames {
			name, ok := uidindex.SequenceForFlag(flag)
			if !ok {
				name = flag
			}
			if hasSeq(sequences[name], key) {
				sequences[name] = removeSeq(sequences[name], key)
				changed = true
			}
		}
	case imapparser.StoreReplace:
		want := make(map[string]bool, len(flagNames))
		for _, flag := range flagNames {
			name, ok := uidindex.SequenceForFlag(flag)
			if !ok {
				name = flag
			}
			want[name] = true
		}
		for name, keys := range sequences {
			if name == "Recent" || name == "unseen" {
				continue
			}
			has := hasSeq(keys, key)
			if has && !want[name] {
				sequences[name] = removeSeq(keys, key)
				changed = true
			}
		}
		for name := range want {
			if !hasSeq(sequences[name], key) {
				sequences[name] = append(sequences[name], key)
				changed = true
			}
		}
	}
	return changed
}

func removeSeq(keys []int, key int) []int {
	out := keys[:0]
	for _, k := range keys {
		if k != key {
			out = append(out, k)
		}
	}
	return out
}

func (m *Mailbox) Move(uid bool, seqs []imapparser.SeqRange, dstMbox asimap.Mailbox, fn func(seqNum, srcUID, dstUID uint32)) error {
	dst, ok := dstMbox.(*Mailbox)
	if !ok || dst == m {
		return fmt.Errorf("folder.Move: invalid destination")
	}
	var uidRanges []imapparser.SeqRange
	if err := m.Copy(uid, seqs, dst, func(srcUID, dstUID uint32) {
		uidRanges = append(uidRanges, imapparser.SeqRange{Min: srcUID, Max: srcUID})
		if fn != nil {
			fn(0, srcUID, dstUID)
		}
	}); err != nil {
		return err
	}
	if len(uidRanges) == 0 {
		return nil
	}
	deleted := &imapparser.Store{Mode: imapparser.StoreAdd, Flags: [][]byte{[]byte(`\Deleted`)}}
	if _, err := m.Store(true, uidRanges, deleted); err != nil {
		return err
	}
	return m.Expunge(uidRanges, nil)
}

func (m *Mailbox) Copy(uid bool, seqs []imapparser.SeqRange, dstMbox asimap.Mailbox, fn func(srcUID, dstUID uint32)) error {
	dst, ok := dstMbox.(*Mailbox)
	if !ok {
		return fmt.Errorf("folder.Copy: invalid destination")
	}
	if dst == m {
		return fmt.Errorf("folder.Copy: cannot copy a mailbox to itself")
	}

	m.mu.Lock()
	if _, err := m.resyncLocked(true); err != nil {
		m.mu.Unlock()
		return err
	}

	type pending struct {
		data  []byte
		mtime time.Time
		flags []string
	}
	var items []pending
	for i, key := range m.folder.Keys {
		seqNum := uint32(i + 1)
		id := seqNum
		if uid {
			id = m.folder.UIDs[i]
		}
		if !imapparser.SeqContains(seqs, id) {
			continue
		}
		data, err := m.store.GetBytes(key)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		mt, _ := m.store.MTime(key)
		items = append(items, pending{data: data, mtime: mt, flags: uidindex.FlagsForKey(key, m.folder.Sequences)})
	}
	srcUIDs := make([]uint32, 0, len(items))
	for i, key := range m.folder.Keys {
		seqNum := uint32(i + 1)
		id := seqNum
		if uid {
			id = m.folder.UIDs[i]
		}
		if imapparser.SeqContains(seqs, id) {
			srcUIDs = append(srcUIDs, m.folder.UIDs[i])
		}
	}
	m.mu.Unlock()

	dst.mu.Lock()
	lock, err := dst.store.Lock(LockTimeout)
	if err != nil {
		dst.mu.Unlock()
		return err
	}
	for _, it := range items {
		key, err := dst.store.Add(it.data)
		if err != nil {
			lock.Unlock()
			dst.mu.Unlock()
			return err
		}
		if !it.mtime.IsZero() {
			_ = dst.store.SetMTime(key, it.mtime)
		}
		sequences, err := dst.store.GetSequences()
		if err != nil {
			lock.Unlock()
			dst.mu.Unlock()
			return err
		}
		sequences["Recent"] = append(sequences["Recent"], key)
		for _, flag := range it.flags {
			if flag == `\Recent` {
				continue
			}
			name, ok := uidindex.SequenceForFlag(flag)
			if !ok {
				name = flag
			}
			sequences[name] = append(sequences[name], key)
		}
		if err := dst.store.SetSequences(sequences); err != nil {
			lock.Unlock()
			dst.mu.Unlock()
			return err
		}
	}
	lock.Unlock()
	dst.mu.Unlock()

	dst.mu.Lock()
	if _, err := dst.resyncLocked(false); err != nil {
		dst.mu.Unlock()
		return err
	}
	dstUIDs := dst.folder.UIDs[len(dst.folder.UIDs)-len(items):]
	for i := range items {
		if fn != nil {
			fn(srcUIDs[i], dstUIDs[i])
		}
	}
	dst.mu.Unlock()
	return nil
}

func (m *Mailbox) HighestModSequence() (int64, error) {
	return atomic.LoadInt64(&m.session.modSeq), nil
}

func (m *Mailbox) Close() error { return nil }

func parseDateHeader(v string) (time.Time, error) {
	for _, layout := range []string{time.RFC1123Z, time.RFC1123, "Mon, 2 Jan 2006 15:04:05 -0700"} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("folder: unparseable Date header %q", v)
}

// FindAllFolders walks the MH root and creates DB entries for any
// folder not already known (§4.9 startup task), setting \HasChildren /
// \HasNoChildren based on whether each folder has sub-folders.
func FindAllFolders(root *mh.Store, db *sqlitex.Pool) error {
	conn := db.Get(nil)
	if conn == nil {
		return fmt.Errorf("folder.FindAllFolders: state database unavailable")
	}
	defer db.Put(conn)

	if rec, err := statedb.GetMailbox(conn, "INBOX"); err != nil {
		return err
	} else if rec == nil {
		if err := root.AddFolder("INBOX"); err != nil {
			return err
		}
		uidvv, err := statedb.NextUIDValidity(conn)
		if err != nil {
			return err
		}
		if err := statedb.PutMailbox(conn, &statedb.Mailbox{
			Name: "INBOX", UIDVV: uidvv, NextUID: 1, MTime: time.Now(), LastResync: time.Now(),
		}); err != nil {
			return err
		}
	}

	return walkFolders(root, "", conn)
}

func walkFolders(store *mh.Store, prefix string, conn *sqlite.Conn) error {
	names, err := store.ListFolders()
	if err != nil {
		return err
	}
	for _, name := range names {
		full := name
		if prefix != "" {
			full = prefix + "/" + name
		}
		rec, err := statedb.GetMailbox(conn, full)
		if err != nil {
			return err
		}
		children, err := store.Sub(name).ListFolders()
		if err != nil {
			return err
		}
		attrs := asimap.AttrHasNoChildren
		if len(children) > 0 {
			attrs = asimap.AttrHasChildren
		}
		if rec == nil {
			uidvv, err := statedb.NextUIDValidity(conn)
			if err != nil {
				return err
			}
			if err := statedb.PutMailbox(conn, &statedb.Mailbox{
				Name: full, UIDVV: uidvv, Attributes: int64(attrs), NextUID: 1,
				MTime: time.Now(), LastResync: time.Now(),
			}); err != nil {
				return err
			}
		}
		if err := walkFolders(store.Sub(name), full, conn); err != nil {
			return err
		}
	}
	return nil
}
