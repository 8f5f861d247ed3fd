package imaptest

import (
	"errors"
	"fmt"
	"io"
	"net/mail"
	"reflect"
	"sort"
	"sync"
	"time"

	"crawshaw.io/iox"

	"asimapd.io/asimapd/asimap"
	"asimapd.io/asimapd/imapparser"
	"asimapd.io/asimapd/imapserver"
	"asimapd.io/asimapd/mime"
)

// MemoryStore is an in-memory DataStore used by the imapserver test
// suite. It stands in for the MH-backed store: mailboxes are kept as
// slices of parsed messages rather than on-disk files.
type MemoryStore struct {
	Filer *iox.Filer

	mu            sync.Mutex // guards users map, not the contents of *memoryUser
	users         map[string]*memoryUser
	nextSessionID int64
}

func (s *MemoryStore) AddUser(uname, pass []byte) error {
	s.mu.Lock()
	username, password := string(uname), string(pass)
	if s.users == nil {
		s.users = make(map[string]*memoryUser)
		s.nextSessionID = 1
	}
	if s.users[username] != nil {
		s.mu.Unlock()
		return fmt.Errorf("MemoryStore: user %q already exists", username)
	}
	user := &memoryUser{
		id:              int64(len(s.users) + 1),
		name:            username,
		password:        password,
		mailboxes:       make(map[string]*memoryMailbox),
		uidValidityNext: 500000 + uint32(1000*len(s.users)),
		modSequenceNext: 900000 + int64(1000*len(s.users)),
	}
	s.users[username] = user
	s.mu.Unlock()

	_, session, err := s.Login(nil, uname, pass)
	if err != nil {
		return fmt.Errorf("MemoryStore: user %q initial session failed: %v", username, err)
	}
	defer session.Close()

	mboxes := []struct {
		name string
		attr asimap.ListAttrFlag
	}{
		{"INBOX", 0},
		{"Archive", 0},
		{"Drafts", 0},
		{"Subscriptions", 0},
		{"Sent", 0},
		{"Spam", 0},
		{"Trash", 0},
	}
	for _, mbox := range mboxes {
		if err := session.CreateMailbox(mbox.name, mbox.attr); err != nil {
			return err
		}
	}

	return nil
}

func (s *MemoryStore) SendMsg(date time.Time, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	msg, err := mime.Parse(raw)
	if err != nil {
		return fmt.Errorf("MemoryStore.SendMsg: %v", err)
	}
	to, err := mail.ParseAddress(msg.Root.Header.Get("To"))
	if err != nil {
		return fmt.Errorf("MemoryStore.SendMsg: %v", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[to.Address]
	if user == nil {
		return fmt.Errorf("MemoryStore.SendMsg: no such user %q", to.Address)
	}
	inbox := user.mailboxes["INBOX"]
	_, err = inbox.Append(nil, date, raw)
	return err
}

func (s *MemoryStore) Login(c *imapserver.Conn, username, password []byte) (int64, asimap.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user := s.users[string(username)]
	if user == nil {
		return 0, nil, fmt.Errorf("MemoryStore: no such user %q", string(username))
	}
	if user.password != string(password) {
		return 0, nil, fmt.Errorf("MemoryStore: bad password for user %q", string(username))
	}

	session := &memorySession{
		id:     s.nextSessionID,
		server: s,
		user:   user,
	}
	s.nextSessionID++
	return user.id, session, nil
}

func (s *MemoryStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
}

type memoryUser struct {
	id       int64
	name     string
	password string

	mu              sync.Mutex
	mailboxes       map[string]*memoryMailbox
	nextMailboxID   int64
	uidValidityNext uint32
	modSequenceNext int64
}

type memorySession struct {
	id     int64
	server *MemoryStore
	user   *memoryUser
}

func (s *memorySession) Mailboxes() (summaries []asimap.MailboxSummary, err error) {
	s.user.mu.Lock()
	defer s.user.mu.Unlock()
	for _, m := range s.user.mailboxes {
		summaries = append(summaries, asimap.MailboxSummary{
			Name:  m.name,
			Attrs: m.attrs,
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		n1, n2 := summaries[i].Name, summaries[j].Name
		if n1 == "INBOX" {
			n1 = ""
		}
		if n2 == "INBOX" {
			n2 = ""
		}
		return n1 < n2
	})
	return summaries, nil
}

func (s *memorySession) Mailbox(name string) (asimap.Mailbox, error) {
	s.user.mu.Lock()
	defer s.user.mu.Unlock()

	m := s.user.mailboxes[name]
	if m == nil {
		return nil, fmt.Errorf("MemoryStore: unknown mailbox %s", name)
	}
	return m, nil
}

func (s *memorySession) CreateMailbox(name string, attrs asimap.ListAttrFlag) error {
	s.user.mu.Lock()
	defer s.user.mu.Unlock()

	if s.user.mailboxes[name] != nil {
		return errors.New("memory session: mailbox exists")
	}
	s.user.mailboxes[name] = &memoryMailbox{
		server:    s.server,
		user:      s.user,
		name:      name,
		attrs:     attrs,
		uidnext:   1,
		mailboxID: s.user.nextMailboxID,
	}
	s.user.nextMailboxID++
	return nil
}

func (s *memorySession) DeleteMailbox(name string) error {
	s.user.mu.Lock()
	defer s.user.mu.Unlock()
	m := s.user.mailboxes[name]
	if m == nil {
		return errors.New("memory session: mailbox does not exist")
	}
	delete(s.user.mailboxes, name)
	return nil
}

func (s *memorySession) RenameMailbox(old, new string) error {
	s.user.mu.Lock()
	defer s.user.mu.Unlock()

	m := s.user.mailboxes[old]
	if m == nil {
		return errors.New("MemoryStore: source mailbox does not exist")
	}
	if s.user.mailboxes[new] != nil {
		return errors.New("MemoryStore: destination mailbox exists")
	}
	delete(s.user.mailboxes, old)
	m.name = new
	m.uidValidity = s.user.uidValidityNext
	s.user.uidValidityNext++
	s.user.mailboxes[new] = m
	return nil
}

func (s *memorySession) Close() {
}

type memoryMailbox struct {
	server    *MemoryStore
	user      *memoryUser
	mailboxID int64

	mu          sync.Mutex
	name        string
	attrs       asimap.ListAttrFlag
	msgs        []memoryMsg
	uidnext     uint32
	uidValidity uint32
}

func (m *memoryMailbox) ID() int64 {
	return m.mailboxID
}

func (m *memoryMailbox) Info() (asimap.MailboxInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := asimap.MailboxInfo{
		Summary: asimap.MailboxSummary{
			Name:  m.name,
			Attrs: m.attrs,
		},
		NumMessages: uint32(len(m.msgs)),
		UIDNext:     m.uidnext,
		UIDValidity: m.uidValidity,
	}
	for i := range m.msgs {
		msg := &m.msgs[i]
		unseen := true
		hasRecent := false
		for _, flag := range msg.flags {
			switch flag {
			case `\Recent`:
				hasRecent = true
			case `\Seen`:
				unseen = false
			}
		}
		if unseen && info.FirstUnseenSeqNum == 0 {
			info.FirstUnseenSeqNum = uint32(i + 1)
		}
		if unseen {
			info.NumUnseen++
		}
		if hasRecent {
			info.NumRecent++
		}
		if msg.summary.ModSeq > info.HighestModSequence {
			info.HighestModSequence = msg.summary.ModSeq
		}
	}
	return info, nil
}

func (m *memoryMailbox) Append(flags []string, date time.Time, data []byte) (uint32, error) {
	msg := memoryMsg{raw: data, date: date}

	parsed, err := mime.Parse(data)
	if err != nil {
		return 0, fmt.Errorf("memory.Append: %v", err)
	}
	msg.parsed = parsed

	m.user.mu.Lock()
	msg.summary.ModSeq = m.user.modSequenceNext
	m.user.modSequenceNext++
	m.user.mu.Unlock()

	for _, flag := range flags {
		if flag == `\Recent` {
			continue
		}
		msg.flags = append(msg.flags, flag)
	}
	sort.Strings(msg.flags)

	m.mu.Lock()
	msg.summary.SeqNum = uint32(len(m.msgs) + 1)
	msg.summary.UID = m.uidnext
	m.uidnext++
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()

	return msg.summary.UID, nil
}

func (m *memoryMailbox) Search(op *imapparser.SearchOp, uidCmd bool, fn func(asimap.MessageSummary)) error {
	matcher, err := imapparser.NewMatcher(op)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.msgs {
		msg := &m.msgs[i]
		if matcher.Match(msg) {
			fn(msg.summary)
		}
	}
	return nil
}

func (m *memoryMailbox) Fetch(uid bool, seqs []imapparser.SeqRange, changedSince int64, fn func(asimap.Message)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.msgs {
		msg := &m.msgs[i]
		id := msg.summary.SeqNum
		if uid {
			id = msg.summary.UID
		}
		if !imapparser.SeqContains(seqs, id) {
			continue
		}
		if changedSince >= msg.summary.ModSeq {
			continue
		}

		retMsg := &memoryMessage{mbox: m, msg: msg}
		fn(retMsg)
	}
	return nil
}

func (m *memoryMailbox) Expunge(uidSeqs []imapparser.SeqRange, fn func(seqNum uint32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := 0
	delta := uint32(0)
	for i < len(m.msgs) {
		msg := &m.msgs[i]
		msg.summary.SeqNum -= delta
		if uidSeqs != nil && !imapparser.SeqContains(uidSeqs, msg.summary.UID) {
			i++
			continue
		}
		if hasFlag(msg.flags, `\Deleted`) {
			seqNum := msg.summary.SeqNum
			m.msgs = append(m.msgs[:i], m.msgs[i+1:]...)
			if fn != nil {
				fn(seqNum)
			}
			delta++
		} else {
			i++
		}
	}

	return nil
}

func (m *memoryMailbox) HighestModSequence() (modSeq int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, msg := range m.msgs {
		if msg.summary.ModSeq > modSeq {
			modSeq = msg.summary.ModSeq
		}
	}
	return modSeq, nil
}

func (m *memoryMailbox) Store(uid bool, seqs []imapparser.SeqRange, store *imapparser.Store) (res asimap.StoreResults, err error) {
	var flags []string
	for _, f := range store.Flags {
		flags = append(flags, string(f))
	}
	var flagset map[string]bool
	if store.Mode == imapparser.StoreRemove {
		flagset = make(map[string]bool)
		for _, f := range flags {
			flagset[f] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.msgs {
		msg := &m.msgs[i]
		id := msg.summary.SeqNum
		if uid {
			id = msg.summary.UID
		}
		if !imapparser.SeqContains(seqs, id) {
			continue
		}
		if hasFlag(flags, `\Recent`) {
			return res, errors.New(`\Recent flag may not be set or removed by STORE`)
		}
		changed := false
		switch store.Mode {
		case imapparser.StoreAdd:
			for _, flag := range flags {
				if !hasFlag(msg.flags, flag) {
					changed = true
					msg.flags = append(msg.flags, flag)
				}
			}
			sort.Strings(msg.flags)
		case imapparser.StoreRemove:
			var newFlags []string
			for _, flag := range msg.flags {
				if !flagset[flag] {
					changed = true
					newFlags = append(newFlags, flag)
				}
			}
			msg.flags = newFlags
		case imapparser.StoreReplace:
			recent := hasFlag(msg.flags, `\Recent`)
			changed = !reflect.DeepEqual(msg.flags, flags)
			msg.flags = append(msg.flags[:0], flags...)
			if recent {
				msg.flags = append(msg.flags, `\Recent`)
			}
			sort.Strings(msg.flags)
		}

		if !changed {
			continue
		}

		m.user.mu.Lock()
		newModSeq := m.user.modSequenceNext
		m.user.modSequenceNext++
		m.user.mu.Unlock()

		msg.summary.ModSeq = newModSeq

		res.Stored = append(res.Stored, asimap.StoreResult{
			Flags:       msg.flags,
			ModSequence: msg.summary.ModSeq,
			SeqNum:      msg.summary.SeqNum,
			UID:         msg.summary.UID,
		})
	}
	return res, nil
}

func (m *memoryMailbox) Move(uid bool, seqs []imapparser.SeqRange, dstMbox asimap.Mailbox, fn func(seqNum, srcUID, dstUID uint32)) error {
	dst := dstMbox.(*memoryMailbox)
	if dst == m {
		return fmt.Errorf("memory.Move: cannot move a mailbox to itself")
	}

	m.mu.Lock()
	dst.mu.Lock()
	defer m.mu.Unlock()
	defer dst.mu.Unlock()

	i := 0
	seqDelta := uint32(0)
	for i < len(m.msgs) {
		msg := &m.msgs[i]
		msg.summary.SeqNum -= seqDelta
		id := msg.summary.SeqNum
		if uid {
			id = msg.summary.UID
		}
		if !imapparser.SeqContains(seqs, id) {
			i++
			continue
		}
		seqDelta++

		dst.msgs = append(dst.msgs, *msg)
		moved := &dst.msgs[len(dst.msgs)-1]
		m.msgs = append(m.msgs[:i], m.msgs[i+1:]...)

		newUID := dst.uidnext
		dst.uidnext++

		if fn != nil {
			fn(moved.summary.SeqNum, moved.summary.UID, newUID)
		}

		moved.summary.UID = newUID
		moved.summary.SeqNum = uint32(len(dst.msgs))
	}

	return nil
}

func (m *memoryMailbox) Copy(uid bool, seqs []imapparser.SeqRange, dstMbox asimap.Mailbox, fn func(srcUID, dstUID uint32)) error {
	dst := dstMbox.(*memoryMailbox)
	if dst == m {
		return fmt.Errorf("memory.Copy: cannot copy a mailbox to itself")
	}

	m.mu.Lock()
	dst.mu.Lock()
	defer m.mu.Unlock()
	defer dst.mu.Unlock()

	for i := 0; i < len(m.msgs); i++ {
		msg := m.msgs[i]

		id := msg.summary.SeqNum
		if uid {
			id = msg.summary.UID
		}
		if !imapparser.SeqContains(seqs, id) {
			continue
		}

		newUID := dst.uidnext
		dst.uidnext++

		if fn != nil {
			fn(msg.summary.UID, newUID)
		}

		msg.summary.UID = newUID
		msg.summary.SeqNum = uint32(len(dst.msgs) + 1)
		dst.msgs = append(dst.msgs, msg)
	}

	return nil
}

func (m *memoryMailbox) Close() error {
	return nil
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// memoryMessage adapts a memoryMsg to asimap.Message for the duration
// of a single Fetch callback.
type memoryMessage struct {
	mbox *memoryMailbox
	msg  *memoryMsg
}

func (m *memoryMessage) Summary() asimap.MessageSummary { return m.msg.summary }

func (m *memoryMessage) Msg() *mime.Msg { return m.msg.parsed }

func (m *memoryMessage) Flags() []string {
	flags := append([]string{}, m.msg.flags...)
	return flags
}

func (m *memoryMessage) InternalDate() time.Time { return m.msg.date }

func (m *memoryMessage) SetSeen() error {
	m.mbox.mu.Lock()
	defer m.mbox.mu.Unlock()
	if hasFlag(m.msg.flags, `\Seen`) {
		return nil
	}
	m.msg.flags = append(m.msg.flags, `\Seen`)
	sort.Strings(m.msg.flags)
	return nil
}

// memoryMsg is the mailbox's internal record for one message; it also
// implements imapparser.MatchMessage for SEARCH.
type memoryMsg struct {
	summary asimap.MessageSummary
	raw     []byte
	parsed  *mime.Msg
	flags   []string
	date    time.Time
}

func (msg *memoryMsg) UID() uint32    { return msg.summary.UID }
func (msg *memoryMsg) SeqNum() uint32 { return msg.summary.SeqNum }
func (msg *memoryMsg) ModSeq() int64  { return msg.summary.ModSeq }
func (msg *memoryMsg) Date() time.Time { return msg.date }
func (msg *memoryMsg) Flag(name string) bool {
	return hasFlag(msg.flags, name)
}
func (msg *memoryMsg) Header(name string) string {
	return msg.parsed.Root.Header.Get(name)
}
func (msg *memoryMsg) RFC822Size() int64 {
	return int64(len(msg.raw))
}
func (msg *memoryMsg) RawHeader() string {
	return string(msg.parsed.Root.HeaderRaw)
}
func (msg *memoryMsg) BodyText() string {
	return msg.parsed.AllText()
}
func (msg *memoryMsg) SentDate() time.Time {
	if date, err := mail.ParseDate(msg.parsed.Root.Header.Get("Date")); err == nil {
		return date
	}
	return msg.date
}
