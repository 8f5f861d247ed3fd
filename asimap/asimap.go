// Package asimap defines the core domain interfaces shared by the
// dispatcher (imapserver) and the MH-backed mailbox engine (folder):
// Session, Mailbox, Message, and the folder attribute flags from §3 of
// the data model.
//
// Adapted from the teacher's imap package: the shape of Session/Mailbox/
// Message is kept, but RegisterPushDevice/Notifier (Apple Push) are
// dropped since push notifications are outside this server's advertised
// capability set, and Message.Msg now returns a *mime.Msg (parsed raw
// MIME bytes) instead of the teacher's DB-backed *email.Msg.
package asimap

import (
	"sort"
	"time"

	"asimapd.io/asimapd/imapparser"
	"asimapd.io/asimapd/mime"
)

// Session is a logged-in user's view of their mailboxes.
type Session interface {
	Mailboxes() ([]MailboxSummary, error)
	Mailbox(name string) (Mailbox, error)
	CreateMailbox(name string, attr ListAttrFlag) error
	DeleteMailbox(name string) error
	RenameMailbox(old, new string) error
	Close()
}

// Mailbox is a single selected or selectable folder.
type Mailbox interface {
	ID() int64

	Info() (MailboxInfo, error)

	Append(flags []string, internalDate time.Time, data []byte) (uid uint32, err error)

	// Search finds all messages that match op and calls fn for each one.
	Search(op *imapparser.SearchOp, uidCmd bool, fn func(MessageSummary)) error

	// Fetch fetches the messages named by seqs and calls fn for each one.
	//
	// If uid is true then seqs is a set of UIDs, otherwise it is a set
	// of sequence numbers. The Message is only valid for the duration
	// of the call to fn.
	Fetch(uid bool, seqs []imapparser.SeqRange, changedSince int64, fn func(Message)) error

	// Expunge deletes every \Deleted message. If uidSeqs is non-nil,
	// only messages whose UID matches and carry \Deleted are expunged.
	// fn is called with each deleted message's sequence number,
	// recomputed after each prior removal per RFC 3501.
	Expunge(uidSeqs []imapparser.SeqRange, fn func(seqNum uint32)) error

	Store(uid bool, seqs []imapparser.SeqRange, store *imapparser.Store) (StoreResults, error)

	Move(uid bool, seqs []imapparser.SeqRange, dst Mailbox, fn func(seqNum, srcUID, dstUID uint32)) error

	Copy(uid bool, seqs []imapparser.SeqRange, dst Mailbox, fn func(srcUID, dstUID uint32)) error

	HighestModSequence() (int64, error)

	Close() error
}

type MailboxSummary struct {
	Name  string
	Attrs ListAttrFlag
}

type MailboxInfo struct {
	Summary            MailboxSummary
	NumMessages        uint32
	NumRecent          uint32
	NumUnseen          uint32
	UIDNext            uint32
	UIDValidity        uint32
	FirstUnseenSeqNum  uint32
	HighestModSequence int64
}

type StoreResult struct {
	SeqNum      uint32
	UID         uint32
	Flags       []string
	ModSequence int64
}

type StoreResults struct {
	Stored         []StoreResult
	FailedModified []imapparser.SeqRange
}

type MessageSummary struct {
	SeqNum uint32
	UID    uint32
	ModSeq int64
}

// Message is a single fetched message: its folder-level summary plus its
// parsed MIME content.
type Message interface {
	Summary() MessageSummary

	// Msg returns the parsed message. Subsequent calls return the same
	// memory for the lifetime of the enclosing Fetch callback.
	Msg() *mime.Msg

	// Flags returns the message's current IMAP flags, including
	// \Recent and \Seen.
	Flags() []string

	// InternalDate is the message file's mtime.
	InternalDate() time.Time

	// SetSeen sets the \Seen flag on this message, used by BODY[...]
	// fetches that are not BODY.PEEK.
	SetSeen() error
}

// ListAttrFlag is the set of mailbox attributes from §3 of the data
// model: \Marked, \Unmarked, \Noselect, \HasChildren, \HasNoChildren.
type ListAttrFlag int

const (
	AttrNone ListAttrFlag = 0
	AttrNoselect ListAttrFlag = 1 << (iota - 1)
	AttrMarked
	AttrUnmarked
	AttrHasChildren
	AttrHasNoChildren
)

func (attrs ListAttrFlag) String() (res string) {
	for _, attr := range attrList {
		if attrs&attr != 0 {
			s := attrStrings[attr]
			if res == "" {
				res = s
			} else {
				res = res + " " + s
			}
		}
	}
	return res
}

var attrStrings = map[ListAttrFlag]string{
	AttrNoselect:      `\Noselect`,
	AttrMarked:        `\Marked`,
	AttrUnmarked:      `\Unmarked`,
	AttrHasChildren:   `\HasChildren`,
	AttrHasNoChildren: `\HasNoChildren`,
}

var attrList = func() (attrList []ListAttrFlag) {
	for attr := range attrStrings {
		attrList = append(attrList, attr)
	}
	sort.Slice(attrList, func(i, j int) bool { return attrList[i] < attrList[j] })
	return attrList
}()
