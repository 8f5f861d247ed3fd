// Package asimaperr defines the typed error taxonomy shared by the wire
// parser, the MH store adapter, and the mailbox state engine.
//
// Handlers in imapserver switch on these types to decide whether a failure
// is reported to the client as BAD (malformed input, or a lock timeout
// with a try-again hint), NO (a protocol-level refusal), or ends the
// session with BYE (mailbox inconsistency). Neither kind of mailbox error
// is resynced and retried by the server.
package asimaperr

import "fmt"

// Kind classifies an error for the dispatcher's response-writing policy.
type Kind int

const (
	KindBad Kind = iota
	KindNo
)

// ParseError is returned by the wire parser. Its Kind is always KindBad;
// the dispatcher writes it as a tagged BAD.
type ParseError struct {
	Reason string // BadSyntax, UnknownCommand, UnknownSearchKey, BadLiteral
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func BadSyntax(detail string) *ParseError      { return &ParseError{Reason: "BadSyntax", Detail: detail} }
func UnknownCommand(detail string) *ParseError { return &ParseError{Reason: "UnknownCommand", Detail: detail} }
func UnknownSearchKey(detail string) *ParseError {
	return &ParseError{Reason: "UnknownSearchKey", Detail: detail}
}
func BadLiteral(detail string) *ParseError { return &ParseError{Reason: "BadLiteral", Detail: detail} }

// ProtoError is a protocol-level refusal: wrong state, APPEND to a missing
// folder, STORE \Recent, and so on. Code, when non-empty, is an IMAP
// response code such as "TRYCREATE" and is rendered as "NO [CODE] text".
type ProtoError struct {
	Text string
	Code string
}

func (e *ProtoError) Error() string { return e.Text }

func No(text string) *ProtoError               { return &ProtoError{Text: text} }
func NoTryCreate(text string) *ProtoError      { return &ProtoError{Text: text, Code: "TRYCREATE"} }
func NoCode(code, text string) *ProtoError     { return &ProtoError{Text: text, Code: code} }

// MailboxInconsistency is raised when on-disk MH state disagrees with the
// folder's cached expectations (a malformed UID header, a key listed in
// .mh_sequences with no corresponding file, and so on). The dispatcher
// answers it with an unceremonious BYE and closes the connection; it does
// not clear the cache, force a resync or retry the command first.
type MailboxInconsistency struct {
	Mailbox string
	MsgKey  int
	Reason  string
}

func (e *MailboxInconsistency) Error() string {
	return fmt.Sprintf("mailbox inconsistency in %q, msg key %d: %s", e.Mailbox, e.MsgKey, e.Reason)
}

// MailboxLock is raised when the folder's advisory lock could not be
// acquired within the configured timeout. The dispatcher answers the
// command with a tagged BAD asking the client to try again; the command
// is not re-queued or retried by the server.
type MailboxLock struct {
	Mailbox string
}

func (e *MailboxLock) Error() string {
	return fmt.Sprintf("unable to lock mailbox %q, try again", e.Mailbox)
}

// NotFound is returned by the MH store adapter when an operation
// references a message key or folder name that does not exist.
type NotFound struct {
	What string
}

func (e *NotFound) Error() string { return e.What + " not found" }
