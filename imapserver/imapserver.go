// Package imapserver implements an IMAP server as described in RFC 3501.
//
// To use this package, implement the DataStore interface, which is built
// on the Session and Mailbox interfaces defined in the asimap package.
//
// Supported extension RFCs:
//
//	RFC 2177 IDLE
//	RFC 2971 ID
//	RFC 3691 UNSELECT
//	RFC 4315 UIDPLUS
//	RFC 7888 LITERAL+
//	RFC 3348 CHILDREN
//
// TLS termination, credential verification and login throttling are not
// this package's concern: a Conn is handed an already-accepted net.Conn
// and an authenticated session comes from DataStore.Login. Whatever sits
// in front of this server (a TLS-terminating proxy, a per-user process
// supervisor) is responsible for that.
package imapserver

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"regexp"
	"runtime"
	"runtime/debug"
	"runtime/trace"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"crawshaw.io/iox"
	"github.com/google/uuid"

	"asimapd.io/asimapd/asimap"
	"asimapd.io/asimapd/asimaperr"
	"asimapd.io/asimapd/imapparser"
	"asimapd.io/asimapd/imapparser/utf7mod"
)

var ErrServerClosed = errors.New("imapserver: Server closed")
var ErrBadCredentials = errors.New("imapserver: bad credentials")

type Server struct {
	Rand      io.Reader
	MaxConns  int
	Filer     *iox.Filer
	Logf      func(format string, v ...interface{})
	DataStore DataStore
	Debug     func(sessionID string) io.WriteCloser
	Version   string

	ln net.Listener

	shutdown         chan struct{}
	shutdownCtx      context.Context
	shutdownComplete chan struct{}

	connsMu   sync.Mutex
	connsCond *sync.Cond
	conns     map[*Conn]struct{}
	users     map[int64]*user // connsMu guards map access, value contents independent
}

// DataStore authenticates clients and hands back their per-user session.
type DataStore interface {
	// Login authenticates a user and creates a session for them.
	//
	// Each Login call creates a separate session for a different Conn.
	//
	// The returned userID is, to imapserver, a unique opaque value
	// associated with a user. The username may change, but the userID
	// never does, and is used to associate sessions together.
	Login(c *Conn, username, password []byte) (userID int64, s asimap.Session, err error)
}

type user struct {
	mu     sync.Mutex
	userID int64
	conns  map[*Conn]struct{}
}

func (server *Server) Shutdown(ctx context.Context) error {
	server.shutdownCtx = ctx
	close(server.shutdown)
	server.ln.Close()

	<-server.shutdownComplete

	return nil
}

// Serve accepts connections on ln and serves IMAP sessions on them until
// Shutdown is called. The listener is expected to already hand back
// plaintext (or already TLS-terminated) byte streams; this package does
// not perform TLS itself.
func (server *Server) Serve(ln net.Listener) error {
	if server.Rand == nil {
		server.Rand = rand.Reader
	}
	if server.MaxConns == 0 {
		server.MaxConns = 1 << 14
	}

	server.connsMu.Lock()
	server.connsCond = sync.NewCond(&server.connsMu)
	server.conns = make(map[*Conn]struct{})
	server.users = make(map[int64]*user)
	server.connsMu.Unlock()

	server.shutdown = make(chan struct{})
	server.shutdownComplete = make(chan struct{})
	server.ln = ln
	defer func() {
		ln.Close()
		close(server.shutdownComplete)
	}()

	var tempDelay time.Duration // sleep on accept failure

acceptLoop:
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-server.shutdown:
				break acceptLoop
			default:
			}
			if ne, _ := err.(net.Error); ne != nil && ne.Temporary() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				}
				tempDelay *= 2
				if tempDelay > 1*time.Second {
					tempDelay = 1 * time.Second
				}
				server.Logf("accept: %v", err)
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		go server.serveSession(c)
	}

	// Cleanup
	for {
		select {
		case <-server.shutdownCtx.Done():
			server.connsMu.Lock()
			for c := range server.conns {
				c.close()
			}
			server.connsMu.Unlock()

			return ErrServerClosed
		default:
			// Check on connections
			server.connsMu.Lock()
			numSessions := len(server.conns)
			server.connsMu.Unlock()

			if numSessions == 0 {
				return ErrServerClosed
			}

			select {
			case <-server.shutdownCtx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

func (server *Server) genSessionID() (string, error) {
	id, err := uuid.NewRandomFromReader(server.Rand)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (server *Server) getUser(userID int64) *user {
	server.connsMu.Lock()
	defer server.connsMu.Unlock()

	u := server.users[userID]
	if u == nil {
		u = &user{
			conns: make(map[*Conn]struct{}),
		}
		server.users[userID] = u
	}
	return u
}

func (server *Server) serveSession(netConn net.Conn) {
	sessionID, err := server.genSessionID()
	if err != nil {
		server.Logf("generating session ID failed: %v", err)
		netConn.Close()
		return
	}

	c := &Conn{
		ID: sessionID,
		Logf: func(format string, v ...interface{}) {
			server.Logf("session("+sessionID+"): "+format, v...)
		},

		server:  server,
		netConn: netConn,
	}

	if server.Debug != nil {
		c.debugFile = server.Debug(sessionID)
		if c.debugFile != nil {
			c.debugW = newDebugWriter(sessionID, server.Logf, c.debugFile)
		}
	}
	c.initBufio(c.netConn, c.netConn)

	server.connsMu.Lock()
	for len(server.conns) > server.MaxConns {
		server.connsCond.Wait()
	}
	server.conns[c] = struct{}{}
	server.connsMu.Unlock()

	c.serve()
}

type Conn struct {
	Context context.Context
	ID      string
	Logf    func(format string, v ...interface{})

	userID   int64
	session  asimap.Session
	mailbox  asimap.Mailbox
	readOnly bool

	debugFile io.WriteCloser
	debugW    *debugWriter

	server  *Server
	netConn net.Conn
	br      *bufio.Reader
	p       *imapparser.Parser

	bwMu        sync.Mutex
	bw          *bufio.Writer
	idleStarted bool // IDLE has been entered at least once since SELECT
	idling      bool // IDLE in progress
	updates     []idleUpdate
}

func (c *Conn) initBufio(r io.Reader, w io.Writer) {
	if c.debugFile == nil {
		c.br = bufio.NewReader(r)
		c.bw = bufio.NewWriter(w)
	} else {
		c.br = bufio.NewReader(io.TeeReader(r, c.debugW.client))
		c.bw = bufio.NewWriter(io.MultiWriter(c.debugW.server, w))
	}
	if c.p != nil {
		c.p.Scanner.SetSource(c.br)
	}
}

func (c *Conn) flush() error {
	return c.bw.Flush()
}

func (c *Conn) writef(format string, v ...interface{}) {
	fmt.Fprintf(c.bw, format, v...)
}

// "<s.p.Command.Tag> msg\r\n"
func (c *Conn) respondln(format string, v ...interface{}) {
	c.bw.Write(c.p.Command.Tag)
	c.bw.WriteByte(' ')
	fmt.Fprintf(c.bw, format, v...)
	c.bw.WriteByte('\r')
	c.bw.WriteByte('\n')
	if err := c.flush(); err != nil {
		c.close()
	}
}

// respondErr writes the tagged response appropriate to err's asimaperr
// kind: a parse error is BAD; a protocol refusal is NO [code]; a
// mailbox-lock timeout is BAD with a try-again hint and is not re-queued;
// a mailbox inconsistency ends the session with an unceremonious BYE, with
// no cache clear, resync or retry attempted first. Anything else is a
// generic NO.
func (c *Conn) respondErr(verb string, err error) {
	var proto *asimaperr.ProtoError
	if errors.As(err, &proto) {
		if proto.Code != "" {
			c.respondln("NO [%s] %s", proto.Code, proto.Text)
		} else {
			c.respondln("NO %s", proto.Text)
		}
		return
	}
	var lock *asimaperr.MailboxLock
	if errors.As(err, &lock) {
		c.respondln("BAD unable to lock mailbox %s, try again", lock.Mailbox)
		return
	}
	var inconsistent *asimaperr.MailboxInconsistency
	if errors.As(err, &inconsistent) {
		c.unceremoniousBye(fmt.Sprintf("mailbox %s is inconsistent", inconsistent.Mailbox))
		return
	}
	var parse *asimaperr.ParseError
	if errors.As(err, &parse) {
		c.respondln("BAD %v", err)
		return
	}
	c.respondln("NO %s %v", verb, err)
}

// unceremoniousBye sends a BYE and closes the connection, used when a
// selected mailbox has disappeared or a mailbox inconsistency is
// reported.
func (c *Conn) unceremoniousBye(msg string) {
	c.writef("* BYE %s\r\n", msg)
	c.flush()
	c.close()
}

func (c *Conn) close() {
	c.closeMailbox()
	if c.debugFile != nil {
		c.flush()
		io.CopyN(ioutil.Discard, c.br, int64(c.br.Buffered()))
		c.netConn.SetReadDeadline(time.Now())
		io.Copy(ioutil.Discard, c.br)
	}
	c.netConn.Close()
}

func (c *Conn) writeStringBytes(s []byte) {
	c.writeString(string(s))
}

func (c *Conn) writeString(s string) {
	if s == "" {
		c.writef(`""`)
		return
	}

	type strType int

	const (
		strLiteral strType = iota
		strQuote
		strAtom
	)

	strTypeVal := strAtom
	sCheck := s
	for len(sCheck) > 0 {
		r, sz := utf8.DecodeRuneInString(sCheck)
		sCheck = sCheck[sz:]
		if r == utf8.RuneError || r == '\r' || r == '\n' {
			strTypeVal = strLiteral
			break
		}
		if r == '"' {
			strTypeVal = strLiteral
			break
		}
		switch {
		case 'A' <= r && r <= 'Z',
			'a' <= r && r <= 'z',
			'0' <= r && r <= '9',
			r == '-', r == '_', r == '.':
			// easily-allowable in an atom
		default:
			strTypeVal = strQuote
		}
	}

	if strTypeVal == strAtom {
		c.bw.WriteString(s)
		return
	}

	b := make([]byte, 0, 128)
	b, err := utf7mod.AppendEncode(b, []byte(s))
	if err != nil {
		c.Logf("cannot encode string %q", s)
	}

	switch strTypeVal {
	case strLiteral:
		c.writef("{%d}\r\n", len(s))
		c.flush()
		if c.debugW != nil {
			c.debugW.server.literalDataFollows(len(s))
		}
		c.bw.Write(b)
	case strQuote:
		c.writef("%q", b)
	default:
		panic("invalid strTypeVal")
	}
}

func (c *Conn) writeLiteral(r io.Reader, n int64) {
	c.writef("{%d}\r\n", n)
	c.flush()
	if c.debugW != nil {
		c.debugW.server.literalDataFollows(int(n))
	}
	if n2, err := io.CopyN(c.bw, r, n); err != nil {
		c.Logf("writeLiteral(n=%d) failed: %v (n2=%d)", n, err, n2)
	}
}

func (c *Conn) writeUpdates() {
	// Remove out of date EXISTS messages.
	countCount := 0
	for _, update := range c.updates {
		if update.typ == idleTotalCount {
			countCount++
		}
	}
	if countCount > 1 {
		orig := c.updates
		c.updates = c.updates[:0]
		for _, update := range orig {
			if update.typ == idleTotalCount && countCount > 1 {
				countCount--
				continue
			}
			c.updates = append(c.updates, update)
		}
	}

	for _, update := range c.updates {
		switch update.typ {
		case idleExpunge:
			c.writef("* %d EXPUNGE\r\n", update.value)
		case idleTotalCount:
			c.writef("* %d EXISTS\r\n", update.value)
		case idleFetch:
			if update.withUID {
				c.writef("* %d FETCH (FLAGS (%s) UID %d)\r\n", update.value, strings.Join(update.flags, " "), update.uid)
			} else {
				c.writef("* %d FETCH (FLAGS (%s))\r\n", update.value, strings.Join(update.flags, " "))
			}
		}
	}
	if len(c.updates) > 0 {
		c.flush()
		c.updates = c.updates[:0]
	}
}

func (srcConn *Conn) sendIdleUpdate(mailboxID int64, update idleUpdate) {
	srcConn.server.connsMu.Lock()
	user := srcConn.server.users[srcConn.userID]
	srcConn.server.connsMu.Unlock()
	if user == nil {
		return
	}

	user.mu.Lock()
	defer user.mu.Unlock()
	for c := range user.conns {
		if srcConn == c {
			// already holding lock
			if !update.skipSelf && c.mailbox != nil && c.mailbox.ID() == mailboxID && c.idleStarted {
				c.updates = append(c.updates, update)
			}
			continue
		}

		c.bwMu.Lock()
		if c.mailbox != nil && c.mailbox.ID() == mailboxID && c.idleStarted {
			c.updates = append(c.updates, update)
			if c.idling {
				c.writeUpdates()
			}
		}
		c.bwMu.Unlock()
	}
}

type idleUpdateType int

const (
	idleTotalCount idleUpdateType = iota + 1
	idleExpunge
	idleFetch
)

// idleUpdate is a change in the Mailbox state, either observed directly
// or forwarded from another session sharing the same mailbox.
type idleUpdate struct {
	typ      idleUpdateType
	value    uint32 // EXISTS count, EXPUNGE/FETCH msn
	skipSelf bool

	// flags and uid are only set for idleFetch, the resync-driven
	// unsolicited "* <msn> FETCH (FLAGS (...))" fan-out (§4.4): another
	// client's STORE changed this message's sequence membership.
	flags   []string
	uid     uint32
	withUID bool
}

func (c *Conn) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	ctx, task := trace.NewTask(ctx, "imap-session")
	c.Context = ctx

	start := time.Now()
	c.Logf("%s", logMsg{What: "session_start", When: start, ID: c.ID})

	defer func() {
		c.closeMailbox()
		if c.session != nil {
			c.session.Close()
		}

		c.Logf("%s", logMsg{What: "session_end", When: time.Now(), Duration: time.Since(start), ID: c.ID, UserID: c.userID})

		task.End()
		cancel()

		c.close()
		if c.debugFile != nil {
			if err := c.debugFile.Close(); err != nil {
				c.Logf("%v", err)
			}
		}

		c.server.connsMu.Lock()
		delete(c.server.conns, c)
		if c.userID != 0 {
			u := c.server.users[c.userID]
			if u != nil {
				u.mu.Lock()
				delete(u.conns, c)
				u.mu.Unlock()
			}
		}
		c.server.connsCond.Signal()
		c.server.connsMu.Unlock()

		if r := recover(); r != nil {
			c.Logf("panic: %s", string(debug.Stack()))
			panic(r)
		}
	}()
	litf := c.server.Filer.BufferFile(0)
	defer litf.Close()

	c.bwMu.Lock()
	c.writef("* OK IMAP4rev1 asimapd ready\r\n")
	if err := c.flush(); err != nil {
		c.close()
	}
	c.bwMu.Unlock()

	contFn := func(msg string, len uint32) {
		c.bwMu.Lock()
		defer c.bwMu.Unlock()
		c.writef(msg)
		c.flush()

		if c.debugW != nil {
			c.debugW.client.literalDataFollows(int(len))
		}
	}

	c.p = &imapparser.Parser{
		Scanner: imapparser.NewScanner(c.br, litf, contFn),
	}

	for {
		c.br.Peek(1) // block until the client sends something
		if !c.serveParseCmd() {
			break
		}
	}
}

// capability is the single CAPABILITY string this server advertises, in
// every connection state: IMAP4REV1 IDLE ID UNSELECT UIDPLUS LITERAL+
// CHILDREN. No CONDSTORE, QRESYNC, ESEARCH, COMPRESS, STARTTLS or Apple
// push extension is offered.
const capability = `IMAP4REV1 IDLE ID UNSELECT UIDPLUS LITERAL+ CHILDREN`

func (c *Conn) serveParseCmd() bool {
	origCtx := c.Context
	ctx, task := trace.NewTask(c.Context, "imap-request")
	c.Context = ctx
	defer func() {
		task.End()
		c.Context = origCtx
	}()

	trace.Log(c.Context, "session-id", c.ID)

	if err := c.p.ParseCommand(); err == io.EOF {
		return false
	} else if ne, _ := err.(net.Error); ne != nil {
		return false
	} else if te, isTagged := err.(imapparser.TaggedError); isTagged {
		c.bwMu.Lock()
		fmt.Fprintf(c.bw, "%s BAD %v\r\n", te.Tag, te.Err)
		c.flush()
		c.bwMu.Unlock()
		return true
	} else if _, isParseError := err.(imapparser.ParseError); isParseError {
		c.bwMu.Lock()
		c.Logf("parse error: %v", err)
		trace.Logf(c.Context, "parse_error", "%v", err)
		fmt.Fprintf(c.bw, "* BAD %v\r\n", err)
		c.flush()
		c.bwMu.Unlock()
		return true
	} else if err != nil {
		c.bwMu.Lock()
		c.Logf("conn error: %v", err)
		trace.Logf(c.Context, "conn_error", "%v", err)
		fmt.Fprintf(c.bw, "* BAD connection error\r\n")
		c.flush()
		c.bwMu.Unlock()
		return false
	}
	trace.Logf(c.Context, "imap-request-cmd", "%v", c.p.Command)
	c.serveCmd()
	return true
}

func (c *Conn) serveCmd() {
	c.bwMu.Lock()
	defer c.bwMu.Unlock()

	c.writeUpdates()

	cmd := &c.p.Command
	switch cmd.Name {
	case "CAPABILITY":
		c.writef("* CAPABILITY %s\r\n", capability)
		c.respondln("OK Completed")

	case "LOGOUT":
		c.writef("* BYE\r\n%s OK Completed\r\n", cmd.Tag)
		c.flush()
		c.close()

	case "NOOP":
		c.respondln("OK nothing offered, nothing given")

	case "LOGIN", "AUTHENTICATE":
		if c.p.Mode != imapparser.ModeNonAuth {
			c.respondln("BAD wrong mode")
			return
		}
		userID, session, err := c.server.DataStore.Login(c, cmd.Auth.Username, cmd.Auth.Password)
		if err == ErrBadCredentials {
			c.respondln("NO bad credentials")
			return
		} else if err != nil {
			c.respondln("BAD %v", err)
			return
		}
		trace.Logf(c.Context, "username", "%s", cmd.Auth.Username)
		c.p.Mode = imapparser.ModeAuth
		c.userID = userID
		c.session = session

		u := c.server.getUser(userID)

		u.mu.Lock()
		u.conns[c] = struct{}{}
		u.mu.Unlock()

		c.respondln("OK [CAPABILITY %s] logged in", capability)

	case "STARTTLS":
		c.respondln("BAD TLS is terminated ahead of this server")

	case "APPEND":
		c.cmdAppend()
	case "CREATE":
		if err := c.session.CreateMailbox(string(cmd.Mailbox), asimap.AttrNone); err != nil {
			c.respondErr("CREATE", err)
		} else {
			c.respondln("OK CREATE completed")
		}
	case "DELETE":
		if err := c.session.DeleteMailbox(string(cmd.Mailbox)); err != nil {
			c.respondErr("DELETE", err)
		} else {
			c.respondln("OK DELETE completed")
		}
	case "ENABLE":
		c.respondln("OK completed")
	case "EXAMINE":
		c.cmdSelect()
	case "ID":
		buf := new(bytes.Buffer)
		for i, param := range c.p.Command.Params {
			if i > 0 {
				buf.WriteString(", ")
			}
			fmt.Fprintf(buf, "%s", param)
		}
		c.Logf("client-id: [%s]", buf.String())
		c.writef(`* ID ("name" "asimapd" "version" %q "vendor" "asimapd" `+
			`"support-url" "https://asimapd.io/asimapd" "command" %q "os" %q)`+"\r\n",
			c.server.Version, "asimapd", runtime.GOOS)
		c.respondln("OK success")
	case "IDLE":
		c.idleStarted = true
		c.idling = true
		if c.mailbox != nil {
			c.writeUpdates()
		}
		c.writef("+ idling\r\n")

		c.bwMu.Unlock()
		sl, err := c.br.ReadSlice('\n')
		c.bwMu.Lock()

		if err != nil {
			c.respondln("BAD IDLE terminated: %v", err)
		} else if strings.EqualFold(string(sl), "DONE\r\n") {
			c.respondln("OK IDLE terminated")
		} else {
			c.respondln("BAD IDLE terminated: unrecognized response: %q", string(sl))
		}

		c.idling = false
	case "LIST", "LSUB":
		c.cmdList()
	case "RENAME":
		old, new := string(c.p.Command.Rename.OldMailbox), string(c.p.Command.Rename.NewMailbox)
		if err := c.session.RenameMailbox(old, new); err != nil {
			c.respondErr("RENAME", err)
		} else {
			c.respondln("OK RENAME completed")
		}
	case "SELECT":
		c.cmdSelect()
	case "STATUS":
		c.cmdStatus()
	case "SUBSCRIBE":
		c.respondln("OK SUBSCRIBE completed")
	case "UNSUBSCRIBE":
		c.respondln("OK UNSUBSCRIBE completed")
	case "CHECK":
		if c.mailbox != nil {
			if _, err := c.mailbox.Info(); err != nil {
				c.respondErr("CHECK", err)
				return
			}
		}
		c.respondln("OK CHECK completed")
	case "CLOSE":
		c.cmdCloseOrUnselect(true)
	case "UNSELECT":
		c.cmdCloseOrUnselect(false)
	case "EXPUNGE":
		c.cmdExpunge()
	case "COPY", "MOVE":
		c.cmdCopyOrMove()
	case "FETCH":
		c.cmdFetch()
	case "STORE":
		c.cmdStore()
	case "SEARCH":
		c.cmdSearch()
	}
}

func (c *Conn) closeMailbox() {
	if c.mailbox == nil {
		return
	}
	if err := c.mailbox.Close(); err != nil {
		c.writef("* BAD CLOSE server error: %v\r\n", err)
	}
	c.readOnly = false
	c.mailbox = nil
	c.p.Mode = imapparser.ModeAuth
	c.updates = c.updates[:0]
	c.idling = false
	c.idleStarted = false
}

// cmdCloseOrUnselect implements CLOSE (expunge, then deselect) and
// UNSELECT (RFC 3691: deselect without expunging).
func (c *Conn) cmdCloseOrUnselect(expunge bool) {
	if expunge {
		fn := func(seqNum uint32) {
			c.sendIdleUpdate(c.mailbox.ID(), idleUpdate{
				typ:      idleExpunge,
				value:    seqNum,
				skipSelf: true,
			})
		}
		if err := c.mailbox.Expunge(nil, fn); err != nil {
			c.respondErr("CLOSE", err)
			return
		}
		if info, err := c.mailbox.Info(); err == nil {
			c.sendIdleUpdate(c.mailbox.ID(), idleUpdate{
				typ:      idleTotalCount,
				value:    info.NumMessages,
				skipSelf: true,
			})
		}
		c.closeMailbox()
		c.respondln("OK CLOSE completed, returned to authenticated state")
	} else {
		c.closeMailbox()
		c.respondln("OK UNSELECT completed")
	}
}

func (c *Conn) cmdAppend() {
	cmd := &c.p.Command

	mailbox, err := c.session.Mailbox(string(cmd.Mailbox))
	if err != nil {
		c.respondErr("APPEND", err)
		return
	}
	if mailbox == nil {
		c.respondln("NO [TRYCREATE] no such mailbox")
		return
	}

	var date time.Time
	if len(cmd.Append.Date) > 0 {
		var err error
		date, err = time.Parse("02-Jan-2006 15:04:05 -0700", string(cmd.Append.Date))
		if err != nil {
			c.respondln("BAD APPEND bad date %v", err)
			return
		}
	}

	var data []byte
	if cmd.Literal != nil && cmd.Literal.Size() > 0 {
		r := io.NewSectionReader(cmd.Literal, 0, cmd.Literal.Size())
		data, err = ioutil.ReadAll(r)
		if err != nil {
			c.respondln("BAD APPEND could not read literal: %v", err)
			return
		}
	}

	flags := make([]string, 0, len(cmd.Append.Flags))
	for _, f := range cmd.Append.Flags {
		flags = append(flags, string(f))
	}

	uid, err := mailbox.Append(flags, date, data)
	if err != nil {
		c.respondErr("APPEND", err)
		return
	}
	info, err := mailbox.Info()
	if err == nil {
		c.sendIdleUpdate(mailbox.ID(), idleUpdate{
			typ:   idleTotalCount,
			value: info.NumMessages,
		})
	}

	c.writeUpdates()
	// APPENDUID is defined in RFC 4315.
	c.respondln("OK [APPENDUID %d %d] APPEND completed", info.UIDValidity, uid)
}

func (c *Conn) cmdExpunge() {
	var uidSeqs []imapparser.SeqRange
	if c.p.Command.UID {
		uidSeqs = c.p.Command.Sequences
	}
	err := c.mailbox.Expunge(uidSeqs, func(seqNum uint32) {
		c.sendIdleUpdate(c.mailbox.ID(), idleUpdate{
			typ:      idleExpunge,
			value:    seqNum,
			skipSelf: true,
		})
		c.writef("* %d EXPUNGE\r\n", seqNum)
	})
	if err != nil {
		c.respondErr("EXPUNGE", err)
		return
	}
	if info, err := c.mailbox.Info(); err == nil {
		c.sendIdleUpdate(c.mailbox.ID(), idleUpdate{
			typ:   idleTotalCount,
			value: info.NumMessages,
		})
	}
	c.respondln("OK EXPUNGE completed")
}

// mailboxGlobToRegexp translates an IMAP mailbox glob into an anchored
// regexp: '*' matches any sequence of characters including the
// hierarchy delimiter, '%' matches any sequence except the delimiter.
func mailboxGlobToRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '%':
			b.WriteString("[^/]*")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.MustCompile(b.String())
}

func (c *Conn) cmdList() {
	cmd := &c.p.Command
	if len(cmd.List.ReferenceName) == 0 && len(cmd.List.MailboxGlob) == 0 {
		c.writef(`* %s (\Noselect) "/" ""`+"\r\n", cmd.Name)
		c.respondln("OK Success")
		return
	}

	full := string(cmd.List.ReferenceName) + string(cmd.List.MailboxGlob)
	re := mailboxGlobToRegexp(full)

	list, err := c.session.Mailboxes()
	if err != nil {
		c.respondErr(cmd.Name, err)
		return
	}

	for _, s := range list {
		if !re.MatchString(s.Name) {
			continue
		}
		attrs := s.Attrs
		if cmd.Name == "LSUB" {
			attrs &^= asimap.AttrHasChildren | asimap.AttrHasNoChildren
		}
		c.writef("* %s (%s) \"/\" ", cmd.Name, attrs.String())
		c.writeString(s.Name)
		c.writef("\r\n")
	}
	c.respondln("OK Success")
}

func (c *Conn) cmdSelect() {
	cmd := &c.p.Command

	c.closeMailbox()

	var err error
	c.readOnly = cmd.Name == "EXAMINE"
	c.mailbox, err = c.session.Mailbox(string(cmd.Mailbox))
	if err != nil {
		c.p.Mode = imapparser.ModeAuth
		c.respondErr(cmd.Name, err)
		return
	}
	if c.mailbox == nil {
		c.p.Mode = imapparser.ModeAuth
		c.respondln("NO unknown mailbox")
		return
	}
	c.p.Mode = imapparser.ModeSelected

	info, err := c.mailbox.Info()
	if err != nil {
		c.mailbox = nil
		c.p.Mode = imapparser.ModeAuth
		c.respondln("NO %s internal error", cmd.Name)
		c.Logf("%s: %v", cmd.Name, err)
		return
	}

	c.writef("* %d EXISTS\r\n", info.NumMessages)
	c.writef("* %d RECENT\r\n", info.NumRecent)
	c.writef("* OK [UIDVALIDITY %d]\r\n", info.UIDValidity)
	c.writef("* OK [UIDNEXT %d]\r\n", info.UIDNext)
	c.writef(`* FLAGS (\Answered \Deleted \Draft \Flagged \Recent \Seen)` + "\r\n")
	if c.readOnly {
		c.writef(`* OK [PERMANENTFLAGS ()] No permanent flags permitted` + "\r\n")
	} else {
		c.writef(`* OK [PERMANENTFLAGS (\Answered \Deleted \Draft \Flagged \Seen \*)] Ok` + "\r\n")
	}

	if c.readOnly {
		c.respondln("OK [READ-ONLY] EXAMINE completed")
	} else {
		c.respondln("OK [READ-WRITE] SELECT completed")
	}
}

func (c *Conn) cmdStatus() {
	cmd := &c.p.Command

	mailbox, err := c.session.Mailbox(string(cmd.Mailbox))
	if err != nil {
		c.respondErr("STATUS", err)
		return
	}
	if mailbox == nil {
		c.respondln("NO STATUS no such mailbox")
		return
	}
	info, err := mailbox.Info()
	if err != nil {
		c.respondErr("STATUS", err)
		return
	}

	c.writef("* STATUS ")
	c.writeStringBytes(cmd.Mailbox)
	c.writef(" (")

	for i, item := range cmd.Status.Items {
		if i > 0 {
			c.writef(" ")
		}
		switch item {
		case imapparser.StatusMessages:
			c.writef("MESSAGES %d", info.NumMessages)
		case imapparser.StatusRecent:
			c.writef("RECENT %d", info.NumRecent)
		case imapparser.StatusUIDNext:
			c.writef("UIDNEXT %d", info.UIDNext)
		case imapparser.StatusUIDValidity:
			c.writef("UIDVALIDITY %d", info.UIDValidity)
		case imapparser.StatusUnseen:
			c.writef("UNSEEN %d", info.NumUnseen)
		default:
			c.Logf("STATUS: unknown item: %v", item)
		}
	}
	c.writef(")\r\n")
	c.respondln("OK STATUS complete")
}

func (c *Conn) cmdCopyOrMove() {
	cmd := &c.p.Command

	dst, err := c.session.Mailbox(string(cmd.Mailbox))
	if err != nil {
		c.respondErr(cmd.Name, err)
		return
	}
	if dst == nil {
		c.respondln("NO [TRYCREATE] destination mailbox does not exist")
		return
	}
	dstInfo, err := dst.Info()
	if err != nil {
		c.respondErr(cmd.Name, err)
		return
	}

	var srcUIDs, dstUIDs []imapparser.SeqRange
	var oldSeqNums []uint32

	if cmd.Name == "MOVE" {
		fn := func(srcSeqNum, srcUID, dstUID uint32) {
			oldSeqNums = append(oldSeqNums, srcSeqNum)
			srcUIDs = imapparser.AppendSeqRange(srcUIDs, srcUID)
			dstUIDs = imapparser.AppendSeqRange(dstUIDs, dstUID)
			c.sendIdleUpdate(c.mailbox.ID(), idleUpdate{
				typ:      idleExpunge,
				value:    srcSeqNum,
				skipSelf: true,
			})
		}
		if err := c.mailbox.Move(cmd.UID, cmd.Sequences, dst, fn); err != nil {
			c.respondErr("MOVE", err)
			return
		}
		if info, err := c.mailbox.Info(); err == nil {
			c.sendIdleUpdate(c.mailbox.ID(), idleUpdate{
				typ:   idleTotalCount,
				value: info.NumMessages,
			})
		}
		if info, err := dst.Info(); err == nil {
			c.sendIdleUpdate(dst.ID(), idleUpdate{
				typ:   idleTotalCount,
				value: info.NumMessages,
			})
		}
	} else {
		fn := func(srcUID, dstUID uint32) {
			srcUIDs = imapparser.AppendSeqRange(srcUIDs, srcUID)
			dstUIDs = imapparser.AppendSeqRange(dstUIDs, dstUID)
		}
		if err := c.mailbox.Copy(cmd.UID, cmd.Sequences, dst, fn); err != nil {
			c.respondErr("COPY", err)
			return
		}
		if info, err := dst.Info(); err == nil {
			c.sendIdleUpdate(dst.ID(), idleUpdate{
				typ:   idleTotalCount,
				value: info.NumMessages,
			})
		}
	}

	if len(srcUIDs) > 0 {
		c.writef("* OK [COPYUID %d ", dstInfo.UIDValidity)
		imapparser.FormatSeqs(c.bw, srcUIDs)
		c.writef(" ")
		imapparser.FormatSeqs(c.bw, dstUIDs)
		c.writef("]\r\n")
	}

	if cmd.Name == "MOVE" {
		for _, oldSeqNum := range oldSeqNums {
			c.writef("* %d EXPUNGE\r\n", oldSeqNum)
		}
		c.writeUpdates()
	}
	c.respondln("OK %s done", cmd.Name)
}

func (c *Conn) cmdStore() {
	cmd := &c.p.Command

	res, err := c.mailbox.Store(cmd.UID, cmd.Sequences, &cmd.Store)
	if err != nil {
		c.respondErr("STORE", err)
		return
	}

	for _, stored := range res.Stored {
		c.sendIdleUpdate(c.mailbox.ID(), idleUpdate{
			typ:      idleFetch,
			value:    stored.SeqNum,
			skipSelf: true,
			flags:    stored.Flags,
			uid:      stored.UID,
			withUID:  true,
		})

		if cmd.Store.Silent {
			continue
		}
		c.writef("* %d FETCH (", stored.SeqNum)
		needSpace := false
		if cmd.UID {
			needSpace = true
			c.writef("UID %d", stored.UID)
		}
		if needSpace {
			c.writef(" ")
		}
		c.writef("FLAGS (")
		for i, flag := range stored.Flags {
			if i > 0 {
				c.writef(" ")
			}
			if flag != "" && flag[0] == '\\' {
				c.writef("%s", flag)
			} else {
				c.writeString(flag)
			}
		}
		c.writef(")")
		c.writef(")\r\n")
	}

	c.respondln("OK STORE completed")
}

func (c *Conn) cmdSearch() {
	cmd := &c.p.Command

	var results []uint32
	err := c.mailbox.Search(cmd.Search.Op, cmd.UID, func(data asimap.MessageSummary) {
		if cmd.UID {
			results = append(results, data.UID)
		} else {
			results = append(results, data.SeqNum)
		}
	})
	if err != nil {
		c.respondErr("SEARCH", err)
		return
	}
	if len(results) > 0 {
		c.writef("* SEARCH")
		for _, id := range results {
			c.writef(" %d", id)
		}
		c.writef("\r\n")
	}
	uidstr := ""
	if cmd.UID {
		uidstr = "UID "
	}
	c.respondln("OK %sSEARCH", uidstr)
}
