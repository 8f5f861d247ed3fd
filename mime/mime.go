// Package mime implements the fetch/bodystructure engine: it walks a raw
// MIME message exactly as stored in an MH message file and produces the
// IMAP ENVELOPE, BODYSTRUCTURE, and BODY[section]<partial> renderings,
// with all sizes and line counts computed against a CRLF-serialised form
// per RFC 3501 (the on-disk representation need not be CRLF already).
//
// Grounded on the teacher's imapserver/fetch.go (the part-tree walk and
// per-field BODYSTRUCTURE ordering come from there almost unchanged), but
// rebuilt on net/textproto header parsing, with github.com/emersion/go-message
// decoding leaf part text for search (DecodedText), instead of the
// teacher's DB-backed msgbuilder, since an MH message is
// raw bytes on disk rather than a part store. Multipart splitting uses
// the standard mime/multipart reader, which (like go-message's own
// decoding) the teacher already reaches for in fetch.go via "mime"; this
// choice matters here because mime/multipart hands back each part's raw,
// *undecoded* bytes, which is what BODY[section] must return — IMAP
// clients decode Content-Transfer-Encoding themselves.
package mime

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	gomime "mime"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strconv"
	"strings"

	"github.com/emersion/go-message"

	"asimapd.io/asimapd/rfc5322"
)

// Part is one node of a message's MIME tree.
type Part struct {
	Header    textproto.MIMEHeader
	HeaderRaw []byte // raw header bytes, CRLF-terminated, for MIME/HEADER sections
	Type      string // e.g. "text"
	Subtype   string // e.g. "plain"
	Params    map[string]string

	Raw      []byte  // raw (possibly encoded) body bytes, leaf parts only
	Children []*Part // multipart children, in order
	Nested   *Msg    // parsed nested message, for message/rfc822 parts
}

func (p *Part) contentType() string { return p.Type + "/" + p.Subtype }

func (p *Part) isMultipart() bool { return strings.EqualFold(p.Type, "multipart") }

// Msg is a fully-parsed message: the top-level Part plus the raw
// CRLF-serialised bytes it was parsed from.
type Msg struct {
	Raw  []byte
	Root *Part
}

// Parse parses raw on-disk message bytes (any line ending) into a Msg
// whose Raw field and every Part's byte ranges are CRLF-normalised.
func Parse(data []byte) (*Msg, error) {
	raw := normalizeCRLF(data)
	root, err := parsePart(raw)
	if err != nil {
		return nil, err
	}
	return &Msg{Raw: raw, Root: root}, nil
}

func normalizeCRLF(data []byte) []byte {
	if !bytes.Contains(data, []byte("\n")) {
		return data
	}
	// Collapse CRLF to LF first so we don't double up, then expand every LF.
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))
	data = bytes.ReplaceAll(data, []byte("\n"), []byte("\r\n"))
	return data
}

func parsePart(raw []byte) (*Part, error) {
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	var headerRaw, body []byte
	if idx == -1 {
		headerRaw = raw
		body = nil
	} else {
		headerRaw = raw[:idx+2]
		body = raw[idx+4:]
	}

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(append(append([]byte{}, headerRaw...), '\r', '\n'))))
	hdr, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("mime: parsing headers: %w", err)
	}

	p := &Part{Header: hdr, HeaderRaw: headerRaw, Params: map[string]string{}}

	ct := hdr.Get("Content-Type")
	mediaType, params, err := gomime.ParseMediaType(ct)
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", map[string]string{}
	}
	if i := strings.IndexByte(mediaType, '/'); i == -1 {
		p.Type, p.Subtype = mediaType, "plain"
	} else {
		p.Type, p.Subtype = mediaType[:i], mediaType[i+1:]
	}
	p.Params = params

	switch {
	case p.isMultipart():
		boundary := params["boundary"]
		if boundary == "" {
			p.Raw = body
			return p, nil
		}
		mr := multipart.NewReader(bytes.NewReader(body), boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("mime: multipart: %w", err)
			}
			raw, err := io.ReadAll(part)
			if err != nil {
				return nil, err
			}
			// part.Header is already a textproto.MIMEHeader; rebuild a
			// raw header block for [MIME]/[HEADER] section fetches.
			child, err := parsePartFromHeaderAndBody(part.Header, renderHeader(part.Header), raw)
			if err != nil {
				return nil, err
			}
			p.Children = append(p.Children, child)
		}
	case strings.EqualFold(p.contentType(), "message/rfc822"):
		nested, err := Parse(body)
		if err != nil {
			return nil, err
		}
		p.Nested = nested
		p.Raw = body
	default:
		p.Raw = body
	}
	return p, nil
}

// renderHeader rebuilds a deterministic raw header block from a
// textproto.MIMEHeader, whose map has no defined iteration order.
func renderHeader(hdr textproto.MIMEHeader) []byte {
	var keys []string
	for k := range hdr {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var hb bytes.Buffer
	for _, k := range keys {
		for _, v := range hdr[k] {
			fmt.Fprintf(&hb, "%s: %s\r\n", k, v)
		}
	}
	return hb.Bytes()
}

func parsePartFromHeaderAndBody(hdr textproto.MIMEHeader, headerRaw, body []byte) (*Part, error) {
	p := &Part{Header: hdr, HeaderRaw: headerRaw}
	ct := hdr.Get("Content-Type")
	mediaType, params, err := gomime.ParseMediaType(ct)
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", map[string]string{}
	}
	if i := strings.IndexByte(mediaType, '/'); i == -1 {
		p.Type, p.Subtype = mediaType, "plain"
	} else {
		p.Type, p.Subtype = mediaType[:i], mediaType[i+1:]
	}
	p.Params = params

	switch {
	case p.isMultipart():
		boundary := params["boundary"]
		if boundary == "" {
			p.Raw = body
			return p, nil
		}
		mr := multipart.NewReader(bytes.NewReader(body), boundary)
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				break
			}
			if err != nil {
				return nil, err
			}
			raw, err := io.ReadAll(part)
			if err != nil {
				return nil, err
			}
			child, err := parsePartFromHeaderAndBody(part.Header, renderHeader(part.Header), raw)
			if err != nil {
				return nil, err
			}
			p.Children = append(p.Children, child)
		}
	case strings.EqualFold(p.contentType(), "message/rfc822"):
		nested, err := Parse(body)
		if err != nil {
			return nil, err
		}
		p.Nested = nested
		p.Raw = body
	default:
		p.Raw = body
	}
	return p, nil
}

// Size is the RFC822.SIZE of the message: the length of its CRLF
// serialisation, headers and body together.
func (m *Msg) Size() int64 { return int64(len(m.Raw)) }

// FindPath walks a 1-indexed BODY[n.n.n] path. For a message/rfc822 leaf
// the path continues into the nested message's own part tree.
func (m *Msg) FindPath(path []int) *Part {
	return findPath(m.Root, path)
}

func findPath(p *Part, path []int) *Part {
	if len(path) == 0 {
		return p
	}
	if p.Nested != nil {
		if len(p.Children) == 0 {
			return findPath(p.Nested.Root, path)
		}
	}
	n := path[0]
	if n < 1 || n > len(p.Children) {
		if n == 1 && len(p.Children) == 0 {
			return p
		}
		return nil
	}
	return findPath(p.Children[n-1], path[1:])
}

// Envelope renders the ENVELOPE 10-tuple.
func (m *Msg) Envelope() string {
	h := m.Root.Header
	var b strings.Builder
	b.WriteString("(")
	writeNString(&b, h.Get("Date"))
	b.WriteString(" ")
	writeNString(&b, h.Get("Subject"))
	b.WriteString(" ")
	from := h.Get("From")
	writeAddressList(&b, from)
	b.WriteString(" ")
	if sender := h.Get("Sender"); sender != "" {
		writeAddressList(&b, sender)
	} else {
		writeAddressList(&b, from)
	}
	b.WriteString(" ")
	if rt := h.Get("Reply-To"); rt != "" {
		writeAddressList(&b, rt)
	} else {
		writeAddressList(&b, from)
	}
	b.WriteString(" ")
	writeAddressList(&b, h.Get("To"))
	b.WriteString(" ")
	writeAddressList(&b, h.Get("Cc"))
	b.WriteString(" ")
	writeAddressList(&b, h.Get("Bcc"))
	b.WriteString(" ")
	writeNString(&b, h.Get("In-Reply-To"))
	b.WriteString(" ")
	writeNString(&b, h.Get("Message-Id"))
	b.WriteString(")")
	return b.String()
}

func writeNString(b *strings.Builder, s string) {
	if s == "" {
		b.WriteString("NIL")
		return
	}
	writeQuoted(b, s)
}

func writeQuoted(b *strings.Builder, s string) {
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	b.WriteByte('"')
}

func writeAddressList(b *strings.Builder, raw string) {
	if strings.TrimSpace(raw) == "" {
		b.WriteString("NIL")
		return
	}
	addrs, err := rfc5322.ParseAddressList(raw)
	if err != nil || len(addrs) == 0 {
		b.WriteString("NIL")
		return
	}
	b.WriteString("(")
	for i, a := range addrs {
		if i > 0 {
			b.WriteString(" ")
		}
		mailbox, host := a.Addr, ""
		if at := strings.LastIndexByte(a.Addr, '@'); at != -1 {
			mailbox, host = a.Addr[:at], a.Addr[at+1:]
		}
		b.WriteString("(")
		writeNString(b, a.Name)
		b.WriteString(" NIL ")
		writeQuoted(b, mailbox)
		b.WriteString(" ")
		writeNString(b, host)
		b.WriteString(")")
	}
	b.WriteString(")")
}

// BodyStructure renders BODYSTRUCTURE (extended, the default) or the
// trimmed BODY form (no extension fields) when extended is false.
func (m *Msg) BodyStructure(extended bool) string {
	var b strings.Builder
	writeStructurePart(&b, m.Root, extended)
	return b.String()
}

func lineCount(data []byte) int {
	if len(data) == 0 {
		return 0
	}
	return bytes.Count(data, []byte("\r\n")) + 1
}

func writeStructurePart(b *strings.Builder, p *Part, extended bool) {
	b.WriteString("(")
	if p.isMultipart() {
		if len(p.Children) == 0 {
			writeStructurePart(b, &Part{Type: "text", Subtype: "plain", Raw: p.Raw}, extended)
		}
		for _, kid := range p.Children {
			writeStructurePart(b, kid, extended)
		}
		b.WriteString(" ")
		writeQuoted(b, strings.ToUpper(p.Subtype))
		if extended {
			b.WriteString(" (")
			writeParams(b, p.Params, "boundary")
			b.WriteString(")")
			writeDisposition(b, p)
			writeLanguageLocation(b)
		}
		b.WriteString(")")
		return
	}

	writeQuoted(b, strings.ToUpper(p.Type))
	b.WriteString(" ")
	writeQuoted(b, strings.ToUpper(p.Subtype))
	b.WriteString(" (")
	writeParams(b, p.Params, "")
	b.WriteString(")")

	if id := p.Header.Get("Content-Id"); id != "" {
		b.WriteString(" ")
		writeQuoted(b, id)
	} else {
		b.WriteString(" NIL")
	}
	if desc := p.Header.Get("Content-Description"); desc != "" {
		b.WriteString(" ")
		writeQuoted(b, desc)
	} else {
		b.WriteString(" NIL")
	}
	enc := p.Header.Get("Content-Transfer-Encoding")
	if enc == "" {
		enc = "7BIT"
	}
	b.WriteString(" ")
	writeQuoted(b, strings.ToUpper(enc))
	b.WriteString(fmt.Sprintf(" %d", len(p.Raw)))

	switch {
	case strings.EqualFold(p.contentType(), "message/rfc822"):
		b.WriteString(" ")
		if p.Nested != nil {
			b.WriteString(p.Nested.Envelope())
			b.WriteString(" ")
			writeStructurePart(b, p.Nested.Root, extended)
			b.WriteString(" ")
			b.WriteString(strconv.Itoa(lineCount(p.Raw)))
		} else {
			b.WriteString("NIL NIL 0")
		}
	case strings.EqualFold(p.Type, "text"):
		b.WriteString(" ")
		b.WriteString(strconv.Itoa(lineCount(p.Raw)))
	}

	if extended {
		if md5 := p.Header.Get("Content-MD5"); md5 != "" {
			b.WriteString(" ")
			writeQuoted(b, md5)
		} else {
			b.WriteString(" NIL")
		}
		writeDisposition(b, p)
		writeLanguageLocation(b)
	}
	b.WriteString(")")
}

func writeParams(b *strings.Builder, params map[string]string, only string) {
	var keys []string
	for k := range params {
		if only != "" && !strings.EqualFold(k, only) {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for i, k := range keys {
		if i > 0 {
			b.WriteString(" ")
		}
		writeQuoted(b, k)
		b.WriteString(" ")
		writeQuoted(b, params[k])
	}
}

func writeDisposition(b *strings.Builder, p *Part) {
	disp := p.Header.Get("Content-Disposition")
	if disp == "" {
		b.WriteString(" NIL")
		return
	}
	dtype, dparams, err := gomime.ParseMediaType(disp)
	if err != nil {
		b.WriteString(" NIL")
		return
	}
	b.WriteString(" (")
	writeQuoted(b, strings.ToUpper(dtype))
	b.WriteString(" (")
	writeParams(b, dparams, "")
	b.WriteString("))")
}

func writeLanguageLocation(b *strings.Builder) {
	b.WriteString(" NIL NIL")
}

// DecodedText returns a leaf part's body decoded from its
// Content-Transfer-Encoding and charset, for the search engine's BODY/TEXT
// substring matching (§4.6). BODY[section] fetches intentionally use
// Part.Raw instead, since RFC 3501 hands clients the encoded octets
// verbatim. go-message's Entity.Body performs exactly this decoding when
// handed the part's own header and raw encoded body.
func DecodedText(p *Part) (string, error) {
	var buf bytes.Buffer
	buf.Write(p.HeaderRaw)
	buf.WriteString("\r\n")
	buf.Write(p.Raw)
	entity, err := message.Read(&buf)
	if err != nil && !message.IsUnknownCharset(err) {
		return "", err
	}
	decoded, err := io.ReadAll(entity.Body)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// AllText concatenates the decoded text of every non-multipart,
// non-nested-message leaf part, for the search engine's BODY/TEXT
// substring matching (§4.6). Parts that fail to decode are skipped rather
// than aborting the whole search.
func (m *Msg) AllText() string {
	var b strings.Builder
	var walk func(p *Part)
	walk = func(p *Part) {
		if p.isMultipart() {
			for _, c := range p.Children {
				walk(c)
			}
			return
		}
		if p.Nested != nil {
			walk(p.Nested.Root)
			return
		}
		if text, err := DecodedText(p); err == nil {
			b.WriteString(text)
		}
	}
	walk(m.Root)
	return b.String()
}

// Section extracts the bytes for a BODY[section] fetch item. path is the
// 1-indexed numeric part prefix (empty for the top level); name is one of
// "", "HEADER", "TEXT", "MIME", "HEADER.FIELDS", "HEADER.FIELDS.NOT".
func (m *Msg) Section(path []int, name string, headers []string) ([]byte, error) {
	p := m.Root
	if len(path) > 0 {
		p = m.FindPath(path)
		if p == nil {
			return nil, fmt.Errorf("mime: no such part %v", path)
		}
	}

	switch name {
	case "":
		if len(path) > 0 {
			if p.Nested != nil && len(p.Children) == 0 {
				return p.Nested.Raw, nil
			}
			return p.Raw, nil
		}
		return m.Raw, nil

	case "MIME":
		if len(path) == 0 {
			return nil, fmt.Errorf("mime: MIME section requires a part path")
		}
		return withTrailingBlank(p.HeaderRaw), nil

	case "HEADER":
		if len(path) > 0 {
			if p.Nested != nil {
				return withTrailingBlank(p.Nested.Root.HeaderRaw), nil
			}
			return withTrailingBlank(p.HeaderRaw), nil
		}
		return withTrailingBlank(m.Root.HeaderRaw), nil

	case "TEXT":
		if len(path) > 0 {
			if p.Nested != nil {
				return p.Nested.bodyBytes(), nil
			}
			return p.Raw, nil
		}
		return m.bodyBytes(), nil

	case "HEADER.FIELDS":
		hdr := p.Header
		if len(path) == 0 {
			hdr = m.Root.Header
		} else if p.Nested != nil {
			hdr = p.Nested.Root.Header
		}
		return filterHeader(hdr, headers, true), nil

	case "HEADER.FIELDS.NOT":
		hdr := p.Header
		if len(path) == 0 {
			hdr = m.Root.Header
		} else if p.Nested != nil {
			hdr = p.Nested.Root.Header
		}
		return filterHeader(hdr, headers, false), nil

	default:
		return nil, fmt.Errorf("mime: unknown section %q", name)
	}
}

func withTrailingBlank(hdr []byte) []byte {
	out := append([]byte{}, hdr...)
	return append(out, '\r', '\n')
}

// bodyBytes returns the message body with headers stripped (BODY[TEXT]
// at the top level).
func (m *Msg) bodyBytes() []byte {
	idx := bytes.Index(m.Raw, []byte("\r\n\r\n"))
	if idx == -1 {
		return nil
	}
	return m.Raw[idx+4:]
}

func filterHeader(hdr textproto.MIMEHeader, names []string, include bool) []byte {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[textproto.CanonicalMIMEHeaderKey(n)] = true
	}
	var keys []string
	for k := range hdr {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		if want[k] != include {
			continue
		}
		for _, v := range hdr[k] {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}
