// Package uidindex implements the UID index and resync engine (§4.4):
// stamping and parsing the X-asimapd-uid header that is the authoritative
// identity of a message, and the resync procedure that reconciles a
// folder's in-memory UID/sequence state against what is actually on disk.
//
// Grounded on the teacher's imapserver/resync-adjacent bookkeeping for
// the general shape of "diff old vs new sequence snapshot, produce
// events", but the UID-stamping and re-stamping algorithm itself has no
// teacher analogue (the teacher's mailboxes are a SQL table, not an MH
// directory) and is built directly from spec.md §4.4 and the resync
// invariants it lists.
package uidindex

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"asimapd.io/asimapd/asimaperr"
	"asimapd.io/asimapd/mh"
)

// HeaderName is the message header carrying a message's UID identity.
const HeaderName = "X-Asimapd-Uid"

var headerRE = regexp.MustCompile(`^(\d{10})\.(\d{10})$`)

// FormatHeader renders the X-asimapd-uid header value.
func FormatHeader(uidValidity, uid uint32) string {
	return fmt.Sprintf("%010d.%010d", uidValidity, uid)
}

// ParseHeader parses an X-asimapd-uid header value. ok is false if value
// does not match the fixed-width format.
func ParseHeader(value string) (uidValidity, uid uint32, ok bool) {
	m := headerRE.FindStringSubmatch(value)
	if m == nil {
		return 0, 0, false
	}
	var v1, v2 uint64
	fmt.Sscanf(m[1], "%d", &v1)
	fmt.Sscanf(m[2], "%d", &v2)
	return uint32(v1), uint32(v2), true
}

// HeaderBytes returns the full raw header line, ending in CRLF, to
// append when stamping a message on disk.
func HeaderBytes(uidValidity, uid uint32) string {
	return HeaderName + ": " + FormatHeader(uidValidity, uid) + "\r\n"
}

// Flag to MH sequence name, per §3's flag<->sequence mapping.
var flagToSeq = map[string]string{
	`\Answered`: "replied",
	`\Deleted`:  "Deleted",
	`\Draft`:    "Draft",
	`\Flagged`:  "flagged",
	`\Recent`:   "Recent",
	`\Seen`:     "Seen",
}

var seqToFlag = func() map[string]string {
	m := make(map[string]string, len(flagToSeq))
	for flag, seq := range flagToSeq {
		m[seq] = flag
	}
	return m
}()

// SequenceForFlag returns the MH sequence name for a known IMAP flag, or
// ok=false for a user-defined keyword (which passes through verbatim as
// its own sequence name).
func SequenceForFlag(flag string) (name string, ok bool) {
	name, ok = flagToSeq[flag]
	return name, ok
}

// FlagForSequence is the inverse of SequenceForFlag for sequence names
// that correspond to a well-known flag.
func FlagForSequence(name string) (flag string, ok bool) {
	flag, ok = seqToFlag[name]
	return flag, ok
}

// Folder is the in-memory cached state of one MH folder (§3's "Folder
// (in memory)" record), independent of any particular client session.
type Folder struct {
	Name        string
	UIDValidity uint32
	NextUID     uint32
	UIDs        []uint32 // message-index order, aligned with Keys
	Keys        []int    // last-observed sorted message-keys
	MTime       time.Time
	Sequences   map[string][]int // last snapshot, name -> sorted keys
}

// ExpungeEvent is one message removed from the folder, for fan-out in
// descending msn order (§4.4, §4.7).
type ExpungeEvent struct {
	SeqNum uint32
	UID    uint32
}

// FetchEvent is an unsolicited "this message's flags changed" diff, for
// every client other than the one (if any) that caused the change.
type FetchEvent struct {
	SeqNum uint32
	UID    uint32
	Flags  []string
}

// Result is everything a resync computed: the refreshed folder state
// plus the events callers must fan out to other clients.
type Result struct {
	Expunges []ExpungeEvent // descending SeqNum
	Fetches  []FetchEvent
	Packed   bool
}

// Resync reconciles folder against the on-disk state of store, per the
// §4.4 procedure. The caller must already hold the folder's write lock
// (for the MH dot-lock acquired internally) unless optional is true and
// the mtime check short-circuits before any mutation.
//
// Every FetchEvent carries the message's UID; whether it appears in the
// rendered FETCH line is up to the caller.
func Resync(store *mh.Store, folder *Folder, optional bool) (*Result, error) {
	mtime, err := store.MTimeNow()
	if err != nil {
		return nil, err
	}
	if optional && !mtime.After(folder.MTime) && !folder.MTime.IsZero() {
		return &Result{}, nil
	}

	lock, err := store.Lock(2 * time.Second)
	if err != nil {
		return nil, err
	}
	defer lock.Unlock()

	keys, err := store.Keys()
	if err != nil {
		return nil, err
	}
	sequences, err := store.GetSequences()
	if err != nil {
		return nil, err
	}

	result := &Result{}

	if len(keys) == 0 && len(folder.UIDs) > 0 {
		for i := len(folder.UIDs) - 1; i >= 0; i-- {
			result.Expunges = append(result.Expunges, ExpungeEvent{SeqNum: uint32(i + 1), UID: folder.UIDs[i]})
		}
		folder.UIDs = nil
	}

	forceFull := len(keys) < len(folder.Keys)

	newUIDs, err := scanUIDs(store, folder, keys, forceFull)
	if err != nil {
		return nil, err
	}

	oldUIDs := folder.UIDs
	newUIDSet := make(map[uint32]bool, len(newUIDs))
	for _, u := range newUIDs {
		newUIDSet[u] = true
	}
	for i := len(oldUIDs) - 1; i >= 0; i-- {
		if !newUIDSet[oldUIDs[i]] {
			result.Expunges = append(result.Expunges, ExpungeEvent{SeqNum: uint32(i + 1), UID: oldUIDs[i]})
		}
	}

	unseen := make(map[int]bool)
	for _, k := range sequences["unseen"] {
		unseen[k] = true
	}
	var seen []int
	for _, k := range keys {
		if !unseen[k] {
			seen = append(seen, k)
		}
	}
	if len(seen) > 0 {
		sequences["Seen"] = seen
	} else {
		delete(sequences, "Seen")
	}

	keyToMsn := make(map[int]int, len(keys))
	for i, k := range keys {
		keyToMsn[k] = i + 1
	}
	for name, newKeyList := range sequences {
		oldSet := toSet(folder.Sequences[name])
		for _, k := range newKeyList {
			if oldSet[k] {
				continue
			}
			emitFetchDiff(result, folder, keys, keyToMsn, k, sequences)
		}
	}
	for name, oldKeyList := range folder.Sequences {
		newSet := toSet(sequences[name])
		for _, k := range oldKeyList {
			if newSet[k] {
				continue
			}
			if _, stillPresent := keyToMsn[k]; !stillPresent {
				continue // dropped by expunge, not a flag change
			}
			emitFetchDiff(result, folder, keys, keyToMsn, k, sequences)
		}
	}
	result.Fetches = dedupeFetches(result.Fetches)

	folder.Keys = keys
	folder.UIDs = newUIDs
	folder.Sequences = sequences

	if len(keys) > 100 {
		highest := keys[len(keys)-1]
		if float64(highest) > 1.25*float64(len(keys)) {
			changes, err := store.Pack()
			if err != nil {
				return nil, err
			}
			if len(changes) > 0 {
				result.Packed = true
				newKeys, err := store.Keys()
				if err != nil {
					return nil, err
				}
				newSeqs, err := store.GetSequences()
				if err != nil {
					return nil, err
				}
				folder.Keys = newKeys
				folder.Sequences = newSeqs
			}
		}
	}

	folder.MTime = mtime
	return result, nil
}

func toSet(keys []int) map[int]bool {
	s := make(map[int]bool, len(keys))
	for _, k := range keys {
		s[k] = true
	}
	return s
}

func emitFetchDiff(result *Result, folder *Folder, keys []int, keyToMsn map[int]int, key int, sequences map[string][]int) {
	msn, ok := keyToMsn[key]
	if !ok {
		return
	}
	idx := msn - 1
	var uid uint32
	if idx < len(folder.UIDs) {
		uid = folder.UIDs[idx]
	}
	flags := flagsForKey(key, sequences)
	result.Fetches = append(result.Fetches, FetchEvent{SeqNum: uint32(msn), UID: uid, Flags: flags})
}

func dedupeFetches(events []FetchEvent) []FetchEvent {
	seen := make(map[uint32]bool, len(events))
	out := events[:0]
	for _, e := range events {
		if seen[e.SeqNum] {
			continue
		}
		seen[e.SeqNum] = true
		out = append(out, e)
	}
	return out
}

// FlagsForKey renders the IMAP flag list for a message key given a
// sequences snapshot. \Seen is included only when the snapshot has a
// "Seen" sequence holding key (Resync computes that entry from "unseen");
// it is not derived here from "unseen". Exported for package folder,
// which needs it outside of a resync to answer FETCH/STATUS.
func FlagsForKey(key int, sequences map[string][]int) []string {
	return flagsForKey(key, sequences)
}

func flagsForKey(key int, sequences map[string][]int) []string {
	var flags []string
	for seqName, keys := range sequences {
		for _, k := range keys {
			if k != key {
				continue
			}
			if flag, ok := FlagForSequence(seqName); ok {
				flags = append(flags, flag)
			} else if seqName != "unseen" {
				flags = append(flags, seqName)
			}
			break
		}
	}
	sort.Strings(flags)
	return flags
}

// scanUIDs performs the full-or-incremental scan described in §4.4,
// returning the UID aligned with each entry in keys, re-stamping
// messages on disk as needed and advancing folder.NextUID.
func scanUIDs(store *mh.Store, folder *Folder, keys []int, forceFull bool) ([]uint32, error) {
	start := 0
	if !forceFull {
		start = incrementalScanStart(store, folder, keys)
	}

	uids := make([]uint32, len(keys))
	// Keys before start keep their previously-known UID (by position,
	// since folder.Keys[i] == keys[i] is guaranteed for i < start by
	// incrementalScanStart's construction).
	for i := 0; i < start && i < len(folder.UIDs); i++ {
		uids[i] = folder.UIDs[i]
	}

	maxSeen := uint32(0)
	for i := 0; i < start; i++ {
		if uids[i] > maxSeen {
			maxSeen = uids[i]
		}
	}

	needRestamp := false
	for i := start; i < len(keys); i++ {
		key := keys[i]
		if needRestamp {
			uid := folder.NextUID
			folder.NextUID++
			if err := stampMessage(store, key, folder.UIDValidity, uid); err != nil {
				return nil, err
			}
			uids[i] = uid
			maxSeen = uid
			continue
		}

		data, err := store.GetBytes(key)
		if err != nil {
			return nil, err
		}
		uidVV, uid, ok := parseHeaderFromMessage(data)
		if !ok || uidVV != folder.UIDValidity || uid <= maxSeen {
			needRestamp = true
			uid = folder.NextUID
			folder.NextUID++
			if err := stampMessage(store, key, folder.UIDValidity, uid); err != nil {
				return nil, err
			}
		}
		uids[i] = uid
		if uid > maxSeen {
			maxSeen = uid
		}
	}
	if folder.NextUID <= maxSeen {
		folder.NextUID = maxSeen + 1
	}
	return uids, nil
}

// incrementalScanStart finds the earliest index worth rescanning: the
// first key whose mtime is newer than folder.MTime-30s, or the first
// key (scanning from the end) without a matching uid-validity header,
// whichever is lower.
func incrementalScanStart(store *mh.Store, folder *Folder, keys []int) int {
	if len(folder.Keys) == 0 || len(folder.Keys) != len(keys) {
		return 0
	}
	for i, k := range keys {
		if folder.Keys[i] != k {
			return 0
		}
	}

	cutoff := folder.MTime.Add(-30 * time.Second)
	byMTime := len(keys)
	for i, k := range keys {
		mt, err := store.MTime(k)
		if err != nil {
			continue
		}
		if mt.After(cutoff) {
			byMTime = i
			break
		}
	}

	byValidity := len(keys)
	for i := len(keys) - 1; i >= 0; i-- {
		data, err := store.GetBytes(keys[i])
		if err != nil {
			byValidity = i
			continue
		}
		uidVV, _, ok := parseHeaderFromMessage(data)
		if !ok || uidVV != folder.UIDValidity {
			byValidity = i
			continue
		}
		break
	}

	if byMTime < byValidity {
		return byMTime
	}
	return byValidity
}

func stampMessage(store *mh.Store, key int, uidValidity, uid uint32) error {
	data, err := store.GetBytes(key)
	if err != nil {
		return err
	}
	headerEnd := findHeaderEnd(data)
	stripped := stripExistingHeader(data[:headerEnd])
	newData := make([]byte, 0, len(data)+64)
	newData = append(newData, stripped...)
	newData = append(newData, []byte(HeaderBytes(uidValidity, uid))...)
	newData = append(newData, data[headerEnd:]...)
	return store.SetMessage(key, newData, true)
}

// findHeaderEnd returns the byte offset of the blank line terminating
// the header block (or len(data) if there is none).
func findHeaderEnd(data []byte) int {
	for i := 0; i+1 < len(data); i++ {
		if data[i] == '\n' {
			if i+2 <= len(data) && data[i+1] == '\n' {
				return i + 1
			}
			if i+3 <= len(data) && data[i+1] == '\r' && data[i+2] == '\n' {
				return i + 1
			}
		}
	}
	return len(data)
}

// stripExistingHeader removes any prior X-asimapd-uid line from a raw
// header block, so re-stamping never leaves a duplicate.
func stripExistingHeader(header []byte) []byte {
	lines := splitLinesKeepEnds(header)
	out := make([]byte, 0, len(header))
	for _, line := range lines {
		if hasHeaderPrefix(line, HeaderName) {
			continue
		}
		out = append(out, line...)
	}
	return out
}

func hasHeaderPrefix(line []byte, name string) bool {
	if len(line) < len(name)+1 {
		return false
	}
	for i := 0; i < len(name); i++ {
		c := line[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		n := name[i]
		if n >= 'A' && n <= 'Z' {
			n += 'a' - 'A'
		}
		if c != n {
			return false
		}
	}
	return line[len(name)] == ':'
}

func splitLinesKeepEnds(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			lines = append(lines, data[start:i+1])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

// parseHeaderFromMessage extracts and parses the X-asimapd-uid header
// from raw message bytes, without a full MIME parse.
func parseHeaderFromMessage(data []byte) (uidValidity, uid uint32, ok bool) {
	headerEnd := findHeaderEnd(data)
	for _, line := range splitLinesKeepEnds(data[:headerEnd]) {
		if !hasHeaderPrefix(line, HeaderName) {
			continue
		}
		value := line[len(HeaderName)+1:]
		return ParseHeader(trimSpaceBytes(value))
	}
	return 0, 0, false
}

func trimSpaceBytes(b []byte) string {
	i, j := 0, len(b)
	for i < j && isSpace(b[i]) {
		i++
	}
	for j > i && isSpace(b[j-1]) {
		j--
	}
	return string(b[i:j])
}

func isSpace(c byte) bool { return c == ' ' || c == '\t' || c == '\r' || c == '\n' }

// CheckInvariants verifies that folder.UIDs is strictly increasing after
// a resync; it checks no other invariant. Used by tests and by package
// folder after each resync.
func CheckInvariants(folder *Folder) error {
	for i := 1; i < len(folder.UIDs); i++ {
		if folder.UIDs[i] <= folder.UIDs[i-1] {
			return &asimaperr.MailboxInconsistency{
				Mailbox: folder.Name,
				Reason:  "UID ordering invariant violated after resync",
			}
		}
	}
	return nil
}
