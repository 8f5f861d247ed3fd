// Package statedb implements the per-user state database (§3): the
// uid_validity counter, the persisted mailbox table, and the last-seen
// sequence snapshots used by the resync engine to diff MH sequences
// against what clients have already been told about.
//
// Grounded on the teacher's spilldb/db package: Open/Init build a
// crawshaw.io/sqlite connection pool the same way (a throwaway Conn
// to run PRAGMAs and CREATE TABLE IF NOT EXISTS, then a pooled
// sqlitex.Pool for the life of the process), and statements are
// prepared with named parameters the same way db.go's statements are.
// Unlike the teacher's fixed Users/Msgs/Devices schema, this database
// tracks a single user's mailbox set (one file per user's MH root) and
// adds an explicit versions table, since spec.md requires migrations be
// recorded rather than inferred from CREATE TABLE IF NOT EXISTS alone.
package statedb

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"crawshaw.io/sqlite"
	"crawshaw.io/sqlite/sqlitex"
)

const schemaVersion = 1

// Open creates (if necessary) and opens the state database at dbFile,
// applying any outstanding migrations, and returns a connection pool.
func Open(dbFile string) (*sqlitex.Pool, error) {
	conn, err := sqlite.OpenConn(dbFile, 0)
	if err != nil {
		return nil, fmt.Errorf("statedb.Open: %v", err)
	}
	if err := Init(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("statedb.Open: init: %v", err)
	}
	if err := conn.Close(); err != nil {
		return nil, fmt.Errorf("statedb.Open: %v", err)
	}

	pool, err := sqlitex.Open(dbFile, 0, 8)
	if err != nil {
		return nil, fmt.Errorf("statedb.Open: pool: %v", err)
	}
	return pool, nil
}

// Init creates the schema and applies any migrations newer than the
// database's recorded version. Safe to call against an existing file.
func Init(conn *sqlite.Conn) error {
	if err := sqlitex.ExecTransient(conn, "PRAGMA journal_mode=WAL;", nil); err != nil {
		return err
	}
	if err := sqlitex.ExecScript(conn, createSQL); err != nil {
		return err
	}
	return migrate(conn)
}

func migrate(conn *sqlite.Conn) error {
	have := 0
	stmt := conn.Prep(`SELECT IFNULL(MAX(Version), 0) AS v FROM versions;`)
	if hasRow, err := stmt.Step(); err != nil {
		return err
	} else if hasRow {
		have = int(stmt.GetInt64("v"))
	}
	stmt.Reset()

	for v := have + 1; v <= schemaVersion; v++ {
		if script, ok := migrations[v]; ok {
			if err := sqlitex.ExecScript(conn, script); err != nil {
				return fmt.Errorf("statedb: migration %d: %v", v, err)
			}
		}
		ins := conn.Prep(`INSERT INTO versions (Version, Date) VALUES ($version, $date);`)
		ins.SetInt64("$version", int64(v))
		ins.SetText("$date", time.Now().UTC().Format(time.RFC3339))
		if _, err := ins.Step(); err != nil {
			return err
		}
	}
	return nil
}

// NextUIDValidity atomically increments and returns the user-wide
// uid_validity counter (§3: "a monotonically increasing 32-bit counter
// used to stamp new folders").
func NextUIDValidity(conn *sqlite.Conn) (uint32, error) {
	if err := sqlitex.ExecTransient(conn, `INSERT OR IGNORE INTO user_server (RowID, UIDVVCounter) VALUES (1, 0);`, nil); err != nil {
		return 0, err
	}
	if err := sqlitex.ExecTransient(conn, `UPDATE user_server SET UIDVVCounter = UIDVVCounter + 1 WHERE RowID = 1;`, nil); err != nil {
		return 0, err
	}
	stmt := conn.Prep(`SELECT UIDVVCounter FROM user_server WHERE RowID = 1;`)
	hasRow, err := stmt.Step()
	if err != nil {
		return 0, err
	}
	if !hasRow {
		return 0, fmt.Errorf("statedb: NextUIDValidity: no user_server row")
	}
	v := uint32(stmt.GetInt64("UIDVVCounter"))
	stmt.Reset()
	return v, nil
}

// Mailbox is the persisted record for one folder (§3's in-memory Folder,
// as stored between process restarts).
type Mailbox struct {
	ID         int64
	Name       string
	UIDVV      uint32
	Attributes int64
	MTime      time.Time
	NextUID    uint32
	NumMsgs    uint32
	NumRecent  uint32
	UIDs       []uint32
	LastResync time.Time
	Subscribed bool
}

// GetMailbox returns the persisted record for name, or nil if none
// exists yet.
func GetMailbox(conn *sqlite.Conn, name string) (*Mailbox, error) {
	stmt := conn.Prep(`SELECT ID, UIDVV, Attributes, MTime, NextUID, NumMsgs, NumRecent, UIDs, LastResync, Subscribed
		FROM mailboxes WHERE Name = $name;`)
	stmt.SetText("$name", name)
	hasRow, err := stmt.Step()
	if err != nil {
		return nil, err
	}
	if !hasRow {
		stmt.Reset()
		return nil, nil
	}
	m := scanMailbox(stmt, name)
	stmt.Reset()
	return m, nil
}

// ListMailboxes returns every persisted mailbox record.
func ListMailboxes(conn *sqlite.Conn) ([]*Mailbox, error) {
	var out []*Mailbox
	stmt := conn.Prep(`SELECT ID, Name, UIDVV, Attributes, MTime, NextUID, NumMsgs, NumRecent, UIDs, LastResync, Subscribed
		FROM mailboxes ORDER BY Name;`)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		out = append(out, scanMailbox(stmt, stmt.GetText("Name")))
	}
	return out, nil
}

func scanMailbox(stmt *sqlite.Stmt, name string) *Mailbox {
	return &Mailbox{
		ID:         stmt.GetInt64("ID"),
		Name:       name,
		UIDVV:      uint32(stmt.GetInt64("UIDVV")),
		Attributes: stmt.GetInt64("Attributes"),
		MTime:      time.Unix(0, stmt.GetInt64("MTime")),
		NextUID:    uint32(stmt.GetInt64("NextUID")),
		NumMsgs:    uint32(stmt.GetInt64("NumMsgs")),
		NumRecent:  uint32(stmt.GetInt64("NumRecent")),
		UIDs:       parseUIDList(stmt.GetText("UIDs")),
		LastResync: time.Unix(0, stmt.GetInt64("LastResync")),
		Subscribed: stmt.GetInt64("Subscribed") != 0,
	}
}

// PutMailbox inserts or updates a mailbox's persisted record, setting
// m.ID from the database on insert.
func PutMailbox(conn *sqlite.Conn, m *Mailbox) error {
	stmt := conn.Prep(`INSERT INTO mailboxes
			(Name, UIDVV, Attributes, MTime, NextUID, NumMsgs, NumRecent, UIDs, LastResync, Subscribed)
		VALUES
			($name, $uidvv, $attrs, $mtime, $nextUID, $numMsgs, $numRecent, $uids, $lastResync, $subscribed)
		ON CONFLICT (Name) DO UPDATE SET
			UIDVV = $uidvv, Attributes = $attrs, MTime = $mtime, NextUID = $nextUID,
			NumMsgs = $numMsgs, NumRecent = $numRecent, UIDs = $uids,
			LastResync = $lastResync, Subscribed = $subscribed;`)
	stmt.SetText("$name", m.Name)
	stmt.SetInt64("$uidvv", int64(m.UIDVV))
	stmt.SetInt64("$attrs", m.Attributes)
	stmt.SetInt64("$mtime", m.MTime.UnixNano())
	stmt.SetInt64("$nextUID", int64(m.NextUID))
	stmt.SetInt64("$numMsgs", int64(m.NumMsgs))
	stmt.SetInt64("$numRecent", int64(m.NumRecent))
	stmt.SetText("$uids", formatUIDList(m.UIDs))
	stmt.SetInt64("$lastResync", m.LastResync.UnixNano())
	stmt.SetBool("$subscribed", m.Subscribed)
	if _, err := stmt.Step(); err != nil {
		return err
	}

	sel := conn.Prep(`SELECT ID FROM mailboxes WHERE Name = $name;`)
	sel.SetText("$name", m.Name)
	if hasRow, err := sel.Step(); err != nil {
		return err
	} else if hasRow {
		m.ID = sel.GetInt64("ID")
	}
	sel.Reset()
	return nil
}

// DeleteMailbox removes a mailbox's persisted record and its sequence
// snapshots.
func DeleteMailbox(conn *sqlite.Conn, name string) error {
	m, err := GetMailbox(conn, name)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	del := conn.Prep(`DELETE FROM sequences WHERE MailboxID = $id;`)
	del.SetInt64("$id", m.ID)
	if _, err := del.Step(); err != nil {
		return err
	}
	del = conn.Prep(`DELETE FROM mailboxes WHERE ID = $id;`)
	del.SetInt64("$id", m.ID)
	_, err = del.Step()
	return err
}

// RenameMailbox moves a persisted record from old to new, assigning a
// fresh uid_validity (§3: rename of a folder with remaining inferior
// mailboxes or subscribers must distinguish the old identity from any
// later folder re-created under the old name).
func RenameMailbox(conn *sqlite.Conn, oldName, newName string, newUIDVV uint32) error {
	stmt := conn.Prep(`UPDATE mailboxes SET Name = $new, UIDVV = $uidvv WHERE Name = $old;`)
	stmt.SetText("$old", oldName)
	stmt.SetText("$new", newName)
	stmt.SetInt64("$uidvv", int64(newUIDVV))
	_, err := stmt.Step()
	return err
}

// GetSequences returns the last-observed sequence snapshot for a
// mailbox, keyed by sequence name to an ordered set of message-keys.
func GetSequences(conn *sqlite.Conn, mailboxID int64) (map[string][]int, error) {
	out := make(map[string][]int)
	stmt := conn.Prep(`SELECT Name, Sequence FROM sequences WHERE MailboxID = $id;`)
	stmt.SetInt64("$id", mailboxID)
	for {
		hasRow, err := stmt.Step()
		if err != nil {
			return nil, err
		}
		if !hasRow {
			break
		}
		out[stmt.GetText("Name")] = parseKeyList(stmt.GetText("Sequence"))
	}
	return out, nil
}

// PutSequences overwrites the stored sequence snapshot for a mailbox.
func PutSequences(conn *sqlite.Conn, mailboxID int64, sequences map[string][]int) error {
	del := conn.Prep(`DELETE FROM sequences WHERE MailboxID = $id;`)
	del.SetInt64("$id", mailboxID)
	if _, err := del.Step(); err != nil {
		return err
	}
	for name, keys := range sequences {
		ins := conn.Prep(`INSERT INTO sequences (MailboxID, Name, Sequence) VALUES ($id, $name, $seq);`)
		ins.SetInt64("$id", mailboxID)
		ins.SetText("$name", name)
		ins.SetText("$seq", formatKeyList(keys))
		if _, err := ins.Step(); err != nil {
			return err
		}
	}
	return nil
}

func parseUIDList(s string) []uint32 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			continue
		}
		out = append(out, uint32(n))
	}
	return out
}

func formatUIDList(uids []uint32) string {
	parts := make([]string, len(uids))
	for i, u := range uids {
		parts[i] = strconv.FormatUint(uint64(u), 10)
	}
	return strings.Join(parts, ",")
}

func parseKeyList(s string) []int {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

func formatKeyList(keys []int) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = strconv.Itoa(k)
	}
	return strings.Join(parts, ",")
}
