package statedb

// createSQL is the base schema (§3 of the data model). Every CREATE is
// idempotent so Init can run against an already-migrated database.
const createSQL = `
PRAGMA auto_vacuum = INCREMENTAL;

-- versions records each applied migration, so a process restart against
-- an existing asimap.db does not re-run schema changes.
CREATE TABLE IF NOT EXISTS versions (
	Version INTEGER NOT NULL,
	Date    TEXT NOT NULL
);

-- user_server is a one-row table holding the per-user uid_validity
-- counter: a monotonically increasing 32-bit value handed out to newly
-- materialised mailboxes, never reused.
CREATE TABLE IF NOT EXISTS user_server (
	RowID        INTEGER PRIMARY KEY CHECK (RowID = 1),
	UIDVVCounter INTEGER NOT NULL
);

-- mailboxes mirrors the in-memory Folder record of §3: one row per
-- materialised folder, persisted across process restarts.
CREATE TABLE IF NOT EXISTS mailboxes (
	ID         INTEGER PRIMARY KEY,
	Name       TEXT NOT NULL UNIQUE, -- hierarchical, "/" separated; INBOX lower-case
	UIDVV      INTEGER NOT NULL,
	Attributes INTEGER NOT NULL,     -- asimap.ListAttrFlag bitset
	MTime      INTEGER NOT NULL,     -- unix nanos, max(dir mtime, .mh_sequences mtime)
	NextUID    INTEGER NOT NULL,
	NumMsgs    INTEGER NOT NULL,
	NumRecent  INTEGER NOT NULL,
	UIDs       TEXT NOT NULL,        -- comma-separated uint32s, message-index order
	LastResync INTEGER NOT NULL,     -- unix nanos
	Subscribed BOOLEAN NOT NULL
);

-- sequences is the last-observed snapshot of each named MH sequence for
-- a mailbox, used to diff against the on-disk sequences file and
-- synthesise unsolicited FETCH (FLAGS ...) notifications (§4.4).
CREATE TABLE IF NOT EXISTS sequences (
	ID        INTEGER PRIMARY KEY,
	MailboxID INTEGER NOT NULL,
	Name      TEXT NOT NULL,
	Sequence  TEXT NOT NULL, -- comma-separated message-keys

	FOREIGN KEY (MailboxID) REFERENCES mailboxes(ID),
	UNIQUE (MailboxID, Name)
);
`

// migrations holds incremental DDL keyed by the version it upgrades to.
// Version 1 is createSQL itself; later versions would add ALTER
// statements here instead of editing createSQL, so Init can upgrade an
// existing asimap.db in place.
var migrations = map[int]string{}
