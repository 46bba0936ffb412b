package watcher

import "fmt"

// TablePrefix marks every identifier the watcher owns: the meta table, one
// shadow table per synced table, the event log, and the triggers bound to
// each. addTable refuses to instrument a user table whose name already
// starts with this prefix.
const TablePrefix = "__qtds_"

const (
	metaTableName      = TablePrefix + "meta"
	eventLogTableName  = TablePrefix + "eventlog"
	shadowTablePrefix  = TablePrefix
	insertTriggerFmt   = TablePrefix + "%s_ai"
	updateTriggerFmt   = TablePrefix + "%s_au"
	deleteTriggerFmt   = TablePrefix + "%s_ad"
	suppressPragmaName = "syncrow_suppress_triggers"
)

func shadowTableName(table string) string {
	return shadowTablePrefix + table
}

// TableState is the meta row's synchronization state for one table.
type TableState int

const (
	// StateInactive means the meta row exists (last-sync is preserved) but
	// no shadow table or triggers are installed.
	StateInactive TableState = iota
	// StateActive means the shadow table and triggers are installed and
	// the table participates in sync.
	StateActive
	// StateCorrupted means a SQL failure left the table's tracking data in
	// an unknown state; the table is excluded from sync until removed and
	// re-added.
	StateCorrupted
)

func (s TableState) String() string {
	switch s {
	case StateInactive:
		return "Inactive"
	case StateActive:
		return "Active"
	case StateCorrupted:
		return "Corrupted"
	default:
		return "Unknown"
	}
}

// ChangeState is a shadow row's local dirtiness relative to the cloud.
type ChangeState int

const (
	// Unchanged means the row's current value matches what was last
	// uploaded or downloaded at Modified.
	Unchanged ChangeState = iota
	// Changed means the row was written locally since it was last
	// acknowledged and is a candidate for upload.
	Changed
	// Corrupted means store_data or the upload path hit an unrecoverable
	// error on this row; it is excluded from future uploads.
	Corrupted
)

func (s ChangeState) String() string {
	switch s {
	case Unchanged:
		return "Unchanged"
	case Changed:
		return "Changed"
	case Corrupted:
		return "Corrupted"
	default:
		return "Unknown"
	}
}

const bootstrapSchema = `
CREATE TABLE IF NOT EXISTS ` + metaTableName + ` (
	"table" TEXT PRIMARY KEY,
	pkeyType TEXT NOT NULL,
	state INTEGER NOT NULL,
	lastSync TEXT NOT NULL,
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS ` + eventLogTableName + ` (
	SeqId INTEGER PRIMARY KEY AUTOINCREMENT,
	Type TEXT NOT NULL,
	Id TEXT NOT NULL,
	Version INTEGER NOT NULL,
	Removed INTEGER NOT NULL,
	Timestamp TEXT NOT NULL,
	Digest BLOB
);

CREATE INDEX IF NOT EXISTS ` + TablePrefix + `eventlog_type_id ON ` + eventLogTableName + ` (Type, Id);
`

// shadowTableDDL returns the CREATE TABLE statement for table's shadow
// table. pkeyType is the SQLite storage class of the tracked table's
// primary key (e.g. "TEXT", "INTEGER").
func shadowTableDDL(table, pkeyType string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
	pkey %s PRIMARY KEY,
	changed INTEGER NOT NULL,
	modified TEXT NOT NULL,
	tombstone INTEGER NOT NULL DEFAULT 0,
	digest BLOB
)`, shadowTableName(table), pkeyType)
}
