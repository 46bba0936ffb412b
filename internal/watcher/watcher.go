// Package watcher instruments user tables with triggers, a per-table
// shadow table, and a metadata table, turning raw database rows into
// content-addressed sync records and back.
package watcher

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/syncrow/syncrow/internal/model"
	"github.com/syncrow/syncrow/internal/qerrors"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// TableMeta is the introspectable state of one synced table.
type TableMeta struct {
	Name     string
	PkeyType string
	State    TableState
	LastSync time.Time
	Version  int
	Fields   []string
}

// Watcher owns the single connection instrumenting a database's synced
// tables. It is safe for concurrent use.
type Watcher struct {
	db     *sql.DB
	router *qerrors.Router

	mu        sync.Mutex
	refCount  int
	closing   bool
	drainedCh chan struct{}

	tablesMu sync.RWMutex
	fields   map[string][]string // table -> tracked column names, cached from addTable
	pkeys    map[string]string   // table -> primary key column name
}

// New wraps db, which must already have been produced by Open (or an
// equivalent bootstrap), with a Watcher. router receives Database/Table
// classified errors; a nil router discards them.
func New(db *sql.DB, router *qerrors.Router) *Watcher {
	if router == nil {
		router = qerrors.NewRouter(nil)
	}
	return &Watcher{
		db:        db,
		router:    router,
		drainedCh: make(chan struct{}, 1),
		fields:    make(map[string][]string),
		pkeys:     make(map[string]string),
	}
}

// AddTableOptions configures addTable's optional parameters.
type AddTableOptions struct {
	// Fields lists the columns to track; nil means "every column except
	// the primary key", discovered via PRAGMA table_info.
	Fields []string
	// PkeyColumn names the primary key column; empty means "the column
	// PRAGMA table_info reports as pk".
	PkeyColumn string
	// PkeyType is the shadow table's pkey column's SQLite storage class;
	// empty means "TEXT".
	PkeyType string
}

// AddTable instruments table for sync: inserts or reactivates its meta
// row, creates its shadow table, and installs its triggers. Every existing
// row is shadow-marked Changed so a table added mid-lifetime uploads its
// full current contents.
//
// AddTable is idempotent when called again with an identical field set and
// primary key type against an Active table. The field set is compared with
// the one this Watcher cached from its own earlier AddTable; the meta row
// does not record it, so the first AddTable on a fresh Watcher counts as a
// shape change and bumps the version. Calling it against a table
// currently Corrupted fails with ErrTableCorrupted; the caller must
// RemoveTable first.
func (w *Watcher) AddTable(ctx context.Context, table string, opts AddTableOptions) error {
	if strings.HasPrefix(table, TablePrefix) {
		return ErrReservedName
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return w.fail(table, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	pkeyCol, columns, err := introspectTable(ctx, tx, table)
	if err != nil {
		return w.fail(table, err)
	}
	if opts.PkeyColumn != "" {
		pkeyCol = opts.PkeyColumn
	}
	fields := opts.Fields
	if fields == nil {
		fields = columns
	}
	if len(fields) == 0 {
		return ErrTableEmpty
	}
	pkeyType := opts.PkeyType
	if pkeyType == "" {
		pkeyType = "TEXT"
	}

	existing, err := loadMetaRow(ctx, tx, table)
	if err != nil {
		return w.fail(table, err)
	}

	version := 1
	sameShape := false
	if existing != nil {
		if existing.State == StateCorrupted {
			return ErrTableCorrupted
		}
		version = existing.Version
		sameShape = existing.PkeyType == pkeyType && sameFields(w.trackedFields(table), fields)
		if !sameShape {
			version = existing.Version + 1
		}
		if existing.State == StateActive && sameShape {
			// Idempotent no-op: shape unchanged, table already Active.
			if err := tx.Commit(); err != nil {
				return w.fail(table, err)
			}
			return nil
		}
	}

	if err := upsertMetaRow(ctx, tx, table, pkeyType, StateActive, existing, version); err != nil {
		return w.fail(table, err)
	}
	if _, err := tx.ExecContext(ctx, shadowTableDDL(table, pkeyType)); err != nil {
		return w.fail(table, err)
	}
	if err := installTriggers(ctx, tx, table, pkeyCol, fields); err != nil {
		return w.fail(table, err)
	}
	if err := markAllExistingRowsChanged(ctx, tx, table, pkeyCol); err != nil {
		return w.fail(table, err)
	}

	if err := tx.Commit(); err != nil {
		return w.fail(table, fmt.Errorf("commit: %w", err))
	}

	w.tablesMu.Lock()
	w.fields[table] = fields
	w.pkeys[table] = pkeyCol
	w.tablesMu.Unlock()
	return nil
}

// RemoveTable drops table's triggers and shadow table. If dropMeta is set
// the meta row is also removed (this is unsyncTable in spec terms);
// otherwise the meta row is left behind, Inactive, so a later AddTable
// resumes from the same last-sync. Safe to call on a table that was never
// added.
func (w *Watcher) RemoveTable(ctx context.Context, table string, dropMeta bool) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return w.fail(table, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	if err := dropTriggers(ctx, tx, table); err != nil {
		return w.fail(table, err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", shadowTableName(table))); err != nil {
		return w.fail(table, err)
	}
	if dropMeta {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE "table" = ?`, metaTableName), table); err != nil {
			return w.fail(table, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE %s SET state = ? WHERE "table" = ?`, metaTableName), int(StateInactive), table); err != nil {
			return w.fail(table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return w.fail(table, fmt.Errorf("commit: %w", err))
	}

	w.tablesMu.Lock()
	delete(w.fields, table)
	delete(w.pkeys, table)
	w.tablesMu.Unlock()
	return nil
}

// ReactivateTables re-asserts the shadow table and triggers for every
// meta row currently Active, self-healing after e.g. a schema rollback
// that dropped the physical objects out from under a live meta row.
func (w *Watcher) ReactivateTables(ctx context.Context) error {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf(`SELECT "table", pkeyType FROM %s WHERE state = ?`, metaTableName), int(StateActive))
	if err != nil {
		return w.fail("", fmt.Errorf("watcher: reactivate: list active tables: %w", err))
	}
	type row struct{ table, pkeyType string }
	var active []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.table, &r.pkeyType); err != nil {
			rows.Close()
			return w.fail("", fmt.Errorf("watcher: reactivate: scan: %w", err))
		}
		active = append(active, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return w.fail("", err)
	}

	for _, r := range active {
		w.tablesMu.RLock()
		fields, pkeyCol := w.fields[r.table], w.pkeys[r.table]
		w.tablesMu.RUnlock()
		if pkeyCol == "" {
			var err error
			pkeyCol, fields, err = introspectTable(ctx, w.db, r.table)
			if err != nil {
				w.fail(r.table, err)
				continue
			}
		}
		if err := w.reassertTable(ctx, r.table, r.pkeyType, pkeyCol, fields); err != nil {
			w.fail(r.table, err)
		}
	}
	return nil
}

func (w *Watcher) reassertTable(ctx context.Context, table, pkeyType, pkeyCol string, fields []string) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, shadowTableDDL(table, pkeyType)); err != nil {
		return err
	}
	if err := installTriggers(ctx, tx, table, pkeyCol, fields); err != nil {
		return err
	}
	return tx.Commit()
}

// Tables returns the introspectable state of every table with a meta row,
// Active or Inactive.
func (w *Watcher) Tables(ctx context.Context) ([]TableMeta, error) {
	rows, err := w.db.QueryContext(ctx, fmt.Sprintf(`SELECT "table", pkeyType, state, lastSync, version FROM %s`, metaTableName))
	if err != nil {
		return nil, fmt.Errorf("watcher: list tables: %w", err)
	}
	defer rows.Close()

	var out []TableMeta
	for rows.Next() {
		var (
			m        TableMeta
			state    int
			lastSync string
		)
		if err := rows.Scan(&m.Name, &m.PkeyType, &state, &lastSync, &m.Version); err != nil {
			return nil, fmt.Errorf("watcher: scan table row: %w", err)
		}
		m.State = TableState(state)
		if m.LastSync, err = time.Parse(timeLayout, lastSync); err != nil {
			return nil, fmt.Errorf("watcher: parse lastSync for %s: %w", m.Name, err)
		}
		w.tablesMu.RLock()
		m.Fields = append([]string(nil), w.fields[m.Name]...)
		w.tablesMu.RUnlock()
		out = append(out, m)
	}
	return out, rows.Err()
}

// LastSync returns table's meta row's last-sync timestamp.
func (w *Watcher) LastSync(ctx context.Context, table string) (time.Time, error) {
	var raw string
	err := w.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT lastSync FROM %s WHERE "table" = ?`, metaTableName), table).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, fmt.Errorf("watcher: %w: no meta row for %s", ErrTableCorrupted, table)
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(timeLayout, raw)
}

func (w *Watcher) trackedFields(table string) []string {
	w.tablesMu.RLock()
	defer w.tablesMu.RUnlock()
	return w.fields[table]
}

func (w *Watcher) fail(table string, err error) error {
	if err == nil {
		return nil
	}
	if table != "" {
		w.markCorruptedBestEffort(table)
		w.router.Route(qerrors.Wrap(qerrors.Table, "table operation failed", model.ObjectKey{Table: table}, err))
	} else {
		w.router.Route(qerrors.Wrap(qerrors.Database, "database operation failed", nil, err))
	}
	return err
}

func (w *Watcher) markCorruptedBestEffort(table string) {
	_, _ = w.db.Exec(fmt.Sprintf(`UPDATE %s SET state = ? WHERE "table" = ?`, metaTableName), int(StateCorrupted), table)
}

func sameFields(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]struct{}, len(a))
	for _, f := range a {
		seen[f] = struct{}{}
	}
	for _, f := range b {
		if _, ok := seen[f]; !ok {
			return false
		}
	}
	return true
}
