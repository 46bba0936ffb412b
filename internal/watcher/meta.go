package watcher

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// queryer is satisfied by both *sql.DB and *sql.Tx, letting introspection
// helpers run inside or outside a transaction.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type metaRow struct {
	PkeyType string
	State    TableState
	LastSync time.Time
	Version  int
}

func loadMetaRow(ctx context.Context, q queryer, table string) (*metaRow, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT pkeyType, state, lastSync, version FROM %s WHERE "table" = ?`, metaTableName), table)
	if err != nil {
		return nil, fmt.Errorf("watcher: load meta row: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		r        metaRow
		state    int
		lastSync string
	)
	if err := rows.Scan(&r.PkeyType, &state, &lastSync, &r.Version); err != nil {
		return nil, fmt.Errorf("watcher: scan meta row: %w", err)
	}
	r.State = TableState(state)
	if r.LastSync, err = time.Parse(timeLayout, lastSync); err != nil {
		return nil, fmt.Errorf("watcher: parse meta row lastSync: %w", err)
	}
	return &r, nil
}

// upsertMetaRow inserts a new meta row, or updates state/pkeyType/version
// on an existing one, preserving lastSync across the update.
func upsertMetaRow(ctx context.Context, tx *sql.Tx, table, pkeyType string, state TableState, existing *metaRow, version int) error {
	lastSync := time.Unix(0, 0).UTC()
	if existing != nil {
		lastSync = existing.LastSync
	}
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s ("table", pkeyType, state, lastSync, version) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT("table") DO UPDATE SET pkeyType = excluded.pkeyType, state = excluded.state, version = excluded.version
	`, metaTableName), table, pkeyType, int(state), lastSync.Format(timeLayout), version)
	if err != nil {
		return fmt.Errorf("watcher: upsert meta row: %w", err)
	}
	return nil
}

func advanceLastSync(ctx context.Context, tx *sql.Tx, table string, modified time.Time) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET lastSync = ? WHERE "table" = ? AND lastSync < ?
	`, metaTableName), modified.UTC().Format(timeLayout), table, modified.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("watcher: advance lastSync for %s: %w", table, err)
	}
	return nil
}

// introspectTable discovers table's primary key column and its non-key
// column names via PRAGMA table_info, which every SQLite connection
// exposes as a queryable pseudo-table.
func introspectTable(ctx context.Context, q queryer, table string) (pkeyCol string, columns []string, err error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
	if err != nil {
		return "", nil, fmt.Errorf("watcher: introspect %s: %w", table, err)
	}
	defer rows.Close()

	var found bool
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return "", nil, fmt.Errorf("watcher: introspect %s: scan: %w", table, err)
		}
		found = true
		if pk > 0 {
			pkeyCol = name
			continue
		}
		columns = append(columns, name)
	}
	if err := rows.Err(); err != nil {
		return "", nil, err
	}
	if !found {
		return "", nil, fmt.Errorf("watcher: table %s does not exist", table)
	}
	if pkeyCol == "" {
		return "", nil, fmt.Errorf("watcher: table %s has no primary key", table)
	}
	return pkeyCol, columns, nil
}

// markAllExistingRowsChanged is run once, inside addTable's transaction,
// right after the shadow table and triggers are created: every row
// already present in table is shadow-marked Changed so a table added
// mid-lifetime uploads its full current contents rather than only rows
// written after the trigger was installed.
func markAllExistingRowsChanged(ctx context.Context, tx *sql.Tx, table, pkeyCol string) error {
	shadow := shadowTableName(table)
	stmt := fmt.Sprintf(`
		INSERT INTO %q (pkey, changed, modified, tombstone)
		SELECT %s, 1, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'), 0 FROM %q
		ON CONFLICT(pkey) DO NOTHING
	`, shadow, quoteIdent(pkeyCol), table)
	if _, err := tx.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("watcher: seed shadow rows for %s: %w", table, err)
	}
	return nil
}
