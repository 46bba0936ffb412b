package watcher

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/syncrow/syncrow/internal/model"
	"github.com/syncrow/syncrow/internal/qerrors"
)

type shadowRow struct {
	changeState ChangeState
	modified    time.Time
	tombstone   bool
	digest      []byte
}

func loadShadowRow(ctx context.Context, q queryer, table, pkey string) (*shadowRow, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT changed, modified, tombstone, digest FROM %q WHERE pkey = ?`, shadowTableName(table)), pkey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	var (
		r        shadowRow
		changed  int
		modified string
		tomb     int
	)
	if err := rows.Scan(&changed, &modified, &tomb, &r.digest); err != nil {
		return nil, err
	}
	r.changeState = ChangeState(changed)
	r.tombstone = tomb != 0
	if r.modified, err = time.Parse(timeLayout, modified); err != nil {
		return nil, err
	}
	return &r, nil
}

// StoreData applies a downloaded record, per the apply-download algorithm:
// a local Changed row at or after the incoming record's timestamp wins and the record
// is dropped; otherwise the record is applied and the shadow row is set
// Unchanged at record.Modified.
func (w *Watcher) StoreData(ctx context.Context, record model.LocalData) error {
	table := record.Key.Table
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return w.fail(table, fmt.Errorf("begin: %w", err))
	}
	defer tx.Rollback()

	shadow, err := loadShadowRow(ctx, tx, table, record.Key.ID)
	if err != nil {
		return w.fail(table, err)
	}

	if shadow == nil && record.IsTombstone() {
		if err := advanceLastSync(ctx, tx, table, record.Modified); err != nil {
			return w.fail(table, err)
		}
		return tx.Commit()
	}

	if shadow != nil && shadow.changeState == Changed && !record.Modified.After(shadow.modified) {
		// Keep local: the row was edited locally after (or at) the
		// incoming record's timestamp and hasn't been acknowledged yet.
		return tx.Commit()
	}

	pkeyCol, _, err := introspectTable(ctx, tx, table)
	if err != nil {
		return w.fail(table, err)
	}

	if err := withSuppressedTriggers(ctx, tx, func() error {
		return applyRecordToUserTable(ctx, tx, table, pkeyCol, record)
	}); err != nil {
		return w.fail(table, err)
	}

	digest, err := record.Digest()
	if err != nil {
		return w.fail(table, fmt.Errorf("digest downloaded record: %w", err))
	}
	if err := upsertShadowRow(ctx, tx, table, record.Key.ID, Unchanged, record.Modified, record.IsTombstone(), digest[:]); err != nil {
		return w.fail(table, err)
	}
	if err := advanceLastSync(ctx, tx, table, record.Modified); err != nil {
		return w.fail(table, err)
	}
	if err := appendEventLog(ctx, tx, record, digest); err != nil {
		return w.fail(table, err)
	}

	if err := tx.Commit(); err != nil {
		return w.fail(table, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func applyRecordToUserTable(ctx context.Context, tx *sql.Tx, table, pkeyCol string, record model.LocalData) error {
	if record.IsTombstone() {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE %s = ?`, table, quoteIdent(pkeyCol)), record.Key.ID)
		return err
	}

	cols := make([]string, 0, len(record.Fields)+1)
	placeholders := make([]string, 0, len(record.Fields)+1)
	updates := make([]string, 0, len(record.Fields))
	args := make([]any, 0, len(record.Fields)+1)

	cols = append(cols, quoteIdent(pkeyCol))
	placeholders = append(placeholders, "?")
	args = append(args, record.Key.ID)

	keys := make([]string, 0, len(record.Fields))
	for k := range record.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		cols = append(cols, quoteIdent(k))
		placeholders = append(placeholders, "?")
		args = append(args, record.Fields[k])
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(k), quoteIdent(k)))
	}

	stmt := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s`,
		table, joinComma(cols), joinComma(placeholders), quoteIdent(pkeyCol), joinComma(updates))
	if len(updates) == 0 {
		stmt = fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING`,
			table, joinComma(cols), joinComma(placeholders), quoteIdent(pkeyCol))
	}
	_, err := tx.ExecContext(ctx, stmt, args...)
	return err
}

func joinComma(items []string) string {
	out := items[0]
	for _, s := range items[1:] {
		out += ", " + s
	}
	return out
}

func upsertShadowRow(ctx context.Context, ex execer, table, pkey string, state ChangeState, modified time.Time, tombstone bool, digest []byte) error {
	_, err := ex.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (pkey, changed, modified, tombstone, digest) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(pkey) DO UPDATE SET changed = excluded.changed, modified = excluded.modified, tombstone = excluded.tombstone, digest = excluded.digest
	`, shadowTableName(table)), pkey, int(state), modified.UTC().Format(timeLayout), boolToInt(tombstone), digest)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// appendEventLog records one applied mutation, deduped by (Type, Id,
// Digest) so a crash-and-replay that re-applies an already-logged change
// never double-queues it.
func appendEventLog(ctx context.Context, tx *sql.Tx, record model.LocalData, digest [32]byte) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (Type, Id, Version, Removed, Timestamp, Digest)
		SELECT ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM %s WHERE Type = ? AND Id = ? AND Digest = ?)
	`, eventLogTableName, eventLogTableName),
		record.Key.Table, record.Key.ID, 1, boolToInt(record.IsTombstone()), record.Modified.UTC().Format(timeLayout), digest[:],
		record.Key.Table, record.Key.ID, digest[:])
	return err
}

// LoadData returns the oldest pending local change for table — the
// Changed shadow row with the smallest modified timestamp — or ok=false
// if there is none.
//
// Before returning a non-tombstone candidate, it re-derives the row's
// content digest and compares it against the digest last recorded for
// that row. A match means the UPDATE that flipped this row to Changed
// rewrote every column to its existing value; rather than upload a
// no-op, the row is marked Unchanged in place and the next candidate is
// considered.
func (w *Watcher) LoadData(ctx context.Context, table string) (data model.LocalData, ok bool, err error) {
	pkeyCol, _, err := introspectTable(ctx, w.db, table)
	if err != nil {
		return model.LocalData{}, false, err
	}

	for {
		row := w.db.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT pkey, modified, tombstone, digest FROM %q WHERE changed = ? ORDER BY modified ASC LIMIT 1`,
			shadowTableName(table)), int(Changed))
		var (
			pkey        string
			modified    string
			tomb        int
			knownDigest []byte
		)
		if err := row.Scan(&pkey, &modified, &tomb, &knownDigest); err == sql.ErrNoRows {
			return model.LocalData{}, false, nil
		} else if err != nil {
			return model.LocalData{}, false, w.fail(table, err)
		}

		when, err := time.Parse(timeLayout, modified)
		if err != nil {
			return model.LocalData{}, false, w.fail(table, err)
		}

		key := model.ObjectKey{Table: table, ID: pkey}
		candidate := model.LocalData{Key: key, Modified: when}
		if tomb == 0 {
			fields, err := loadUserRow(ctx, w.db, table, pkeyCol, pkey)
			if err != nil {
				return model.LocalData{}, false, w.fail(table, err)
			}
			candidate.Fields = fields
		}

		if !candidate.IsTombstone() && len(knownDigest) > 0 {
			digest, err := candidate.Digest()
			if err != nil {
				return model.LocalData{}, false, w.fail(table, err)
			}
			if bytes.Equal(digest[:], knownDigest) {
				if err := upsertShadowRow(ctx, w.db, table, pkey, Unchanged, when, false, knownDigest); err != nil {
					return model.LocalData{}, false, w.fail(table, err)
				}
				continue
			}
		}

		return candidate, true, nil
	}
}

func loadUserRow(ctx context.Context, db *sql.DB, table, pkeyCol, pkey string) (map[string]any, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %q WHERE %s = ?`, table, quoteIdent(pkeyCol)), pkey)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, fmt.Errorf("watcher: row %s.%s vanished between shadow read and load", table, pkey)
	}
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	fields := make(map[string]any, len(cols))
	for i, c := range cols {
		if c == pkeyCol {
			continue
		}
		fields[c] = vals[i]
	}
	return fields, nil
}

// MarkUnchanged commits a successful upload: if the shadow row was
// mutated again after ackModified it stays Changed (the newer write still
// needs uploading) and a Temporary error is routed; otherwise it is set
// Unchanged and its digest is
// refreshed to the row's current content, so the next local edit's
// companion check compares against what was actually last synced.
func (w *Watcher) MarkUnchanged(ctx context.Context, key model.ObjectKey, ackModified time.Time) error {
	shadow, err := loadShadowRow(ctx, w.db, key.Table, key.ID)
	if err != nil {
		return w.fail(key.Table, err)
	}
	if shadow == nil {
		return nil
	}
	if shadow.modified.After(ackModified) {
		w.router.Route(qerrors.New(qerrors.Temporary, "upload ack older than shadow row; row left as is", key))
		return nil
	}

	var digest []byte
	if !shadow.tombstone {
		pkeyCol, _, err := introspectTable(ctx, w.db, key.Table)
		if err != nil {
			return w.fail(key.Table, err)
		}
		fields, err := loadUserRow(ctx, w.db, key.Table, pkeyCol, key.ID)
		if err != nil {
			return w.fail(key.Table, err)
		}
		sum, err := (model.LocalData{Key: key, Modified: shadow.modified, Fields: fields}).Digest()
		if err != nil {
			return w.fail(key.Table, err)
		}
		digest = sum[:]
	}

	if err := upsertShadowRow(ctx, w.db, key.Table, key.ID, Unchanged, shadow.modified, shadow.tombstone, digest); err != nil {
		return w.fail(key.Table, err)
	}
	return nil
}

// MarkCorrupted moves key's shadow row to Corrupted: it is excluded from
// future uploads until the table is removed and re-added. A later
// downloaded record for the key is still applied by StoreData, which sets
// the row back to Unchanged.
func (w *Watcher) MarkCorrupted(ctx context.Context, key model.ObjectKey, modified time.Time) error {
	_, err := w.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (pkey, changed, modified, tombstone) VALUES (?, ?, ?, 0)
		ON CONFLICT(pkey) DO UPDATE SET changed = excluded.changed
	`, shadowTableName(key.Table)), key.ID, int(Corrupted), modified.UTC().Format(timeLayout))
	if err != nil {
		return w.fail(key.Table, err)
	}
	return nil
}
