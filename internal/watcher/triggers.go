package watcher

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func insertTriggerName(table string) string { return fmt.Sprintf(insertTriggerFmt, table) }
func updateTriggerName(table string) string { return fmt.Sprintf(updateTriggerFmt, table) }
func deleteTriggerName(table string) string { return fmt.Sprintf(deleteTriggerFmt, table) }

// installTriggers (re)creates the three AFTER triggers that keep table's
// shadow row current. fields is the tracked column set; the UPDATE
// trigger's WHEN clause fires only when at least one tracked column
// actually changed, so a no-op UPDATE never flips a row to Changed.
func installTriggers(ctx context.Context, tx *sql.Tx, table, pkey string, fields []string) error {
	shadow := shadowTableName(table)

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %q", insertTriggerName(table))); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %q", updateTriggerName(table))); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %q", deleteTriggerName(table))); err != nil {
		return err
	}

	insertDDL := fmt.Sprintf(`CREATE TRIGGER %q AFTER INSERT ON %q
WHEN (SELECT current_setting FROM %s WHERE current_setting = 1) IS NULL
BEGIN
	INSERT INTO %q (pkey, changed, modified, tombstone)
	VALUES (NEW.%s, 1, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'), 0)
	ON CONFLICT(pkey) DO UPDATE SET changed = 1, modified = excluded.modified, tombstone = 0;
END`, insertTriggerName(table), table, suppressionCheckSQL(), shadow, quoteIdent(pkey))

	updateDDL := fmt.Sprintf(`CREATE TRIGGER %q AFTER UPDATE ON %q
WHEN (%s) AND (SELECT current_setting FROM %s WHERE current_setting = 1) IS NULL
BEGIN
	INSERT INTO %q (pkey, changed, modified, tombstone)
	VALUES (NEW.%s, 1, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'), 0)
	ON CONFLICT(pkey) DO UPDATE SET changed = 1, modified = excluded.modified, tombstone = 0;
END`, updateTriggerName(table), table, noopGuardSQL(fields), suppressionCheckSQL(), shadow, quoteIdent(pkey))

	deleteDDL := fmt.Sprintf(`CREATE TRIGGER %q AFTER DELETE ON %q
WHEN (SELECT current_setting FROM %s WHERE current_setting = 1) IS NULL
BEGIN
	INSERT INTO %q (pkey, changed, modified, tombstone)
	VALUES (OLD.%s, 1, strftime('%%Y-%%m-%%dT%%H:%%M:%%fZ', 'now'), 1)
	ON CONFLICT(pkey) DO UPDATE SET changed = 1, modified = excluded.modified, tombstone = 1;
END`, deleteTriggerName(table), table, suppressionCheckSQL(), shadow, quoteIdent(pkey))

	for _, ddl := range []string{insertDDL, updateDDL, deleteDDL} {
		if _, err := tx.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("watcher: install trigger on %s: %w", table, err)
		}
	}
	return nil
}

func dropTriggers(ctx context.Context, tx *sql.Tx, table string) error {
	for _, name := range []string{insertTriggerName(table), updateTriggerName(table), deleteTriggerName(table)} {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TRIGGER IF EXISTS %q", name)); err != nil {
			return fmt.Errorf("watcher: drop trigger %s: %w", name, err)
		}
	}
	return nil
}

// noopGuardSQL builds the UPDATE trigger's WHEN clause: fire only if some
// tracked field actually changed. IS NOT semantics handle NULL-to-NULL
// correctly without an explicit NULL check on each side.
func noopGuardSQL(fields []string) string {
	clauses := make([]string, len(fields))
	for i, f := range fields {
		clauses[i] = fmt.Sprintf("NEW.%s IS NOT OLD.%s", quoteIdent(f), quoteIdent(f))
	}
	return strings.Join(clauses, " OR ")
}

// The suppression mechanism below funnels every download write through a
// dedicated, single-statement, connection-scoped temp table rather than a
// goroutine-local flag (spec design note: "session pragma / setting the
// triggers consult"). SQLite has no user-settable session pragma, so this
// uses the temp table `temp.syncrow_suppress_triggers` instead — temp tables are
// connection-local by construction, which gives the same isolation a real
// session pragma would.
const suppressionTableName = "temp." + suppressPragmaName

func suppressionCheckSQL() string {
	return suppressionTableName
}

// execer is satisfied by *sql.Tx; the suppression flag is toggled inside
// the same transaction as the write it guards, so both live or die on the
// same commit/rollback and no second connection is ever involved.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func ensureSuppressionTable(ctx context.Context, tx execer) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		"CREATE TEMP TABLE IF NOT EXISTS %s (current_setting INTEGER)", suppressPragmaName))
	return err
}

// withSuppressedTriggers runs fn inside tx with the download-write
// suppression flag set for its duration, guaranteeing the flag is cleared
// afterward even if fn returns an error.
func withSuppressedTriggers(ctx context.Context, tx *sql.Tx, fn func() error) error {
	if err := ensureSuppressionTable(ctx, tx); err != nil {
		return fmt.Errorf("watcher: ensure suppression table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (1)", suppressPragmaName)); err != nil {
		return fmt.Errorf("watcher: enable trigger suppression: %w", err)
	}
	defer tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", suppressPragmaName))

	return fn()
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
