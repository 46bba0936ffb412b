package watcher

import (
	"context"
	"database/sql"
	"fmt"
)

// EventLogHead returns the offset one past the most recently appended
// EventLog row. Passing it to ClearEventLog once nothing is checked out
// against the log prunes every row currently recorded.
func (w *Watcher) EventLogHead(ctx context.Context) (int64, error) {
	var head sql.NullInt64
	if err := w.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT MAX(SeqId) FROM %s`, eventLogTableName)).Scan(&head); err != nil {
		return 0, fmt.Errorf("watcher: read event log head: %w", err)
	}
	return head.Int64 + 1, nil
}

// ClearEventLog deletes every EventLog row strictly before offset,
// exclusive of the record at index-offset itself.
func (w *Watcher) ClearEventLog(ctx context.Context, offset int64) error {
	if _, err := w.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE SeqId < ?`, eventLogTableName), offset); err != nil {
		return fmt.Errorf("watcher: clear event log: %w", err)
	}
	return nil
}
