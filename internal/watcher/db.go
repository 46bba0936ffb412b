package watcher

import (
	"context"
	"database/sql"
	"fmt"
)

// Open opens (or creates) the SQLite database at path with the pragmas the
// watcher needs — WAL for concurrent readers during a download, a busy
// timeout so a writer never fails outright on lock contention, and foreign
// keys on — then installs the meta and event log tables.
//
// The caller supplies the driver name so the watcher itself never imports
// one: production code registers "sqlite3" via
// github.com/ncruces/go-sqlite3/driver, tests may register any
// database/sql driver that speaks SQLite dialect.
func Open(ctx context.Context, driverName, dsn string) (*sql.DB, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("watcher: open %s: %w", dsn, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("watcher: ping %s: %w", dsn, err)
	}

	// One physical connection: the trigger-suppression temp table (triggers.go)
	// is connection-scoped, so a pooled second connection would see
	// triggers fire on writes the download path meant to suppress.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("watcher: %s: %w", pragma, err)
		}
	}

	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// bootstrap creates the meta and event log tables if they do not already
// exist. Idempotent, safe to call against a database already instrumented
// by an earlier process.
func bootstrap(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, bootstrapSchema); err != nil {
		return fmt.Errorf("watcher: bootstrap schema: %w", err)
	}
	return nil
}
