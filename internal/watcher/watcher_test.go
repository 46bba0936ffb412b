package watcher

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/syncrow/syncrow/internal/model"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, "sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createWidgetsTable(t *testing.T, db *sql.DB) {
	t.Helper()
	if _, err := db.Exec(`CREATE TABLE widgets (id TEXT PRIMARY KEY, name TEXT, count INTEGER)`); err != nil {
		t.Fatalf("create widgets table: %v", err)
	}
}

func TestAddTableIsIdempotentWhenShapeUnchanged(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createWidgetsTable(t, db)
	w := New(db, nil)

	if err := w.AddTable(ctx, "widgets", AddTableOptions{}); err != nil {
		t.Fatalf("first AddTable: %v", err)
	}
	if err := w.AddTable(ctx, "widgets", AddTableOptions{}); err != nil {
		t.Fatalf("second AddTable (idempotent) should not error: %v", err)
	}

	tables, err := w.Tables(ctx)
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	if len(tables) != 1 {
		t.Fatalf("Tables returned %d rows, want 1", len(tables))
	}
	if tables[0].State != StateActive {
		t.Errorf("State = %v, want Active", tables[0].State)
	}
	if tables[0].Version != 1 {
		t.Errorf("Version = %d, want 1 (idempotent add should not bump version)", tables[0].Version)
	}
}

func TestAddTableRejectsReservedPrefix(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	w := New(db, nil)

	if err := w.AddTable(ctx, TablePrefix+"foo", AddTableOptions{}); err != ErrReservedName {
		t.Fatalf("AddTable(reserved name) error = %v, want ErrReservedName", err)
	}
}

func TestAddTableBumpsVersionOnShapeChange(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createWidgetsTable(t, db)
	w := New(db, nil)

	if err := w.AddTable(ctx, "widgets", AddTableOptions{Fields: []string{"name"}}); err != nil {
		t.Fatalf("first AddTable: %v", err)
	}
	if err := w.AddTable(ctx, "widgets", AddTableOptions{Fields: []string{"name", "count"}}); err != nil {
		t.Fatalf("second AddTable (shape change): %v", err)
	}

	tables, err := w.Tables(ctx)
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	if tables[0].Version != 2 {
		t.Errorf("Version = %d, want 2 after field-set change", tables[0].Version)
	}
}

func TestRemoveTableThenReactivateResumesLastSync(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createWidgetsTable(t, db)
	w := New(db, nil)

	if err := w.AddTable(ctx, "widgets", AddTableOptions{}); err != nil {
		t.Fatalf("AddTable: %v", err)
	}
	firstSync, err := w.LastSync(ctx, "widgets")
	if err != nil {
		t.Fatalf("LastSync: %v", err)
	}

	if err := w.RemoveTable(ctx, "widgets", false); err != nil {
		t.Fatalf("RemoveTable: %v", err)
	}
	if err := w.AddTable(ctx, "widgets", AddTableOptions{}); err != nil {
		t.Fatalf("re-AddTable: %v", err)
	}

	resumedSync, err := w.LastSync(ctx, "widgets")
	if err != nil {
		t.Fatalf("LastSync after resume: %v", err)
	}
	if !resumedSync.Equal(firstSync) {
		t.Errorf("LastSync after remove+re-add = %v, want unchanged from %v", resumedSync, firstSync)
	}
}

func TestRemoveTableWithDropMetaForgetsLastSync(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createWidgetsTable(t, db)
	w := New(db, nil)

	if err := w.AddTable(ctx, "widgets", AddTableOptions{}); err != nil {
		t.Fatalf("AddTable: %v", err)
	}
	if err := w.RemoveTable(ctx, "widgets", true); err != nil {
		t.Fatalf("RemoveTable(dropMeta): %v", err)
	}

	tables, err := w.Tables(ctx)
	if err != nil {
		t.Fatalf("Tables: %v", err)
	}
	if len(tables) != 0 {
		t.Fatalf("Tables returned %d rows after dropMeta RemoveTable, want 0", len(tables))
	}
}

func TestTriggersMarkInsertAndDeleteAsChanged(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createWidgetsTable(t, db)
	w := New(db, nil)
	if err := w.AddTable(ctx, "widgets", AddTableOptions{}); err != nil {
		t.Fatalf("AddTable: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO widgets (id, name, count) VALUES ('1', 'gadget', 3)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	data, ok, err := w.LoadData(ctx, "widgets")
	if err != nil || !ok {
		t.Fatalf("LoadData after insert: ok=%v err=%v", ok, err)
	}
	if data.IsTombstone() || data.Fields["name"] != "gadget" {
		t.Errorf("LoadData after insert = %+v", data)
	}

	if err := w.MarkUnchanged(ctx, data.Key, data.Modified); err != nil {
		t.Fatalf("MarkUnchanged: %v", err)
	}
	if _, ok, err := w.LoadData(ctx, "widgets"); err != nil || ok {
		t.Fatalf("LoadData after MarkUnchanged: ok=%v err=%v, want ok=false", ok, err)
	}

	if _, err := db.Exec(`DELETE FROM widgets WHERE id = '1'`); err != nil {
		t.Fatalf("delete: %v", err)
	}
	data, ok, err = w.LoadData(ctx, "widgets")
	if err != nil || !ok {
		t.Fatalf("LoadData after delete: ok=%v err=%v", ok, err)
	}
	if !data.IsTombstone() {
		t.Errorf("LoadData after delete should be a tombstone")
	}
}

func TestStoreDataLocalWinsConflict(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createWidgetsTable(t, db)
	w := New(db, nil)
	if err := w.AddTable(ctx, "widgets", AddTableOptions{}); err != nil {
		t.Fatalf("AddTable: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO widgets (id, name, count) VALUES ('1', 'local-edit', 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	local, ok, err := w.LoadData(ctx, "widgets")
	if err != nil || !ok {
		t.Fatalf("LoadData: ok=%v err=%v", ok, err)
	}

	// An incoming remote record older than the still-pending local edit
	// must be dropped, leaving the local row untouched.
	stale := model.LocalData{
		Key:      local.Key,
		Modified: local.Modified.Add(-time.Hour),
		Fields:   map[string]any{"name": "remote-stale", "count": int64(99)},
	}
	if err := w.StoreData(ctx, stale); err != nil {
		t.Fatalf("StoreData(stale): %v", err)
	}

	var name string
	if err := db.QueryRow(`SELECT name FROM widgets WHERE id = '1'`).Scan(&name); err != nil {
		t.Fatalf("query widgets: %v", err)
	}
	if name != "local-edit" {
		t.Errorf("name = %q after stale download, want local-edit unchanged (local wins)", name)
	}
}

func TestStoreDataAppliesNewerRemoteRecord(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createWidgetsTable(t, db)
	w := New(db, nil)
	if err := w.AddTable(ctx, "widgets", AddTableOptions{}); err != nil {
		t.Fatalf("AddTable: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO widgets (id, name, count) VALUES ('1', 'local-edit', 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	local, ok, err := w.LoadData(ctx, "widgets")
	if err != nil || !ok {
		t.Fatalf("LoadData: ok=%v err=%v", ok, err)
	}
	if err := w.MarkUnchanged(ctx, local.Key, local.Modified); err != nil {
		t.Fatalf("MarkUnchanged: %v", err)
	}

	fresher := model.LocalData{
		Key:      local.Key,
		Modified: local.Modified.Add(time.Hour),
		Fields:   map[string]any{"name": "remote-newer", "count": int64(7)},
	}
	if err := w.StoreData(ctx, fresher); err != nil {
		t.Fatalf("StoreData(fresher): %v", err)
	}

	var name string
	if err := db.QueryRow(`SELECT name FROM widgets WHERE id = '1'`).Scan(&name); err != nil {
		t.Fatalf("query widgets: %v", err)
	}
	if name != "remote-newer" {
		t.Errorf("name = %q, want remote-newer to have been applied", name)
	}
}

func TestStoreDataTombstoneConvergence(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createWidgetsTable(t, db)
	w := New(db, nil)
	if err := w.AddTable(ctx, "widgets", AddTableOptions{}); err != nil {
		t.Fatalf("AddTable: %v", err)
	}

	// A tombstone for a row that was never seen locally must not error,
	// and must not resurrect the row.
	tomb := model.LocalData{
		Key:      model.ObjectKey{Table: "widgets", ID: "never-existed"},
		Modified: time.Now().UTC(),
		Fields:   nil,
	}
	if err := w.StoreData(ctx, tomb); err != nil {
		t.Fatalf("StoreData(unseen tombstone): %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM widgets WHERE id = 'never-existed'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("tombstone for unseen row should not create it, got count=%d", count)
	}

	// Now insert and sync a real local row, then apply a remote tombstone
	// for the same key at a later timestamp; the row must be deleted.
	if _, err := db.Exec(`INSERT INTO widgets (id, name, count) VALUES ('2', 'gone-soon', 1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	inserted, ok, err := w.LoadData(ctx, "widgets")
	if err != nil || !ok {
		t.Fatalf("LoadData: ok=%v err=%v", ok, err)
	}
	if err := w.MarkUnchanged(ctx, inserted.Key, inserted.Modified); err != nil {
		t.Fatalf("MarkUnchanged: %v", err)
	}

	remoteTomb := model.LocalData{Key: inserted.Key, Modified: inserted.Modified.Add(time.Hour), Fields: nil}
	if err := w.StoreData(ctx, remoteTomb); err != nil {
		t.Fatalf("StoreData(remote tombstone): %v", err)
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM widgets WHERE id = '2'`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("row should be deleted after remote tombstone, count=%d", count)
	}
}

func TestMarkCorruptedExcludesRowFromLoadData(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)
	createWidgetsTable(t, db)
	w := New(db, nil)
	if err := w.AddTable(ctx, "widgets", AddTableOptions{}); err != nil {
		t.Fatalf("AddTable: %v", err)
	}

	if _, err := db.Exec(`INSERT INTO widgets (id, name, count) VALUES ('1', 'gadget', 3)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	data, ok, err := w.LoadData(ctx, "widgets")
	if err != nil || !ok {
		t.Fatalf("LoadData: ok=%v err=%v", ok, err)
	}

	if err := w.MarkCorrupted(ctx, data.Key, data.Modified); err != nil {
		t.Fatalf("MarkCorrupted: %v", err)
	}
	if _, ok, err := w.LoadData(ctx, "widgets"); err != nil || ok {
		t.Fatalf("LoadData after MarkCorrupted: ok=%v err=%v, want ok=false", ok, err)
	}
}
