package watcher

import "errors"

// ErrTableCorrupted is returned by addTable when the meta row for name is
// already Corrupted: the caller must removeTable/unsyncTable before the
// table can be synced again.
var ErrTableCorrupted = errors.New("watcher: table is corrupted")

// ErrTableEmpty is returned by addTable when the requested field set (or,
// absent an explicit set, the table's own columns) leaves no column besides
// the primary key to track.
var ErrTableEmpty = errors.New("watcher: table has no non-key columns to sync")

// ErrReservedName is returned by addTable when name already carries the
// shadow-table prefix.
var ErrReservedName = errors.New("watcher: table name uses the reserved sync prefix")

// ErrClosed is returned by Borrow once the watcher has begun shutting down.
var ErrClosed = errors.New("watcher: closed")
