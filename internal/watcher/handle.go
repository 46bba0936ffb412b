package watcher

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// Handle is a borrowed reference to the watcher's single underlying
// connection. Callers must defer Release() in the same goroutine that
// obtained it via Watcher.Borrow.
type Handle struct {
	conn *sql.Conn
	w    *Watcher
}

// Conn exposes the borrowed *sql.Conn for read-only user queries. It must
// not be used to write to a synced table outside of store_data's
// suppression path — ordinary writes should go through the tracked table
// directly via the caller's own connection pool, not this one.
func (h *Handle) Conn() *sql.Conn {
	return h.conn
}

// Release returns the handle to the pool, decrementing the watcher's
// reference count.
func (h *Handle) Release() {
	_ = h.conn.Close()
	h.w.release()
}

// Borrow returns a Handle wrapping the watcher's single physical
// connection, incrementing its reference count. Returns ErrClosed once
// Close has been called.
func (w *Watcher) Borrow(ctx context.Context) (*Handle, error) {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return nil, ErrClosed
	}
	w.refCount++
	w.mu.Unlock()

	conn, err := w.db.Conn(ctx)
	if err != nil {
		w.release()
		return nil, fmt.Errorf("watcher: borrow connection: %w", err)
	}
	return &Handle{conn: conn, w: w}, nil
}

func (w *Watcher) release() {
	w.mu.Lock()
	w.refCount--
	drained := w.refCount == 0 && w.closing
	w.mu.Unlock()
	if drained {
		select {
		case w.drainedCh <- struct{}{}:
		default:
		}
	}
}

// Close waits for every outstanding Handle to be released, up to timeout,
// then closes the underlying *sql.DB. If handles are still outstanding
// when timeout elapses, Close logs a warning and closes the database out
// from under them rather than blocking shutdown forever.
func (w *Watcher) Close(timeout time.Duration) error {
	w.mu.Lock()
	w.closing = true
	drained := w.refCount == 0
	w.mu.Unlock()

	if !drained {
		select {
		case <-w.drainedCh:
		case <-time.After(timeout):
			log.Printf("syncrow: watcher close timed out after %s with handles still outstanding", timeout)
		}
	}
	return w.db.Close()
}
