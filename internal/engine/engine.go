// Package engine sequences sign-in, downloading, uploading, live-push
// handling, error recovery, and graceful shutdown on top of the watcher,
// connector, transformer, and scheduler packages.
package engine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/syncrow/syncrow/internal/auth"
	"github.com/syncrow/syncrow/internal/connector"
	"github.com/syncrow/syncrow/internal/model"
	"github.com/syncrow/syncrow/internal/qerrors"
	"github.com/syncrow/syncrow/internal/scheduler"
	"github.com/syncrow/syncrow/internal/transform"
	"github.com/syncrow/syncrow/internal/watcher"
	"github.com/syncrow/syncrow/internal/wire"
)

// State is one of the engine's top-level lifecycle states.
type State int

const (
	Inactive State = iota
	SigningIn
	ActiveDownloading
	ActiveUploading
	ActiveIdle
	Error
	DeletingAcc
	Stopping
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case SigningIn:
		return "SigningIn"
	case ActiveDownloading:
		return "Active/Downloading"
	case ActiveUploading:
		return "Active/Uploading"
	case ActiveIdle:
		return "Active/Idle"
	case Error:
		return "Error"
	case DeletingAcc:
		return "DeletingAcc"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// eventKind identifies which event.data field, if any, is meaningful.
type eventKind int

const (
	evStart eventKind = iota
	evStop
	evSignedIn
	evError
	evDeleteAcc
	evDlReady
	evDlContinue
	evTriggerSync
	evUlContinue
	evSyncReady
	evStopped
	evDownloaded
	evSyncDone
	evUploaded
	evReconnect
)

type event struct {
	kind     eventKind
	table    string
	err      *qerrors.Error
	records  []model.CloudData
	cursor   wire.EventCursor
	key      model.ObjectKey
	modified time.Time
}

// Config wires an Engine to its collaborators.
type Config struct {
	Watcher       *watcher.Watcher
	Transformer   transform.ICloudTransformer
	Authenticator auth.Authenticator
	Connector     *connector.Connector
	Scheduler     *scheduler.Scheduler
	Router        *qerrors.Router
	Logger        *log.Logger
	// RequestTimeout bounds each database/connector round trip driven by
	// the event loop.
	RequestTimeout time.Duration
	// OnIdentityAssigned is called the first time the connector registers
	// a new device, so the embedder can persist the identity for reuse
	// across restarts. May be nil.
	OnIdentityAssigned func(connector.Identity)
}

// Engine runs the single-goroutine event loop described by the top-level
// state chart. It is not safe for concurrent use except via its exported
// Start/Stop/TriggerSync/WaitForStopped methods, which are themselves
// safe to call from any goroutine.
type Engine struct {
	cfg Config

	mu    sync.Mutex
	state State

	events    chan event
	stopped   chan struct{}
	loopDone  chan struct{}
	abort     chan struct{}
	abortOnce sync.Once
	startOnce sync.Once

	lastErr *qerrors.Error

	// cursors tracks each table's most recently received download
	// pagination cursor, so a reconnect mid-GetChanges resumes where the
	// batch stream left off instead of re-asking from the start. Only
	// ever touched from the event loop goroutine.
	cursors map[string]wire.EventCursor
}

// New builds an Engine. Call Start to begin the event loop.
func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = log.New(logDiscard{}, "", 0)
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	e := &Engine{
		cfg:      cfg,
		state:    Inactive,
		events:   make(chan event, 64),
		stopped:  make(chan struct{}),
		loopDone: make(chan struct{}),
		abort:    make(chan struct{}),
		cursors:  make(map[string]wire.EventCursor),
	}
	return e
}

// BindConnector attaches the connector once it has been constructed with
// this Engine as its Delegate. Engine and Connector are built in two
// steps by the embedder because each needs a reference to the other.
func (e *Engine) BindConnector(c *connector.Connector) {
	e.cfg.Connector = c
}

type logDiscard struct{}

func (logDiscard) Write(p []byte) (int, error) { return len(p), nil }

// State returns the engine's current top-level state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Start posts the `start` event, spawning the event loop goroutine on the
// first call only. It does not block for sign-in to complete. Calling
// Start again after the engine has reached Error re-delivers `start` to
// the same still-running loop, per the state chart's Error -> SigningIn
// recovery edge, without spawning a second loop racing the first.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		go e.loop()
		go e.watchAccountDeletion()
	})
	e.post(event{kind: evStart})
}

// watchAccountDeletion forwards the authenticator's out-of-band deletion
// notice into the event loop as a `deleteAcc` event.
func (e *Engine) watchAccountDeletion() {
	ch := e.cfg.Authenticator.AccountDeletedNotify()
	select {
	case <-ch:
		e.DeleteAccount()
	case <-e.loopDone:
	}
}

// Stop posts the `stop` event. The event loop finishes the event it is
// handling, then closes the connector without waiting for acknowledgements
// of uploads already sent, prunes the event log and closes the watcher.
// Use WaitForStopped to block until it has.
func (e *Engine) Stop() {
	e.abortOnce.Do(func() { close(e.abort) })
	e.post(event{kind: evStop})
}

// DeleteAccount posts the `deleteAcc` event.
func (e *Engine) DeleteAccount() {
	e.post(event{kind: evDeleteAcc})
}

// TriggerSync posts a `triggerSync` event for table, as if the server had
// sent a Changed notification.
func (e *Engine) TriggerSync(table string) {
	e.post(event{kind: evTriggerSync, table: table})
}

// LastError returns the last error the engine transitioned into Error
// state for, or nil if it has never entered Error.
func (e *Engine) LastError() *qerrors.Error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// WaitForStopped blocks until the engine reaches Inactive after a Stop,
// or timeout elapses.
func (e *Engine) WaitForStopped(timeout time.Duration) bool {
	select {
	case <-e.stopped:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (e *Engine) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.loopDone:
	}
}

// loop is the single cooperative task: exactly one event is consumed at
// a time, and its entry action runs to completion before the next event
// is drawn.
func (e *Engine) loop() {
	defer close(e.loopDone)
	for ev := range e.events {
		e.handle(ev)
		if ev.kind == evStopped {
			return
		}
	}
}

func (e *Engine) handle(ev event) {
	switch ev.kind {
	case evStart:
		e.enterSigningIn()
	case evSignedIn:
		e.enterActive()
	case evStop:
		e.enterStopping()
	case evDeleteAcc:
		e.enterDeletingAcc()
	case evError:
		e.enterError(ev.err)
	case evDlReady:
		e.setState(ActiveUploading)
		e.runUploadCycle()
	case evDlContinue:
		e.runDownloadCycle()
	case evUlContinue:
		e.runUploadCycle()
	case evSyncReady:
		e.enterIdle()
	case evTriggerSync:
		e.onTriggerSync(ev.table)
	case evDownloaded:
		e.cursors[ev.table] = ev.cursor
		e.applyDownloadBatch(ev.records)
	case evSyncDone:
		delete(e.cursors, ev.table)
		e.cfg.Scheduler.Clear(ev.table, scheduler.Cloud)
		e.post(event{kind: evDlContinue})
	case evUploaded:
		e.handleUploaded(ev.key, ev.modified)
	case evReconnect:
		e.enterReconnecting()
	case evStopped:
		e.setState(Inactive)
		close(e.stopped)
	}
}

func (e *Engine) enterSigningIn() {
	e.setState(SigningIn)
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	if _, err := e.cfg.Authenticator.SignIn(ctx); err != nil {
		e.post(event{kind: evError, err: qerrors.Wrap(qerrors.System, "sign in", nil, err)})
		return
	}

	if err := e.connectWithBackoff(context.Background()); err != nil {
		// Only returns non-nil on Stop; the pending evStop will drain the
		// loop, so there is nothing further to post here.
		return
	}
	e.post(event{kind: evSignedIn})
}

// connectWithBackoff retries Connector.Connect with the connector's own
// exponential policy until it succeeds or Stop is called.
func (e *Engine) connectWithBackoff(ctx context.Context) error {
	for {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
		err := e.cfg.Connector.Connect(cctx)
		cancel()
		if err == nil {
			return nil
		}
		e.cfg.Router.Route(qerrors.Wrap(qerrors.Network, "connect", nil, err))

		wait := e.cfg.Connector.ReconnectBackoff()
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-e.abort:
			timer.Stop()
			return context.Canceled
		}
	}
}

// enterReconnecting re-establishes the connector after an OnError signal
// dropped it, then resumes the Active cycle from scratch (refilling both
// dirty sets, since the disconnect may have interrupted an in-flight
// download or upload).
func (e *Engine) enterReconnecting() {
	if err := e.connectWithBackoff(context.Background()); err != nil {
		return
	}
	e.enterActive()
}

func (e *Engine) enterActive() {
	e.cfg.Router.Reset()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	tables, err := e.cfg.Watcher.Tables(ctx)
	if err != nil {
		e.post(event{kind: evError, err: qerrors.Wrap(qerrors.Database, "list tables entering Active", nil, err)})
		return
	}
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		if t.State == watcher.StateActive {
			names = append(names, t.Name)
		}
	}
	e.cfg.Scheduler.FillDirty(names, scheduler.Local)
	e.cfg.Scheduler.FillDirty(names, scheduler.Cloud)

	e.setState(ActiveDownloading)
	e.runDownloadCycle()
}

// runDownloadCycle pops one table from CloudDirty and asks the connector
// for its changes; if the set is empty it emits dlReady, handing control
// to the upload half of the Active composite state.
func (e *Engine) runDownloadCycle() {
	table, ok := e.cfg.Scheduler.NextDirty(scheduler.Cloud)
	if !ok {
		e.post(event{kind: evDlReady})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	since, err := e.cfg.Watcher.LastSync(ctx, table)
	if err != nil {
		e.cfg.Router.Route(qerrors.Wrap(qerrors.Table, "read last-sync", model.ObjectKey{Table: table}, err))
		delete(e.cursors, table)
		e.cfg.Scheduler.Clear(table, scheduler.Cloud)
		e.post(event{kind: evDlContinue})
		return
	}

	if err := e.cfg.Connector.GetChanges(ctx, table, since, e.cursors[table]); err != nil {
		e.cfg.Router.Route(qerrors.Wrap(qerrors.Network, "request changes", table, err))
		delete(e.cursors, table)
		e.cfg.Scheduler.Clear(table, scheduler.Cloud)
	}
	// The batch itself arrives asynchronously via OnDownloaded/OnSyncDone,
	// which clear the table from CloudDirty and post dlContinue.
}

// runUploadCycle pops one table from LocalDirty and uploads its oldest
// pending change; if the set is empty it emits syncReady.
func (e *Engine) runUploadCycle() {
	table, ok := e.cfg.Scheduler.NextDirty(scheduler.Local)
	if !ok {
		e.post(event{kind: evSyncReady})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	data, has, err := e.cfg.Watcher.LoadData(ctx, table)
	if err != nil {
		e.cfg.Router.Route(qerrors.Wrap(qerrors.Table, "load pending change", model.ObjectKey{Table: table}, err))
		e.cfg.Scheduler.Clear(table, scheduler.Local)
		e.post(event{kind: evUlContinue})
		return
	}
	if !has {
		e.cfg.Scheduler.Clear(table, scheduler.Local)
		e.post(event{kind: evUlContinue})
		return
	}

	cloudData, err := e.cfg.Transformer.TransformUpload(ctx, data)
	if err != nil {
		e.cfg.Router.Route(qerrors.Wrap(qerrors.Transform, "transform upload", data.Key, err))
		_ = e.cfg.Watcher.MarkCorrupted(ctx, data.Key, data.Modified)
		e.post(event{kind: evUlContinue})
		return
	}

	if err := e.cfg.Connector.UploadChange(ctx, cloudData); err != nil {
		e.cfg.Router.Route(qerrors.Wrap(qerrors.Network, "upload change", data.Key, err))
		e.post(event{kind: evUlContinue})
		return
	}
	// UploadAck arrives asynchronously via OnUploaded, which calls
	// MarkUnchanged and posts ulContinue.
}

// applyDownloadBatch transforms and stores one batch of downloaded
// records. The download cycle continues only once the connector's
// ChangesDone arrives (see evSyncDone); a batch alone does not advance
// the cycle, since more batches for the same table may follow.
func (e *Engine) applyDownloadBatch(records []model.CloudData) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()

	for _, cd := range records {
		local, err := e.cfg.Transformer.TransformDownload(ctx, cd)
		if err != nil {
			e.cfg.Router.Route(qerrors.Wrap(qerrors.Transform, "transform download", cd.Key, err))
			_ = e.cfg.Watcher.MarkCorrupted(ctx, cd.Key, cd.Modified)
			continue
		}
		if err := e.cfg.Watcher.StoreData(ctx, local); err != nil {
			e.cfg.Router.Route(qerrors.Wrap(qerrors.Table, "store downloaded record", cd.Key, err))
		}
	}
}

// handleUploaded acknowledges a successful upload: the shadow row is
// marked Unchanged (unless it was edited again locally since upload) and
// the upload cycle continues.
func (e *Engine) handleUploaded(key model.ObjectKey, modified time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	if err := e.cfg.Watcher.MarkUnchanged(ctx, key, modified); err != nil {
		e.cfg.Router.Route(qerrors.Wrap(qerrors.Table, "mark uploaded record unchanged", key, err))
	}
	e.post(event{kind: evUlContinue})
}

func (e *Engine) enterIdle() {
	e.setState(ActiveIdle)
}

func (e *Engine) onTriggerSync(table string) {
	e.cfg.Scheduler.MarkDirty(table, scheduler.Cloud)
	switch e.State() {
	case ActiveIdle:
		e.setState(ActiveDownloading)
		e.runDownloadCycle()
	case ActiveDownloading, ActiveUploading:
		// Already cycling; the newly dirtied table will be picked up on
		// this cycle's next iteration.
	}
}

func (e *Engine) enterError(cause *qerrors.Error) {
	e.mu.Lock()
	e.lastErr = cause
	e.mu.Unlock()
	e.setState(Error)
	e.cfg.Logger.Printf("syncrow: engine entering Error state: %v", cause)
	_ = e.cfg.Connector.Close()
}

// enterDeletingAcc asks the connector to delete the account owning this
// device. A successful send does not itself advance the state; the
// server's AccountDeleted acknowledgement arrives asynchronously via
// Delegate.OnAccountDeleted, which posts `stop`. A send failure posts
// `error` directly, per the state chart's DeletingAcc transitions.
func (e *Engine) enterDeletingAcc() {
	e.setState(DeletingAcc)
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	defer cancel()
	if err := e.cfg.Connector.DeleteAccount(ctx); err != nil {
		e.post(event{kind: evError, err: qerrors.Wrap(qerrors.Network, "request account deletion", nil, err)})
	}
}

// enterStopping closes the connector, then flushes the watcher: the
// EventLog is pruned up to its current head, which removes every row,
// and Watcher.Close blocks for outstanding Borrow'd handles to drain
// before the underlying database connection goes away.
func (e *Engine) enterStopping() {
	e.setState(Stopping)
	_ = e.cfg.Connector.Close()

	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
	head, err := e.cfg.Watcher.EventLogHead(ctx)
	cancel()
	if err != nil {
		e.cfg.Router.Route(qerrors.Wrap(qerrors.Database, "read event log head before shutdown", nil, err))
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.RequestTimeout)
		if err := e.cfg.Watcher.ClearEventLog(ctx, head); err != nil {
			e.cfg.Router.Route(qerrors.Wrap(qerrors.Database, "prune event log before shutdown", nil, err))
		}
		cancel()
	}

	if err := e.cfg.Watcher.Close(e.cfg.RequestTimeout); err != nil {
		e.cfg.Logger.Printf("syncrow: watcher close: %v", err)
	}
	e.post(event{kind: evStopped})
}
