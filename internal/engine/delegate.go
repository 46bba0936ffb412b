package engine

import (
	"time"

	"github.com/syncrow/syncrow/internal/connector"
	"github.com/syncrow/syncrow/internal/model"
	"github.com/syncrow/syncrow/internal/qerrors"
	"github.com/syncrow/syncrow/internal/wire"
)

// Engine implements connector.Delegate directly. The data callbacks only
// post an event, handing the actual work back to the engine's own event
// loop, so no watcher or scheduler method is ever called from two
// goroutines at once. OnIdentityAssigned calls the configured hook inline
// on the connector's calling goroutine, OnWelcome does nothing, and
// OnError routes the error inline before posting a reconnect.

func (e *Engine) OnDownloaded(table string, records []model.CloudData, cursor wire.EventCursor, final bool) {
	e.post(event{kind: evDownloaded, table: table, records: records, cursor: cursor})
}

func (e *Engine) OnSyncDone(table string) {
	e.post(event{kind: evSyncDone, table: table})
}

func (e *Engine) OnUploaded(key model.ObjectKey, modified time.Time) {
	e.post(event{kind: evUploaded, key: key, modified: modified})
}

func (e *Engine) OnTriggerSync(table string) {
	e.post(event{kind: evTriggerSync, table: table})
}

func (e *Engine) OnIdentityAssigned(id connector.Identity) {
	if e.cfg.OnIdentityAssigned != nil {
		e.cfg.OnIdentityAssigned(id)
	}
}

func (e *Engine) OnWelcome() {}

// OnAccountDeleted acknowledges a DeletingAcc request the engine itself
// made; per the state chart this always advances to Stopping.
func (e *Engine) OnAccountDeleted() {
	e.post(event{kind: evStop})
}

// OnError classifies an asynchronous connector failure. Network failures
// are non-fatal per the taxonomy: the connector has already dropped its
// connection, so the engine schedules a reconnect and resumes wherever
// the Active cycle left off. Anything else is routed as-is, which for a
// System-type cause latches the router and the embedder is expected to
// call Stop.
func (e *Engine) OnError(err *qerrors.Error) {
	e.cfg.Router.Route(err)
	if err.Type == qerrors.Network {
		e.post(event{kind: evReconnect})
	}
}
