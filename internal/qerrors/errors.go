// Package qerrors classifies failures raised anywhere in the engine and
// routes exactly one Error signal per underlying cause to the embedder,
// per the error handling design: recoverable failures are absorbed by
// the component that hit them, everything else surfaces here.
package qerrors

import (
	"fmt"
	"sync"
)

// Type is the taxonomy an embedder switches on.
type Type int

const (
	// Network covers connector handshake/protocol/socket failures. Not
	// fatal: the state machine re-enters Reconnecting.
	Network Type = iota
	// Entry covers malformed input handed to the engine by the embedder.
	Entry
	// Table covers a single-table failure; Data carries the table name.
	Table
	// Database covers a SQL failure with no single table implicated.
	Database
	// Transaction covers a failed commit/rollback sequence.
	Transaction
	// Transform covers a transformer failure; the offending key is
	// marked Corrupted by the caller before this is routed.
	Transform
	// System covers authenticator, key-store, or other collaborator
	// failures. Fatal: the engine moves to the Error state.
	System
	// Temporary covers a condition worth logging but never surfaced as
	// a user-visible error (e.g. an ack modified older than the shadow).
	Temporary
)

func (t Type) String() string {
	switch t {
	case Network:
		return "Network"
	case Entry:
		return "Entry"
	case Table:
		return "Table"
	case Database:
		return "Database"
	case Transaction:
		return "Transaction"
	case Transform:
		return "Transform"
	case System:
		return "System"
	case Temporary:
		return "Temporary"
	default:
		return "Unknown"
	}
}

// Error is the signal payload delivered to the embedder: a classified
// cause, a human message, and optional structured data (e.g. a table
// name or ObjectKey).
type Error struct {
	Type    Type
	Message string
	Data    any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the wrapped cause, if any, to errors.Is/As.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error of the given type.
func New(t Type, message string, data any) *Error {
	return &Error{Type: t, Message: message, Data: data}
}

// Wrap builds an Error of the given type around an underlying cause.
func Wrap(t Type, message string, data any, cause error) *Error {
	return &Error{Type: t, Message: message, Data: data, cause: cause}
}

// Handler receives routed errors. Implementations must not block for
// long: the router calls it synchronously from whichever goroutine
// detected the failure.
type Handler func(*Error)

// Router coalesces follow-on errors produced while a fatal cause is being
// handled into a single delivered signal, per §7: "The engine emits at
// most one error event per underlying cause; follow-on errors produced
// while transitioning into Error state are coalesced."
type Router struct {
	mu      sync.Mutex
	handler Handler
	// coalescing is true while a fatal (System) error is being routed;
	// further errors observed before Reset is called are dropped.
	coalescing bool
}

// NewRouter builds a Router delivering to handler. A nil handler
// discards every error (still useful in tests that only care about
// side effects on the watcher/scheduler).
func NewRouter(handler Handler) *Router {
	if handler == nil {
		handler = func(*Error) {}
	}
	return &Router{handler: handler}
}

// Route classifies and delivers err. Fatal errors (System) latch the
// router into a coalescing state until Reset is called.
func (r *Router) Route(err *Error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	if r.coalescing {
		r.mu.Unlock()
		return
	}
	if err.Type == System {
		r.coalescing = true
	}
	handler := r.handler
	r.mu.Unlock()

	handler(err)
}

// Reset clears the coalescing latch. The engine calls it each time it
// enters the Active state, so causes seen after a successful (re)start are
// delivered again.
func (r *Router) Reset() {
	r.mu.Lock()
	r.coalescing = false
	r.mu.Unlock()
}
