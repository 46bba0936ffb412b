package qerrors

import (
	"errors"
	"testing"
)

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(Network, "connect", "widgets", cause)

	if got := err.Error(); got != "Network: connect: boom" {
		t.Errorf("Error() = %q, want %q", got, "Network: connect: boom")
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is should unwrap to the underlying cause")
	}
}

func TestNewHasNoCause(t *testing.T) {
	err := New(Entry, "bad key", nil)
	if got := err.Error(); got != "Entry: bad key" {
		t.Errorf("Error() = %q, want %q", got, "Entry: bad key")
	}
	if err.Unwrap() != nil {
		t.Errorf("New() should produce an Error with no wrapped cause")
	}
}

func TestRouterDeliversToHandler(t *testing.T) {
	var got *Error
	r := NewRouter(func(e *Error) { got = e })

	err := New(Table, "sync failed", "widgets")
	r.Route(err)

	if got != err {
		t.Fatalf("handler did not receive the routed error")
	}
}

func TestRouterCoalescesAfterSystemError(t *testing.T) {
	var delivered []*Error
	r := NewRouter(func(e *Error) { delivered = append(delivered, e) })

	fatal := New(System, "auth failed", nil)
	r.Route(fatal)

	followOn := New(Network, "connect", nil)
	r.Route(followOn)

	if len(delivered) != 1 {
		t.Fatalf("delivered %d errors, want 1 (follow-on should be coalesced)", len(delivered))
	}
	if delivered[0] != fatal {
		t.Errorf("delivered error should be the original fatal cause")
	}
}

func TestRouterResetUnlatchesCoalescing(t *testing.T) {
	var delivered []*Error
	r := NewRouter(func(e *Error) { delivered = append(delivered, e) })

	r.Route(New(System, "auth failed", nil))
	r.Reset()

	next := New(Network, "connect", nil)
	r.Route(next)

	if len(delivered) != 2 {
		t.Fatalf("delivered %d errors after Reset, want 2", len(delivered))
	}
	if delivered[1] != next {
		t.Errorf("second delivered error should be the post-reset cause")
	}
}

func TestRouterRouteNilIsNoop(t *testing.T) {
	called := false
	r := NewRouter(func(e *Error) { called = true })
	r.Route(nil)
	if called {
		t.Errorf("Route(nil) should not invoke the handler")
	}
}

func TestRouterNilHandlerDiscards(t *testing.T) {
	r := NewRouter(nil)
	r.Route(New(Table, "sync failed", "widgets"))
}
