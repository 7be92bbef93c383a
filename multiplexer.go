package evloop

import (
	"errors"
	"time"
)

var (
	// ErrNoBackend means no readiness mechanism could be initialized.
	ErrNoBackend = errors.New("evloop: no event mechanism available")
	// ErrNoEvents is returned by Loop when nothing is registered.
	ErrNoEvents = errors.New("evloop: no events registered")
	// ErrInterrupted means the signal callback aborted the dispatch.
	ErrInterrupted = errors.New("evloop: interrupted by signal callback")
	// ErrActive rejects operations that require a quiescent event or loop.
	ErrActive = errors.New("evloop: event is active")
	// ErrNotPristine rejects binding an event that is already registered.
	ErrNotPristine = errors.New("evloop: event already bound")
	// ErrNoBase means the event was never bound to a loop.
	ErrNoBase = errors.New("evloop: event has no base")
	// ErrBadPriority means the priority index is out of range.
	ErrBadPriority = errors.New("evloop: priority out of range")
	// ErrSignalOnce rejects one-shot signal events; a signal event that
	// removes itself mid-callback is unsafe for some backends.
	ErrSignalOnce = errors.New("evloop: one-shot signal events are not supported")
	// ErrBadMask rejects an interest combination Once cannot serve.
	ErrBadMask = errors.New("evloop: bad event mask")
)

// Multiplexer abstracts the OS readiness mechanism behind the loop. One
// instance belongs to one Base. Implementations deliver readiness by
// calling Activate on the affected events from inside Dispatch.
type Multiplexer interface {
	// Init constructs per-loop state. Called once at Base construction and
	// again by Reinit after a fork.
	Init(base *Base) error

	// Add registers an fd or signal interest.
	Add(ev *Event) error

	// Del unregisters an fd or signal interest.
	Del(ev *Event) error

	// Dispatch blocks until readiness or until timeout elapses; a negative
	// timeout blocks indefinitely, zero polls.
	Dispatch(timeout time.Duration) error

	// Dealloc tears the backend down.
	Dealloc()

	// NeedsReinit reports whether backend state must be rebuilt after a
	// fork.
	NeedsReinit() bool

	Name() string
}
