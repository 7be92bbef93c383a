package evloop

import (
	"container/list"
	"time"
)

// EventMask describes the interests of an event and, when a callback runs,
// the causes that triggered it.
type EventMask uint16

const (
	EvTimeout EventMask = 0x01
	EvRead    EventMask = 0x02
	EvWrite   EventMask = 0x04
	EvSignal  EventMask = 0x08
	// EvPersist keeps the event registered after its callback runs.
	EvPersist EventMask = 0x10
)

// Membership flags. An event can sit in the registry, the timer heap and
// one active queue at the same time; the flags track each independently.
const (
	evListTimeout  = 0x01
	evListInserted = 0x02
	evListActive   = 0x04
	evListInternal = 0x08
	evListInit     = 0x10
)

// Callback is invoked with the event's identifier (fd or signal number),
// the mask of causes that fired, and the argument given to Assign.
type Callback func(fd int, what EventMask, arg any)

// Event is a registered interest: readiness on a file descriptor, a signal,
// a timeout, or a combination. Storage is owned by the caller; the loop
// only holds references while the event is registered and never frees it,
// so events may be embedded inside larger structs.
type Event struct {
	base *Base

	fd       int // file descriptor, signal number, or -1 for pure timers
	events   EventMask
	callback Callback
	arg      any

	pri   int
	flags int
	res   EventMask // causes of the last activation

	// pncalls points at the drain-local call counter while the callback
	// sequence for this event is running; Del and a timeout re-Add zero it
	// through the pointer to abort the remaining invocations.
	ncalls  int
	pncalls *int

	deadline int64 // absolute, valid while evListTimeout is set
	heapIdx  int

	regEle *list.Element
	actEle *list.Element
}

// Assign initializes ev. For signal events fd carries the signal number;
// pure timers pass -1. The event must not be registered anywhere.
func (ev *Event) Assign(fd int, events EventMask, callback Callback, arg any) {
	*ev = Event{
		fd:       fd,
		events:   events,
		callback: callback,
		arg:      arg,
		flags:    evListInit,
		heapIdx:  -1,
	}
}

// SetBase binds a pristine event to a loop. The default priority is the
// middle queue of the loop's current priority range.
func (ev *Event) SetBase(b *Base) error {
	if ev.flags != evListInit {
		return ErrNotPristine
	}
	ev.base = b
	ev.pri = len(b.activeQueues) / 2
	return nil
}

// Add registers the event's fd or signal interest without a timeout.
func (ev *Event) Add() error {
	return ev.add(false, 0)
}

// AddTimeout registers the event and schedules it to fire after timeout.
// Calling it on an event already in the timer heap replaces the deadline.
func (ev *Event) AddTimeout(timeout time.Duration) error {
	return ev.add(true, timeout)
}

func (ev *Event) add(hasTimeout bool, timeout time.Duration) error {
	if ev.base == nil {
		return ErrNoBase
	}
	b := ev.base

	// Reserve the heap slot first. Registering with the backend can fail,
	// but once the slot exists the timeout insertion below cannot, so the
	// whole operation leaves no partial state behind.
	if hasTimeout && ev.flags&evListTimeout == 0 {
		b.timeHeap.reserve(b.timeHeap.Len() + 1)
	}

	if ev.events&(EvRead|EvWrite|EvSignal) != 0 &&
		ev.flags&(evListInserted|evListActive) == 0 {
		if err := b.sel.Add(ev); err != nil {
			return err
		}
		b.queueInsert(ev, evListInserted)
	}

	if hasTimeout {
		// Re-arming: drop the previous deadline.
		if ev.flags&evListTimeout != 0 {
			b.queueRemove(ev, evListTimeout)
		}

		// If the previous timeout already fired and the event waits in an
		// active queue, pull it back out and abort any callback sequence
		// that is consuming it right now.
		if ev.flags&evListActive != 0 && ev.res&EvTimeout != 0 {
			if ev.ncalls != 0 && ev.pncalls != nil {
				*ev.pncalls = 0
			}
			b.queueRemove(ev, evListActive)
		}

		if timeout < 0 {
			timeout = 0
		}
		ev.deadline = b.gettime() + int64(timeout)
		b.queueInsert(ev, evListTimeout)
	}

	return nil
}

// Del removes the event from the loop: timer heap, active queue and backend
// registration alike. A running callback sequence for the event is aborted.
// Deleting an event that is in none of the queues is a no-op.
func (ev *Event) Del() error {
	if ev.base == nil {
		return ErrNoBase
	}
	b := ev.base

	if ev.ncalls != 0 && ev.pncalls != nil {
		*ev.pncalls = 0
	}

	if ev.flags&evListTimeout != 0 {
		b.queueRemove(ev, evListTimeout)
	}
	if ev.flags&evListActive != 0 {
		b.queueRemove(ev, evListActive)
	}
	if ev.flags&evListInserted != 0 {
		b.queueRemove(ev, evListInserted)
		return b.sel.Del(ev)
	}
	return nil
}

// Pending reports which of the requested interests are currently visible:
// registered fd/signal interests, the triggered mask of an active event,
// and a pending timeout.
func (ev *Event) Pending(what EventMask) EventMask {
	var flags EventMask
	if ev.flags&evListInserted != 0 {
		flags |= ev.events & (EvRead | EvWrite | EvSignal)
	}
	if ev.flags&evListActive != 0 {
		flags |= ev.res
	}
	if ev.flags&evListTimeout != 0 {
		flags |= EvTimeout
	}
	return flags & what & (EvTimeout | EvRead | EvWrite | EvSignal)
}

// Deadline maps the pending timeout back onto the wall clock.
func (ev *Event) Deadline() (time.Time, bool) {
	if ev.base == nil || ev.flags&evListTimeout == 0 {
		return time.Time{}, false
	}
	rel := ev.deadline - ev.base.gettime()
	return time.Now().Add(time.Duration(rel)), true
}

// SetPriority changes the priority of a non-active event. Lower values run
// first.
func (ev *Event) SetPriority(pri int) error {
	if ev.base == nil {
		return ErrNoBase
	}
	if ev.flags&evListActive != 0 {
		return ErrActive
	}
	if pri < 0 || pri >= len(ev.base.activeQueues) {
		return ErrBadPriority
	}
	ev.pri = pri
	return nil
}

// Activate links the event into its priority queue with the given trigger
// mask. ncalls is the number of times the callback will be invoked during
// the drain. Activating an already-active event only merges the mask, so
// triggers that pile up between iterations collapse into one callback.
func (ev *Event) Activate(res EventMask, ncalls int) {
	if ev.flags&evListActive != 0 {
		ev.res |= res
		return
	}
	ev.res = res
	ev.ncalls = ncalls
	ev.pncalls = nil
	ev.base.queueInsert(ev, evListActive)
}
