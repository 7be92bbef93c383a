package evloop

import (
	"container/list"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/vincentwuo/evloop/pkg/util"
)

// LoopFlag adjusts how Base.Loop runs.
type LoopFlag int

const (
	// LoopOnce returns after one productive iteration, i.e. one non-empty
	// run of the highest-priority active queue.
	LoopOnce LoopFlag = 1 << iota
	// LoopNonblock polls the backend without blocking and returns once no
	// more events are ready.
	LoopNonblock
)

// Keeps zero free as the invalid-cache sentinel when reading the monotonic
// clock right after construction.
const monotonicBase = int64(time.Hour)

// Base owns the state of one event loop: the registry of inserted events,
// the timer heap, the priority run-queues and the backend handle. A Base
// belongs to one goroutine at a time; there is no internal locking.
type Base struct {
	sel Multiplexer

	eventQueue   *list.List   // all inserted events
	timeHeap     timeHeap
	activeQueues []*list.List // index = priority, lower runs first

	eventCount       int // non-internal events with inserted or timeout membership
	eventCountActive int // non-internal events linked in a priority queue

	eventGotterm bool
	eventBreak   bool

	useMonotonic bool
	start        time.Time
	wallClock    func() int64 // nanoseconds; replaceable for testing
	eventTv      int64        // recorded just before the previous backend call
	tvCache      int64        // 0 means invalid

	sig signalBridge

	// gotsig is the only field touched from outside the loop goroutine; the
	// signal relay raises it on every delivery.
	gotsig int32
	sigcb  func() error
}

// New creates a loop: probes the clock, initializes the timer heap, picks
// the first available backend from the platform preference list and sets up
// a single priority level.
func New() (*Base, error) {
	base := &Base{
		eventQueue: list.New(),
		wallClock:  func() int64 { return time.Now().UnixNano() },
		start:      time.Now(),
	}
	base.detectMonotonic()
	base.eventTv = base.now()

	for _, mk := range backends {
		m := mk()
		if err := m.Init(base); err != nil {
			continue
		}
		base.sel = m
		break
	}
	if base.sel == nil {
		return nil, ErrNoBackend
	}

	if os.Getenv("EVENT_SHOW_METHOD") != "" {
		util.Logger().Info("evloop using: " + base.sel.Name())
	}

	base.PriorityInit(1)
	return base, nil
}

// Method reports the name of the selected backend.
func (b *Base) Method() string {
	return b.sel.Name()
}

// SetSignalCallback installs a hook that runs between backend calls while
// the signal flag is raised. A non-nil return aborts Loop with
// ErrInterrupted.
func (b *Base) SetSignalCallback(fn func() error) {
	b.sigcb = fn
}

func (b *Base) detectMonotonic() {
	// The Go runtime carries a monotonic reading on every time.Now, so the
	// probe always succeeds. The wall-clock path stays for loops whose
	// clock was overridden.
	b.useMonotonic = true
}

func (b *Base) now() int64 {
	if b.useMonotonic {
		return int64(time.Since(b.start)) + monotonicBase
	}
	return b.wallClock()
}

// gettime returns the cached timestamp when one is valid for the current
// iteration, otherwise it reads the clock.
func (b *Base) gettime() int64 {
	if b.tvCache != 0 {
		return b.tvCache
	}
	return b.now()
}

func (b *Base) haveEvents() bool {
	return b.eventCount > 0 || b.eventCountActive > 0
}

// activeTotal counts queued events including internal ones; scheduling
// decisions use it so the signal wakeup event cannot stall in a queue.
func (b *Base) activeTotal() int {
	n := 0
	for _, q := range b.activeQueues {
		n += q.Len()
	}
	return n
}

// PriorityInit resizes the priority-queue array. It refuses while any event
// is active. Events bound afterwards default to the middle priority.
func (b *Base) PriorityInit(npriorities int) error {
	if b.activeTotal() != 0 {
		return ErrActive
	}
	if npriorities < 1 {
		return ErrBadPriority
	}
	if npriorities == len(b.activeQueues) {
		return nil
	}
	queues := make([]*list.List, npriorities)
	for i := range queues {
		queues[i] = list.New()
	}
	b.activeQueues = queues
	return nil
}

// Dispatch runs the loop until no events are left or an exit is requested.
func (b *Base) Dispatch() error {
	return b.Loop(0)
}

// Loop runs the dispatch cycle. It returns nil when LoopExit or LoopBreak
// ended the loop (or the flags were satisfied), ErrNoEvents when nothing is
// registered, ErrInterrupted when the signal callback failed, and the
// backend error on dispatch failure. The loop stays usable after an error.
func (b *Base) Loop(flags LoopFlag) error {
	b.tvCache = 0
	done := false
	for !done {
		if b.eventGotterm {
			b.eventGotterm = false
			break
		}
		if b.eventBreak {
			b.eventBreak = false
			break
		}

		for atomic.CompareAndSwapInt32(&b.gotsig, 1, 0) {
			if b.sigcb != nil {
				if err := b.sigcb(); err != nil {
					return fmt.Errorf("%w: %v", ErrInterrupted, err)
				}
			}
		}

		b.timeoutCorrect()

		// With ready events on hand, or under LoopNonblock, the backend
		// only polls; otherwise it sleeps until the nearest deadline.
		var timeout time.Duration
		if b.activeTotal() == 0 && flags&LoopNonblock == 0 {
			timeout = b.timeoutNext()
		} else {
			timeout = 0
		}

		if !b.haveEvents() {
			return ErrNoEvents
		}

		b.eventTv = b.now()
		b.tvCache = 0

		if err := b.sel.Dispatch(timeout); err != nil {
			return err
		}

		b.tvCache = b.now()

		b.timeoutProcess()

		if b.activeTotal() != 0 {
			b.processActive()
			if flags&LoopOnce != 0 {
				done = true
			}
		} else if flags&LoopNonblock != 0 {
			done = true
		}
	}
	b.tvCache = 0
	return nil
}

// timeoutNext computes how long the backend may sleep: the distance to the
// heap top, zero if a timer is already due, or -1 to block indefinitely.
func (b *Base) timeoutNext() time.Duration {
	ev := b.timeHeap.top()
	if ev == nil {
		return -1
	}
	now := b.gettime()
	if ev.deadline <= now {
		return 0
	}
	return time.Duration(ev.deadline - now)
}

// timeoutCorrect detects a wall clock that moved backwards since the last
// backend call and shifts every deadline by the offset. All members move by
// the same amount, so heap order is preserved and no re-heapify is needed.
// Monotonic loops never enter the correction path.
func (b *Base) timeoutCorrect() {
	if b.useMonotonic {
		return
	}
	now := b.gettime()
	if now >= b.eventTv {
		b.eventTv = now
		return
	}
	off := b.eventTv - now
	for _, ev := range b.timeHeap {
		ev.deadline -= off
	}
	b.eventTv = now
}

// timeoutProcess moves every expired timer from the heap onto the run
// queue. The event is deleted from all queues first, so a timer firing is a
// full removal followed by a single-shot activation.
func (b *Base) timeoutProcess() {
	if b.timeHeap.Len() == 0 {
		return
	}
	now := b.gettime()
	for {
		ev := b.timeHeap.top()
		if ev == nil || ev.deadline > now {
			break
		}
		ev.Del()
		ev.Activate(EvTimeout, 1)
	}
}

// processActive drains the lowest-indexed non-empty priority queue. Only
// that one level runs per iteration: lower-priority events wait until every
// higher queue is empty, and may starve.
func (b *Base) processActive() {
	var activeq *list.List
	for i := 0; i < len(b.activeQueues); i++ {
		if b.activeQueues[i].Len() != 0 {
			activeq = b.activeQueues[i]
			break
		}
	}
	if activeq == nil {
		return
	}

	// Bound the drain by the queue length at entry: an event that a
	// callback re-activates lands at the tail and is not visited until the
	// next iteration.
	for n := activeq.Len(); n > 0; n-- {
		front := activeq.Front()
		if front == nil {
			break
		}
		ev := front.Value.(*Event)

		// A persistent event stays registered; everything else is fully
		// removed before its callback runs, so the callback may free the
		// caller's storage or re-add with a different interest.
		if ev.events&EvPersist != 0 {
			b.queueRemove(ev, evListActive)
		} else {
			ev.Del()
		}

		ncalls := ev.ncalls
		ev.pncalls = &ncalls
		for ncalls > 0 {
			ncalls--
			ev.ncalls = ncalls
			ev.callback(ev.fd, ev.res, ev.arg)
			if atomic.LoadInt32(&b.gotsig) != 0 || b.eventBreak {
				ev.pncalls = nil
				return
			}
		}
		ev.pncalls = nil
	}
}

// LoopExit schedules the loop to exit after the given duration, via a
// one-shot timer whose callback raises the termination flag.
func (b *Base) LoopExit(d time.Duration) error {
	return b.Once(-1, EvTimeout, func(int, EventMask, any) {
		b.eventGotterm = true
	}, nil, d)
}

// LoopBreak makes the loop exit before the next backend call and between
// callbacks inside the current drain.
func (b *Base) LoopBreak() {
	b.eventBreak = true
}

type onceEvent struct {
	ev  Event
	cb  Callback
	arg any
}

func (o *onceEvent) fire(fd int, what EventMask, _ any) {
	o.cb(fd, what, o.arg)
}

// Once arranges for callback to run at most once: on fd readiness, or
// after timeout for the pure-timer form. The internal event is discarded
// after firing. Signal one-shots are rejected.
func (b *Base) Once(fd int, events EventMask, callback Callback, arg any, timeout time.Duration) error {
	if events&EvSignal != 0 {
		return ErrSignalOnce
	}

	eonce := &onceEvent{cb: callback, arg: arg}
	switch {
	case events&(EvRead|EvWrite) != 0:
		events &= EvRead | EvWrite
		eonce.ev.Assign(fd, events, eonce.fire, nil)
	case events == EvTimeout:
		eonce.ev.Assign(-1, 0, eonce.fire, nil)
		if timeout < 0 {
			timeout = 0
		}
	default:
		return ErrBadMask
	}

	if err := eonce.ev.SetBase(b); err != nil {
		return err
	}
	if events == EvTimeout || timeout >= 0 {
		return eonce.ev.AddTimeout(timeout)
	}
	return eonce.ev.Add()
}

// Reinit rebuilds backend state after a fork. The signal socketpair does
// not survive the fork even when the backend itself would, so reinit always
// tears down and re-creates: the internal wakeup event is pruned without
// running deletion side effects, and every surviving registered event is
// re-registered with the fresh backend. Timer heap and run-queue contents
// are preserved.
func (b *Base) Reinit() error {
	if b.sig.added {
		b.queueRemove(&b.sig.ev, evListInserted)
		if b.sig.ev.flags&evListActive != 0 {
			b.queueRemove(&b.sig.ev, evListActive)
		}
		b.sig.added = false
	}

	b.sel.Dealloc()
	if err := b.sel.Init(b); err != nil {
		return fmt.Errorf("evloop: could not reinitialize event mechanism: %w", err)
	}

	var res error
	for e := b.eventQueue.Front(); e != nil; e = e.Next() {
		ev := e.Value.(*Event)
		if err := b.sel.Add(ev); err != nil {
			res = err
		}
	}
	return res
}

// Free deletes every still-registered non-internal event and deallocates
// the backend. Caller-owned event storage is never freed.
func (b *Base) Free() {
	nDeleted := 0

	for e := b.eventQueue.Front(); e != nil; {
		next := e.Next()
		ev := e.Value.(*Event)
		if ev.flags&evListInternal == 0 {
			ev.Del()
			nDeleted++
		}
		e = next
	}
	for {
		ev := b.timeHeap.top()
		if ev == nil {
			break
		}
		ev.Del()
		nDeleted++
	}
	for i := range b.activeQueues {
		for e := b.activeQueues[i].Front(); e != nil; {
			next := e.Next()
			ev := e.Value.(*Event)
			if ev.flags&evListInternal == 0 {
				ev.Del()
				nDeleted++
			}
			e = next
		}
	}

	if nDeleted != 0 {
		util.Logger().Sugar().Debug("evloop: events still set at free: ", nDeleted)
	}

	b.sel.Dealloc()
}

func (b *Base) queueInsert(ev *Event, which int) {
	if ev.flags&which != 0 {
		// Double insertion happens legitimately for active events.
		if which == evListActive {
			return
		}
		panic(fmt.Sprintf("evloop: event %p (fd %d) already on queue %x", ev, ev.fd, which))
	}

	if which != evListActive && ev.flags&evListInternal == 0 &&
		ev.flags&(evListInserted|evListTimeout) == 0 {
		b.eventCount++
	}

	ev.flags |= which
	switch which {
	case evListInserted:
		ev.regEle = b.eventQueue.PushBack(ev)
	case evListActive:
		if ev.flags&evListInternal == 0 {
			b.eventCountActive++
		}
		ev.actEle = b.activeQueues[ev.pri].PushBack(ev)
	case evListTimeout:
		b.timeHeap.push(ev)
	}
}

func (b *Base) queueRemove(ev *Event, which int) {
	if ev.flags&which == 0 {
		panic(fmt.Sprintf("evloop: event %p (fd %d) not on queue %x", ev, ev.fd, which))
	}

	ev.flags &^= which
	switch which {
	case evListInserted:
		b.eventQueue.Remove(ev.regEle)
		ev.regEle = nil
	case evListActive:
		if ev.flags&evListInternal == 0 {
			b.eventCountActive--
		}
		b.activeQueues[ev.pri].Remove(ev.actEle)
		ev.actEle = nil
	case evListTimeout:
		b.timeHeap.erase(ev)
	}

	if which != evListActive && ev.flags&evListInternal == 0 &&
		ev.flags&(evListInserted|evListTimeout) == 0 {
		b.eventCount--
	}
}
