// Package evloop is a portable event loop. It multiplexes file-descriptor
// readiness, process signals and timeouts onto one cooperative dispatch
// cycle backed by the best readiness mechanism the platform offers:
//
//   - epoll on Linux
//   - kqueue on *BSD/Darwin
//   - poll as a fallback everywhere, then select on Linux
//
// A Base runs the cycle; an Event is one registered interest. Events are
// caller-owned and may be embedded in larger structs:
//
//	base, err := evloop.New()
//	if err != nil {
//		// handle error
//	}
//
//	var ev evloop.Event
//	ev.Assign(fd, evloop.EvRead|evloop.EvPersist, onRead, conn)
//	ev.SetBase(base)
//	ev.Add()
//
//	base.Dispatch()
//
// Active events run in strict priority order: the drain only ever touches
// the lowest-indexed non-empty queue, so lower-priority events can starve
// while higher-priority work keeps arriving. Callbacks may delete
// themselves, delete or add other events, or break the loop.
//
// A Base is not thread-safe. All operations must happen on the goroutine
// running the loop, or while the loop is quiescent.
package evloop
