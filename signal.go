package evloop

import (
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

// signalBridge translates async signal delivery into events on the loop.
// A relay goroutine owns the os/signal channel; for every delivery it
// raises the loop's signal flag and writes the signal number to a
// nonblocking socketpair. The read end is an internal persistent event
// registered through the normal path, so a pending signal is just backend
// readiness. Everything past the socketpair runs on the loop goroutine.
type signalBridge struct {
	base *Base
	pair [2]int
	open bool

	ev    Event // internal wakeup event on pair[0]
	added bool

	events map[int][]*Event // signal number -> subscribed events

	ch   chan os.Signal
	stop chan struct{}

	pending *queue.Queue // decoded signal numbers awaiting delivery
	buf     []byte
}

func (sb *signalBridge) init(base *Base) error {
	pair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("evloop: socketpair: %w", err)
	}
	for _, fd := range pair {
		unix.SetNonblock(fd, true)
		unix.CloseOnExec(fd)
	}

	sb.base = base
	sb.pair = pair
	sb.open = true
	sb.buf = make([]byte, 64)
	if sb.events == nil {
		sb.events = make(map[int][]*Event)
	}
	if sb.pending == nil {
		sb.pending = queue.New()
	}

	sb.ev = Event{}
	sb.ev.Assign(pair[0], EvRead|EvPersist, sb.wakeup, nil)
	sb.ev.base = base
	sb.ev.flags |= evListInternal

	sb.ch = make(chan os.Signal, 64)
	sb.stop = make(chan struct{})
	go sb.relay(sb.ch, sb.stop, pair[1])

	return nil
}

func (sb *signalBridge) relay(ch chan os.Signal, stop chan struct{}, wfd int) {
	for {
		select {
		case s := <-ch:
			sig, ok := s.(syscall.Signal)
			if !ok {
				continue
			}
			atomic.StoreInt32(&sb.base.gotsig, 1)
			b := [1]byte{byte(sig)}
			unix.Write(wfd, b[:])
		case <-stop:
			return
		}
	}
}

// wakeup runs on the loop when the socketpair turns readable: it drains the
// pipe, tallies deliveries per signal number and activates every subscribed
// event with the delivery count.
func (sb *signalBridge) wakeup(fd int, _ EventMask, _ any) {
	for {
		n, err := unix.Read(fd, sb.buf)
		if n <= 0 || err != nil {
			break
		}
		for i := 0; i < n; i++ {
			sb.pending.Add(int(sb.buf[i]))
		}
		if n < len(sb.buf) {
			break
		}
	}

	caught := make(map[int]int)
	for sb.pending.Length() > 0 {
		caught[sb.pending.Remove().(int)]++
	}
	for signo, ncalls := range caught {
		for _, ev := range sb.events[signo] {
			ev.Activate(EvSignal, ncalls)
		}
	}
}

// add subscribes ev to its signal number. The first subscription installs
// the os/signal relay for that signal and registers the wakeup event with
// the backend. Idempotent, so Reinit can replay it.
func (sb *signalBridge) add(ev *Event) error {
	signo := ev.fd
	subscribed := false
	for _, s := range sb.events[signo] {
		if s == ev {
			subscribed = true
			break
		}
	}
	if !subscribed {
		sb.events[signo] = append(sb.events[signo], ev)
	}

	signal.Notify(sb.ch, syscall.Signal(signo))

	if !sb.added {
		if err := sb.ev.Add(); err != nil {
			return err
		}
		sb.added = true
	}
	return nil
}

// del drops the subscription; the last subscriber of a signal restores the
// default disposition.
func (sb *signalBridge) del(ev *Event) error {
	signo := ev.fd
	subs := sb.events[signo]
	for i, s := range subs {
		if s == ev {
			sb.events[signo] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(sb.events[signo]) == 0 {
		delete(sb.events, signo)
		signal.Reset(syscall.Signal(signo))
	}
	return nil
}

// dealloc stops the relay and closes the socketpair. Subscriptions survive
// so a reinitialized backend can replay them.
func (sb *signalBridge) dealloc() {
	if sb.stop != nil {
		signal.Stop(sb.ch)
		close(sb.stop)
		sb.stop = nil
	}
	if sb.open {
		unix.Close(sb.pair[0])
		unix.Close(sb.pair[1])
		sb.open = false
	}
	sb.added = false
}
