//go:build darwin || dragonfly || freebsd || netbsd || openbsd

package evloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const initialKqueueEvents = 64

type kqueueEntry struct {
	read  *Event
	write *Event
}

type kqueueBackend struct {
	base   *Base
	kq     int
	fds    map[int]*kqueueEntry
	events []unix.Kevent_t
}

func newKqueueBackend() Multiplexer { return &kqueueBackend{} }

func (kb *kqueueBackend) Name() string { return "kqueue" }

func (kb *kqueueBackend) NeedsReinit() bool { return true }

func (kb *kqueueBackend) Init(base *Base) error {
	kq, err := unix.Kqueue()
	if err != nil {
		return fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kq)
	if err := base.sig.init(base); err != nil {
		unix.Close(kq)
		return err
	}
	kb.base = base
	kb.kq = kq
	kb.fds = make(map[int]*kqueueEntry)
	kb.events = make([]unix.Kevent_t, initialKqueueEvents)
	return nil
}

func (kb *kqueueBackend) change(fd int, filter int16, flags uint16) error {
	var kev unix.Kevent_t
	unix.SetKevent(&kev, fd, int(filter), int(flags))
	if _, err := unix.Kevent(kb.kq, []unix.Kevent_t{kev}, nil, nil); err != nil {
		return fmt.Errorf("kevent: %w", err)
	}
	return nil
}

func (kb *kqueueBackend) Add(ev *Event) error {
	if ev.events&EvSignal != 0 {
		return kb.base.sig.add(ev)
	}

	fd := ev.fd
	ent := kb.fds[fd]
	if ent == nil {
		ent = &kqueueEntry{}
	}

	if ev.events&EvRead != 0 {
		if err := kb.change(fd, unix.EVFILT_READ, unix.EV_ADD); err != nil {
			return err
		}
		ent.read = ev
	}
	if ev.events&EvWrite != 0 {
		if err := kb.change(fd, unix.EVFILT_WRITE, unix.EV_ADD); err != nil {
			return err
		}
		ent.write = ev
	}

	kb.fds[fd] = ent
	return nil
}

func (kb *kqueueBackend) Del(ev *Event) error {
	if ev.events&EvSignal != 0 {
		return kb.base.sig.del(ev)
	}

	fd := ev.fd
	ent := kb.fds[fd]
	if ent == nil {
		return nil
	}

	if ev.events&EvRead != 0 && ent.read != nil {
		if err := kb.change(fd, unix.EVFILT_READ, unix.EV_DELETE); err != nil {
			return err
		}
		ent.read = nil
	}
	if ev.events&EvWrite != 0 && ent.write != nil {
		if err := kb.change(fd, unix.EVFILT_WRITE, unix.EV_DELETE); err != nil {
			return err
		}
		ent.write = nil
	}

	if ent.read == nil && ent.write == nil {
		delete(kb.fds, fd)
	}
	return nil
}

func (kb *kqueueBackend) Dispatch(timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}

	n, err := unix.Kevent(kb.kq, nil, kb.events, ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("kevent: %w", err)
	}

	for i := 0; i < n; i++ {
		e := &kb.events[i]
		if e.Flags&unix.EV_ERROR != 0 {
			// Stale change for a descriptor that went away between the
			// registration and this wait.
			continue
		}

		ent := kb.fds[int(e.Ident)]
		if ent == nil {
			continue
		}
		switch e.Filter {
		case unix.EVFILT_READ:
			if ent.read != nil {
				ent.read.Activate(EvRead, 1)
			}
		case unix.EVFILT_WRITE:
			if ent.write != nil {
				ent.write.Activate(EvWrite, 1)
			}
		}
	}

	if n == len(kb.events) {
		kb.events = make([]unix.Kevent_t, len(kb.events)*2)
	}
	return nil
}

func (kb *kqueueBackend) Dealloc() {
	kb.base.sig.dealloc()
	unix.Close(kb.kq)
	kb.fds = nil
}
