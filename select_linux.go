//go:build linux

package evloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// selectFdSetSize mirrors FD_SETSIZE; select cannot watch descriptors at or
// above it.
const selectFdSetSize = 1024

type selectEntry struct {
	read  *Event
	write *Event
}

type selectBackend struct {
	base  *Base
	fds   map[int]*selectEntry
	maxfd int
}

func newSelectBackend() Multiplexer { return &selectBackend{} }

func (sel *selectBackend) Name() string { return "select" }

func (sel *selectBackend) NeedsReinit() bool { return false }

func (sel *selectBackend) Init(base *Base) error {
	if err := base.sig.init(base); err != nil {
		return err
	}
	sel.base = base
	sel.fds = make(map[int]*selectEntry)
	sel.maxfd = -1
	return nil
}

func (sel *selectBackend) Add(ev *Event) error {
	if ev.events&EvSignal != 0 {
		return sel.base.sig.add(ev)
	}
	if ev.fd < 0 || ev.fd >= selectFdSetSize {
		return fmt.Errorf("select: fd %d out of range", ev.fd)
	}

	ent := sel.fds[ev.fd]
	if ent == nil {
		ent = &selectEntry{}
		sel.fds[ev.fd] = ent
	}
	if ev.events&EvRead != 0 {
		ent.read = ev
	}
	if ev.events&EvWrite != 0 {
		ent.write = ev
	}
	if ev.fd > sel.maxfd {
		sel.maxfd = ev.fd
	}
	return nil
}

func (sel *selectBackend) Del(ev *Event) error {
	if ev.events&EvSignal != 0 {
		return sel.base.sig.del(ev)
	}

	ent := sel.fds[ev.fd]
	if ent == nil {
		return nil
	}
	if ev.events&EvRead != 0 {
		ent.read = nil
	}
	if ev.events&EvWrite != 0 {
		ent.write = nil
	}
	if ent.read == nil && ent.write == nil {
		delete(sel.fds, ev.fd)
		if ev.fd == sel.maxfd {
			sel.maxfd = -1
			for fd := range sel.fds {
				if fd > sel.maxfd {
					sel.maxfd = fd
				}
			}
		}
	}
	return nil
}

func (sel *selectBackend) Dispatch(timeout time.Duration) error {
	var rset, wset unix.FdSet
	for fd, ent := range sel.fds {
		if ent.read != nil {
			rset.Set(fd)
		}
		if ent.write != nil {
			wset.Set(fd)
		}
	}

	var tv *unix.Timeval
	if timeout >= 0 {
		t := unix.NsecToTimeval(int64(timeout))
		tv = &t
	}

	n, err := unix.Select(sel.maxfd+1, &rset, &wset, nil, tv)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("select: %w", err)
	}
	if n == 0 {
		return nil
	}

	for fd, ent := range sel.fds {
		if rset.IsSet(fd) && ent.read != nil {
			ent.read.Activate(EvRead, 1)
		}
		if wset.IsSet(fd) && ent.write != nil {
			ent.write.Activate(EvWrite, 1)
		}
	}
	return nil
}

func (sel *selectBackend) Dealloc() {
	sel.base.sig.dealloc()
	sel.fds = nil
}
