//go:build linux

package evloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

const initialEpollEvents = 64

// epollEntry keeps the read-interest and write-interest events sharing one
// file descriptor.
type epollEntry struct {
	read  *Event
	write *Event
}

type epollBackend struct {
	base   *Base
	epfd   int
	fds    map[int]*epollEntry
	events []unix.EpollEvent
}

func newEpollBackend() Multiplexer { return &epollBackend{} }

func (ep *epollBackend) Name() string { return "epoll" }

func (ep *epollBackend) NeedsReinit() bool { return true }

func (ep *epollBackend) Init(base *Base) error {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return fmt.Errorf("epoll create: %w", err)
	}
	if err := base.sig.init(base); err != nil {
		unix.Close(epfd)
		return err
	}
	ep.base = base
	ep.epfd = epfd
	ep.fds = make(map[int]*epollEntry)
	ep.events = make([]unix.EpollEvent, initialEpollEvents)
	return nil
}

func (ep *epollBackend) Add(ev *Event) error {
	if ev.events&EvSignal != 0 {
		return ep.base.sig.add(ev)
	}

	fd := ev.fd
	ent, registered := ep.fds[fd]
	if !registered {
		ent = &epollEntry{}
	}

	read, write := ent.read, ent.write
	if ev.events&EvRead != 0 {
		read = ev
	}
	if ev.events&EvWrite != 0 {
		write = ev
	}

	var mask uint32
	if read != nil {
		mask |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if write != nil {
		mask |= unix.EPOLLOUT
	}

	op := unix.EPOLL_CTL_ADD
	if registered {
		op = unix.EPOLL_CTL_MOD
	}
	if err := unix.EpollCtl(ep.epfd, op, fd, &unix.EpollEvent{Events: mask, Fd: int32(fd)}); err != nil {
		return fmt.Errorf("epoll ctl: %w", err)
	}

	ent.read, ent.write = read, write
	ep.fds[fd] = ent
	return nil
}

func (ep *epollBackend) Del(ev *Event) error {
	if ev.events&EvSignal != 0 {
		return ep.base.sig.del(ev)
	}

	fd := ev.fd
	ent, registered := ep.fds[fd]
	if !registered {
		return nil
	}

	read, write := ent.read, ent.write
	if ev.events&EvRead != 0 {
		read = nil
	}
	if ev.events&EvWrite != 0 {
		write = nil
	}

	if read == nil && write == nil {
		if err := unix.EpollCtl(ep.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
			return fmt.Errorf("epoll ctl: %w", err)
		}
		delete(ep.fds, fd)
		return nil
	}

	var mask uint32
	if read != nil {
		mask |= unix.EPOLLIN | unix.EPOLLPRI
	}
	if write != nil {
		mask |= unix.EPOLLOUT
	}
	if err := unix.EpollCtl(ep.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: mask, Fd: int32(fd)}); err != nil {
		return fmt.Errorf("epoll ctl: %w", err)
	}
	ent.read, ent.write = read, write
	return nil
}

func (ep *epollBackend) Dispatch(timeout time.Duration) error {
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(ep.epfd, ep.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		e := &ep.events[i]
		ent := ep.fds[int(e.Fd)]
		if ent == nil {
			continue
		}

		var what EventMask
		if e.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			// An error or hangup wakes both directions so either side can
			// observe it.
			what = EvRead | EvWrite
		} else {
			if e.Events&(unix.EPOLLIN|unix.EPOLLPRI) != 0 {
				what |= EvRead
			}
			if e.Events&unix.EPOLLOUT != 0 {
				what |= EvWrite
			}
		}

		if what&EvRead != 0 && ent.read != nil {
			ent.read.Activate(EvRead, 1)
		}
		if what&EvWrite != 0 && ent.write != nil {
			ent.write.Activate(EvWrite, 1)
		}
	}

	if n == len(ep.events) {
		ep.events = make([]unix.EpollEvent, len(ep.events)*2)
	}
	return nil
}

func (ep *epollBackend) Dealloc() {
	ep.base.sig.dealloc()
	unix.Close(ep.epfd)
	ep.fds = nil
}
