//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package evloop

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

type pollEntry struct {
	read  *Event
	write *Event
}

// pollBackend is the portable fallback. The pollfd array is rebuilt from
// the fd table whenever registrations changed since the last wait.
type pollBackend struct {
	base  *Base
	fds   map[int]*pollEntry
	pfds  []unix.PollFd
	dirty bool
}

func newPollBackend() Multiplexer { return &pollBackend{} }

func (pb *pollBackend) Name() string { return "poll" }

func (pb *pollBackend) NeedsReinit() bool { return false }

func (pb *pollBackend) Init(base *Base) error {
	if err := base.sig.init(base); err != nil {
		return err
	}
	pb.base = base
	pb.fds = make(map[int]*pollEntry)
	pb.dirty = true
	return nil
}

func (pb *pollBackend) Add(ev *Event) error {
	if ev.events&EvSignal != 0 {
		return pb.base.sig.add(ev)
	}

	ent := pb.fds[ev.fd]
	if ent == nil {
		ent = &pollEntry{}
		pb.fds[ev.fd] = ent
	}
	if ev.events&EvRead != 0 {
		ent.read = ev
	}
	if ev.events&EvWrite != 0 {
		ent.write = ev
	}
	pb.dirty = true
	return nil
}

func (pb *pollBackend) Del(ev *Event) error {
	if ev.events&EvSignal != 0 {
		return pb.base.sig.del(ev)
	}

	ent := pb.fds[ev.fd]
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
		delete(pb.fds, ev.fd)
	}
	pb.dirty = true
	return nil
}

func (pb *pollBackend) rebuild() {
	pb.pfds = pb.pfds[:0]
	for fd, ent := range pb.fds {
		var mask int16
		if ent.read != nil {
			mask |= unix.POLLIN | unix.POLLPRI
		}
		if ent.write != nil {
			mask |= unix.POLLOUT
		}
		pb.pfds = append(pb.pfds, unix.PollFd{Fd: int32(fd), Events: mask})
	}
	pb.dirty = false
}

func (pb *pollBackend) Dispatch(timeout time.Duration) error {
	if pb.dirty {
		pb.rebuild()
	}

	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.Poll(pb.pfds, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return nil
	}

	for i := range pb.pfds {
		revents := pb.pfds[i].Revents
		if revents == 0 {
			continue
		}
		ent := pb.fds[int(pb.pfds[i].Fd)]
		if ent == nil {
			continue
		}

		var what EventMask
		if revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			what = EvRead | EvWrite
		} else {
			if revents&(unix.POLLIN|unix.POLLPRI) != 0 {
				what |= EvRead
			}
			if revents&unix.POLLOUT != 0 {
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
	return nil
}

func (pb *pollBackend) Dealloc() {
	pb.base.sig.dealloc()
	pb.fds = nil
	pb.pfds = nil
}
