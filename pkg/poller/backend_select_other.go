//go:build darwin || freebsd || openbsd || netbsd || dragonfly

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// selectBackend is the portable BSD-family fallback Backend, built on
// unix.Select (epoll is Linux-only, backend_epoll_linux.go). It cannot
// distinguish a clean hangup from an ordinary readable event (no HangUp
// bit is ever set); callers fall back to treating a zero-byte read as
// disconnection, as spec §4.5's reader input path already does.
type selectBackend struct {
	read map[FD]Event // fd -> registered event mask
}

func newPlatformBackend() (Backend, error) {
	return &selectBackend{read: make(map[FD]Event)}, nil
}

func (b *selectBackend) Add(fd FD, events Event) error {
	b.read[fd] = events
	return nil
}

func (b *selectBackend) Modify(fd FD, events Event) error {
	b.read[fd] = events
	return nil
}

func (b *selectBackend) Remove(fd FD) error {
	delete(b.read, fd)
	return nil
}

func (b *selectBackend) Wait(timeout time.Duration, dst []Ready) ([]Ready, error) {
	if len(b.read) == 0 {
		time.Sleep(timeout)
		return dst, nil
	}

	var rfds, wfds unix.FdSet
	maxFD := 0
	for fd, ev := range b.read {
		if ev&Readable != 0 {
			rfds.Set(int(fd))
		}
		if ev&Writable != 0 {
			wfds.Set(int(fd))
		}
		if int(fd) > maxFD {
			maxFD = int(fd)
		}
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(maxFD+1, &rfds, &wfds, nil, &tv)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, wrapErrno("select", err)
	}
	if n == 0 {
		return dst, nil
	}

	for fd, ev := range b.read {
		var got Event
		if ev&Readable != 0 && rfds.IsSet(int(fd)) {
			got |= Readable
		}
		if ev&Writable != 0 && wfds.IsSet(int(fd)) {
			got |= Writable
		}
		if got != 0 {
			dst = append(dst, Ready{FD: fd, Events: got})
		}
	}
	return dst, nil
}

func (b *selectBackend) Close() error {
	return nil
}
