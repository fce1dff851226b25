//go:build linux

package poller

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend is the Linux Backend, built on epoll_create1/epoll_ctl/
// epoll_wait (golang.org/x/sys/unix). exclusiveOK gates use of
// EPOLLEXCLUSIVE on Add, which avoids thundering-herd wakeups when several
// pollers might share a listener fd; it is resolved once at backend
// construction time by backend_select_kernel.go's kernel-version check,
// since EPOLLEXCLUSIVE is only defined from Linux 4.5 onward.
type epollBackend struct {
	epfd        int
	exclusiveOK bool
}

func newPlatformBackend() (Backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, wrapErrno("EpollCreate1", err)
	}
	return &epollBackend{epfd: epfd, exclusiveOK: exclusiveSupported()}, nil
}

func toEpollEvents(e Event) uint32 {
	var m uint32
	if e&Readable != 0 {
		m |= unix.EPOLLIN
	}
	if e&Writable != 0 {
		m |= unix.EPOLLOUT
	}
	m |= unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLRDHUP
	return m
}

func fromEpollEvents(m uint32) Event {
	var e Event
	if m&unix.EPOLLIN != 0 {
		e |= Readable
	}
	if m&unix.EPOLLOUT != 0 {
		e |= Writable
	}
	if m&(unix.EPOLLERR) != 0 {
		e |= Error
	}
	if m&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		e |= HangUp
	}
	return e
}

func (b *epollBackend) Add(fd FD, events Event) error {
	m := toEpollEvents(events)
	if b.exclusiveOK && events&Readable != 0 {
		// epoll_ctl rejects EPOLLEXCLUSIVE together with EPOLLRDHUP
		// (EINVAL); a peer close still surfaces as EPOLLHUP or as a
		// readable socket whose read returns zero bytes.
		m = m&^unix.EPOLLRDHUP | unix.EPOLLEXCLUSIVE
	}
	ev := unix.EpollEvent{Events: m, Fd: int32(fd)}
	return wrapErrno("EpollCtl(ADD)", unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, int(fd), &ev))
}

func (b *epollBackend) Modify(fd FD, events Event) error {
	ev := unix.EpollEvent{Events: toEpollEvents(events), Fd: int32(fd)}
	return wrapErrno("EpollCtl(MOD)", unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, int(fd), &ev))
}

func (b *epollBackend) Remove(fd FD) error {
	return wrapErrno("EpollCtl(DEL)", unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, int(fd), nil))
}

func (b *epollBackend) Wait(timeout time.Duration, dst []Ready) ([]Ready, error) {
	var buf [64]unix.EpollEvent
	ms := int(timeout / time.Millisecond)
	n, err := unix.EpollWait(b.epfd, buf[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return dst, nil
		}
		return dst, wrapErrno("EpollWait", err)
	}
	for i := 0; i < n; i++ {
		dst = append(dst, Ready{FD: FD(buf[i].Fd), Events: fromEpollEvents(buf[i].Events)})
	}
	return dst, nil
}

func (b *epollBackend) Close() error {
	return wrapErrno("close", unix.Close(b.epfd))
}
