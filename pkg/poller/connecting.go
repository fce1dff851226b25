package poller

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/simeonmiteff/go-meshnet/pkg/merr"
)

// ConnectingPoller monitors non-blocking sockets performing connect() and
// reports completion, refusal or failure (spec §4.3).
type ConnectingPoller struct {
	reg   registration
	conns map[FD]net.Conn

	OnConnected        func(net.Conn)
	OnConnectionRefused func(net.Conn, error)
	OnFailure           func(net.Conn, error)
}

// NewConnectingPoller creates a poller bound to backend.
func NewConnectingPoller(backend Backend) *ConnectingPoller {
	return &ConnectingPoller{
		reg:   newRegistration(backend),
		conns: make(map[FD]net.Conn),
	}
}

// Watch registers conn, which must be mid-connect, for writability.
func (p *ConnectingPoller) Watch(conn net.Conn) error {
	fd, err := fdOf(conn)
	if err != nil {
		return err
	}
	p.conns[fd] = conn
	return p.reg.add(fd, Writable|Error)
}

// Forget stops watching conn (it has connected, failed, or is being closed).
func (p *ConnectingPoller) Forget(conn net.Conn) error {
	fd, err := fdOf(conn)
	if err != nil {
		return err
	}
	delete(p.conns, fd)
	return p.reg.remove(fd)
}

// Dispatch delivers one Ready event if it belongs to a watched socket and
// reports true if it did.
func (p *ConnectingPoller) Dispatch(r Ready) bool {
	conn, ok := p.conns[r.FD]
	if !ok {
		return false
	}

	p.reg.inPoll = true
	delete(p.conns, r.FD)
	_ = p.reg.remove(r.FD)

	if errno := connectError(r.FD); errno != 0 {
		err := merr.Wrap(merr.Network, "ConnectingPoller.Dispatch", errno)
		if errno == unix.ECONNREFUSED {
			if p.OnConnectionRefused != nil {
				p.OnConnectionRefused(conn, err)
			}
		} else if p.OnFailure != nil {
			p.OnFailure(conn, err)
		}
		return true
	}

	if p.OnConnected != nil {
		p.OnConnected(conn)
	}
	return true
}

// connectError reads SO_ERROR to discover the outcome of a non-blocking
// connect, the portable POSIX idiom for detecting connect() completion via
// a writability event (golang.org/x/sys/unix exposes this uniformly across
// the platforms the select/epoll backends target).
func connectError(fd FD) unix.Errno {
	errno, err := unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		if e, ok := err.(unix.Errno); ok {
			return e
		}
		return 0
	}
	return unix.Errno(errno)
}
