package poller

import (
	"net"

	"github.com/simeonmiteff/go-meshnet/pkg/merr"
)

// ListenerPoller monitors bound+listening sockets for incoming connections
// (spec §4.3). The Accept callback is expected to call listener.Accept()
// itself and hand the resulting connection to a ReaderPoller.
type ListenerPoller struct {
	reg       registration
	listeners map[FD]*net.TCPListener
	fds       map[*net.TCPListener]FD

	OnAccept func(*net.TCPListener)
}

// NewListenerPoller creates a poller bound to backend.
func NewListenerPoller(backend Backend) *ListenerPoller {
	return &ListenerPoller{
		reg:       newRegistration(backend),
		listeners: make(map[FD]*net.TCPListener),
		fds:       make(map[*net.TCPListener]FD),
	}
}

// Watch registers l for incoming-connection readiness. The fd is read
// once here and cached, so a later Forget(l) is guaranteed to address the
// same registration instead of re-deriving (and possibly disagreeing on)
// the fd.
func (p *ListenerPoller) Watch(l *net.TCPListener) error {
	fd, err := listenerFD(l)
	if err != nil {
		return err
	}
	p.listeners[fd] = l
	p.fds[l] = fd
	return p.reg.add(fd, Readable)
}

// Forget stops watching l.
func (p *ListenerPoller) Forget(l *net.TCPListener) error {
	fd, ok := p.fds[l]
	if !ok {
		return merr.Wrap(merr.Internal, "poller.ListenerPoller.Forget", errUnwatchedListener)
	}
	delete(p.listeners, fd)
	delete(p.fds, l)
	return p.reg.remove(fd)
}

// Dispatch delivers one Ready event if it belongs to a watched listener.
func (p *ListenerPoller) Dispatch(r Ready) bool {
	l, ok := p.listeners[r.FD]
	if !ok {
		return false
	}
	if p.OnAccept != nil {
		p.OnAccept(l)
	}
	return true
}
