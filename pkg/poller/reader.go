package poller

import "net"

// ReaderPoller monitors connected sockets for readability and reports
// hangups distinctly from ordinary readable events where the backend can
// tell them apart (spec §4.3).
type ReaderPoller struct {
	reg   registration
	conns map[FD]net.Conn

	OnReadable     func(net.Conn)
	OnDisconnected func(net.Conn)
	OnFailure      func(net.Conn, error)
}

// NewReaderPoller creates a poller bound to backend.
func NewReaderPoller(backend Backend) *ReaderPoller {
	return &ReaderPoller{
		reg:   newRegistration(backend),
		conns: make(map[FD]net.Conn),
	}
}

// Watch registers conn for readability.
func (p *ReaderPoller) Watch(conn net.Conn) error {
	fd, err := fdOf(conn)
	if err != nil {
		return err
	}
	p.conns[fd] = conn
	return p.reg.add(fd, Readable)
}

// Forget stops watching conn.
func (p *ReaderPoller) Forget(conn net.Conn) error {
	fd, err := fdOf(conn)
	if err != nil {
		return err
	}
	delete(p.conns, fd)
	return p.reg.remove(fd)
}

// Dispatch delivers one Ready event if it belongs to a watched socket.
// A backend-reported Error fires OnFailure and a HangUp fires
// OnDisconnected directly; an ordinary readable is left to the caller's
// subsequent read (a zero-byte read is the portable signal for
// disconnection).
func (p *ReaderPoller) Dispatch(r Ready) bool {
	conn, ok := p.conns[r.FD]
	if !ok {
		return false
	}

	if r.Events&Error != 0 {
		if p.OnFailure != nil {
			p.OnFailure(conn, errReaderSocket)
		}
		return true
	}

	if r.Events&HangUp != 0 {
		if p.OnDisconnected != nil {
			p.OnDisconnected(conn)
		}
		return true
	}

	if p.OnReadable != nil {
		p.OnReadable(conn)
	}
	return true
}

type readerSocketError struct{}

func (readerSocketError) Error() string { return "poller: reader socket error" }

var errReaderSocket = readerSocketError{}
