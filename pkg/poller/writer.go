package poller

import "net"

// WriterPoller is one-shot-ish (spec §4.3): a caller arms it with
// WaitForWrite when a send returns again/overflow; once CanWrite fires for
// that socket the registration is removed until WaitForWrite re-arms it.
type WriterPoller struct {
	reg   registration
	conns map[FD]net.Conn

	OnCanWrite func(net.Conn)
}

// NewWriterPoller creates a poller bound to backend.
func NewWriterPoller(backend Backend) *WriterPoller {
	return &WriterPoller{
		reg:   newRegistration(backend),
		conns: make(map[FD]net.Conn),
	}
}

// WaitForWrite arms conn for a one-shot writability notification.
func (p *WriterPoller) WaitForWrite(conn net.Conn) error {
	fd, err := fdOf(conn)
	if err != nil {
		return err
	}
	if _, already := p.conns[fd]; already {
		return nil
	}
	p.conns[fd] = conn
	return p.reg.add(fd, Writable)
}

// Forget disarms conn unconditionally (e.g. the channel is being released).
func (p *WriterPoller) Forget(conn net.Conn) error {
	fd, err := fdOf(conn)
	if err != nil {
		return err
	}
	if _, armed := p.conns[fd]; !armed {
		return nil
	}
	delete(p.conns, fd)
	return p.reg.remove(fd)
}

// Dispatch delivers one Ready event if it belongs to an armed socket,
// disarming it before invoking the callback (one-shot semantics).
func (p *WriterPoller) Dispatch(r Ready) bool {
	conn, ok := p.conns[r.FD]
	if !ok {
		return false
	}
	delete(p.conns, r.FD)
	_ = p.reg.remove(r.FD)

	if p.OnCanWrite != nil {
		p.OnCanWrite(conn)
	}
	return true
}
