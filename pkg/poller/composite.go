package poller

import "time"

// ClientPoller combines a connecting poller, a reader poller and a writer
// poller over one shared backend: the composite used to drive outbound
// per-peer writer sockets through connect -> connected -> read/write (spec
// §4.3, §4.5). It is a composite type, not an inheritance hierarchy: moving
// a socket from Connecting to Reader is an explicit Forget/Watch pair done
// by the caller on OnConnected.
type ClientPoller struct {
	backend    Backend
	Connecting *ConnectingPoller
	Reader     *ReaderPoller
	Writer     *WriterPoller
	readyBuf   []Ready
}

// NewClientPoller creates a ClientPoller sharing one backend across its
// three constituent pollers.
func NewClientPoller(backend Backend) *ClientPoller {
	return &ClientPoller{
		backend:    backend,
		Connecting: NewConnectingPoller(backend),
		Reader:     NewReaderPoller(backend),
		Writer:     NewWriterPoller(backend),
	}
}

// Poll blocks up to timeout, dispatches ready events to whichever
// constituent poller owns each descriptor, and returns the event count.
// Registration changes made from within a callback are deferred until all
// three pollers have finished dispatch (spec §4.3).
func (c *ClientPoller) Poll(timeout time.Duration) (int, error) {
	c.Connecting.reg.inPoll = true
	c.Reader.reg.inPoll = true
	c.Writer.reg.inPoll = true

	ready, err := c.backend.Wait(timeout, c.readyBuf[:0])
	if err != nil {
		c.Connecting.reg.inPoll = false
		c.Reader.reg.inPoll = false
		c.Writer.reg.inPoll = false
		return 0, err
	}
	c.readyBuf = ready

	for _, r := range ready {
		switch {
		case c.Connecting.Dispatch(r):
		case c.Reader.Dispatch(r):
		case c.Writer.Dispatch(r):
		}
	}

	c.Connecting.reg.inPoll = false
	c.Reader.reg.inPoll = false
	c.Writer.reg.inPoll = false
	c.Connecting.reg.drain()
	c.Reader.reg.drain()
	c.Writer.reg.drain()

	return len(ready), nil
}

// Close releases the shared backend.
func (c *ClientPoller) Close() error { return c.backend.Close() }

// ServerPoller combines a listener poller, a reader poller and a writer
// poller over one shared backend: the composite used to drive the inbound
// TCP listener and its accepted reader connections (spec §4.3, §4.5).
type ServerPoller struct {
	backend  Backend
	Listener *ListenerPoller
	Reader   *ReaderPoller
	Writer   *WriterPoller
	readyBuf []Ready
}

// NewServerPoller creates a ServerPoller sharing one backend across its
// three constituent pollers.
func NewServerPoller(backend Backend) *ServerPoller {
	return &ServerPoller{
		backend:  backend,
		Listener: NewListenerPoller(backend),
		Reader:   NewReaderPoller(backend),
		Writer:   NewWriterPoller(backend),
	}
}

// Poll blocks up to timeout, dispatches ready events, and returns the
// event count.
func (s *ServerPoller) Poll(timeout time.Duration) (int, error) {
	s.Listener.reg.inPoll = true
	s.Reader.reg.inPoll = true
	s.Writer.reg.inPoll = true

	ready, err := s.backend.Wait(timeout, s.readyBuf[:0])
	if err != nil {
		s.Listener.reg.inPoll = false
		s.Reader.reg.inPoll = false
		s.Writer.reg.inPoll = false
		return 0, err
	}
	s.readyBuf = ready

	for _, r := range ready {
		switch {
		case s.Listener.Dispatch(r):
		case s.Reader.Dispatch(r):
		case s.Writer.Dispatch(r):
		}
	}

	s.Listener.reg.inPoll = false
	s.Reader.reg.inPoll = false
	s.Writer.reg.inPoll = false
	s.Listener.reg.drain()
	s.Reader.reg.drain()
	s.Writer.reg.drain()

	return len(ready), nil
}

// Close releases the shared backend.
func (s *ServerPoller) Close() error { return s.backend.Close() }
