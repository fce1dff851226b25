// Package poller implements the four specialized I/O multiplexing facades
// (connecting, listener, reader, writer) over a shared backend abstraction,
// and the composite client/server pollers built from them (spec §4.3).
//
// Callback invocation happens only inside Poll; add/remove calls made from
// inside a callback are deferred to queues ("addable"/"removable" per spec
// §4.3) drained once dispatch for that call to Poll finishes, so a callback
// can safely move its own socket between pollers without corrupting the
// in-progress iteration — the same discipline pkg/slab applies to account
// removal during Each.
package poller

import (
	"net"
	"time"

	"github.com/higebu/netfd"
	"github.com/simeonmiteff/go-meshnet/pkg/merr"
)

// Event is a bitmask of readiness conditions a backend reports.
type Event uint8

const (
	Readable Event = 1 << iota
	Writable
	Error
	// HangUp reports a peer-closed condition distinctly from Readable, on
	// backends that can tell the two apart (epoll's EPOLLRDHUP/EPOLLHUP).
	// The select backend never sets it; callers always fall back to
	// treating a zero-byte read as disconnection.
	HangUp
)

// FD is a raw file descriptor, as handed to backends.
type FD int

// fdOf extracts the raw descriptor backing a net.Conn, generalizing the
// teacher's exporter.Add, which does the same to attach TCP_INFO polling
// to a connection (spec's pollers attach readiness polling to the same
// kind of socket instead). netfd.GetFdFromConn reads the fd out of the
// runtime's internal netFD via reflection; it does not dup, so the value
// is stable across repeated calls on the same conn.
func fdOf(v any) (FD, error) {
	switch c := v.(type) {
	case net.Conn:
		return FD(netfd.GetFdFromConn(c)), nil
	default:
		return 0, merr.Wrap(merr.Internal, "poller.fdOf", errUnsupportedFD)
	}
}

// listenerFD extracts l's raw descriptor via SyscallConn, which hands the
// fd to the control function directly. Unlike (*net.TCPListener).File,
// which dups the fd into a new *os.File (whose finalizer will later
// close that dup out from under epoll, and which can flip the listener
// into blocking mode), this never duplicates anything and never touches
// the listener's blocking mode.
func listenerFD(l *net.TCPListener) (FD, error) {
	raw, err := l.SyscallConn()
	if err != nil {
		return 0, merr.Wrap(merr.Network, "poller.listenerFD", err)
	}
	var fd FD
	ctrlErr := raw.Control(func(sysfd uintptr) {
		fd = FD(sysfd)
	})
	if ctrlErr != nil {
		return 0, merr.Wrap(merr.Network, "poller.listenerFD", ctrlErr)
	}
	return fd, nil
}

type unsupportedFDError struct{}

func (unsupportedFDError) Error() string { return "poller: unsupported descriptor type" }

var errUnsupportedFD = unsupportedFDError{}

type unwatchedListenerError struct{}

func (unwatchedListenerError) Error() string { return "poller: listener was never Watch()ed" }

var errUnwatchedListener = unwatchedListenerError{}

// Backend is the minimal readiness-multiplexing primitive a platform
// implementation must provide. Two backends ship: epoll on Linux
// (backend_epoll_linux.go) and select on darwin and the BSDs
// (backend_select_other.go); other platforms have no backend.
type Backend interface {
	Add(fd FD, events Event) error
	Modify(fd FD, events Event) error
	Remove(fd FD) error
	// Wait blocks up to timeout for readiness and appends ready descriptors
	// to dst, returning the extended slice.
	Wait(timeout time.Duration, dst []Ready) ([]Ready, error)
	Close() error
}

// Ready reports one descriptor's readiness after a Wait call.
type Ready struct {
	FD     FD
	Events Event
}

// registration is the deferred-queue discipline shared by every poller
// flavour below.
type registration struct {
	backend Backend
	inPoll  bool
	addable []pendingAdd
	removes []FD
}

type pendingAdd struct {
	fd     FD
	events Event
}

func newRegistration(backend Backend) registration {
	return registration{backend: backend}
}

func (r *registration) add(fd FD, events Event) error {
	if r.inPoll {
		r.addable = append(r.addable, pendingAdd{fd: fd, events: events})
		return nil
	}
	return r.backend.Add(fd, events)
}

func (r *registration) remove(fd FD) error {
	if r.inPoll {
		r.removes = append(r.removes, fd)
		return nil
	}
	return r.backend.Remove(fd)
}

func (r *registration) drain() {
	adds := r.addable
	r.addable = nil
	removes := r.removes
	r.removes = nil

	for _, rm := range removes {
		_ = r.backend.Remove(rm)
	}
	for _, a := range adds {
		_ = r.backend.Add(a.fd, a.events)
	}
}

// NewBackend constructs the platform backend: epoll on Linux (which sets
// EPOLLEXCLUSIVE only on kernels new enough to support it, see
// backend_select_kernel.go), select on darwin and the BSDs.
func NewBackend() (Backend, error) {
	return newPlatformBackend()
}

func wrapErrno(op string, err error) error {
	if err == nil {
		return nil
	}
	return &backendError{op: op, err: err}
}

type backendError struct {
	op  string
	err error
}

func (e *backendError) Error() string { return "poller: " + e.op + ": " + e.err.Error() }
func (e *backendError) Unwrap() error { return e.err }
