// Package merr defines the error taxonomy shared across the mesh
// networking packages, per the error handling design: configuration,
// network, protocol, storage and internal-invariant failures.
package merr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide whether it is fatal,
// peer-scoped, or transfer-scoped.
type Kind int

const (
	// Configuration errors are raised from constructors and are fatal.
	Configuration Kind = iota
	// Network errors come from socket send/recv/connect failures.
	Network
	// Protocol errors come from malformed or unexpected wire data.
	Protocol
	// Storage errors come from the outbox or filesystem.
	Storage
	// Internal marks a violated invariant; the engine becomes dysfunctional.
	Internal
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Network:
		return "network"
	case Protocol:
		return "protocol"
	case Storage:
		return "storage"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind and the operation that
// produced it, so callers can branch on errors.As while still seeing a
// readable message and the original cause via errors.Unwrap.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap constructs an *Error, or returns nil if err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel errors used by the wire/packet layers (spec §4.1, §4.2).
var (
	ErrShortRead     = errors.New("merr: short read")
	ErrCorruptPacket = errors.New("merr: corrupt packet")
	ErrBadBeacon     = errors.New("merr: bad beacon")
)
