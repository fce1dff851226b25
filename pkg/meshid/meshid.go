// Package meshid defines the node/peer identifier type used across the
// mesh: a 128-bit universally-unique ID, totally ordered, with a canonical
// printable form and network-order wire encoding (spec §3).
package meshid

import (
	"bytes"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// Size is the wire length of an ID, in bytes.
const Size = 16

// ID is a node or file identifier. The zero value is the nil UUID.
type ID [Size]byte

// Nil is the zero-valued ID.
var Nil ID

// New generates a fresh random (version 4) ID.
func New() ID {
	return ID(uuid.New())
}

// NewFileID generates a compact, time-sortable ID suitable for file
// transfers, using rs/xid and zero-extending it to the 16-byte wire width
// used by the `universal_id fileid` field so the packet layout is
// unaffected by the choice of generator.
func NewFileID() ID {
	var id ID
	x := xid.New()
	copy(id[Size-len(x):], x.Bytes())
	return id
}

// Parse parses the canonical string form (RFC 4122) into an ID.
func Parse(s string) (ID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return Nil, err
	}
	return ID(u), nil
}

// FromBytes reads an ID from a 16-byte network-order slice.
func FromBytes(b []byte) (ID, bool) {
	if len(b) != Size {
		return Nil, false
	}
	var id ID
	copy(id[:], b)
	return id, true
}

// String renders the canonical RFC 4122 form.
func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Bytes returns the network-order byte representation.
func (id ID) Bytes() []byte {
	return id[:]
}

// IsNil reports whether id is the zero value.
func (id ID) IsNil() bool {
	return id == Nil
}

// Compare gives a total order over IDs, consistent with their network-order
// byte representation (spec §3: "UUID ... totally ordered").
func Compare(a, b ID) int {
	return bytes.Compare(a[:], b[:])
}

// Less reports whether a sorts before b.
func Less(a, b ID) bool {
	return Compare(a, b) < 0
}
