// Package wire implements the deterministic binary encoding shared by the
// beacon, packet and envelope formats: fixed-width integers, fixed-length
// byte spans and length-prefixed variable byte sequences, all in network
// byte order (spec §4.1). There is no serialization library in the
// retrieval pack that beats encoding/binary for a fixed wire layout like
// this one (see DESIGN.md); every reference repo that rolls its own wire
// format does the same.
package wire

import (
	"encoding/binary"

	"github.com/simeonmiteff/go-meshnet/pkg/merr"
)

// Writer appends encoded values to an internal buffer in network byte
// order. The zero value is ready to use.
type Writer struct {
	buf []byte
}

// NewWriter creates a Writer with a pre-sized backing buffer.
func NewWriter(capacity int) *Writer {
	return &Writer{buf: make([]byte, 0, capacity)}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

// Len returns the number of bytes written so far.
func (w *Writer) Len() int { return len(w.buf) }

func (w *Writer) PutUint8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) PutUint16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *Writer) PutUint32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *Writer) PutUint64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }
func (w *Writer) PutInt16(v int16)   { w.PutUint16(uint16(v)) }
func (w *Writer) PutInt64(v int64)   { w.PutUint64(uint64(v)) }

// PutFixed appends exactly len(b) bytes verbatim (a fixed-length span, e.g.
// a UUID or a zero-padded packet payload).
func (w *Writer) PutFixed(b []byte) { w.buf = append(w.buf, b...) }

// PutVarBytes appends a u32 length prefix followed by b's bytes.
func (w *Writer) PutVarBytes(b []byte) {
	w.PutUint32(uint32(len(b)))
	w.PutFixed(b)
}

// Reader consumes encoded values from a fixed byte slice in network byte
// order, advancing a cursor. Reading past the end returns ErrShortRead.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps b for sequential decoding.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return merr.ErrShortRead
	}
	return nil
}

func (r *Reader) Uint8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) Uint16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) Uint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) Int16() (int16, error) {
	v, err := r.Uint16()
	return int16(v), err
}

func (r *Reader) Int64() (int64, error) {
	v, err := r.Uint64()
	return int64(v), err
}

// Fixed reads exactly n bytes and returns a slice referencing the
// underlying buffer (callers must copy it if they need an owned slice
// beyond the Reader's lifetime).
func (r *Reader) Fixed(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// VarBytes reads a u32 length prefix followed by that many bytes, copied
// into a freshly allocated slice.
func (r *Reader) VarBytes() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	b, err := r.Fixed(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}
