// Package packet implements the fixed-size wire packet format used by the
// delivery engine: splitting an application payload into P-byte packets
// and reassembling them in order (spec §4.2, §6).
package packet

import (
	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/wire"
)

// Type identifies the kind of payload a packet (or reassembled message)
// carries (spec §3).
type Type uint8

const (
	Regular Type = iota + 1
	Hello
	FileCredentials
	FileRequest
	FileStop
	FileBegin
	FileChunk
	FileEnd
	FileState
)

func (t Type) Valid() bool {
	return t >= Regular && t <= FileState
}

func (t Type) String() string {
	switch t {
	case Regular:
		return "regular"
	case Hello:
		return "hello"
	case FileCredentials:
		return "file_credentials"
	case FileRequest:
		return "file_request"
	case FileStop:
		return "file_stop"
	case FileBegin:
		return "file_begin"
	case FileChunk:
		return "file_chunk"
	case FileEnd:
		return "file_end"
	case FileState:
		return "file_state"
	default:
		return "unknown"
	}
}

// HeaderSize is the fixed header length in bytes: type(1) + packetsize(2) +
// addresser(16) + payloadsize(2) + partcount(4) + partindex(4).
const HeaderSize = 1 + 2 + meshid.Size + 2 + 4 + 4

// DefaultSize is the default total packet size P (spec §6).
const DefaultSize = 1430

// MaxPayloadSize returns the payload capacity of a packet of total size p.
func MaxPayloadSize(p uint16) int {
	return int(p) - HeaderSize
}

// Packet is one fixed-size wire packet (spec §3).
type Packet struct {
	Type        Type
	PacketSize  uint16
	Addresser   meshid.ID
	PayloadSize uint16
	PartCount   uint32
	PartIndex   uint32
	Payload     []byte // from Pack: PacketSize - HeaderSize bytes, tail zero-padded; from Unpack: the PayloadSize used bytes
}

// Complete reports whether this packet is the final part of its message.
func (p *Packet) Complete() bool {
	return p.PartIndex == p.PartCount
}

// Pack splits payload into a sequence of packets of total size packetSize,
// all carrying sender and typ, per spec §4.2. packetSize must exceed
// HeaderSize. An empty payload still yields exactly one packet (partcount
// = 1), matching the ceiling-division rule with the zero-length edge case.
func Pack(payload []byte, sender meshid.ID, typ Type, packetSize uint16) ([]Packet, error) {
	if int(packetSize) <= HeaderSize {
		return nil, merr.Wrap(merr.Protocol, "packet.Pack", errBadPacketSize)
	}

	chunk := MaxPayloadSize(packetSize)
	n := len(payload)

	partCount := uint32(n / chunk)
	if n%chunk != 0 || n == 0 {
		partCount++
	}

	packets := make([]Packet, 0, partCount)
	remaining := payload
	for idx := uint32(1); idx <= partCount; idx++ {
		take := chunk
		if take > len(remaining) {
			take = len(remaining)
		}
		body := make([]byte, chunk)
		copy(body, remaining[:take])
		remaining = remaining[take:]

		packets = append(packets, Packet{
			Type:        typ,
			PacketSize:  packetSize,
			Addresser:   sender,
			PayloadSize: uint16(take),
			PartCount:   partCount,
			PartIndex:   idx,
			Payload:     body,
		})
	}
	return packets, nil
}

// Marshal encodes p into exactly p.PacketSize bytes.
func (p *Packet) Marshal() []byte {
	w := wire.NewWriter(int(p.PacketSize))
	w.PutUint8(uint8(p.Type))
	w.PutUint16(p.PacketSize)
	w.PutFixed(p.Addresser.Bytes())
	w.PutUint16(p.PayloadSize)
	w.PutUint32(p.PartCount)
	w.PutUint32(p.PartIndex)
	tail := int(p.PacketSize) - HeaderSize
	padded := make([]byte, tail)
	copy(padded, p.Payload)
	w.PutFixed(padded)
	return w.Bytes()
}

// Unpack decodes and validates exactly one packetSize-byte wire packet
// (spec §4.2). raw must be exactly packetSize bytes.
func Unpack(raw []byte, packetSize uint16) (*Packet, error) {
	if len(raw) != int(packetSize) {
		return nil, merr.Wrap(merr.Protocol, "packet.Unpack", merr.ErrCorruptPacket)
	}

	r := wire.NewReader(raw)

	typByte, err := r.Uint8()
	if err != nil {
		return nil, merr.Wrap(merr.Protocol, "packet.Unpack", err)
	}
	typ := Type(typByte)
	if !typ.Valid() {
		return nil, merr.Wrap(merr.Protocol, "packet.Unpack", merr.ErrCorruptPacket)
	}

	sz, err := r.Uint16()
	if err != nil || sz != packetSize {
		return nil, merr.Wrap(merr.Protocol, "packet.Unpack", merr.ErrCorruptPacket)
	}

	addresserBytes, err := r.Fixed(meshid.Size)
	if err != nil {
		return nil, merr.Wrap(merr.Protocol, "packet.Unpack", err)
	}
	addresser, _ := meshid.FromBytes(addresserBytes)

	payloadSize, err := r.Uint16()
	if err != nil {
		return nil, merr.Wrap(merr.Protocol, "packet.Unpack", err)
	}
	if int(payloadSize) > MaxPayloadSize(packetSize) {
		return nil, merr.Wrap(merr.Protocol, "packet.Unpack", merr.ErrCorruptPacket)
	}

	partCount, err := r.Uint32()
	if err != nil {
		return nil, merr.Wrap(merr.Protocol, "packet.Unpack", err)
	}

	partIndex, err := r.Uint32()
	if err != nil {
		return nil, merr.Wrap(merr.Protocol, "packet.Unpack", err)
	}
	if partIndex < 1 || partIndex > partCount || partCount == 0 {
		return nil, merr.Wrap(merr.Protocol, "packet.Unpack", merr.ErrCorruptPacket)
	}

	tail, err := r.Fixed(int(packetSize) - HeaderSize)
	if err != nil {
		return nil, merr.Wrap(merr.Protocol, "packet.Unpack", err)
	}
	payload := make([]byte, payloadSize)
	copy(payload, tail[:payloadSize])

	return &Packet{
		Type:        typ,
		PacketSize:  sz,
		Addresser:   addresser,
		PayloadSize: payloadSize,
		PartCount:   partCount,
		PartIndex:   partIndex,
		Payload:     payload,
	}, nil
}

var errBadPacketSize = packetSizeError{}

type packetSizeError struct{}

func (packetSizeError) Error() string { return "packet size must exceed header size" }

// Reassembler accumulates in-order packet payloads for one in-flight
// message and yields the complete payload once the final part arrives.
// Delivery (spec §4.5) keeps one Reassembler per reader account.
type Reassembler struct {
	buf       []byte
	partCount uint32
	nextIndex uint32
	typ       Type
	addresser meshid.ID
	active    bool
}

// Feed appends one packet's payload. It returns the reassembled message and
// true once the packet completing the message is fed; it returns an error
// if the packet is out of sequence or does not match the in-flight
// message's type/sender (spec §3 invariant: packets belong to exactly one
// multi-part message, delivered FIFO).
func (r *Reassembler) Feed(p *Packet) ([]byte, Type, bool, error) {
	if !r.active {
		if p.PartIndex != 1 {
			return nil, 0, false, merr.Wrap(merr.Protocol, "Reassembler.Feed", merr.ErrCorruptPacket)
		}
		r.active = true
		r.typ = p.Type
		r.addresser = p.Addresser
		r.partCount = p.PartCount
		r.nextIndex = 1
		r.buf = r.buf[:0]
	} else {
		if p.PartIndex != r.nextIndex || p.PartCount != r.partCount ||
			p.Type != r.typ || p.Addresser != r.addresser {
			return nil, 0, false, merr.Wrap(merr.Protocol, "Reassembler.Feed", merr.ErrCorruptPacket)
		}
	}

	r.buf = append(r.buf, p.Payload...)
	r.nextIndex++

	if p.Complete() {
		out := make([]byte, len(r.buf))
		copy(out, r.buf)
		r.active = false
		r.buf = r.buf[:0]
		return out, p.Type, true, nil
	}
	return nil, 0, false, nil
}
