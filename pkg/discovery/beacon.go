// Package discovery implements the UDP beacon protocol that maintains a
// live peer registry: periodic transmission, reception with time-difference
// estimation and address-change detection, and expiration sweeps (spec
// §4.4).
package discovery

import (
	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/wire"
)

var magic = [4]byte{'H', 'E', 'L', 'O'}

// BeaconSize is the fixed wire length of a beacon datagram (spec §6).
const BeaconSize = 4 + meshid.Size + 2 + 2 + 4 + 8 + 2

// Beacon is one discovery datagram (spec §3, §6).
type Beacon struct {
	Sender            meshid.ID
	Port              uint16
	TransmitIntervalS uint16
	Counter           uint32
	TimestampMS       int64
}

// Marshal encodes b into a BeaconSize-byte datagram with a trailing CRC16
// seeded at 0 over every preceding field.
func (b *Beacon) Marshal() []byte {
	w := wire.NewWriter(BeaconSize)
	w.PutFixed(magic[:])
	w.PutFixed(b.Sender.Bytes())
	w.PutUint16(b.Port)
	w.PutUint16(b.TransmitIntervalS)
	w.PutUint32(b.Counter)
	w.PutInt64(b.TimestampMS)
	crc := wire.CRC16(w.Bytes())
	w.PutInt16(crc)
	return w.Bytes()
}

// Unmarshal decodes and validates a beacon datagram: magic, length and
// CRC16 must all match (spec §4.4, invariant 2).
func Unmarshal(raw []byte) (*Beacon, error) {
	if len(raw) != BeaconSize {
		return nil, merr.Wrap(merr.Protocol, "discovery.Unmarshal", merr.ErrBadBeacon)
	}

	body := raw[:BeaconSize-2]
	r := wire.NewReader(raw)

	m, err := r.Fixed(4)
	if err != nil {
		return nil, merr.Wrap(merr.Protocol, "discovery.Unmarshal", err)
	}
	if m[0] != magic[0] || m[1] != magic[1] || m[2] != magic[2] || m[3] != magic[3] {
		return nil, merr.Wrap(merr.Protocol, "discovery.Unmarshal", merr.ErrBadBeacon)
	}

	senderBytes, err := r.Fixed(meshid.Size)
	if err != nil {
		return nil, merr.Wrap(merr.Protocol, "discovery.Unmarshal", err)
	}
	sender, _ := meshid.FromBytes(senderBytes)

	port, err := r.Uint16()
	if err != nil {
		return nil, merr.Wrap(merr.Protocol, "discovery.Unmarshal", err)
	}
	transmitInterval, err := r.Uint16()
	if err != nil {
		return nil, merr.Wrap(merr.Protocol, "discovery.Unmarshal", err)
	}
	counter, err := r.Uint32()
	if err != nil {
		return nil, merr.Wrap(merr.Protocol, "discovery.Unmarshal", err)
	}
	timestamp, err := r.Int64()
	if err != nil {
		return nil, merr.Wrap(merr.Protocol, "discovery.Unmarshal", err)
	}
	gotCRC, err := r.Int16()
	if err != nil {
		return nil, merr.Wrap(merr.Protocol, "discovery.Unmarshal", err)
	}

	if wire.CRC16(body) != gotCRC {
		return nil, merr.Wrap(merr.Protocol, "discovery.Unmarshal", merr.ErrBadBeacon)
	}

	return &Beacon{
		Sender:            sender,
		Port:              port,
		TransmitIntervalS: transmitInterval,
		Counter:           counter,
		TimestampMS:       timestamp,
	}, nil
}
