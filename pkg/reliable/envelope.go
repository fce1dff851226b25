// Package reliable implements the exactly-once overlay on top of
// pkg/delivery and pkg/outbox (spec §4.8, component C8): envelope IDs,
// ack/nack/again control messages, gap detection and caching, and
// resend-on-channel-establishment.
package reliable

import (
	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/wire"
)

// kind tags the single byte at the front of every reliable-overlay
// payload, since packet.Type has no room for this overlay's own control
// messages and everything rides inside a single packet.Regular payload.
type kind uint8

const (
	kindData kind = iota
	kindAck
	kindNack
	kindAgain
)

// envelope is the wire structure transmitted for application data:
// envelope_id followed by the raw application payload (spec §4.8:
// "transmit via C5 with envelope header {envelope_id, payload_bytes}").
type envelope struct {
	ID      uint64
	Payload []byte
}

func marshalData(e envelope) []byte {
	w := wire.NewWriter(1 + 8 + len(e.Payload))
	w.PutUint8(uint8(kindData))
	w.PutUint64(e.ID)
	w.PutFixed(e.Payload)
	return w.Bytes()
}

func marshalAck(id uint64) []byte {
	w := wire.NewWriter(9)
	w.PutUint8(uint8(kindAck))
	w.PutUint64(id)
	return w.Bytes()
}

func marshalNack(id uint64) []byte {
	w := wire.NewWriter(9)
	w.PutUint8(uint8(kindNack))
	w.PutUint64(id)
	return w.Bytes()
}

// marshalAgain requests resend of every envelope ID listed (spec §4.8:
// "again(missing_ids)").
func marshalAgain(ids []uint64) []byte {
	w := wire.NewWriter(1 + 4 + 8*len(ids))
	w.PutUint8(uint8(kindAgain))
	w.PutUint32(uint32(len(ids)))
	for _, id := range ids {
		w.PutUint64(id)
	}
	return w.Bytes()
}

type decoded struct {
	kind kind
	id   uint64
	ids  []uint64
	data []byte
}

func unmarshal(raw []byte) (decoded, error) {
	r := wire.NewReader(raw)
	k, err := r.Uint8()
	if err != nil {
		return decoded{}, merr.Wrap(merr.Protocol, "reliable.unmarshal", err)
	}

	switch kind(k) {
	case kindData:
		id, err := r.Uint64()
		if err != nil {
			return decoded{}, merr.Wrap(merr.Protocol, "reliable.unmarshal", err)
		}
		payload := make([]byte, r.Remaining())
		copy(payload, raw[len(raw)-r.Remaining():])
		return decoded{kind: kindData, id: id, data: payload}, nil
	case kindAck:
		id, err := r.Uint64()
		if err != nil {
			return decoded{}, merr.Wrap(merr.Protocol, "reliable.unmarshal", err)
		}
		return decoded{kind: kindAck, id: id}, nil
	case kindNack:
		id, err := r.Uint64()
		if err != nil {
			return decoded{}, merr.Wrap(merr.Protocol, "reliable.unmarshal", err)
		}
		return decoded{kind: kindNack, id: id}, nil
	case kindAgain:
		n, err := r.Uint32()
		if err != nil {
			return decoded{}, merr.Wrap(merr.Protocol, "reliable.unmarshal", err)
		}
		ids := make([]uint64, 0, n)
		for i := uint32(0); i < n; i++ {
			id, err := r.Uint64()
			if err != nil {
				return decoded{}, merr.Wrap(merr.Protocol, "reliable.unmarshal", err)
			}
			ids = append(ids, id)
		}
		return decoded{kind: kindAgain, ids: ids}, nil
	default:
		return decoded{}, merr.Wrap(merr.Protocol, "reliable.unmarshal", merr.ErrCorruptPacket)
	}
}
