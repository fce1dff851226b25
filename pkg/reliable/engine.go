package reliable

import (
	"sort"

	"github.com/simeonmiteff/go-meshnet/pkg/delivery"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/outbox"
)

// gapCache holds out-of-order envelopes received ahead of the gap they
// are waiting on, keyed by envelope ID (spec §4.8: "cache (e, payload)").
type gapCache map[uint64][]byte

// Engine wraps a delivery.Engine and an outbox.Outbox to provide
// exactly-once delivery per peer (spec §4.8, component C8).
type Engine struct {
	delivery *delivery.Engine
	store    *outbox.Outbox

	gaps map[meshid.ID]gapCache

	// OnMessage delivers committed, in-order application payloads (spec
	// §4.8's message_received).
	OnMessage func(addresser meshid.ID, payload []byte)
}

// New wraps an already-constructed delivery engine. The caller owns d's
// PacketSink and OnChannelEstablished wiring (pkg/meshnet composes these
// across pkg/reliable and pkg/transporter); route regular application
// payloads into HandleDataReceived and channel-establishment events into
// HandleChannelEstablished.
func New(d *delivery.Engine, store *outbox.Outbox) *Engine {
	return &Engine{
		delivery: d,
		store:    store,
		gaps:     make(map[meshid.ID]gapCache),
	}
}

// HandleDataReceived processes one reassembled packet.Regular payload
// from the wrapped delivery engine (spec §4.8's receive path).
func (e *Engine) HandleDataReceived(peer meshid.ID, raw []byte) { e.onDataReceived(peer, raw) }

// HandleChannelEstablished reinjects unacked envelopes for peer (spec
// §4.8's resend-on-(re)establishment).
func (e *Engine) HandleChannelEstablished(peer meshid.ID) { e.onChannelEstablished(peer) }

// Send persists payload for addressee and transmits it with an envelope
// header over the wrapped delivery engine (spec §4.8:
// "send_reliable(addressee, bytes)"), returning the assigned envelope ID.
func (e *Engine) Send(addressee meshid.ID, payload []byte) (uint64, error) {
	id, err := e.store.Save(addressee, payload)
	if err != nil {
		return 0, err
	}
	if err := e.transmit(addressee, id, payload); err != nil {
		return 0, err
	}
	return id, nil
}

func (e *Engine) transmit(addressee meshid.ID, id uint64, payload []byte) error {
	return e.delivery.SendRegular(addressee, marshalData(envelope{ID: id, Payload: payload}))
}

func (e *Engine) onDataReceived(addresser meshid.ID, raw []byte) {
	msg, err := unmarshal(raw)
	if err != nil {
		return
	}

	switch msg.kind {
	case kindData:
		e.commitOrCache(addresser, msg.id, msg.data)
	case kindAck, kindNack:
		_ = e.store.Ack(addresser, msg.id)
	case kindAgain:
		for _, id := range msg.ids {
			e.resend(addresser, id)
		}
	}
}

// commitOrCache implements spec §4.8's receive-path state machine.
func (e *Engine) commitOrCache(addresser meshid.ID, id uint64, payload []byte) {
	recent, err := e.store.RecentEID(addresser)
	if err != nil {
		return
	}

	switch {
	case id == recent+1:
		e.commit(addresser, id, payload)
		e.drainGapCache(addresser)
	case id <= recent:
		_ = e.delivery.SendRegular(addresser, marshalNack(id))
	default:
		cache := e.gaps[addresser]
		if cache == nil {
			cache = make(gapCache)
			e.gaps[addresser] = cache
		}
		cache[id] = payload

		var missing []uint64
		for m := recent + 1; m < id; m++ {
			if _, have := cache[m]; !have {
				missing = append(missing, m)
			}
		}
		_ = e.delivery.SendRegular(addresser, marshalAgain(missing))
	}
}

func (e *Engine) commit(addresser meshid.ID, id uint64, payload []byte) {
	if e.OnMessage != nil {
		e.OnMessage(addresser, payload)
	}
	_ = e.store.SetRecentEID(addresser, id)
	_ = e.delivery.SendRegular(addresser, marshalAck(id))
}

// drainGapCache commits any cached envelopes that now form a contiguous
// run starting at recent_eid+1, after a gap-filling envelope commits.
func (e *Engine) drainGapCache(addresser meshid.ID) {
	cache := e.gaps[addresser]
	if cache == nil {
		return
	}
	for {
		recent, err := e.store.RecentEID(addresser)
		if err != nil {
			return
		}
		payload, ok := cache[recent+1]
		if !ok {
			break
		}
		delete(cache, recent+1)
		e.commit(addresser, recent+1, payload)
	}
	if len(cache) == 0 {
		delete(e.gaps, addresser)
	}
}

func (e *Engine) resend(peer meshid.ID, id uint64) {
	if payload, ok, err := e.store.Get(peer, id); err == nil && ok {
		_ = e.transmit(peer, id, payload)
	}
}

// onChannelEstablished reinjects every not-yet-acked envelope for peer,
// in ascending order, making delivery exactly-once across reconnections
// (spec §4.8).
func (e *Engine) onChannelEstablished(peer meshid.ID) {
	var ids []uint64
	payloads := make(map[uint64][]byte)
	_ = e.store.AgainUnacked(peer, func(id uint64, payload []byte) {
		ids = append(ids, id)
		payloads[id] = payload
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		_ = e.transmit(peer, id, payloads[id])
	}
}
