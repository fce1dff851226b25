// Package outbox implements the persistent per-addressee delivery queue
// the reliable-delivery overlay rides on top of (spec §4.7): monotonic
// envelope IDs, atomic envelope+marker writes, and durable recent-id
// bookkeeping per remote addresser. It speaks the abstract key→value
// interface spec §6 names rather than a SQL engine, backed by
// go.etcd.io/bbolt, the embedded KV store that the rest of the retrieval
// pack reaches for when it needs exactly this shape of durable state
// (nspcc-dev-neo-go's chain store, referenced by ethereum-go-ethereum's
// manifest).
package outbox

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"go.etcd.io/bbolt"

	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
)

var (
	envelopesBucket = []byte("envelopes")       // envelopes/<addressee> sub-buckets
	recentBucket    = []byte("recent_eids")      // addresser_uuid -> recent_eid
	lastIDBucket    = []byte("last_envelope_id") // addressee_uuid -> last assigned envelope_id
)

// Envelope is one persisted outbound message (spec §4.7).
type Envelope struct {
	ID      uint64
	Payload []byte
	Acked   bool
}

// Outbox is a bbolt-backed persistent queue, one process-wide instance
// shared by every peer's reliable-delivery overlay.
type Outbox struct {
	db *bbolt.DB
}

// Open creates or opens the outbox database at path, creating its
// top-level buckets if absent.
func Open(path string) (*Outbox, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, merr.Wrap(merr.Storage, "outbox.Open", err)
		}
	}

	db, err := bbolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, merr.Wrap(merr.Storage, "outbox.Open", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(envelopesBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(recentBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(lastIDBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, merr.Wrap(merr.Storage, "outbox.Open", err)
	}

	return &Outbox{db: db}, nil
}

// Close closes the underlying database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

func envelopeKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

// MeetPeer opens durable state for peer if it does not already exist
// (spec §4.7 "meet_peer"); subsequent Save calls for this addressee are
// otherwise self-sufficient, so this is provided mainly for symmetry with
// SpendPeer and to let callers pre-warm a peer's bucket.
func (o *Outbox) MeetPeer(peer meshid.ID) error {
	err := o.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.Bucket(envelopesBucket).CreateBucketIfNotExists(peer.Bytes())
		return err
	})
	return merr.Wrap(merr.Storage, "outbox.MeetPeer", err)
}

// SpendPeer deletes peer's stored envelopes and its recent-eid marker
// (spec §4.7 "spend_peer"). The last envelope ID assigned to peer is kept,
// so a later Save for peer continues from it.
func (o *Outbox) SpendPeer(peer meshid.ID) error {
	err := o.db.Update(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(envelopesBucket); b.Bucket(peer.Bytes()) != nil {
			if err := b.DeleteBucket(peer.Bytes()); err != nil {
				return err
			}
		}
		return tx.Bucket(recentBucket).Delete(peer.Bytes())
	})
	return merr.Wrap(merr.Storage, "outbox.SpendPeer", err)
}

// Save allocates the next monotonic envelope ID for addressee and
// persists the envelope and the updated "last assigned" marker inside one
// transaction (spec §4.7: "save writes envelope row and recent-id marker
// inside one transaction").
func (o *Outbox) Save(addressee meshid.ID, payload []byte) (uint64, error) {
	var id uint64
	err := o.db.Update(func(tx *bbolt.Tx) error {
		peers, err := tx.Bucket(envelopesBucket).CreateBucketIfNotExists(addressee.Bytes())
		if err != nil {
			return err
		}

		last := tx.Bucket(lastIDBucket)
		if v := last.Get(addressee.Bytes()); v != nil {
			id = binary.BigEndian.Uint64(v) + 1
		} else {
			id = 1
		}

		if err := last.Put(addressee.Bytes(), envelopeKey(id)); err != nil {
			return err
		}
		return peers.Put(envelopeKey(id), marshalEnvelope(Envelope{ID: id, Payload: payload, Acked: false}))
	})
	if err != nil {
		return 0, merr.Wrap(merr.Storage, "outbox.Save", err)
	}
	return id, nil
}

// Get fetches one persisted envelope's payload by ID, for the
// reliable overlay's "resend persisted envelope e immediately" path
// (spec §4.8).
func (o *Outbox) Get(addressee meshid.ID, id uint64) ([]byte, bool, error) {
	var payload []byte
	var ok bool
	err := o.db.View(func(tx *bbolt.Tx) error {
		peers := tx.Bucket(envelopesBucket).Bucket(addressee.Bytes())
		if peers == nil {
			return nil
		}
		v := peers.Get(envelopeKey(id))
		if v == nil {
			return nil
		}
		env := unmarshalEnvelope(v)
		payload = env.Payload
		ok = true
		return nil
	})
	return payload, ok, merr.Wrap(merr.Storage, "outbox.Get", err)
}

// Ack marks envelope id acknowledged for addressee.
func (o *Outbox) Ack(addressee meshid.ID, id uint64) error {
	return o.setAcked(addressee, id, true)
}

// Nack has the same durable effect as Ack (spec §4.7: the remote already
// processed a duplicate, so there is nothing left to resend).
func (o *Outbox) Nack(addressee meshid.ID, id uint64) error {
	return o.setAcked(addressee, id, true)
}

func (o *Outbox) setAcked(addressee meshid.ID, id uint64, acked bool) error {
	err := o.db.Update(func(tx *bbolt.Tx) error {
		peers := tx.Bucket(envelopesBucket).Bucket(addressee.Bytes())
		if peers == nil {
			return nil
		}
		v := peers.Get(envelopeKey(id))
		if v == nil {
			return nil
		}
		env := unmarshalEnvelope(v)
		env.Acked = acked
		return peers.Put(envelopeKey(id), marshalEnvelope(env))
	})
	return merr.Wrap(merr.Storage, "outbox.setAcked", err)
}

// AgainSince iterates persisted envelopes for addressee with ID > eid, in
// ascending order (spec §4.7 "again(eid, addressee, f)").
func (o *Outbox) AgainSince(addressee meshid.ID, eid uint64, f func(id uint64, payload []byte)) error {
	err := o.db.View(func(tx *bbolt.Tx) error {
		peers := tx.Bucket(envelopesBucket).Bucket(addressee.Bytes())
		if peers == nil {
			return nil
		}
		c := peers.Cursor()
		for k, v := c.Seek(envelopeKey(eid + 1)); k != nil; k, v = c.Next() {
			env := unmarshalEnvelope(v)
			f(env.ID, env.Payload)
		}
		return nil
	})
	return merr.Wrap(merr.Storage, "outbox.AgainSince", err)
}

// AgainUnacked iterates every unacked envelope for addressee, in
// ascending order (spec §4.7 "again(addressee, f)") — used on channel
// (re-)establishment to reinject everything the peer never acknowledged.
func (o *Outbox) AgainUnacked(addressee meshid.ID, f func(id uint64, payload []byte)) error {
	err := o.db.View(func(tx *bbolt.Tx) error {
		peers := tx.Bucket(envelopesBucket).Bucket(addressee.Bytes())
		if peers == nil {
			return nil
		}
		return peers.ForEach(func(_, v []byte) error {
			env := unmarshalEnvelope(v)
			if !env.Acked {
				f(env.ID, env.Payload)
			}
			return nil
		})
	})
	return merr.Wrap(merr.Storage, "outbox.AgainUnacked", err)
}

// SetRecentEID durably records the last committed incoming envelope ID
// from addresser (spec §4.7).
func (o *Outbox) SetRecentEID(addresser meshid.ID, eid uint64) error {
	err := o.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(recentBucket).Put(addresser.Bytes(), envelopeKey(eid))
	})
	return merr.Wrap(merr.Storage, "outbox.SetRecentEID", err)
}

// RecentEID returns the last committed incoming envelope ID from
// addresser, or 0 if none has been recorded.
func (o *Outbox) RecentEID(addresser meshid.ID) (uint64, error) {
	var eid uint64
	err := o.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(recentBucket).Get(addresser.Bytes())
		if v != nil {
			eid = binary.BigEndian.Uint64(v)
		}
		return nil
	})
	return eid, merr.Wrap(merr.Storage, "outbox.RecentEID", err)
}

// Maintain purges every ack-marked row for peer (spec §4.7 "maintain").
func (o *Outbox) Maintain(peer meshid.ID) error {
	err := o.db.Update(func(tx *bbolt.Tx) error {
		peers := tx.Bucket(envelopesBucket).Bucket(peer.Bytes())
		if peers == nil {
			return nil
		}
		var stale [][]byte
		err := peers.ForEach(func(k, v []byte) error {
			if unmarshalEnvelope(v).Acked {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := peers.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return merr.Wrap(merr.Storage, "outbox.Maintain", err)
}

func marshalEnvelope(e Envelope) []byte {
	b := make([]byte, 9+len(e.Payload))
	binary.BigEndian.PutUint64(b, e.ID)
	if e.Acked {
		b[8] = 1
	}
	copy(b[9:], e.Payload)
	return b
}

func unmarshalEnvelope(b []byte) Envelope {
	payload := make([]byte, len(b)-9)
	copy(payload, b[9:])
	return Envelope{
		ID:      binary.BigEndian.Uint64(b),
		Acked:   b[8] == 1,
		Payload: payload,
	}
}
