package outbox

import (
	"path/filepath"
	"testing"

	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"gotest.tools/v3/assert"
)

func TestSaveAssignsMonotonicIDs(t *testing.T) {
	dir := t.TempDir()
	ob, err := Open(filepath.Join(dir, "outbox.db"))
	assert.NilError(t, err)
	defer ob.Close()

	peer := meshid.New()
	e1, err := ob.Save(peer, []byte("one"))
	assert.NilError(t, err)
	e2, err := ob.Save(peer, []byte("two"))
	assert.NilError(t, err)
	assert.Assert(t, e1 < e2)
}

func TestSaveMonotonicAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.db")
	peer := meshid.New()

	ob, err := Open(path)
	assert.NilError(t, err)
	e1, err := ob.Save(peer, []byte("one"))
	assert.NilError(t, err)
	assert.NilError(t, ob.Close())

	ob2, err := Open(path)
	assert.NilError(t, err)
	defer ob2.Close()
	e2, err := ob2.Save(peer, []byte("two"))
	assert.NilError(t, err)

	assert.Assert(t, e1 < e2)
}

func TestAckRemovesFromUnacked(t *testing.T) {
	dir := t.TempDir()
	ob, err := Open(filepath.Join(dir, "outbox.db"))
	assert.NilError(t, err)
	defer ob.Close()

	peer := meshid.New()
	e1, err := ob.Save(peer, []byte("one"))
	assert.NilError(t, err)
	e2, err := ob.Save(peer, []byte("two"))
	assert.NilError(t, err)

	assert.NilError(t, ob.Ack(peer, e1))

	var unacked []uint64
	assert.NilError(t, ob.AgainUnacked(peer, func(id uint64, _ []byte) {
		unacked = append(unacked, id)
	}))
	assert.DeepEqual(t, unacked, []uint64{e2})
}

func TestAgainSinceReturnsOnlyNewer(t *testing.T) {
	dir := t.TempDir()
	ob, err := Open(filepath.Join(dir, "outbox.db"))
	assert.NilError(t, err)
	defer ob.Close()

	peer := meshid.New()
	e1, _ := ob.Save(peer, []byte("one"))
	e2, _ := ob.Save(peer, []byte("two"))
	e3, _ := ob.Save(peer, []byte("three"))
	_ = e1

	var ids []uint64
	assert.NilError(t, ob.AgainSince(peer, e1, func(id uint64, _ []byte) {
		ids = append(ids, id)
	}))
	assert.DeepEqual(t, ids, []uint64{e2, e3})
}

func TestMaintainPurgesAckedOnly(t *testing.T) {
	dir := t.TempDir()
	ob, err := Open(filepath.Join(dir, "outbox.db"))
	assert.NilError(t, err)
	defer ob.Close()

	peer := meshid.New()
	e1, _ := ob.Save(peer, []byte("one"))
	e2, _ := ob.Save(peer, []byte("two"))
	assert.NilError(t, ob.Ack(peer, e1))
	assert.NilError(t, ob.Maintain(peer))

	var unacked []uint64
	assert.NilError(t, ob.AgainUnacked(peer, func(id uint64, _ []byte) {
		unacked = append(unacked, id)
	}))
	assert.DeepEqual(t, unacked, []uint64{e2})
}

func TestRecentEIDRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ob, err := Open(filepath.Join(dir, "outbox.db"))
	assert.NilError(t, err)
	defer ob.Close()

	addresser := meshid.New()
	eid, err := ob.RecentEID(addresser)
	assert.NilError(t, err)
	assert.Equal(t, eid, uint64(0))

	assert.NilError(t, ob.SetRecentEID(addresser, 42))
	eid, err = ob.RecentEID(addresser)
	assert.NilError(t, err)
	assert.Equal(t, eid, uint64(42))
}

func TestSpendPeerRemovesAllState(t *testing.T) {
	dir := t.TempDir()
	ob, err := Open(filepath.Join(dir, "outbox.db"))
	assert.NilError(t, err)
	defer ob.Close()

	peer := meshid.New()
	_, err = ob.Save(peer, []byte("one"))
	assert.NilError(t, err)
	assert.NilError(t, ob.SetRecentEID(peer, 1))

	assert.NilError(t, ob.SpendPeer(peer))

	var unacked []uint64
	assert.NilError(t, ob.AgainUnacked(peer, func(id uint64, _ []byte) {
		unacked = append(unacked, id)
	}))
	assert.Equal(t, len(unacked), 0)

	eid, err := ob.RecentEID(peer)
	assert.NilError(t, err)
	assert.Equal(t, eid, uint64(0))
}
