package discovery

import (
	"net"
	"testing"
	"time"

	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/netaddr"
	"gotest.tools/v3/assert"
)

func TestBeaconRoundTripAndCRC(t *testing.T) {
	b := Beacon{
		Sender:            meshid.New(),
		Port:              4242,
		TransmitIntervalS: 5,
		Counter:           7,
		TimestampMS:       time.Now().UnixMilli(),
	}
	raw := b.Marshal()
	assert.Equal(t, len(raw), BeaconSize)

	got, err := Unmarshal(raw)
	assert.NilError(t, err)
	assert.DeepEqual(t, *got, b)

	flipped := append([]byte(nil), raw...)
	flipped[10] ^= 0x01
	_, err = Unmarshal(flipped)
	assert.ErrorIs(t, err, merr.ErrBadBeacon)
}

func newLoopbackEngine(t *testing.T, self meshid.ID, target *net.UDPAddr, transmit time.Duration) *Engine {
	t.Helper()
	eng, err := NewEngine(Config{
		Self:                self,
		BindAddr:            &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
		Targets:             []*net.UDPAddr{target},
		ListenerPort:        9000,
		TransmitInterval:    transmit,
		TimestampErrorLimit: 500 * time.Millisecond,
	}, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestDiscoveryPeerDiscoveredAndIdempotent(t *testing.T) {
	a := newLoopbackEngine(t, meshid.New(), nil, 50*time.Millisecond)
	b := newLoopbackEngine(t, meshid.New(), a.conn.LocalAddr().(*net.UDPAddr), 50*time.Millisecond)
	a.cfg.Targets = []*net.UDPAddr{b.conn.LocalAddr().(*net.UDPAddr)}

	discovered := 0
	a.OnPeerDiscovered = func(meshid.ID, netaddr.Addr, int64) {}
	b.OnPeerDiscovered = func(id meshid.ID, addr netaddr.Addr, timediffMS int64) {
		if id == a.cfg.Self {
			discovered++
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for discovered == 0 && time.Now().Before(deadline) {
		a.Discover(20 * time.Millisecond)
		b.Discover(20 * time.Millisecond)
	}
	assert.Equal(t, discovered, 1)

	// More beacons from the same address must not re-fire discovery.
	for i := 0; i < 5; i++ {
		a.Discover(20 * time.Millisecond)
		b.Discover(20 * time.Millisecond)
	}
	assert.Equal(t, discovered, 1)
}

func TestDiscoverySelfSuppression(t *testing.T) {
	self := meshid.New()
	a := newLoopbackEngine(t, self, nil, 20*time.Millisecond)
	a.cfg.Targets = []*net.UDPAddr{a.conn.LocalAddr().(*net.UDPAddr)}

	fired := false
	a.OnPeerDiscovered = func(id meshid.ID, addr netaddr.Addr, timediffMS int64) {
		if id == self {
			fired = true
		}
	}

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		a.Discover(20 * time.Millisecond)
	}
	assert.Assert(t, !fired)
}
