package reliable

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/simeonmiteff/go-meshnet/pkg/delivery"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/netaddr"
	"github.com/simeonmiteff/go-meshnet/pkg/outbox"
	"github.com/simeonmiteff/go-meshnet/pkg/packet"
	"gotest.tools/v3/assert"
)

func newPair(t *testing.T) (*Engine, meshid.ID, *Engine, meshid.ID) {
	t.Helper()
	idA := meshid.New()
	idB := meshid.New()

	dA, err := delivery.NewEngine(delivery.Config{
		Self:       idA,
		ListenAddr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
		PacketSize: packet.DefaultSize,
	}, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = dA.Close() })

	dB, err := delivery.NewEngine(delivery.Config{
		Self:       idB,
		ListenAddr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
		PacketSize: packet.DefaultSize,
	}, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = dB.Close() })

	obA, err := outbox.Open(filepath.Join(t.TempDir(), "a.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { _ = obA.Close() })
	obB, err := outbox.Open(filepath.Join(t.TempDir(), "b.db"))
	assert.NilError(t, err)
	t.Cleanup(func() { _ = obB.Close() })

	rA := New(dA, obA)
	rB := New(dB, obB)
	wire(dA, rA)
	wire(dB, rB)

	return rA, idA, rB, idB
}

// wire stands in for pkg/meshnet's combined-sink composition, which does
// not exist in this package's own tests.
func wire(d *delivery.Engine, r *Engine) {
	d.Sink = reliableSink{r}
	d.OnChannelEstablished = r.HandleChannelEstablished
}

type reliableSink struct{ e *Engine }

func (s reliableSink) OnDataReceived(peer meshid.ID, payload []byte) { s.e.HandleDataReceived(peer, payload) }
func (s reliableSink) OnFilePacket(meshid.ID, packet.Type, []byte)   {}
func (s reliableSink) OnReaderReady(meshid.ID)                        {}

func connect(t *testing.T, dA, dB *delivery.Engine) {
	t.Helper()
	bAddr, ok := netaddr.AddrFromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: dB.ListenerAddr().Port})
	assert.Assert(t, ok)
	aAddr, ok := netaddr.AddrFromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: dA.ListenerAddr().Port})
	assert.Assert(t, ok)

	assert.NilError(t, dA.ConnectPeer(dB.Self(), bAddr))
	assert.NilError(t, dB.ConnectPeer(dA.Self(), aAddr))
}

func pump(t *testing.T, dA, dB *delivery.Engine, until func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !until() && time.Now().Before(deadline) {
		_, _ = dA.Step(20 * time.Millisecond)
		_, _ = dB.Step(20 * time.Millisecond)
	}
	assert.Assert(t, until())
}

func TestSendReliableDeliversInOrder(t *testing.T) {
	rA, _, rB, idB := newPair(t)
	dA := rA.delivery
	dB := rB.delivery

	var received [][]byte
	rB.OnMessage = func(_ meshid.ID, payload []byte) { received = append(received, payload) }

	connect(t, dA, dB)
	pump(t, dA, dB, func() bool { return dA.Connected(idB) })

	_, err := rA.Send(idB, []byte("first"))
	assert.NilError(t, err)
	_, err = rA.Send(idB, []byte("second"))
	assert.NilError(t, err)

	pump(t, dA, dB, func() bool { return len(received) == 2 })
	assert.DeepEqual(t, received[0], []byte("first"))
	assert.DeepEqual(t, received[1], []byte("second"))
}

func TestOutOfOrderEnvelopeCachesAndDrainsOnGapFill(t *testing.T) {
	rA, idA, rB, _ := newPair(t)

	var received [][]byte
	rB.OnMessage = func(_ meshid.ID, payload []byte) { received = append(received, payload) }

	// Directly exercise the receive state machine without a live socket:
	// feed envelope 2 before envelope 1 arrives.
	rB.commitOrCache(idA, 2, []byte("two"))
	assert.Equal(t, len(received), 0)
	_, cached := rB.gaps[idA][2]
	assert.Assert(t, cached)

	rB.commitOrCache(idA, 1, []byte("one"))
	assert.DeepEqual(t, received, [][]byte{[]byte("one"), []byte("two")})
	_, stillCached := rB.gaps[idA][2]
	assert.Assert(t, !stillCached)
}

func TestDuplicateEnvelopeIsNotRedelivered(t *testing.T) {
	rA, idA, rB, _ := newPair(t)

	var received [][]byte
	rB.OnMessage = func(_ meshid.ID, payload []byte) { received = append(received, payload) }

	rB.commitOrCache(idA, 1, []byte("one"))
	rB.commitOrCache(idA, 1, []byte("one-again"))

	assert.Equal(t, len(received), 1)
}
