package delivery

import (
	"net"
	"testing"
	"time"

	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/netaddr"
	"github.com/simeonmiteff/go-meshnet/pkg/packet"
	"gotest.tools/v3/assert"
)

type recordingSink struct {
	data  [][]byte
	ready []meshid.ID
}

func (s *recordingSink) OnDataReceived(_ meshid.ID, payload []byte) {
	s.data = append(s.data, payload)
}
func (s *recordingSink) OnFilePacket(meshid.ID, packet.Type, []byte) {}
func (s *recordingSink) OnReaderReady(peer meshid.ID)                { s.ready = append(s.ready, peer) }

func newTestEngine(t *testing.T, self meshid.ID) (*Engine, *recordingSink) {
	t.Helper()
	eng, err := NewEngine(Config{
		Self:       self,
		ListenAddr: &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
		PacketSize: packet.DefaultSize,
	}, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = eng.Close() })

	sink := &recordingSink{}
	eng.Sink = sink
	return eng, sink
}

func TestChannelEstablishmentAndDataDelivery(t *testing.T) {
	idA := meshid.New()
	idB := meshid.New()
	a, sinkA := newTestEngine(t, idA)
	b, sinkB := newTestEngine(t, idB)

	var established []meshid.ID
	a.OnChannelEstablished = func(p meshid.ID) { established = append(established, p) }
	b.OnChannelEstablished = func(p meshid.ID) { established = append(established, p) }

	bAddr, ok := netaddr.AddrFromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.listener.Addr().(*net.TCPAddr).Port})
	assert.Assert(t, ok)
	aAddr, ok := netaddr.AddrFromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: a.listener.Addr().(*net.TCPAddr).Port})
	assert.Assert(t, ok)

	assert.NilError(t, a.ConnectPeer(idB, bAddr))
	assert.NilError(t, b.ConnectPeer(idA, aAddr))

	deadline := time.Now().Add(3 * time.Second)
	for len(established) < 2 && time.Now().Before(deadline) {
		_, _ = a.Step(20 * time.Millisecond)
		_, _ = b.Step(20 * time.Millisecond)
	}
	assert.Equal(t, len(established), 2)
	assert.Equal(t, len(sinkA.ready), 1)
	assert.Equal(t, len(sinkB.ready), 1)

	// A sends to B over its writer account.
	wIdx, ok := a.writerByPeer[idB]
	assert.Assert(t, ok)
	w, _ := a.writers.Get(wIdx)
	w.Enqueue(packet.Regular, []byte("hello from A"))

	for len(sinkB.data) == 0 && time.Now().Before(deadline) {
		_, _ = a.Step(20 * time.Millisecond)
		_, _ = b.Step(20 * time.Millisecond)
	}
	assert.Equal(t, len(sinkB.data), 1)
	assert.Equal(t, string(sinkB.data[0]), "hello from A")
}

func TestDuplicateHelloDoesNotRefireChannelEstablished(t *testing.T) {
	idA := meshid.New()
	idB := meshid.New()
	a, _ := newTestEngine(t, idA)
	b, _ := newTestEngine(t, idB)

	var established []meshid.ID
	a.OnChannelEstablished = func(p meshid.ID) { established = append(established, p) }
	b.OnChannelEstablished = func(p meshid.ID) { established = append(established, p) }

	bAddr, ok := netaddr.AddrFromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: b.listener.Addr().(*net.TCPAddr).Port})
	assert.Assert(t, ok)
	aAddr, ok := netaddr.AddrFromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: a.listener.Addr().(*net.TCPAddr).Port})
	assert.Assert(t, ok)

	assert.NilError(t, a.ConnectPeer(idB, bAddr))
	assert.NilError(t, b.ConnectPeer(idA, aAddr))

	deadline := time.Now().Add(3 * time.Second)
	for len(established) < 2 && time.Now().Before(deadline) {
		_, _ = a.Step(20 * time.Millisecond)
		_, _ = b.Step(20 * time.Millisecond)
	}
	assert.Equal(t, len(established), 2)

	// A retransmitted/duplicate hello for an already-bound reader must
	// not re-fire channel_established.
	rIdx, ok := b.readerByPeer[idA]
	assert.Assert(t, ok)
	b.bindReader(rIdx, idA.Bytes())
	assert.Equal(t, len(established), 2)
}
