package transporter

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/simeonmiteff/go-meshnet/pkg/delivery"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/netaddr"
	"github.com/simeonmiteff/go-meshnet/pkg/packet"
	"gotest.tools/v3/assert"
)

// fileSink routes delivery's file_* callback into a transporter Engine,
// standing in for pkg/meshnet's combined sink which does not exist yet
// in this package's tests.
type fileSink struct{ e *Engine }

func (s fileSink) OnDataReceived(meshid.ID, []byte)                        {}
func (s fileSink) OnFilePacket(peer meshid.ID, typ packet.Type, payload []byte) { s.e.HandleFilePacket(peer, typ, payload) }
func (s fileSink) OnReaderReady(meshid.ID)                                  {}

func newPair(t *testing.T) (*delivery.Engine, *Engine, *delivery.Engine, *Engine) {
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

	tA, err := New(Config{DownloadDir: t.TempDir()}, dA)
	assert.NilError(t, err)
	tB, err := New(Config{DownloadDir: t.TempDir()}, dB)
	assert.NilError(t, err)

	dA.Sink = fileSink{tA}
	dB.Sink = fileSink{tB}

	bAddr, ok := netaddr.AddrFromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: dB.ListenerAddr().Port})
	assert.Assert(t, ok)
	aAddr, ok := netaddr.AddrFromUDP(&net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: dA.ListenerAddr().Port})
	assert.Assert(t, ok)
	assert.NilError(t, dA.ConnectPeer(idB, bAddr))
	assert.NilError(t, dB.ConnectPeer(idA, aAddr))

	deadline := time.Now().Add(3 * time.Second)
	for (!dA.Connected(idB) || !dB.Connected(idA)) && time.Now().Before(deadline) {
		_, _ = dA.Step(20 * time.Millisecond)
		_, _ = dB.Step(20 * time.Millisecond)
	}
	assert.Assert(t, dA.Connected(idB))
	assert.Assert(t, dB.Connected(idA))

	return dA, tA, dB, tB
}

func TestFileTransferEndToEnd(t *testing.T) {
	dA, tA, dB, tB := newPair(t)

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "payload.bin")
	content := make([]byte, 5*defaultFileChunkSize+123)
	for i := range content {
		content[i] = byte(i)
	}
	assert.NilError(t, os.WriteFile(srcPath, content, 0o644))

	var completePath string
	tB.OnDownloadComplete = func(_, _ meshid.ID, path string) {
		completePath = path
	}

	_, err := tA.SendFile(dB.Self(), meshid.Nil, srcPath)
	assert.NilError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for completePath == "" && time.Now().Before(deadline) {
		_, _ = dA.Step(10 * time.Millisecond)
		_, _ = dB.Step(10 * time.Millisecond)
	}
	assert.Assert(t, completePath != "")

	got, err := os.ReadFile(completePath)
	assert.NilError(t, err)
	assert.DeepEqual(t, got, content)
}

func TestDisambiguateAppendsSuffix(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("x"), 0o644))

	first := disambiguate(dir, "a.txt")
	assert.Equal(t, filepath.Base(first), "a-(1).txt")

	assert.NilError(t, os.WriteFile(first, []byte("y"), 0o644))
	second := disambiguate(dir, "a.txt")
	assert.Equal(t, filepath.Base(second), "a-(2).txt")
}

func TestSendFileRejectsOversizedFile(t *testing.T) {
	_, tA, _, _ := newPair(t)
	tA.cfg.MaxFileSize = 10

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "big.bin")
	assert.NilError(t, os.WriteFile(srcPath, make([]byte, 100), 0o644))

	_, err := tA.SendFile(meshid.New(), meshid.Nil, srcPath)
	assert.ErrorContains(t, err, "max_file_size")
}
