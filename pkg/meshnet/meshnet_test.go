package meshnet

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/transporter"
	"gotest.tools/v3/assert"
)

// recorder is a test EventHandler: it embeds NoopHandler so it only needs
// to override the callbacks each test actually asserts on.
type recorder struct {
	NoopHandler

	mu          sync.Mutex
	established map[meshid.ID]bool
	received    [][]byte
	complete    []string
	failures    []error
}

func newRecorder() *recorder {
	return &recorder{established: make(map[meshid.ID]bool)}
}

func (r *recorder) ChannelEstablished(peer meshid.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.established[peer] = true
}

func (r *recorder) DataReceived(_ meshid.ID, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received = append(r.received, append([]byte(nil), payload...))
}

func (r *recorder) DownloadComplete(_ meshid.ID, _ meshid.ID, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.complete = append(r.complete, path)
}

func (r *recorder) OnFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recorder) hasEstablished(peer meshid.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.established[peer]
}

func (r *recorder) receivedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.received)
}

func (r *recorder) completeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.complete)
}

func baseConfig(self meshid.ID) Config {
	return Config{
		Self:                self,
		ListenAddr:          &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
		DiscoveryBindAddr:   &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0},
		TransmitInterval:    20 * time.Millisecond,
		TimestampErrorLimit: 500 * time.Millisecond,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Assert(t, cond(), "condition never became true")
}

// TestLoopbackChannelAndMessage covers spec §8 scenario 1: two loopback
// nodes discover each other, establish a channel, and exchange one
// reliable message in order.
func TestLoopbackChannelAndMessage(t *testing.T) {
	idA, idB := meshid.New(), meshid.New()
	hA, hB := newRecorder(), newRecorder()

	cfgA := baseConfig(idA)
	cfgA.OutboxPath = filepath.Join(t.TempDir(), "a.db")
	a, err := New(cfgA, hA, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	cfgB := baseConfig(idB)
	cfgB.OutboxPath = filepath.Join(t.TempDir(), "b.db")
	b, err := New(cfgB, hB, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	a.AddDiscoveryTarget(b.DiscoveryAddr())
	b.AddDiscoveryTarget(a.DiscoveryAddr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Loop(ctx) }()
	go func() { _ = b.Loop(ctx) }()

	waitFor(t, func() bool { return hA.hasEstablished(idB) && hB.hasEstablished(idA) })

	_, err = a.Enqueue(idB, []byte("WORLD"))
	assert.NilError(t, err)

	waitFor(t, func() bool { return hB.receivedCount() == 1 })
}

// TestLoopbackFileTransfer covers spec §8 scenario 3: a whole file sent
// over the file-transfer sub-protocol arrives byte-for-byte intact.
func TestLoopbackFileTransfer(t *testing.T) {
	idA, idB := meshid.New(), meshid.New()
	hA, hB := newRecorder(), newRecorder()

	cfgA := baseConfig(idA)
	cfgA.Transporter = &transporter.Config{DownloadDir: t.TempDir()}
	a, err := New(cfgA, hA, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	downloadDir := t.TempDir()
	cfgB := baseConfig(idB)
	cfgB.Transporter = &transporter.Config{DownloadDir: downloadDir}
	b, err := New(cfgB, hB, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	a.AddDiscoveryTarget(b.DiscoveryAddr())
	b.AddDiscoveryTarget(a.DiscoveryAddr())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Loop(ctx) }()
	go func() { _ = b.Loop(ctx) }()

	waitFor(t, func() bool { return hA.hasEstablished(idB) && hB.hasEstablished(idA) })

	srcPath := filepath.Join(t.TempDir(), "payload.bin")
	content := make([]byte, 40*1024+7)
	for i := range content {
		content[i] = byte(i % 251)
	}
	assert.NilError(t, os.WriteFile(srcPath, content, 0o644))

	_, err = a.SendFile(idB, meshid.Nil, srcPath)
	assert.NilError(t, err)

	waitFor(t, func() bool { return hB.completeCount() == 1 })

	got, err := os.ReadFile(filepath.Join(downloadDir, idA.String(), "payload.bin"))
	assert.NilError(t, err)
	assert.DeepEqual(t, got, content)
}
