package delivery

import (
	"net"

	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/mlog"
	"github.com/simeonmiteff/go-meshnet/pkg/netaddr"
	"github.com/simeonmiteff/go-meshnet/pkg/packet"
	"github.com/simeonmiteff/go-meshnet/pkg/poller"
	"github.com/simeonmiteff/go-meshnet/pkg/slab"
)

var errNoWriter = errNoWriterAccount{}

type errNoWriterAccount struct{}

func (errNoWriterAccount) Error() string { return "no writer account for peer" }

// maxPacketsPerQueuePerStep bounds how many packets the writer output
// path serializes from one queue per step (spec §4.5: "up to 10 packets").
const maxPacketsPerQueuePerStep = 10

// sendBudgetFactor bounds one step's total write() budget to 10*P
// bytes (spec §4.5).
const sendBudgetFactor = 10

// ChunkPuller supplies file_chunk payloads for an active outbound
// transfer, round-robin polled by the writer output path (spec §4.5,
// §4.6). pkg/transporter implements this.
type ChunkPuller interface {
	// PullChunk returns the next chunk payload for fileID addressed to
	// peer. ok is false if none is currently available (try again later);
	// done is true if this was the file's final chunk (file_end already
	// queued by the puller) and the queue should be retired.
	PullChunk(peer meshid.ID, fileID meshid.ID) (payload []byte, ok bool, done bool)
}

// PacketSink receives reassembled, fully-typed application payloads
// delivered off the reader input path (spec §4.5 step 3). pkg/transporter
// and pkg/reliable/pkg/meshnet register against this.
type PacketSink interface {
	OnDataReceived(peer meshid.ID, payload []byte)
	OnFilePacket(peer meshid.ID, typ packet.Type, payload []byte)
	OnReaderReady(peer meshid.ID)
}

// Config parametrizes a delivery Engine.
type Config struct {
	Self         meshid.ID
	ListenAddr   *net.TCPAddr
	PacketSize   uint16
	ListenBacklog int
}

// Engine owns the inbound listener, reader accounts and writer accounts,
// and drives them through pkg/poller (spec §4.5, component C5).
type Engine struct {
	cfg Config
	log mlog.Logger

	serverBackend poller.Backend
	clientBackend poller.Backend
	server        *poller.ServerPoller
	client        *poller.ClientPoller
	listener      *net.TCPListener

	readers       *slab.Slab[*ReaderAccount]
	writers       *slab.Slab[*WriterAccount]
	readerByFD    map[net.Conn]slab.Index
	writerByFD    map[net.Conn]slab.Index
	readerByPeer  map[meshid.ID]slab.Index
	writerByPeer  map[meshid.ID]slab.Index
	established   map[meshid.ID]bool

	Sink    PacketSink
	Chunks  ChunkPuller

	OnWriterReady        func(peer meshid.ID)
	OnChannelEstablished func(peer meshid.ID)
	OnChannelClosed      func(peer meshid.ID)
	OnExpireAddresser    func(peer meshid.ID)
	OnError              func(error)
}

// NewEngine binds the inbound listener and constructs both composite
// pollers (spec §4.3's "client poller" / "server poller" split — reader
// accounts live on the server poller, writer accounts on the client
// poller, since the two are always distinct sockets, see DESIGN.md).
func NewEngine(cfg Config, log mlog.Logger) (*Engine, error) {
	if cfg.PacketSize == 0 {
		cfg.PacketSize = packet.DefaultSize
	}
	if cfg.ListenBacklog == 0 {
		cfg.ListenBacklog = 100
	}

	ln, err := listenTCPWithBacklog(cfg.ListenAddr, cfg.ListenBacklog)
	if err != nil {
		return nil, merr.Wrap(merr.Network, "delivery.NewEngine", err)
	}

	serverBackend, err := poller.NewBackend()
	if err != nil {
		_ = ln.Close()
		return nil, merr.Wrap(merr.Internal, "delivery.NewEngine", err)
	}
	clientBackend, err := poller.NewBackend()
	if err != nil {
		_ = ln.Close()
		return nil, merr.Wrap(merr.Internal, "delivery.NewEngine", err)
	}

	e := &Engine{
		cfg:          cfg,
		log:          mlog.OrNoop(log),
		serverBackend: serverBackend,
		clientBackend: clientBackend,
		server:       poller.NewServerPoller(serverBackend),
		client:       poller.NewClientPoller(clientBackend),
		listener:     ln,
		readers:      slab.New[*ReaderAccount](),
		writers:      slab.New[*WriterAccount](),
		readerByFD:   make(map[net.Conn]slab.Index),
		writerByFD:   make(map[net.Conn]slab.Index),
		readerByPeer: make(map[meshid.ID]slab.Index),
		writerByPeer: make(map[meshid.ID]slab.Index),
		established:  make(map[meshid.ID]bool),
	}

	e.server.Listener.OnAccept = e.onAccept
	e.server.Reader.OnReadable = e.onReaderReadable
	e.server.Reader.OnDisconnected = e.onReaderClosed
	e.server.Reader.OnFailure = func(c net.Conn, err error) { e.onReaderClosed(c) }

	e.client.Connecting.OnConnected = e.onWriterConnected
	e.client.Connecting.OnConnectionRefused = e.onWriterFailed
	e.client.Connecting.OnFailure = e.onWriterFailed
	e.client.Writer.OnCanWrite = e.onWriterCanWrite

	if err := e.server.Listener.Watch(ln); err != nil {
		_ = ln.Close()
		return nil, merr.Wrap(merr.Internal, "delivery.NewEngine", err)
	}

	return e, nil
}

// Self returns this engine's own mesh identity.
func (e *Engine) Self() meshid.ID { return e.cfg.Self }

// ListenerAddr returns the bound inbound listener address, including the
// kernel-assigned port when Config.ListenAddr.Port was 0.
func (e *Engine) ListenerAddr() *net.TCPAddr {
	return e.listener.Addr().(*net.TCPAddr)
}

// PeerConns snapshots the connected, outbound writer-account sockets by
// peer, for callers that need the raw net.Conn (e.g. socket-quality
// instrumentation) rather than delivery's own packet-level view of it.
func (e *Engine) PeerConns() map[meshid.ID]net.Conn {
	conns := make(map[meshid.ID]net.Conn, len(e.writerByPeer))
	for peer, idx := range e.writerByPeer {
		w, ok := e.writers.Get(idx)
		if !ok || w.State != WriterConnected {
			continue
		}
		conns[peer] = w.Conn
	}
	return conns
}

// Connected reports whether peer currently has an established channel
// (both a bound reader account and a connected writer account).
func (e *Engine) Connected(peer meshid.ID) bool {
	rIdx, hasReader := e.readerByPeer[peer]
	wIdx, hasWriter := e.writerByPeer[peer]
	if !hasReader || !hasWriter {
		return false
	}
	r, _ := e.readers.Get(rIdx)
	w, _ := e.writers.Get(wIdx)
	return r.State == ReaderBound && w.State == WriterConnected
}

// EnsureFileQueue registers fileID in peer's writer-account round-robin
// chunk queue, so the writer output path starts polling Chunks.PullChunk
// for it on the next Step (spec §4.6: "create an outgoing queue for that
// file_id").
func (e *Engine) EnsureFileQueue(peer meshid.ID, fileID meshid.ID) error {
	idx, ok := e.writerByPeer[peer]
	if !ok {
		return merr.Wrap(merr.Network, "delivery.EnsureFileQueue", errNoWriter)
	}
	w, _ := e.writers.Get(idx)
	w.EnsureFileQueue(fileID)
	return nil
}

// Close releases both pollers and the listener.
func (e *Engine) Close() error {
	_ = e.server.Close()
	_ = e.client.Close()
	return e.listener.Close()
}

// ConnectPeer creates a writer account in the connecting state for a
// newly discovered peer (spec §4.5: "Upon peer_discovered(uuid, addr)
// from C4, a writer is created in connecting state").
func (e *Engine) ConnectPeer(peer meshid.ID, addr netaddr.Addr) error {
	if _, exists := e.writerByPeer[peer]; exists {
		return nil
	}

	conn, err := net.DialTCP("tcp4", nil, addr.TCPAddr())
	if err != nil {
		return merr.Wrap(merr.Network, "delivery.ConnectPeer", err)
	}
	_ = conn.SetNoDelay(true)

	w := &WriterAccount{Peer: peer, Addr: addr, Conn: conn, State: WriterConnecting}
	idx := e.writers.Put(w)
	e.writerByPeer[peer] = idx
	e.writerByFD[conn] = idx

	if err := e.client.Connecting.Watch(conn); err != nil {
		return merr.Wrap(merr.Network, "delivery.ConnectPeer", err)
	}
	return nil
}

// SendRegular enqueues payload as a packet.Regular message to peer's
// writer account, returning merr.Network if no writer account exists
// (spec §4.5's output path is otherwise internal to Step).
func (e *Engine) SendRegular(peer meshid.ID, payload []byte) error {
	return e.SendTyped(peer, packet.Regular, payload)
}

// SendTyped enqueues payload as typ to peer's writer account, for
// non-regular application sub-protocols (e.g. pkg/transporter's file_*
// packet types) that ride over the same writer-account output path.
func (e *Engine) SendTyped(peer meshid.ID, typ packet.Type, payload []byte) error {
	idx, ok := e.writerByPeer[peer]
	if !ok {
		return merr.Wrap(merr.Network, "delivery.SendTyped", errNoWriter)
	}
	w, _ := e.writers.Get(idx)
	w.Enqueue(typ, payload)
	return nil
}

func (e *Engine) onAccept(l *net.TCPListener) {
	conn, err := l.Accept()
	if err != nil {
		if e.OnError != nil {
			e.OnError(merr.Wrap(merr.Network, "delivery.onAccept", err))
		}
		return
	}
	r := &ReaderAccount{Conn: conn, State: ReaderAwaitingHello}
	idx := e.readers.Put(r)
	e.readerByFD[conn] = idx
	if err := e.server.Reader.Watch(conn); err != nil {
		if e.OnError != nil {
			e.OnError(merr.Wrap(merr.Network, "delivery.onAccept", err))
		}
	}
}

func (e *Engine) onWriterConnected(conn net.Conn) {
	idx, ok := e.writerByFD[conn]
	if !ok {
		return
	}
	w, _ := e.writers.Get(idx)
	w.State = WriterConnected
	w.CanWrite = true
	if e.OnWriterReady != nil {
		e.OnWriterReady(w.Peer)
	}
	// Spec §4.5: immediately enqueue a hello packet so the remote side can
	// bind its fresh reader account to our peer UUID.
	w.Enqueue(packet.Hello, e.cfg.Self.Bytes())
	e.maybeChannelEstablished(w.Peer)
}

func (e *Engine) onWriterFailed(conn net.Conn, err error) {
	idx, ok := e.writerByFD[conn]
	if !ok {
		return
	}
	w, _ := e.writers.Get(idx)
	if e.OnError != nil {
		e.OnError(merr.Wrap(merr.Network, "delivery.onWriterFailed", err))
	}
	e.releaseWriter(idx, w.Peer)
}

func (e *Engine) onWriterCanWrite(conn net.Conn) {
	idx, ok := e.writerByFD[conn]
	if !ok {
		return
	}
	w, _ := e.writers.Get(idx)
	w.CanWrite = true
}

func (e *Engine) onReaderClosed(conn net.Conn) {
	idx, ok := e.readerByFD[conn]
	if !ok {
		return
	}
	r, _ := e.readers.Get(idx)
	peer := r.Peer
	delete(e.readerByFD, conn)
	if r.State == ReaderBound {
		delete(e.readerByPeer, peer)
	}
	_ = e.server.Reader.Forget(conn)
	_ = conn.Close()
	e.readers.Remove(idx)

	if r.State == ReaderBound && e.OnExpireAddresser != nil {
		e.OnExpireAddresser(peer)
	}
}

// maybeChannelEstablished fires OnChannelEstablished the first time peer
// has both a bound reader and a connected writer, and never again until
// ReleasePeer clears the established flag (spec §5: "fires exactly once
// per peer"). Without this guard a retransmitted/duplicate hello on an
// already-bound reader would re-enter here and re-fire the callback.
func (e *Engine) maybeChannelEstablished(peer meshid.ID) {
	if peer.IsNil() || e.established[peer] {
		return
	}
	rIdx, hasReader := e.readerByPeer[peer]
	wIdx, hasWriter := e.writerByPeer[peer]
	if !hasReader || !hasWriter {
		return
	}
	r, _ := e.readers.Get(rIdx)
	w, _ := e.writers.Get(wIdx)
	if r.State == ReaderBound && w.State == WriterConnected {
		e.established[peer] = true
		if e.OnChannelEstablished != nil {
			e.OnChannelEstablished(peer)
		}
	}
}

// ReleasePeer removes both reader and writer accounts for peer, firing
// channel_closed exactly once per established channel (spec §4.5
// "Release", spec §5) — never for a peer whose channel never reached
// channel_established in the first place.
func (e *Engine) ReleasePeer(peer meshid.ID) {
	wasEstablished := e.established[peer]
	if idx, ok := e.readerByPeer[peer]; ok {
		r, _ := e.readers.Get(idx)
		_ = e.server.Reader.Forget(r.Conn)
		delete(e.readerByFD, r.Conn)
		delete(e.readerByPeer, peer)
		_ = r.Conn.Close()
		e.readers.Remove(idx)
	}
	if idx, ok := e.writerByPeer[peer]; ok {
		e.releaseWriter(idx, peer)
	}
	delete(e.established, peer)
	if wasEstablished && e.OnChannelClosed != nil {
		e.OnChannelClosed(peer)
	}
}

func (e *Engine) releaseWriter(idx slab.Index, peer meshid.ID) {
	w, ok := e.writers.Get(idx)
	if !ok {
		return
	}
	_ = e.client.Connecting.Forget(w.Conn)
	_ = e.client.Writer.Forget(w.Conn)
	delete(e.writerByFD, w.Conn)
	delete(e.writerByPeer, peer)
	_ = w.Conn.Close()
	e.writers.Remove(idx)
}
