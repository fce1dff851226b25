// Package meshnet composes C4 (discovery), C5 (delivery), C7/C8 (outbox +
// reliable overlay) and C6 (file transporter) into the single engine
// facade spec §4.9 and §6 describe, and drives them through one
// cooperative Loop.
package meshnet

import (
	"context"
	"net"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/simeonmiteff/go-meshnet/pkg/delivery"
	"github.com/simeonmiteff/go-meshnet/pkg/discovery"
	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/mlog"
	"github.com/simeonmiteff/go-meshnet/pkg/netaddr"
	"github.com/simeonmiteff/go-meshnet/pkg/outbox"
	"github.com/simeonmiteff/go-meshnet/pkg/packet"
	"github.com/simeonmiteff/go-meshnet/pkg/reliable"
	"github.com/simeonmiteff/go-meshnet/pkg/transporter"
)

const (
	maxPollInterval = 10 * time.Millisecond
	pollStep        = 1 * time.Millisecond
	dysfunctionSleep = 50 * time.Millisecond
)

// Engine is the single entry point an application holds: one per mesh
// node. All of its methods (including Loop) must be called from the same
// goroutine (spec §5: single-threaded cooperative scheduling).
type Engine struct {
	cfg     Config
	log     mlog.Logger
	handler EventHandler

	discovery   *discovery.Engine
	delivery    *delivery.Engine
	outbox      *outbox.Outbox
	reliable    *reliable.Engine
	transporter *transporter.Engine

	pendingExpirations []meshid.ID
	pollInterval       time.Duration
	dysfunctional      atomic.Bool
}

// New validates cfg, binds the discovery and delivery sockets, optionally
// opens the persistent outbox and file transporter, and wires every
// callback into handler (spec §6).
func New(cfg Config, handler EventHandler, log mlog.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		handler = NoopHandler{}
	}
	log = mlog.OrNoop(log)

	d, err := delivery.NewEngine(delivery.Config{
		Self:          cfg.Self,
		ListenAddr:    cfg.ListenAddr,
		PacketSize:    cfg.PacketSize,
		ListenBacklog: cfg.ListenBacklog,
	}, log)
	if err != nil {
		return nil, err
	}

	disc, err := discovery.NewEngine(discovery.Config{
		Self:                cfg.Self,
		BindAddr:            cfg.DiscoveryBindAddr,
		Targets:             cfg.DiscoveryTargets,
		ListenerPort:        uint16(d.ListenerAddr().Port),
		TransmitInterval:    cfg.TransmitInterval,
		TimestampErrorLimit: cfg.TimestampErrorLimit,
	}, log)
	if err != nil {
		_ = d.Close()
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      log,
		handler:  handler,
		discovery: disc,
		delivery: d,
	}

	if cfg.OutboxPath != "" {
		ob, err := outbox.Open(filepath.Clean(cfg.OutboxPath))
		if err != nil {
			_ = d.Close()
			_ = disc.Close()
			return nil, err
		}
		e.outbox = ob
		e.reliable = reliable.New(d, ob)
		e.reliable.OnMessage = func(peer meshid.ID, payload []byte) {
			if cfg.Metrics != nil {
				cfg.Metrics.IncMessageReceived()
			}
			handler.DataReceived(peer, payload)
		}
	}

	if cfg.Transporter != nil {
		t, err := transporter.New(*cfg.Transporter, d)
		if err != nil {
			_ = d.Close()
			_ = disc.Close()
			if e.outbox != nil {
				_ = e.outbox.Close()
			}
			return nil, err
		}
		e.transporter = t
		t.OnDownloadProgress = handler.DownloadProgress
		t.OnDownloadComplete = func(addresser, fileID meshid.ID, path string) {
			if cfg.Metrics != nil {
				cfg.Metrics.IncDownloadComplete()
			}
			handler.DownloadComplete(addresser, fileID, path)
		}
		t.OnDownloadInterrupted = func(addresser, fileID meshid.ID) {
			if cfg.Metrics != nil {
				cfg.Metrics.IncDownloadInterrupted()
			}
			handler.DownloadInterrupted(addresser, fileID)
		}
		t.OnFailure = func(err error) { e.handler.OnFailure(err) }
	}

	if cfg.Metrics != nil {
		cfg.Metrics.TrackPeerConns(e.PeerConns)
	}

	e.wire()
	return e, nil
}

// wire composes C5's single-valued Sink/callback fields across the
// optional C7/C8 and C6 additions (spec §4.9's data flow diagram), since
// neither pkg/reliable nor pkg/transporter may assume it owns them alone.
func (e *Engine) wire() {
	e.delivery.Sink = combinedSink{e}
	e.delivery.OnWriterReady = e.handler.WriterReady
	e.delivery.OnChannelEstablished = func(peer meshid.ID) {
		if e.reliable != nil {
			e.reliable.HandleChannelEstablished(peer)
		}
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.IncChannelEstablished()
		}
		e.handler.ChannelEstablished(peer)
	}
	e.delivery.OnChannelClosed = func(peer meshid.ID) {
		if e.cfg.Metrics != nil {
			e.cfg.Metrics.IncChannelClosed()
		}
		e.handler.ChannelClosed(peer)
	}
	e.delivery.OnExpireAddresser = func(peer meshid.ID) {
		if e.transporter != nil {
			e.transporter.HandleExpireAddresser(peer)
		}
	}
	e.delivery.OnError = e.onDeliveryError

	e.discovery.OnPeerDiscovered = func(peer meshid.ID, addr netaddr.Addr, timediffMS int64) {
		e.handler.PeerDiscovered(peer, addr, timediffMS)
		if err := e.delivery.ConnectPeer(peer, addr); err != nil {
			e.handler.OnFailure(err)
		}
	}
	// Deferred: discovery's expiration sweep iterates e.discovery's own
	// peer map, not delivery's reader/writer maps, but releasing peers
	// synchronously from inside this callback still risks the caller
	// re-entering discovery mid-sweep via ConnectPeer's side effects on a
	// future rediscovery. Queue it; Loop flushes the queue first thing
	// next tick (spec §5's "defere_expire_peer" rationale).
	e.discovery.OnPeerExpired = func(peer meshid.ID, addr netaddr.Addr) {
		e.pendingExpirations = append(e.pendingExpirations, peer)
		e.handler.PeerExpired(peer, addr)
	}
	e.discovery.OnPeerTimeDiff = e.handler.PeerTimeDiff
	e.discovery.OnError = func(err error) { e.handler.OnFailure(err) }
}

type combinedSink struct{ e *Engine }

func (s combinedSink) OnDataReceived(peer meshid.ID, payload []byte) {
	if m := s.e.cfg.Metrics; m != nil {
		m.AddBytesReceived(len(payload))
	}
	if s.e.reliable != nil {
		s.e.reliable.HandleDataReceived(peer, payload)
		return
	}
	if m := s.e.cfg.Metrics; m != nil {
		m.IncMessageReceived()
	}
	s.e.handler.DataReceived(peer, payload)
}

func (s combinedSink) OnFilePacket(peer meshid.ID, typ packet.Type, payload []byte) {
	if s.e.transporter != nil {
		s.e.transporter.HandleFilePacket(peer, typ, payload)
	}
}

func (s combinedSink) OnReaderReady(peer meshid.ID) { s.e.handler.ReaderReady(peer) }

func (e *Engine) onDeliveryError(err error) {
	if merr.Is(err, merr.Internal) {
		if e.dysfunctional.CompareAndSwap(false, true) {
			e.handler.OnFailure(err)
		}
		return
	}
	e.log.Warnf("meshnet: delivery error: %v", err)
}

// Loop runs one engine tick per iteration until ctx is done: flush
// deferred peer expirations, poll discovery for up to the adaptive
// interval, step delivery non-blockingly, step the transporter, then grow
// or reset the poll interval depending on whether anything happened
// (spec §4.9).
func (e *Engine) Loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if e.dysfunctional.Load() {
			time.Sleep(dysfunctionSleep)
			continue
		}

		e.flushPendingExpirations()

		events := e.discovery.Discover(e.pollInterval)
		n, err := e.delivery.Step(0)
		events += n
		if err != nil {
			e.onDeliveryError(err)
		}
		if e.transporter != nil {
			e.transporter.Step()
		}

		if events == 0 {
			e.pollInterval += pollStep
			if e.pollInterval > maxPollInterval {
				e.pollInterval = maxPollInterval
			}
		} else {
			e.pollInterval = 0
		}
	}
}

func (e *Engine) flushPendingExpirations() {
	if len(e.pendingExpirations) == 0 {
		return
	}
	pending := e.pendingExpirations
	e.pendingExpirations = nil
	for _, peer := range pending {
		e.delivery.ReleasePeer(peer)
	}
}

// Enqueue sends payload to peer, returning the assigned envelope ID when
// the reliable overlay is enabled (spec §6's enqueue(peer_uuid, bytes) →
// envelope_id), or 0 with best-effort delivery otherwise.
func (e *Engine) Enqueue(peer meshid.ID, payload []byte) (uint64, error) {
	if e.cfg.Metrics != nil {
		e.cfg.Metrics.AddBytesSent(len(payload))
	}
	if e.reliable != nil {
		return e.reliable.Send(peer, payload)
	}
	return 0, e.delivery.SendRegular(peer, payload)
}

// SendFile initiates a file transfer to peer (spec §6's send_file).
func (e *Engine) SendFile(peer meshid.ID, fileID meshid.ID, path string) (meshid.ID, error) {
	if e.transporter == nil {
		return meshid.Nil, merr.Wrap(merr.Configuration, "meshnet.SendFile", errNoTransporter)
	}
	return e.transporter.SendFile(peer, fileID, path)
}

// StopFile cancels an in-flight transfer (spec §6's stop_file).
func (e *Engine) StopFile(peer meshid.ID, fileID meshid.ID) error {
	if e.transporter == nil {
		return merr.Wrap(merr.Configuration, "meshnet.StopFile", errNoTransporter)
	}
	return e.transporter.StopFile(peer, fileID)
}

// ReleasePeer explicitly tears down a peer's channel (spec §6's
// release_peer).
func (e *Engine) ReleasePeer(peer meshid.ID) { e.delivery.ReleasePeer(peer) }

// Self returns this engine's own mesh identity.
func (e *Engine) Self() meshid.ID { return e.cfg.Self }

// DiscoveryAddr returns the bound UDP beacon socket address, including the
// kernel-assigned port when Config.DiscoveryBindAddr.Port was 0.
func (e *Engine) DiscoveryAddr() *net.UDPAddr { return e.discovery.LocalAddr() }

// PeerCount returns the number of currently credentialed peers, suitable
// as the peerCount callback passed to metrics.NewCollector.
func (e *Engine) PeerCount() int { return len(e.discovery.Peers()) }

// AddDiscoveryTarget appends a beacon destination at runtime.
func (e *Engine) AddDiscoveryTarget(addr *net.UDPAddr) { e.discovery.AddTarget(addr) }

// PeerConns snapshots the live outbound sockets by peer, suitable as the
// connGetter callback passed to metrics.Collector.TrackPeerConns.
func (e *Engine) PeerConns() map[meshid.ID]net.Conn { return e.delivery.PeerConns() }

// Close releases every underlying socket and the outbox, if any.
func (e *Engine) Close() error {
	var first error
	if err := e.delivery.Close(); err != nil && first == nil {
		first = err
	}
	if err := e.discovery.Close(); err != nil && first == nil {
		first = err
	}
	if e.outbox != nil {
		if err := e.outbox.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
