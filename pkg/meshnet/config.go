package meshnet

import (
	"net"
	"time"

	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/metrics"
	"github.com/simeonmiteff/go-meshnet/pkg/transporter"
)

// Config parametrizes one meshnet Engine: the identity and sockets shared
// by C4/C5, plus two optional additions (spec §6) that change which
// components the facade composes.
type Config struct {
	Self meshid.ID

	// ListenAddr is the inbound TCP channel listener (component C5).
	ListenAddr    *net.TCPAddr
	ListenBacklog int
	PacketSize    uint16

	// DiscoveryBindAddr is the local UDP beacon socket (component C4).
	DiscoveryBindAddr   *net.UDPAddr
	DiscoveryTargets    []*net.UDPAddr
	TransmitInterval    time.Duration
	TimestampErrorLimit time.Duration

	// OutboxPath, if non-empty, opens a persistent bbolt-backed outbox and
	// wraps delivery with the reliable overlay (component C7/C8). Empty
	// disables it: Enqueue then falls back to best-effort delivery.
	OutboxPath string

	// Transporter, if non-nil, enables the file-transfer sub-protocol
	// (component C6). Nil disables SendFile/StopFile.
	Transporter *transporter.Config

	// Metrics, if non-nil, is fed engine-level counters from Loop's event
	// callbacks (spec SPEC_FULL.md's DOMAIN STACK metrics addition).
	Metrics *metrics.Collector
}

type configError string

func (e configError) Error() string { return string(e) }

var (
	errNoSelf        = configError("meshnet: Self is required")
	errNoListenAddr  = configError("meshnet: ListenAddr is required")
	errNoTransporter = configError("meshnet: Transporter is not configured")
)

func (c Config) validate() error {
	if c.Self.IsNil() {
		return merr.Wrap(merr.Configuration, "meshnet.Config", errNoSelf)
	}
	if c.ListenAddr == nil {
		return merr.Wrap(merr.Configuration, "meshnet.Config", errNoListenAddr)
	}
	return nil
}
