package discovery

import (
	"net"
	"time"

	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/mlog"
	"github.com/simeonmiteff/go-meshnet/pkg/netaddr"
)

const (
	minExpirationInterval  = 5 * time.Second
	expirationIntervalFactor = 5
	maxTransmitInterval    = 60 * time.Second
)

// Credentials is the live record the engine keeps for one discovered peer
// (spec §3, §4.4).
type Credentials struct {
	ID                 meshid.ID
	Addr               netaddr.Addr
	TimeDiffMS         int64
	TransmitInterval   time.Duration
	ExpirationDeadline time.Time
}

// Config parametrizes one discovery Engine (spec §6).
type Config struct {
	Self meshid.ID

	// BindAddr is the local UDP socket address.
	BindAddr *net.UDPAddr
	// Targets are the destinations beacons are sent to: one or more
	// unicast peers, a multicast group, or a broadcast address.
	Targets []*net.UDPAddr
	// ListenerPort is the local TCP channel listener port advertised in
	// outgoing beacons.
	ListenerPort uint16

	TransmitInterval    time.Duration
	TimestampErrorLimit time.Duration
}

func (c Config) validate() error {
	if c.BindAddr == nil {
		return merr.Wrap(merr.Configuration, "discovery.Config", errNoBindAddr)
	}
	if c.TransmitInterval <= 0 || c.TransmitInterval > maxTransmitInterval {
		return merr.Wrap(merr.Configuration, "discovery.Config", errBadTransmitInterval)
	}
	if c.TimestampErrorLimit <= 0 {
		return merr.Wrap(merr.Configuration, "discovery.Config", errBadTimestampErrorLimit)
	}
	return nil
}

type configError struct{ msg string }

func (e configError) Error() string { return e.msg }

var (
	errNoBindAddr             = configError{"discovery: BindAddr is required"}
	errBadTransmitInterval    = configError{"discovery: TransmitInterval must be in (0, 60s]"}
	errBadTimestampErrorLimit = configError{"discovery: TimestampErrorLimit must be positive"}
)

// Engine owns the UDP discovery socket and the live peer registry (spec
// §4.4, component C4). It does not use pkg/poller: per the design notes,
// the discovery socket is small and stateless enough that it is driven
// directly via read-deadline polling rather than through the shared
// multiplexing facade.
type Engine struct {
	cfg  Config
	conn *net.UDPConn
	log  mlog.Logger

	counter      uint32
	lastTransmit time.Time
	peers        map[meshid.ID]*Credentials

	OnPeerDiscovered func(id meshid.ID, addr netaddr.Addr, timediffMS int64)
	OnPeerExpired    func(id meshid.ID, addr netaddr.Addr)
	OnPeerTimeDiff   func(id meshid.ID, timediffMS int64)
	OnError          func(error)
}

// NewEngine validates cfg and constructs an Engine, binding its UDP socket.
func NewEngine(cfg Config, log mlog.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp4", cfg.BindAddr)
	if err != nil {
		return nil, merr.Wrap(merr.Network, "discovery.NewEngine", err)
	}
	return &Engine{
		cfg:   cfg,
		conn:  conn,
		log:   mlog.OrNoop(log),
		peers: make(map[meshid.ID]*Credentials),
	}, nil
}

// Close releases the discovery socket.
func (e *Engine) Close() error {
	return e.conn.Close()
}

// LocalAddr returns the bound UDP socket address, including the
// kernel-assigned port when Config.BindAddr.Port was 0.
func (e *Engine) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// AddTarget appends a beacon destination at runtime, for targets whose
// address (e.g. an ephemeral loopback port) is only known after another
// engine has already bound its socket.
func (e *Engine) AddTarget(addr *net.UDPAddr) {
	e.cfg.Targets = append(e.cfg.Targets, addr)
}

// Peers returns a snapshot of all currently credentialed peers.
func (e *Engine) Peers() []Credentials {
	out := make([]Credentials, 0, len(e.peers))
	for _, c := range e.peers {
		out = append(out, *c)
	}
	return out
}

// Discover performs one engine tick: an expiration sweep, a beacon
// transmission if due, and draining of pending UDP datagrams for up to
// budget (spec §4.9's adaptive poll interval is passed in here as budget).
func (e *Engine) Discover(budget time.Duration) int {
	now := time.Now()
	events := e.sweepExpirations(now)

	if e.lastTransmit.IsZero() || now.Sub(e.lastTransmit) >= e.cfg.TransmitInterval {
		e.transmit(now)
		e.lastTransmit = now
	}

	events += e.drain(budget)
	return events
}

func (e *Engine) transmit(now time.Time) {
	b := Beacon{
		Sender:            e.cfg.Self,
		Port:              e.cfg.ListenerPort,
		TransmitIntervalS: uint16(e.cfg.TransmitInterval / time.Second),
		Counter:           e.counter,
		TimestampMS:       now.UnixMilli(),
	}
	e.counter++
	raw := b.Marshal()

	for _, target := range e.cfg.Targets {
		if _, err := e.conn.WriteToUDP(raw, target); err != nil {
			if e.OnError != nil {
				e.OnError(merr.Wrap(merr.Network, "discovery.transmit", err))
			}
		}
	}
}

func (e *Engine) drain(budget time.Duration) int {
	deadline := time.Now().Add(budget)
	if err := e.conn.SetReadDeadline(deadline); err != nil {
		if e.OnError != nil {
			e.OnError(merr.Wrap(merr.Network, "discovery.drain", err))
		}
		return 0
	}

	buf := make([]byte, BeaconSize+64)
	events := 0
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return events
			}
			if e.OnError != nil {
				e.OnError(merr.Wrap(merr.Network, "discovery.drain", err))
			}
			return events
		}
		if e.process(buf[:n], addr) {
			events++
		}
	}
}

// process handles one received datagram (spec §4.4 reception algorithm).
func (e *Engine) process(raw []byte, from *net.UDPAddr) bool {
	beacon, err := Unmarshal(raw)
	if err != nil {
		e.log.Debugf("discovery: dropping malformed beacon from %v: %v", from, err)
		return false
	}

	if beacon.Sender == e.cfg.Self {
		return false
	}

	addr, ok := netaddr.AddrFromUDP(&net.UDPAddr{IP: from.IP, Port: int(beacon.Port)})
	if !ok {
		e.log.Debugf("discovery: dropping beacon with non-IPv4 source %v", from)
		return false
	}

	now := time.Now()
	timediff := now.UnixMilli() - beacon.TimestampMS
	transmitInterval := time.Duration(beacon.TransmitIntervalS) * time.Second
	expirationInterval := minExpirationInterval
	if f := expirationIntervalFactor * transmitInterval; f > expirationInterval {
		expirationInterval = f
	}

	existing, known := e.peers[beacon.Sender]
	if !known {
		e.peers[beacon.Sender] = &Credentials{
			ID:                 beacon.Sender,
			Addr:               addr,
			TimeDiffMS:         timediff,
			TransmitInterval:   transmitInterval,
			ExpirationDeadline: now.Add(expirationInterval),
		}
		if e.OnPeerDiscovered != nil {
			e.OnPeerDiscovered(beacon.Sender, addr, timediff)
		}
		return true
	}

	if !existing.Addr.Equal(addr) {
		oldAddr := existing.Addr
		delete(e.peers, beacon.Sender)
		if e.OnPeerExpired != nil {
			e.OnPeerExpired(beacon.Sender, oldAddr)
		}
		return true
	}

	existing.TransmitInterval = transmitInterval
	existing.ExpirationDeadline = now.Add(expirationInterval)

	diffOfDiffs := timediff - existing.TimeDiffMS
	if diffOfDiffs < 0 {
		diffOfDiffs = -diffOfDiffs
	}
	if time.Duration(diffOfDiffs)*time.Millisecond < e.cfg.TimestampErrorLimit {
		existing.TimeDiffMS = timediff
		if e.OnPeerTimeDiff != nil {
			e.OnPeerTimeDiff(beacon.Sender, timediff)
		}
	}
	return true
}

func (e *Engine) sweepExpirations(now time.Time) int {
	events := 0
	for id, c := range e.peers {
		if c.ExpirationDeadline.Before(now) {
			delete(e.peers, id)
			if e.OnPeerExpired != nil {
				e.OnPeerExpired(id, c.Addr)
			}
			events++
		}
	}
	return events
}
