// Package netaddr holds the IPv4-only address value types shared by
// discovery and delivery (spec §3: "Socket address" and "Host address").
// The core deliberately has no IPv6 support (spec §1 Non-goals).
package netaddr

import (
	"fmt"
	"net"

	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
)

// Addr is an IPv4 address plus port. Equality is by both fields (spec §3).
type Addr struct {
	IP   [4]byte
	Port uint16
}

// AddrFromUDP converts a *net.UDPAddr into an Addr, returning false if the
// address is not a valid IPv4 address.
func AddrFromUDP(ua *net.UDPAddr) (Addr, bool) {
	ip4 := ua.IP.To4()
	if ip4 == nil {
		return Addr{}, false
	}
	var a Addr
	copy(a.IP[:], ip4)
	a.Port = uint16(ua.Port)
	return a, true
}

// Equal reports whether a and b denote the same IP and port.
func (a Addr) Equal(b Addr) bool {
	return a.IP == b.IP && a.Port == b.Port
}

// UDPAddr converts back to a *net.UDPAddr.
func (a Addr) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(a.IP[0], a.IP[1], a.IP[2], a.IP[3]), Port: int(a.Port)}
}

// TCPAddr converts to a *net.TCPAddr for dialing a writer channel.
func (a Addr) TCPAddr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IPv4(a.IP[0], a.IP[1], a.IP[2], a.IP[3]), Port: int(a.Port)}
}

func (a Addr) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", a.IP[0], a.IP[1], a.IP[2], a.IP[3], a.Port)
}

// Host pairs a peer's identifier with its reachable address (spec §3).
type Host struct {
	ID   meshid.ID
	Addr Addr
}

func (h Host) String() string {
	return fmt.Sprintf("%s@%s", h.ID, h.Addr)
}
