//go:build !linux

package delivery

import "net"

// listenTCPWithBacklog falls back to net.ListenTCP on platforms where this
// module has no raw-socket backlog control (only the epoll backend's
// Linux build wires one up; see listen_linux.go).
func listenTCPWithBacklog(addr *net.TCPAddr, _ int) (*net.TCPListener, error) {
	return net.ListenTCP("tcp4", addr)
}
