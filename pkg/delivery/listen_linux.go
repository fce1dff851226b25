//go:build linux

package delivery

import (
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// listenTCPWithBacklog binds and listens on addr with an explicit listen()
// backlog (spec §6's listener_backlog option), which net.ListenTCP does
// not expose. It builds the socket directly with golang.org/x/sys/unix
// and hands it to the runtime via net.FileListener, the same
// raw-fd-to-net.Conn boundary pkg/poller crosses in the other direction
// via higebu/netfd.
func listenTCPWithBacklog(addr *net.TCPAddr, backlog int) (*net.TCPListener, error) {
	if addr == nil {
		addr = &net.TCPAddr{}
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err != nil {
		return nil, err
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, err
	}

	var sa unix.SockaddrInet4
	if ip4 := addr.IP.To4(); ip4 != nil {
		copy(sa.Addr[:], ip4)
	}
	sa.Port = addr.Port

	if err := unix.Bind(fd, &sa); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), "meshnet-listener")
	l, err := net.FileListener(f)
	_ = f.Close() // FileListener dup()s the descriptor
	if err != nil {
		return nil, err
	}
	return l.(*net.TCPListener), nil
}
