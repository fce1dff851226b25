//go:build linux

package metrics

import (
	"net"

	"github.com/higebu/netfd"

	"github.com/simeonmiteff/go-meshnet/pkg/tcpinfo"
)

func peerTCPInfo(conn net.Conn) (*tcpinfo.Info, error) {
	sys, err := tcpinfo.GetTCPInfo(uintptr(netfd.GetFdFromConn(conn)))
	if err != nil {
		return nil, err
	}
	return sys.ToInfo(), nil
}
