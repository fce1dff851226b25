//go:build !(linux || darwin)

package metrics

import (
	"net"

	"github.com/simeonmiteff/go-meshnet/pkg/tcpinfo"
)

func peerTCPInfo(conn net.Conn) (*tcpinfo.Info, error) {
	sys, err := tcpinfo.GetTCPInfo(0)
	if err != nil {
		return nil, err
	}
	return sys.ToInfo(), nil
}
