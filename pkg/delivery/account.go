// Package delivery implements the TCP channel lifecycle and packet
// send/receive paths between discovered peers: reader accounts (inbound,
// accepted sockets) and writer accounts (outbound, per-peer connections),
// both multiplexed through pkg/poller (spec §4.5).
package delivery

import (
	"net"

	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/netaddr"
	"github.com/simeonmiteff/go-meshnet/pkg/packet"
)

// ReaderState tracks a reader account's progress toward being bound to a
// peer (spec §4.5: a fresh inbound connection is anonymous until its
// hello packet arrives).
type ReaderState int

const (
	ReaderAwaitingHello ReaderState = iota
	ReaderBound
)

// ReaderAccount is one inbound, accepted TCP connection (spec §3).
type ReaderAccount struct {
	Conn  net.Conn
	State ReaderState
	Peer  meshid.ID // zero until State == ReaderBound

	raw        []byte // bytes read but not yet consumed as whole packets
	reassembly packet.Reassembler
}

// WriterState tracks a writer account's connection lifecycle.
type WriterState int

const (
	WriterConnecting WriterState = iota
	WriterConnected
	WriterClosed
)

// Outbound is one application-level message awaiting fragmentation.
type Outbound struct {
	Type    packet.Type
	Payload []byte
}

// WriterAccount is one outbound, per-peer TCP connection (spec §3, §4.5).
type WriterAccount struct {
	Peer  meshid.ID
	Addr  netaddr.Addr
	Conn  net.Conn
	State WriterState

	CanWrite bool

	regular        []Outbound
	fileOrder      []meshid.ID
	sendBuf        []byte
}

// Enqueue appends msg to the regular output queue (spec §4.5 writer
// output path).
func (w *WriterAccount) Enqueue(typ packet.Type, payload []byte) {
	w.regular = append(w.regular, Outbound{Type: typ, Payload: payload})
}

// EnsureFileQueue adds fileID to the round-robin chunk-queue order if it
// is not already present.
func (w *WriterAccount) EnsureFileQueue(fileID meshid.ID) {
	for _, f := range w.fileOrder {
		if f == fileID {
			return
		}
	}
	w.fileOrder = append(w.fileOrder, fileID)
}

// RemoveFileQueue drops fileID from the round-robin order (the transfer
// is done or stopped).
func (w *WriterAccount) RemoveFileQueue(fileID meshid.ID) {
	for i, f := range w.fileOrder {
		if f == fileID {
			w.fileOrder = append(w.fileOrder[:i], w.fileOrder[i+1:]...)
			return
		}
	}
}
