package meshnet

import (
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/mlog"
	"github.com/simeonmiteff/go-meshnet/pkg/netaddr"
)

// EventHandler receives every application-visible callback named in spec
// §6. Engine calls these synchronously from the goroutine running Loop.
type EventHandler interface {
	PeerDiscovered(peer meshid.ID, addr netaddr.Addr, timediffMS int64)
	PeerExpired(peer meshid.ID, addr netaddr.Addr)
	PeerTimeDiff(peer meshid.ID, timediffMS int64)
	ReaderReady(peer meshid.ID)
	WriterReady(peer meshid.ID)
	ChannelEstablished(peer meshid.ID)
	ChannelClosed(peer meshid.ID)
	DataReceived(peer meshid.ID, payload []byte)
	DownloadProgress(addresser, fileID meshid.ID, offset, filesize uint64)
	DownloadComplete(addresser, fileID meshid.ID, path string)
	DownloadInterrupted(addresser, fileID meshid.ID)
	OnFailure(err error)
}

// NoopHandler implements EventHandler with no-op methods. Embed it in a
// caller's handler type to override only the callbacks it cares about.
type NoopHandler struct{}

func (NoopHandler) PeerDiscovered(meshid.ID, netaddr.Addr, int64)          {}
func (NoopHandler) PeerExpired(meshid.ID, netaddr.Addr)                   {}
func (NoopHandler) PeerTimeDiff(meshid.ID, int64)                         {}
func (NoopHandler) ReaderReady(meshid.ID)                                 {}
func (NoopHandler) WriterReady(meshid.ID)                                 {}
func (NoopHandler) ChannelEstablished(meshid.ID)                          {}
func (NoopHandler) ChannelClosed(meshid.ID)                               {}
func (NoopHandler) DataReceived(meshid.ID, []byte)                        {}
func (NoopHandler) DownloadProgress(meshid.ID, meshid.ID, uint64, uint64) {}
func (NoopHandler) DownloadComplete(meshid.ID, meshid.ID, string)         {}
func (NoopHandler) DownloadInterrupted(meshid.ID, meshid.ID)              {}
func (NoopHandler) OnFailure(error)                                       {}

// LoggingHandler logs every callback at Debug/Info/Warn level via mlog,
// the pattern cmd/meshnode uses as its default handler.
type LoggingHandler struct {
	Log mlog.Logger
}

func (h LoggingHandler) log() mlog.Logger { return mlog.OrNoop(h.Log) }

func (h LoggingHandler) PeerDiscovered(peer meshid.ID, addr netaddr.Addr, timediffMS int64) {
	h.log().Infof("peer_discovered %s at %s (timediff=%dms)", peer, addr, timediffMS)
}

func (h LoggingHandler) PeerExpired(peer meshid.ID, addr netaddr.Addr) {
	h.log().Infof("peer_expired %s at %s", peer, addr)
}

func (h LoggingHandler) PeerTimeDiff(peer meshid.ID, timediffMS int64) {
	h.log().Debugf("peer_timediff %s %dms", peer, timediffMS)
}

func (h LoggingHandler) ReaderReady(peer meshid.ID) {
	h.log().Debugf("reader_ready %s", peer)
}

func (h LoggingHandler) WriterReady(peer meshid.ID) {
	h.log().Debugf("writer_ready %s", peer)
}

func (h LoggingHandler) ChannelEstablished(peer meshid.ID) {
	h.log().Infof("channel_established %s", peer)
}

func (h LoggingHandler) ChannelClosed(peer meshid.ID) {
	h.log().Infof("channel_closed %s", peer)
}

func (h LoggingHandler) DataReceived(peer meshid.ID, payload []byte) {
	h.log().Infof("data_received %s (%d bytes)", peer, len(payload))
}

func (h LoggingHandler) DownloadProgress(addresser, fileID meshid.ID, offset, filesize uint64) {
	h.log().Debugf("download_progress %s/%s %d/%d", addresser, fileID, offset, filesize)
}

func (h LoggingHandler) DownloadComplete(addresser, fileID meshid.ID, path string) {
	h.log().Infof("download_complete %s/%s -> %s", addresser, fileID, path)
}

func (h LoggingHandler) DownloadInterrupted(addresser, fileID meshid.ID) {
	h.log().Warnf("download_interrupted %s/%s", addresser, fileID)
}

func (h LoggingHandler) OnFailure(err error) {
	h.log().Errorf("engine failure: %v", err)
}
