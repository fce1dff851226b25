package transporter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/simeonmiteff/go-meshnet/pkg/delivery"
	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/packet"
)

const (
	defaultMaxFileSize      = 0x7FFF_F000
	defaultFileChunkSize    = 16 * 1024
	minFileChunkSize        = 32
	maxFileChunkSize        = 1 << 20
	defaultProgressGranularity = 1
)

// Config parametrizes a transporter Engine (spec §6's file.* options).
type Config struct {
	DownloadDir                 string
	FileChunkSize               int
	MaxFileSize                 int64
	DownloadProgressGranularity int
	RemoveTransientFilesOnError bool
}

func (c *Config) setDefaults() error {
	if c.DownloadDir == "" {
		return merr.Wrap(merr.Configuration, "transporter.Config", errNoDownloadDir)
	}
	if c.FileChunkSize == 0 {
		c.FileChunkSize = defaultFileChunkSize
	}
	if c.FileChunkSize < minFileChunkSize || c.FileChunkSize > maxFileChunkSize {
		return merr.Wrap(merr.Configuration, "transporter.Config", errBadChunkSize)
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	if c.DownloadProgressGranularity == 0 {
		c.DownloadProgressGranularity = defaultProgressGranularity
	}
	if c.DownloadProgressGranularity < 0 || c.DownloadProgressGranularity > 100 {
		return merr.Wrap(merr.Configuration, "transporter.Config", errBadGranularity)
	}
	return nil
}

type configError string

func (e configError) Error() string { return string(e) }

var (
	errNoDownloadDir  = configError("transporter: download_directory is required")
	errBadChunkSize   = configError("transporter: file_chunk_size out of bounds [32, 1048576]")
	errBadGranularity = configError("transporter: download_progress_granularity out of bounds [0, 100]")
)

// outgoingTransfer is sender-side per-(peer, file_id) state: an open
// source file, the pkg/delivery.ChunkPuller cursor, and whether file_end
// has already been queued (spec §4.6: "create an outgoing queue for that
// file_id").
type outgoingTransfer struct {
	file      *os.File
	offset    uint64
	chunkSize int
	ended     bool
}

// incomingTransfer is receiver-side per-(peer, file_id) state.
type incomingTransfer struct {
	peer                meshid.ID
	fileID              meshid.ID
	filename            string
	filesize            uint64
	offset              uint64
	data                *os.File
	descPath            string
	dataPath            string
	lastProgressPercent int
}

// Engine implements the file-transfer sub-protocol over a delivery.Engine
// (spec §4.6, component C6).
type Engine struct {
	cfg      Config
	delivery *delivery.Engine

	outgoing map[meshid.ID]map[meshid.ID]*outgoingTransfer
	incoming map[meshid.ID]map[meshid.ID]*incomingTransfer
	cached   map[meshid.ID]string // file_id -> absolute source path

	OnDownloadProgress    func(addresser, fileID meshid.ID, offset, filesize uint64)
	OnDownloadComplete    func(addresser, fileID meshid.ID, path string)
	OnDownloadInterrupted func(addresser, fileID meshid.ID)
	OnUploadStopped       func(addressee, fileID meshid.ID)
	OnFailure             func(error)
}

// New constructs a transporter Engine bound to d. The caller is
// responsible for routing d's file_* packets and expire_addresser events
// into HandleFilePacket/HandleExpireAddresser and for registering this
// Engine as d.Chunks (it implements delivery.ChunkPuller directly).
func New(cfg Config, d *delivery.Engine) (*Engine, error) {
	if err := cfg.setDefaults(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:      cfg,
		delivery: d,
		outgoing: make(map[meshid.ID]map[meshid.ID]*outgoingTransfer),
		incoming: make(map[meshid.ID]map[meshid.ID]*incomingTransfer),
		cached:   make(map[meshid.ID]string),
	}
	d.Chunks = e
	return e, nil
}

func (e *Engine) cacheDescPath(fileID meshid.ID) string {
	return filepath.Join(e.cfg.DownloadDir, ".cache", fileID.String()+".desc")
}

func (e *Engine) transientDir(peer meshid.ID) string {
	return filepath.Join(e.cfg.DownloadDir, peer.String(), "transient")
}

// SendFile initiates a transfer to addressee (spec §4.6's send_file). If
// fileID is meshid.Nil, one is generated.
func (e *Engine) SendFile(addressee meshid.ID, fileID meshid.ID, path string) (meshid.ID, error) {
	info, err := os.Stat(path)
	if err != nil {
		return meshid.Nil, merr.Wrap(merr.Storage, "transporter.SendFile", err)
	}
	if info.Size() > e.cfg.MaxFileSize {
		return meshid.Nil, merr.Wrap(merr.Configuration, "transporter.SendFile", errFileTooLarge)
	}
	if fileID.IsNil() {
		fileID = meshid.NewFileID()
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return meshid.Nil, merr.Wrap(merr.Storage, "transporter.SendFile", err)
	}
	if err := os.MkdirAll(filepath.Join(e.cfg.DownloadDir, ".cache"), 0o755); err != nil {
		return meshid.Nil, merr.Wrap(merr.Storage, "transporter.SendFile", err)
	}
	if err := writeCachedPath(e.cacheDescPath(fileID), abs); err != nil {
		return meshid.Nil, err
	}
	e.cached[fileID] = abs

	payload := marshalCredentials(credentials{
		FileID:   fileID,
		Filename: filepath.Base(path),
		FileSize: uint64(info.Size()),
		Offset:   0,
	})
	if err := e.delivery.SendTyped(addressee, packet.FileCredentials, payload); err != nil {
		return meshid.Nil, err
	}
	return fileID, nil
}

// StopFile emits file_stop to peer and tears down local state for fileID
// (spec §4.6 "Stop").
func (e *Engine) StopFile(peer meshid.ID, fileID meshid.ID) error {
	if err := e.delivery.SendTyped(peer, packet.FileStop, marshalFileID(fileID)); err != nil {
		return err
	}
	e.dropOutgoing(peer, fileID)
	if _, ok := e.incoming[peer][fileID]; ok {
		e.closeIncoming(peer, fileID)
		if e.OnDownloadInterrupted != nil {
			e.OnDownloadInterrupted(peer, fileID)
		}
	}
	return nil
}

// HandleFilePacket dispatches one reassembled file_* application
// payload, routed here from delivery.PacketSink.OnFilePacket.
func (e *Engine) HandleFilePacket(peer meshid.ID, typ packet.Type, payload []byte) {
	switch typ {
	case packet.FileCredentials:
		e.onCredentials(peer, payload)
	case packet.FileRequest:
		e.onRequest(peer, payload)
	case packet.FileBegin:
		// Receiver doesn't need to act on file_begin beyond having already
		// created its transient state on file_credentials; sender-side
		// this is informational only. No-op per spec §4.6.
	case packet.FileChunk:
		e.onChunk(peer, payload)
	case packet.FileEnd:
		e.onEnd(peer, payload)
	case packet.FileStop:
		e.onStop(peer, payload)
	case packet.FileState:
		e.onState(peer, payload)
	}
}

func (e *Engine) onCredentials(sender meshid.ID, raw []byte) {
	c, err := unmarshalCredentials(raw)
	if err != nil {
		e.fail(err)
		return
	}

	dir := e.transientDir(sender)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.fail(merr.Wrap(merr.Storage, "transporter.onCredentials", err))
		return
	}
	descPath := filepath.Join(dir, c.FileID.String()+".desc")
	dataPath := filepath.Join(dir, c.FileID.String()+".data")

	if _, err := os.Stat(descPath); os.IsNotExist(err) {
		if err := writeDescriptor(descPath, descriptor{Offset: 0, FileSize: c.FileSize, Filename: c.Filename}); err != nil {
			e.fail(err)
			return
		}
		f, err := os.OpenFile(dataPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			e.fail(merr.Wrap(merr.Storage, "transporter.onCredentials", err))
			return
		}
		_ = f.Close()
	}

	desc, err := readDescriptor(descPath)
	if err != nil {
		e.fail(err)
		return
	}

	peerIncoming := e.incoming[sender]
	if peerIncoming == nil {
		peerIncoming = make(map[meshid.ID]*incomingTransfer)
		e.incoming[sender] = peerIncoming
	}
	peerIncoming[c.FileID] = &incomingTransfer{
		peer:     sender,
		fileID:   c.FileID,
		filename: desc.Filename,
		filesize: desc.FileSize,
		offset:   desc.Offset,
		descPath: descPath,
		dataPath: dataPath,
	}

	payload := marshalFileIDOffset(fileIDOffset{FileID: c.FileID, Offset: desc.Offset})
	if err := e.delivery.SendTyped(sender, packet.FileRequest, payload); err != nil {
		e.fail(err)
	}
}

func (e *Engine) onRequest(requester meshid.ID, raw []byte) {
	v, err := unmarshalFileIDOffset(raw)
	if err != nil {
		e.fail(err)
		return
	}

	abs, ok := e.cached[v.FileID]
	if !ok {
		abs, err = readCachedPath(e.cacheDescPath(v.FileID))
		if err != nil {
			e.fail(err)
			return
		}
		e.cached[v.FileID] = abs
	}

	f, err := os.Open(abs)
	if err != nil {
		e.fail(merr.Wrap(merr.Storage, "transporter.onRequest", err))
		return
	}
	if _, err := f.Seek(int64(v.Offset), 0); err != nil {
		_ = f.Close()
		e.fail(merr.Wrap(merr.Storage, "transporter.onRequest", err))
		return
	}

	peerOutgoing := e.outgoing[requester]
	if peerOutgoing == nil {
		peerOutgoing = make(map[meshid.ID]*outgoingTransfer)
		e.outgoing[requester] = peerOutgoing
	}
	peerOutgoing[v.FileID] = &outgoingTransfer{file: f, offset: v.Offset, chunkSize: e.cfg.FileChunkSize}

	payload := marshalFileIDOffset(fileIDOffset{FileID: v.FileID, Offset: v.Offset})
	if err := e.delivery.SendTyped(requester, packet.FileBegin, payload); err != nil {
		e.fail(err)
		return
	}
	if err := e.delivery.EnsureFileQueue(requester, v.FileID); err != nil {
		e.fail(err)
	}
}

// PullChunk implements delivery.ChunkPuller: it is polled once per
// writer-output step for every active outgoing file queue (spec §4.5,
// §4.6).
func (e *Engine) PullChunk(peer meshid.ID, fileID meshid.ID) ([]byte, bool, bool) {
	t, ok := e.outgoing[peer][fileID]
	if !ok || t.ended {
		return nil, false, true
	}

	buf := make([]byte, t.chunkSize)
	n, readErr := t.file.Read(buf)
	if n > 0 {
		payload := marshalChunk(chunk{FileID: fileID, Offset: t.offset, Payload: buf[:n]})
		t.offset += uint64(n)
		return payload, true, false
	}

	// EOF (or a read error treated as EOF-for-protocol-purposes): queue
	// file_end and retire the queue.
	_ = readErr
	t.ended = true
	_ = t.file.Close()
	if err := e.delivery.SendTyped(peer, packet.FileEnd, marshalFileID(fileID)); err != nil {
		e.fail(err)
	}
	delete(e.outgoing[peer], fileID)
	return nil, false, true
}

func (e *Engine) onChunk(peer meshid.ID, raw []byte) {
	c, err := unmarshalChunk(raw)
	if err != nil {
		e.fail(err)
		return
	}
	t, ok := e.incoming[peer][c.FileID]
	if !ok {
		return
	}

	if t.data == nil {
		f, err := os.OpenFile(t.dataPath, os.O_RDWR, 0o644)
		if err != nil {
			e.fail(merr.Wrap(merr.Storage, "transporter.onChunk", err))
			return
		}
		t.data = f
	}
	if _, err := t.data.WriteAt(c.Payload, int64(c.Offset)); err != nil {
		e.fail(merr.Wrap(merr.Storage, "transporter.onChunk", err))
		return
	}
	t.offset = c.Offset + uint64(len(c.Payload))
	if err := writeDescriptor(t.descPath, descriptor{Offset: t.offset, FileSize: t.filesize, Filename: t.filename}); err != nil {
		e.fail(err)
		return
	}

	e.reportProgress(t)
}

func (e *Engine) reportProgress(t *incomingTransfer) {
	if e.OnDownloadProgress == nil {
		return
	}
	granularity := e.cfg.DownloadProgressGranularity
	if granularity == 0 {
		e.OnDownloadProgress(t.peer, t.fileID, t.offset, t.filesize)
		return
	}
	if t.filesize == 0 {
		return
	}
	percent := int(t.offset * 100 / t.filesize)
	step := (percent / granularity) * granularity
	if step > t.lastProgressPercent || (t.offset == t.filesize && step != t.lastProgressPercent) {
		t.lastProgressPercent = step
		e.OnDownloadProgress(t.peer, t.fileID, t.offset, t.filesize)
	}
}

func (e *Engine) onEnd(sender meshid.ID, raw []byte) {
	fileID, err := unmarshalFileID(raw)
	if err != nil {
		e.fail(err)
		return
	}
	t, ok := e.incoming[sender][fileID]
	if !ok {
		return
	}

	if t.data != nil {
		_ = t.data.Close()
	}
	donePath := filepath.Join(filepath.Dir(t.descPath), fileID.String()+".done")
	_ = os.Rename(t.descPath, donePath)

	finalDir := filepath.Join(e.cfg.DownloadDir, sender.String())
	if err := os.MkdirAll(finalDir, 0o755); err != nil {
		e.fail(merr.Wrap(merr.Storage, "transporter.onEnd", err))
		return
	}
	finalPath := disambiguate(finalDir, t.filename)
	if err := os.Rename(t.dataPath, finalPath); err != nil {
		e.fail(merr.Wrap(merr.Storage, "transporter.onEnd", err))
		if err := e.delivery.SendTyped(sender, packet.FileState, marshalFileState(fileState{FileID: fileID, Success: false})); err != nil {
			e.fail(err)
		}
		return
	}

	delete(e.incoming[sender], fileID)
	if err := e.delivery.SendTyped(sender, packet.FileState, marshalFileState(fileState{FileID: fileID, Success: true})); err != nil {
		e.fail(err)
	}
	if e.OnDownloadComplete != nil {
		e.OnDownloadComplete(sender, fileID, finalPath)
	}
}

// disambiguate returns a path under dir for filename, appending "-(N)"
// before the extension when a file by that name already exists (spec
// §4.6: "append -(N) (N monotonic) ... to disambiguate").
func disambiguate(dir, filename string) string {
	candidate := filepath.Join(dir, filename)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

func (e *Engine) onStop(peer meshid.ID, raw []byte) {
	fileID, err := unmarshalFileID(raw)
	if err != nil {
		e.fail(err)
		return
	}
	if _, ok := e.outgoing[peer][fileID]; ok {
		e.dropOutgoing(peer, fileID)
		if e.OnUploadStopped != nil {
			e.OnUploadStopped(peer, fileID)
		}
	}
	if _, ok := e.incoming[peer][fileID]; ok {
		e.closeIncoming(peer, fileID)
		if e.OnDownloadInterrupted != nil {
			e.OnDownloadInterrupted(peer, fileID)
		}
	}
}

func (e *Engine) onState(peer meshid.ID, raw []byte) {
	// The sender receives file_state purely as an acknowledgement; no
	// local state transition is required beyond what the reliable/delivery
	// layer already tracks. Exposed for completeness and future
	// OnUploadComplete wiring.
	_, _ = unmarshalFileState(raw)
	_ = peer
}

// HandleExpireAddresser implements the channel-loss handling spec §4.6
// requires: every in-flight incoming transfer from peer is interrupted,
// but its transient files are left on disk for resume (spec §4.6
// "Channel loss").
func (e *Engine) HandleExpireAddresser(peer meshid.ID) {
	for fileID, t := range e.incoming[peer] {
		if t.data != nil {
			_ = t.data.Close()
			t.data = nil
		}
		if e.OnDownloadInterrupted != nil {
			e.OnDownloadInterrupted(peer, fileID)
		}
	}
	delete(e.incoming, peer)

	for _, t := range e.outgoing[peer] {
		_ = t.file.Close()
	}
	delete(e.outgoing, peer)
}

func (e *Engine) dropOutgoing(peer, fileID meshid.ID) {
	if t, ok := e.outgoing[peer][fileID]; ok {
		_ = t.file.Close()
		delete(e.outgoing[peer], fileID)
	}
}

func (e *Engine) closeIncoming(peer, fileID meshid.ID) {
	if t, ok := e.incoming[peer][fileID]; ok {
		if t.data != nil {
			_ = t.data.Close()
		}
		if e.cfg.RemoveTransientFilesOnError {
			_ = os.Remove(t.descPath)
			_ = os.Remove(t.dataPath)
		}
		delete(e.incoming[peer], fileID)
	}
}

// Wipe deletes every file under the download tree, reporting per-file
// failures via onFailure without aborting the traversal (spec §4.6
// "Wipe").
func (e *Engine) Wipe(onFailure func(path string, err error)) {
	entries, err := os.ReadDir(e.cfg.DownloadDir)
	if err != nil {
		if onFailure != nil {
			onFailure(e.cfg.DownloadDir, err)
		}
		return
	}
	for _, entry := range entries {
		path := filepath.Join(e.cfg.DownloadDir, entry.Name())
		if err := os.RemoveAll(path); err != nil && onFailure != nil {
			onFailure(path, err)
		}
	}
}

// Step is polled once per engine facade tick (spec §4.9's
// "transporter.step()"). Transfers here are entirely event-driven off
// delivery callbacks, so there is currently nothing to age out on a
// timer; reserved for a future stalled-transfer timeout pass.
func (e *Engine) Step() {}

func (e *Engine) fail(err error) {
	if e.OnFailure != nil {
		e.OnFailure(err)
	}
}

var errFileTooLarge = configError("transporter: file exceeds max_file_size")
