package delivery

import (
	"net"
	"time"

	"github.com/simeonmiteff/go-meshnet/pkg/merr"
	"github.com/simeonmiteff/go-meshnet/pkg/meshid"
	"github.com/simeonmiteff/go-meshnet/pkg/packet"
	"github.com/simeonmiteff/go-meshnet/pkg/slab"
)

// readBudget is how many bytes are pulled off the wire per ready_read
// dispatch (spec §4.5 step 1: "drain socket ... using available() bytes
// at a time"). Go's net.Conn has no portable available()/ioctl(FIONREAD)
// equivalent, so one bounded Read per dispatch stands in for it; epoll's
// level-triggered semantics (no EPOLLET set, see backend_epoll_linux.go)
// guarantee a fresh ready_read on the next poll if more remains buffered.
const readBudget = 64 * 1024

// Step runs the writer output path once (spec §4.5), then polls both
// composite pollers for up to timeout and dispatches their events,
// returning the total event count across both.
func (e *Engine) Step(timeout time.Duration) (int, error) {
	e.writers.Each(func(_ slab.Index, w *WriterAccount) {
		if !w.CanWrite {
			return
		}
		e.fillSendBuffer(w)
		if len(w.sendBuf) > 0 {
			e.trySend(w)
		}
	})

	sEvents, err := e.server.Poll(timeout)
	if err != nil {
		return sEvents, merr.Wrap(merr.Network, "delivery.Step", err)
	}
	cEvents, err := e.client.Poll(0)
	if err != nil {
		return sEvents + cEvents, merr.Wrap(merr.Network, "delivery.Step", err)
	}
	return sEvents + cEvents, nil
}

// fillSendBuffer builds up to one packetSize-aligned batch into w.sendBuf:
// up to 10 packets from the regular queue, then up to 10 packets per
// active file-chunk queue in round-robin order, pulling fresh chunks from
// Chunks as queues run dry (spec §4.5 writer output path).
func (e *Engine) fillSendBuffer(w *WriterAccount) {
	if len(w.sendBuf) >= int(e.cfg.PacketSize) {
		return
	}

	built := 0
	for built < maxPacketsPerQueuePerStep && len(w.regular) > 0 {
		msg := w.regular[0]
		w.regular = w.regular[1:]
		pkts, err := packet.Pack(msg.Payload, e.cfg.Self, msg.Type, e.cfg.PacketSize)
		if err != nil {
			if e.OnError != nil {
				e.OnError(err)
			}
			continue
		}
		for _, p := range pkts {
			w.sendBuf = append(w.sendBuf, p.Marshal()...)
		}
		built += len(pkts)
	}

	if e.Chunks == nil {
		return
	}
	for _, fid := range append([]meshid.ID(nil), w.fileOrder...) {
		perQueue := 0
		for perQueue < maxPacketsPerQueuePerStep {
			payload, ok, done := e.Chunks.PullChunk(w.Peer, fid)
			if !ok {
				break
			}
			pkts, err := packet.Pack(payload, e.cfg.Self, packet.FileChunk, e.cfg.PacketSize)
			if err == nil {
				for _, p := range pkts {
					w.sendBuf = append(w.sendBuf, p.Marshal()...)
				}
				perQueue += len(pkts)
			}
			if done {
				w.RemoveFileQueue(fid)
				break
			}
		}
	}
}

// trySend attempts a non-blocking-style write of up to 10*P bytes,
// emulating the spec's good/again/network send-result taxonomy (spec
// §4.5) over Go's blocking net.Conn by forcing an immediate deadline: a
// write that cannot complete at once returns a timeout error with the
// partial byte count already applied, the same signal a non-blocking
// write(2) returning EAGAIN would give.
func (e *Engine) trySend(w *WriterAccount) {
	budget := sendBudgetFactor * int(e.cfg.PacketSize)
	toSend := w.sendBuf
	if len(toSend) > budget {
		toSend = toSend[:budget]
	}

	_ = w.Conn.SetWriteDeadline(time.Now())
	n, err := w.Conn.Write(toSend)
	w.sendBuf = w.sendBuf[n:]

	if err == nil {
		return
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		w.CanWrite = false
		_ = e.client.Writer.WaitForWrite(w.Conn)
		return
	}
	if e.OnExpireAddresser != nil {
		e.OnExpireAddresser(w.Peer)
	}
}

// onReaderReadable implements the reader input path (spec §4.5).
func (e *Engine) onReaderReadable(conn net.Conn) {
	idx, ok := e.readerByFD[conn]
	if !ok {
		return
	}
	r, _ := e.readers.Get(idx)

	_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	buf := make([]byte, readBudget)
	n, err := conn.Read(buf)
	if n > 0 {
		r.raw = append(r.raw, buf[:n]...)
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			// no more data ready right now; process what we have
		} else {
			e.onReaderClosed(conn)
			return
		}
	}
	if n == 0 && err == nil {
		e.onReaderClosed(conn)
		return
	}

	for len(r.raw) >= int(e.cfg.PacketSize) {
		raw := r.raw[:e.cfg.PacketSize]
		p, uerr := packet.Unpack(raw, e.cfg.PacketSize)
		r.raw = r.raw[e.cfg.PacketSize:]
		if uerr != nil {
			if e.OnError != nil {
				e.OnError(uerr)
			}
			e.onReaderClosed(conn)
			return
		}

		payload, typ, done, ferr := r.reassembly.Feed(p)
		if ferr != nil {
			if e.OnError != nil {
				e.OnError(ferr)
			}
			e.onReaderClosed(conn)
			return
		}
		if !done {
			continue
		}

		switch typ {
		case packet.Hello:
			e.bindReader(idx, payload)
		case packet.Regular:
			if e.Sink != nil {
				e.Sink.OnDataReceived(r.Peer, payload)
			}
		default:
			if e.Sink != nil {
				e.Sink.OnFilePacket(r.Peer, typ, payload)
			}
		}
	}
}

func (e *Engine) bindReader(idx slab.Index, helloPayload []byte) {
	peerID, ok := meshid.FromBytes(helloPayload)
	if !ok {
		return
	}
	r, _ := e.readers.Get(idx)
	r.Peer = peerID
	r.State = ReaderBound
	e.readerByPeer[peerID] = idx

	if e.Sink != nil {
		e.Sink.OnReaderReady(peerID)
	}
	e.maybeChannelEstablished(peerID)
}
