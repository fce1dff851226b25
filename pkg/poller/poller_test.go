package poller

import (
	"net"
	"time"

	"testing"

	"gotest.tools/v3/assert"
)

func TestServerPollerAcceptAndRead(t *testing.T) {
	backend, err := NewBackend()
	assert.NilError(t, err)
	sp := NewServerPoller(backend)
	defer sp.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	defer ln.Close()
	tcpLn := ln.(*net.TCPListener)

	var accepted net.Conn
	sp.Listener.OnAccept = func(l *net.TCPListener) {
		c, err := l.Accept()
		assert.NilError(t, err)
		accepted = c
		assert.NilError(t, sp.Reader.Watch(c))
	}

	var readable bool
	sp.Reader.OnReadable = func(c net.Conn) {
		readable = true
		buf := make([]byte, 16)
		n, _ := c.Read(buf)
		assert.Equal(t, string(buf[:n]), "ping")
	}

	assert.NilError(t, sp.Listener.Watch(tcpLn))

	client, err := net.Dial("tcp", ln.Addr().String())
	assert.NilError(t, err)
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for accepted == nil && time.Now().Before(deadline) {
		_, err := sp.Poll(100 * time.Millisecond)
		assert.NilError(t, err)
	}
	assert.Assert(t, accepted != nil)

	_, err = client.Write([]byte("ping"))
	assert.NilError(t, err)

	for !readable && time.Now().Before(deadline) {
		_, err := sp.Poll(100 * time.Millisecond)
		assert.NilError(t, err)
	}
	assert.Assert(t, readable)
}

func TestWriterPollerOneShot(t *testing.T) {
	backend, err := NewBackend()
	assert.NilError(t, err)
	wp := NewWriterPoller(backend)
	defer backend.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NilError(t, err)
	defer ln.Close()

	client, err := net.Dial("tcp", ln.Addr().String())
	assert.NilError(t, err)
	defer client.Close()

	server, err := ln.Accept()
	assert.NilError(t, err)
	defer server.Close()

	fired := 0
	wp.OnCanWrite = func(net.Conn) { fired++ }

	assert.NilError(t, wp.WaitForWrite(client))

	deadline := time.Now().Add(2 * time.Second)
	for fired == 0 && time.Now().Before(deadline) {
		var buf []Ready
		buf, err = backend.Wait(100*time.Millisecond, buf[:0])
		assert.NilError(t, err)
		for _, r := range buf {
			wp.Dispatch(r)
		}
	}
	assert.Equal(t, fired, 1)

	// One-shot: without re-arming, a second Wait should not fire again.
	buf, err := backend.Wait(100*time.Millisecond, nil)
	assert.NilError(t, err)
	for _, r := range buf {
		wp.Dispatch(r)
	}
	assert.Equal(t, fired, 1)
}
