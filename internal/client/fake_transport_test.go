package client

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/relaycore/quicrelay/internal/transport"
)

// fakeStream and fakeConn mirror internal/conn's test doubles of the same
// name: a transport.Conn/Stream pair wired through in-process pipes, so a
// Client can be driven against a server-role conn.Connection without a
// real QUIC socket.
type fakeStream struct {
	id int64
	r  *io.PipeReader
	w  *io.PipeWriter
}

func newFakeStreamPair(id int64) (a, b *fakeStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &fakeStream{id: id, r: r1, w: w2}, &fakeStream{id: id, r: r2, w: w1}
}

func (s *fakeStream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *fakeStream) Write(p []byte) (int, error) { return s.w.Write(p) }
func (s *fakeStream) StreamID() int64             { return s.id }
func (s *fakeStream) Close() error                { return s.w.Close() }
func (s *fakeStream) CancelRead(code uint64) {
	s.r.CloseWithError(fmt.Errorf("stream reset, code %d", code))
}
func (s *fakeStream) CancelWrite(code uint64) {
	s.w.CloseWithError(fmt.Errorf("stream reset, code %d", code))
}

type fakeConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	incomingStreams chan transport.Stream
	peer            *fakeConn

	nextStreamID int64
	datagramsIn  chan []byte
	remote       string
}

func newFakeConnPair(remoteA, remoteB string) (*fakeConn, *fakeConn) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &fakeConn{ctx: ctx, cancel: cancel, incomingStreams: make(chan transport.Stream, 16), datagramsIn: make(chan []byte, 8), remote: remoteA}
	b := &fakeConn{ctx: ctx, cancel: cancel, incomingStreams: make(chan transport.Stream, 16), datagramsIn: make(chan []byte, 8), remote: remoteB}
	a.peer, b.peer = b, a
	return a, b
}

func (c *fakeConn) AcceptStream(ctx context.Context) (transport.Stream, error) {
	select {
	case st, ok := <-c.incomingStreams:
		if !ok {
			return nil, fmt.Errorf("fakeConn: closed")
		}
		return st, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, fmt.Errorf("fakeConn: closed")
	}
}

func (c *fakeConn) OpenStream() (transport.Stream, error) {
	id := atomic.AddInt64(&c.nextStreamID, 1)
	local, remote := newFakeStreamPair(id)
	select {
	case c.peer.incomingStreams <- remote:
	case <-c.ctx.Done():
		return nil, fmt.Errorf("fakeConn: closed")
	}
	return local, nil
}

func (c *fakeConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b, ok := <-c.datagramsIn:
		if !ok {
			return nil, fmt.Errorf("fakeConn: closed")
		}
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, fmt.Errorf("fakeConn: closed")
	}
}

func (c *fakeConn) SendDatagram(b []byte) error {
	cp := append([]byte(nil), b...)
	select {
	case c.peer.datagramsIn <- cp:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("fakeConn: closed")
	}
}

func (c *fakeConn) CloseWithError(code uint64, reason string) error {
	c.cancel()
	return nil
}

func (c *fakeConn) Context() context.Context { return c.ctx }
func (c *fakeConn) RemoteAddr() string       { return c.remote }
