package conn

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/relaycore/quicrelay/internal/transport"
	"github.com/relaycore/quicrelay/internal/wire"
)

// fakeStream is a transport.Stream with independently closable read and
// write halves, matching a QUIC stream's half-close semantics (Close
// finishes the write side only; the peer's writes still arrive until it
// closes its own write side). net.Pipe doesn't offer that, so each
// direction is its own io.Pipe.
type fakeStream struct {
	id int64
	r  *io.PipeReader
	w  *io.PipeWriter
}

func newFakeStreamPair(id int64) (a, b *fakeStream) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	a = &fakeStream{id: id, r: r1, w: w2}
	b = &fakeStream{id: id, r: r2, w: w1}
	return a, b
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

// fakeConn implements transport.Conn over channels of fakeStream pairs and
// byte-slice datagrams, enough to drive Connection.Run, OpenSubscribeInto
// and OpenPublishFrom end to end in process, without a real QUIC socket.
type fakeConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	incomingStreams chan transport.Stream
	peer            *fakeConn

	nextStreamID int64

	datagramsIn chan []byte

	remote string

	closeOnce sync.Once

	// dropDatagram, if set, is consulted for every outbound datagram;
	// returning true simulates the datagram never reaching the peer.
	dropDatagram func(wire.DatagramHeader) bool
}

// newFakeConnPair builds two connected fakeConns: an AcceptStream()/
// ReceiveDatagram() call on one side is satisfied by an OpenStream()/
// SendDatagram() call on the other.
func newFakeConnPair(remoteA, remoteB string) (*fakeConn, *fakeConn) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &fakeConn{
		ctx: ctx, cancel: cancel,
		incomingStreams: make(chan transport.Stream, 16),
		datagramsIn:     make(chan []byte, 64),
		remote:          remoteA,
	}
	b := &fakeConn{
		ctx: ctx, cancel: cancel,
		incomingStreams: make(chan transport.Stream, 16),
		datagramsIn:     make(chan []byte, 64),
		remote:          remoteB,
	}
	a.peer = b
	b.peer = a
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
	if c.dropDatagram != nil {
		if hdr, _, err := wire.DecodeDatagramHeader(b); err == nil && c.dropDatagram(hdr) {
			return nil
		}
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	select {
	case c.peer.datagramsIn <- cp:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("fakeConn: closed")
	}
}

func (c *fakeConn) CloseWithError(code uint64, reason string) error {
	c.closeOnce.Do(c.cancel)
	return nil
}

func (c *fakeConn) Context() context.Context { return c.ctx }

func (c *fakeConn) RemoteAddr() string { return c.remote }
