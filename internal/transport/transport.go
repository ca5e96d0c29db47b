// Package transport adapts github.com/quic-go/quic-go to the small
// connection/stream contract the rest of the core depends on (spec §6
// "QUIC layer contract"), and carries the exact transport parameters the
// spec mandates.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	quic "github.com/quic-go/quic-go"
)

// ALPN is the protocol negotiated over TLS (spec §6).
const ALPN = "quicr-h00"

// DefaultPort is the default UDP port (spec §6).
const DefaultPort = 853

// MaxDatagramPayload bounds how much fragment payload a single QUIC
// datagram may carry, including the wire.DatagramHeader. quic-go
// negotiates the actual per-path datagram frame size automatically once
// datagrams are enabled; 1200 bytes is the conventional safe bound below
// the minimum IPv6 path MTU (spec §6 maps this to the source's
// PICOQUIC_MAX_PACKET_SIZE, which this re-implementation does not control
// directly).
const MaxDatagramPayload = 1200

// ServerConfig returns the transport parameters a listening node
// negotiates (spec §6).
func ServerConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:                 30 * time.Second,
		EnableDatagrams:                true,
		InitialStreamReceiveWindow:     0x200000,
		MaxStreamReceiveWindow:         0x200000,
		InitialConnectionReceiveWindow: 0x100000,
		MaxConnectionReceiveWindow:     0x100000,
		MaxIncomingStreams:             2048,
		MaxIncomingUniStreams:          2050,
	}
}

// ClientConfig returns the transport parameters an outbound (client-role)
// connection negotiates (spec §6).
func ClientConfig() *quic.Config {
	cfg := ServerConfig()
	cfg.MaxIncomingStreams = 2049
	cfg.MaxIncomingUniStreams = 2051
	return cfg
}

// Conn is the connection-level surface the connection orchestrator needs.
// It exists so internal/conn never imports quic-go types directly,
// mirroring spec §6's treatment of the QUIC layer as an external
// collaborator behind a small interface.
type Conn interface {
	AcceptStream(ctx context.Context) (Stream, error)
	OpenStream() (Stream, error)
	ReceiveDatagram(ctx context.Context) ([]byte, error)
	SendDatagram(b []byte) error
	CloseWithError(code uint64, reason string) error
	Context() context.Context
	RemoteAddr() string
}

// Stream is a bidirectional QUIC stream.
type Stream interface {
	io.Reader
	io.Writer
	StreamID() int64
	Close() error
	CancelRead(code uint64)
	CancelWrite(code uint64)
}

type quicConn struct{ c quic.Connection }

// WrapConnection adapts a quic-go connection to Conn.
func WrapConnection(c quic.Connection) Conn { return &quicConn{c: c} }

func (q *quicConn) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := q.c.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept stream: %w", err)
	}
	return &quicStream{s: s}, nil
}

func (q *quicConn) OpenStream() (Stream, error) {
	s, err := q.c.OpenStreamSync(context.Background())
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	return &quicStream{s: s}, nil
}

func (q *quicConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	b, err := q.c.ReceiveDatagram(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: receive datagram: %w", err)
	}
	return b, nil
}

func (q *quicConn) SendDatagram(b []byte) error {
	if err := q.c.SendDatagram(b); err != nil {
		return fmt.Errorf("transport: send datagram: %w", err)
	}
	return nil
}

func (q *quicConn) CloseWithError(code uint64, reason string) error {
	return q.c.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (q *quicConn) Context() context.Context { return q.c.Context() }
func (q *quicConn) RemoteAddr() string       { return q.c.RemoteAddr().String() }

type quicStream struct{ s quic.Stream }

func (q *quicStream) Read(p []byte) (int, error)  { return q.s.Read(p) }
func (q *quicStream) Write(p []byte) (int, error) { return q.s.Write(p) }
func (q *quicStream) StreamID() int64             { return int64(q.s.StreamID()) }
func (q *quicStream) Close() error                { return q.s.Close() }
func (q *quicStream) CancelRead(code uint64)       { q.s.CancelRead(quic.StreamErrorCode(code)) }
func (q *quicStream) CancelWrite(code uint64)      { q.s.CancelWrite(quic.StreamErrorCode(code)) }

// Listener accepts incoming connections on behalf of a node.
type Listener struct{ l *quic.Listener }

// Listen opens a UDP listener negotiating the server-role transport
// parameters with ALPN "quicr-h00".
func Listen(addr string, tlsConf *tls.Config) (*Listener, error) {
	l, err := quic.ListenAddr(addr, withALPN(tlsConf), ServerConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	return &Listener{l: l}, nil
}

// Addr returns the listener's bound local address, useful when ListenAddr
// was "host:0" and the actual port is only known after binding.
func (l *Listener) Addr() string { return l.l.Addr().String() }

// Accept blocks for the next incoming connection.
func (l *Listener) Accept(ctx context.Context) (Conn, error) {
	c, err := l.l.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return WrapConnection(c), nil
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.l.Close() }

// Dial opens an outbound connection negotiating the client-role transport
// parameters.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config) (Conn, error) {
	c, err := quic.DialAddr(ctx, addr, withALPN(tlsConf), ClientConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return WrapConnection(c), nil
}

func withALPN(tlsConf *tls.Config) *tls.Config {
	cfg := tlsConf.Clone()
	cfg.NextProtos = []string{ALPN}
	return cfg
}
