// Package client is a thin QUIC control-plane client for the relay
// protocol: one dialed connection, reused for every Subscribe, Publish, or
// WatchPrefix call made through it. Used both by relay nodes to talk to
// their upstream, and by standalone publishers/subscribers.
//
// Adapted from internal/rtmp/client/client.go's dial-then-command shape —
// that client is a one-shot, single-purpose handshake driver; this one is
// a longer-lived handle that opens a fresh control stream per call, all
// multiplexed over the one QUIC connection internal/conn manages.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaycore/quicrelay/internal/conn"
	"github.com/relaycore/quicrelay/internal/fragment"
	"github.com/relaycore/quicrelay/internal/publisher"
	"github.com/relaycore/quicrelay/internal/transport"
)

// Client is one QUIC connection to a relay or origin node.
type Client struct {
	qc   transport.Conn
	conn *conn.Connection
	log  *slog.Logger
}

// nullRegistry rejects every inbound request: a Client dials out to
// consume or serve media, it never accepts streams opened at it.
type nullRegistry struct{}

func (nullRegistry) Subscribe(url string) (*fragment.Cache, error) {
	return nil, fmt.Errorf("client: unexpected inbound subscribe for %q", url)
}

func (nullRegistry) Publish(url string) (*fragment.Cache, error) {
	return nil, fmt.Errorf("client: unexpected inbound publish for %q", url)
}

func (nullRegistry) WatchPrefix(prefix string) (<-chan string, func()) {
	ch := make(chan string)
	close(ch)
	return ch, func() {}
}

// AttachPublisher/DetachPublisher are no-ops here: purge-cursor tracking
// only matters for registry-owned caches on the server side of a
// connection, which a Client never is.
func (nullRegistry) AttachPublisher(url string, pub *publisher.Publisher) {}
func (nullRegistry) DetachPublisher(url string, pub *publisher.Publisher) {}

// Dial establishes a QUIC connection to addr and starts serving it in the
// background, so replies (ACCEPT, REPAIR, FIN_DATAGRAM, ...) on streams
// this client opens keep being read for the life of the Client.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, log *slog.Logger) (*Client, error) {
	if log == nil {
		log = slog.Default()
	}
	qc, err := transport.Dial(ctx, addr, tlsConf)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	c := conn.New(qc, nullRegistry{}, conn.RoleClient, log)
	go c.Run(context.Background())
	return &Client{qc: qc, conn: c, log: log}, nil
}

// SubscribeInto subscribes to url in stream mode and feeds the resulting
// fragments into sink until the peer reports finished or ctx is cancelled.
func (c *Client) SubscribeInto(ctx context.Context, url string, sink *fragment.Cache) error {
	return c.conn.OpenSubscribeInto(ctx, url, conn.TransferStream, sink)
}

// SubscribeDatagramInto is SubscribeInto for a datagram-mode flow.
func (c *Client) SubscribeDatagramInto(ctx context.Context, url string, sink *fragment.Cache) error {
	return c.conn.OpenSubscribeInto(ctx, url, conn.TransferDatagram, sink)
}

// PublishFrom posts url in stream mode and streams source's contents until
// it reaches its final position or ctx is cancelled.
func (c *Client) PublishFrom(ctx context.Context, url string, source *fragment.Cache) error {
	return c.conn.OpenPublishFrom(ctx, url, conn.TransferStream, source)
}

// PublishDatagramFrom is PublishFrom for a datagram-mode flow.
func (c *Client) PublishDatagramFrom(ctx context.Context, url string, source *fragment.Cache) error {
	return c.conn.OpenPublishFrom(ctx, url, conn.TransferDatagram, source)
}

// waker adapts a plain func() to fragment.Waker.
type waker func()

func (w waker) Wake() { w() }

// WatchPrefix subscribes to the peer's feed of urls beginning with prefix
// and decodes each arriving fragment's payload as one url (spec §4.6
// notify; see internal/conn's PrefixWatchURLPrefix for the wire
// convention). The returned channel is closed once the watch ends, either
// because cancel was called or the underlying stream failed.
func (c *Client) WatchPrefix(ctx context.Context, prefix string) (<-chan string, func()) {
	sink := fragment.New(conn.WatchPrefixURL(prefix))
	out := make(chan string, 32)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer cancel()
		if err := c.conn.OpenSubscribeInto(subCtx, conn.WatchPrefixURL(prefix), conn.TransferStream, sink); err != nil {
			c.log.Debug("prefix watch ended", "prefix", prefix, "error", err)
		}
	}()

	wake := make(chan struct{}, 1)
	wakerID := sink.AddWaker(waker(func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	}))

	go func() {
		defer close(out)
		defer sink.RemoveWaker(wakerID)
		var object uint64
		for {
			f, ok := sink.Lookup(0, object, 0)
			if !ok {
				select {
				case <-wake:
				case <-subCtx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			select {
			case out <- string(f.Data):
			case <-subCtx.Done():
				return
			}
			object++
		}
	}()

	return out, cancel
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
