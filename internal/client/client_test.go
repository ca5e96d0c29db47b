package client

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/relaycore/quicrelay/internal/conn"
	"github.com/relaycore/quicrelay/internal/fragment"
	"github.com/relaycore/quicrelay/internal/publisher"
)

func TestNullRegistryRejectsEveryInboundRequest(t *testing.T) {
	var r nullRegistry

	if _, err := r.Subscribe("s://a"); err == nil {
		t.Fatalf("expected Subscribe to be rejected")
	}
	if _, err := r.Publish("s://a"); err == nil {
		t.Fatalf("expected Publish to be rejected")
	}
	ch, cancel := r.WatchPrefix("s://")
	defer cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected WatchPrefix's channel to be closed immediately")
	}
}

// watchRegistry serves a single fixed cache for whatever url a client
// subscribes to, standing in for the notify cache node.prefixFeedCache
// builds in production.
type watchRegistry struct {
	url   string
	cache *fragment.Cache
}

func (r *watchRegistry) Subscribe(url string) (*fragment.Cache, error) { return r.cache, nil }
func (r *watchRegistry) Publish(url string) (*fragment.Cache, error)   { return r.cache, nil }
func (r *watchRegistry) WatchPrefix(prefix string) (<-chan string, func()) {
	return make(chan string), func() {}
}
func (r *watchRegistry) AttachPublisher(url string, pub *publisher.Publisher) {}
func (r *watchRegistry) DetachPublisher(url string, pub *publisher.Publisher) {}

func TestClientWatchPrefixDecodesNotifiedURLsInOrder(t *testing.T) {
	const prefix = "room/"
	watchURL := conn.WatchPrefixURL(prefix)

	cache := fragment.New(watchURL)
	for i, url := range []string{"room/alice", "room/bob"} {
		if err := cache.Propose(fragment.Fragment{
			ObjectID: uint64(i), Data: []byte(url), IsLastFragment: true,
		}, uint64(i)+1); err != nil {
			t.Fatalf("propose: %v", err)
		}
	}

	serverSide, clientSide := newFakeConnPair("server", "client")
	registry := &watchRegistry{url: watchURL, cache: cache}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverConn := conn.New(serverSide, registry, conn.RoleServer, nil)
	go serverConn.Run(ctx)
	defer serverConn.Close()

	c := &Client{qc: clientSide, conn: conn.New(clientSide, nullRegistry{}, conn.RoleClient, nil), log: slog.Default()}
	defer c.Close()

	out, watchCancel := c.WatchPrefix(ctx, prefix)
	defer watchCancel()

	for _, want := range []string{"room/alice", "room/bob"} {
		select {
		case got := <-out:
			if got != want {
				t.Fatalf("got %q, want %q", got, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}
