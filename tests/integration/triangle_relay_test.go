package integration

import (
	"context"
	"testing"
	"time"

	"github.com/relaycore/quicrelay/internal/client"
	"github.com/relaycore/quicrelay/internal/fragment"
	"github.com/relaycore/quicrelay/internal/node"
)

// TestTriangleRelayPublishThroughOriginSubscribeThroughRelay publishes
// directly to an origin node and subscribes through a separate relay node
// sitting upstream of it, exercising the relay's lazy-upstream-subscribe
// composition rule (spec §4.6) over real QUIC sockets.
func TestTriangleRelayPublishThroughOriginSubscribeThroughRelay(t *testing.T) {
	const url = "s://room/video"

	origin := startNode(t, node.Config{})
	relay := startNode(t, node.Config{Upstream: origin.Addr()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub, err := client.Dial(ctx, origin.Addr(), clientTLSConfig(), nil)
	if err != nil {
		t.Fatalf("dial origin: %v", err)
	}
	defer pub.Close()

	source := fragment.New(url)
	for i, chunk := range []string{"chunk-0", "chunk-1", "chunk-2"} {
		if err := source.Propose(fragment.Fragment{
			ObjectID: uint64(i), Data: []byte(chunk), IsLastFragment: true,
		}, uint64(i)+1); err != nil {
			t.Fatalf("propose chunk %d: %v", i, err)
		}
	}
	source.LearnEnd(0, 3)

	publishDone := make(chan error, 1)
	go func() { publishDone <- pub.PublishFrom(ctx, url, source) }()

	sub, err := client.Dial(ctx, relay.Addr(), clientTLSConfig(), nil)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	defer sub.Close()

	sink := fragment.New(url)
	subCtx, subCancel := context.WithTimeout(ctx, 10*time.Second)
	defer subCancel()
	if err := sub.SubscribeInto(subCtx, url, sink); err != nil {
		t.Fatalf("subscribe through relay: %v", err)
	}

	select {
	case err := <-publishDone:
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("publish never finished")
	}

	for i, want := range []string{"chunk-0", "chunk-1", "chunk-2"} {
		f, ok := sink.Lookup(0, uint64(i), 0)
		if !ok {
			t.Fatalf("object %d missing from relayed sink", i)
		}
		if string(f.Data) != want {
			t.Fatalf("object %d = %q, want %q", i, f.Data, want)
		}
	}
	if g, o, ok := sink.FinalPosition(); !ok || g != 0 || o != 3 {
		t.Fatalf("final position = (%d,%d,%v), want (0,3,true)", g, o, ok)
	}
}
