package conn

import (
	"context"
	"testing"
	"time"

	"github.com/relaycore/quicrelay/internal/fragment"
	"github.com/relaycore/quicrelay/internal/wire"
)

// TestDatagramSubscriberRequestsRepairForDroppedFragment simulates one
// object's datagram never reaching the subscriber (fakeConn drops every
// attempt, including the ack tracker's own retries) and checks that the
// gap this leaves in the sink cache's contiguous sequence drives a
// REQUEST_REPAIR/REPAIR round trip over the control stream that fills it
// back in, rather than the subscriber just stalling on the hole forever.
func TestDatagramSubscriberRequestsRepairForDroppedFragment(t *testing.T) {
	const url = "quicr://test/lossy"
	registry := newTestRegistry()

	source := registry.getOrCreate(url)
	chunks := [][]byte{[]byte("object-0"), []byte("object-1"), []byte("object-2")}
	// currentTime is real wall-clock microseconds, not a toy counter: the
	// datagram congestion oracle compares a fragment's cache time against
	// DatagramNext's own real "now" to decide whether it's backlogged, and
	// would otherwise treat every fragment here as arriving hopelessly late
	// and skip it outright instead of sending it.
	now := uint64(time.Now().UnixMicro())
	for i, chunk := range chunks {
		if err := source.Propose(fragment.Fragment{
			ObjectID: uint64(i), Data: chunk, IsLastFragment: true,
		}, now); err != nil {
			t.Fatalf("propose object %d: %v", i, err)
		}
	}
	// Deliberately no source.LearnEnd here: DatagramFinished only reports
	// done once the source's final position is known, so the server-side
	// session keeps its control stream open (and so still able to answer a
	// REQUEST_REPAIR) for as long as the test needs, rather than racing a
	// premature FIN_DATAGRAM/close against the repair round trip.

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverSide, clientSide := newFakeConnPair("server", "client")
	serverSide.dropDatagram = func(hdr wire.DatagramHeader) bool {
		return hdr.ObjectID == 1
	}

	serverConn := New(serverSide, registry, RoleServer, nil)
	go serverConn.Run(ctx)
	defer serverConn.Close()

	clientConn := New(clientSide, registry, RoleClient, nil)
	// Run starts clientConn's own receiveDatagramLoop: in datagram mode the
	// subscriber's incoming media arrives on that connection-level loop,
	// not on the OpenSubscribeInto call itself.
	go clientConn.Run(ctx)
	defer clientConn.Close()

	sink := fragment.New(url)
	subCtx, subCancel := context.WithTimeout(ctx, 10*time.Second)
	defer subCancel()
	go func() { _ = clientConn.OpenSubscribeInto(subCtx, url, TransferDatagram, sink) }()

	deadline := time.Now().Add(5 * time.Second)

	// clientSink is the same *datagramSink runSubscribe registers on
	// clientConn; fetched through the connection's own lock rather than
	// touching sink directly, since sink is also being written to by that
	// connection's receiveDatagramLoop and control-stream goroutines.
	var clientSink *datagramSink
	for clientSink == nil {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered a datagram sink")
		}
		clientConn.mu.Lock()
		for _, s := range clientConn.datagramSinks {
			clientSink = s
			break
		}
		clientConn.mu.Unlock()
		if clientSink == nil {
			time.Sleep(5 * time.Millisecond)
		}
	}

	for i, want := range chunks {
		for {
			if f, ok := clientSink.lookup(0, uint64(i), 0); ok {
				if string(f.Data) != string(want) {
					t.Fatalf("object %d = %q, want %q", i, f.Data, want)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("object %d never arrived (repair request never filled the gap)", i)
			}
			time.Sleep(10 * time.Millisecond)
		}
	}
}
