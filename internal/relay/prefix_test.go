package relay

import (
	"testing"
	"time"
)

func TestPrefixWatcherMatchesOnlyMatchingPrefix(t *testing.T) {
	pw := NewPrefixWatcher()
	ch, cancel := pw.Watch("quicr://room/")
	defer cancel()

	pw.NotifyAll("quicr://other/stream")
	pw.NotifyAll("quicr://room/alice")

	select {
	case url := <-ch:
		if url != "quicr://room/alice" {
			t.Fatalf("got %q, want quicr://room/alice", url)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for matching notification")
	}

	select {
	case url := <-ch:
		t.Fatalf("unexpected second notification: %q", url)
	default:
	}
}

func TestPrefixWatcherFansOutToEveryMatchingWatcher(t *testing.T) {
	pw := NewPrefixWatcher()
	ch1, cancel1 := pw.Watch("quicr://")
	defer cancel1()
	ch2, cancel2 := pw.Watch("quicr://room/")
	defer cancel2()

	pw.NotifyAll("quicr://room/bob")

	for _, ch := range []<-chan string{ch1, ch2} {
		select {
		case url := <-ch:
			if url != "quicr://room/bob" {
				t.Fatalf("got %q, want quicr://room/bob", url)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for notification")
		}
	}
}

func TestPrefixWatcherCancelStopsDelivery(t *testing.T) {
	pw := NewPrefixWatcher()
	ch, cancel := pw.Watch("quicr://")
	cancel()

	pw.NotifyAll("quicr://anything")

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatalf("expected channel closed after cancel, got a value")
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for closed channel read")
	}
}

func TestPrefixWatcherNotifyAllDoesNotBlockOnFullChannel(t *testing.T) {
	pw := NewPrefixWatcher()
	_, cancel := pw.Watch("quicr://")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			pw.NotifyAll("quicr://flood")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("NotifyAll appears to block once the watcher's buffer fills")
	}
}
