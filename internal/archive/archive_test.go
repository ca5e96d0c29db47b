package archive

import "testing"

func TestSinkBlobNameSanitizesURLAndPadsIDs(t *testing.T) {
	s := &Sink{}
	got := s.blobName("s://room/alice", 1, 42)
	want := "s:__room_alice/00000000000000000001-00000000000000000042"
	if got != want {
		t.Fatalf("blobName() = %q, want %q", got, want)
	}
}

func TestSinkBlobNameTrimsLeadingSlash(t *testing.T) {
	s := &Sink{}
	got := s.blobName("/room/alice", 0, 0)
	want := "room_alice/00000000000000000000-00000000000000000000"
	if got != want {
		t.Fatalf("blobName() = %q, want %q", got, want)
	}
}

// objectCollector buffers an in-flight object's fragments across calls and
// resets when a new (group, object) pair appears, without ever touching
// the network: exercised here only up to (not including) the isLastFragment
// fragment that would trigger an upload.
func TestObjectCollectorBuffersFragmentsUntilGroupOrObjectChanges(t *testing.T) {
	s := &Sink{}
	c := &objectCollector{sink: s, url: "s://room/alice"}

	c.OnFragment(0, 0, 0, []byte("hel"), false)
	c.OnFragment(0, 0, 3, []byte("lo"), false)
	if got := c.buf.String(); got != "hello" {
		t.Fatalf("buffered = %q, want %q", got, "hello")
	}
	if !c.haveCurrent || c.curGroup != 0 || c.curObj != 0 {
		t.Fatalf("expected current (group,object)=(0,0), got (%d,%d) have=%v", c.curGroup, c.curObj, c.haveCurrent)
	}

	// A new object arrives before the previous one's terminator: the
	// collector must drop the stale bytes rather than concatenate them.
	c.OnFragment(0, 1, 0, []byte("world"), false)
	if got := c.buf.String(); got != "world" {
		t.Fatalf("buffered after object change = %q, want %q", got, "world")
	}
	if c.curObj != 1 {
		t.Fatalf("expected curObj to advance to 1, got %d", c.curObj)
	}
}
