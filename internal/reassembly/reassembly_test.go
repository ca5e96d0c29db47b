package reassembly

import (
	"testing"

	"github.com/relaycore/quicrelay/internal/fragment"
)

type recordingConsumer struct {
	fragments []string
	finals    [][2]uint64
	closed    bool
}

func (c *recordingConsumer) OnFragment(group, object, offset uint64, data []byte, isLast bool) {
	c.fragments = append(c.fragments, string(data))
}

func (c *recordingConsumer) OnFinal(group, object uint64) {
	c.finals = append(c.finals, [2]uint64{group, object})
}

func (c *recordingConsumer) OnClose() { c.closed = true }

func TestReassemblerDeliversInSequenceOnly(t *testing.T) {
	c := fragment.New("s://a")
	consumer := &recordingConsumer{}
	r := New(c, consumer)

	if err := c.Propose(fragment.Fragment{GroupID: 0, ObjectID: 0, Offset: 2, Data: []byte("llo")}, 0); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(consumer.fragments) != 0 {
		t.Fatalf("must not deliver a fragment that isn't at the in-sequence cursor yet")
	}
	if err := c.Propose(fragment.Fragment{GroupID: 0, ObjectID: 0, Offset: 0, Data: []byte("he")}, 1); err != nil {
		t.Fatalf("propose: %v", err)
	}
	r.Drain()
	if len(consumer.fragments) != 2 {
		t.Fatalf("expected both pieces delivered once contiguous, got %v", consumer.fragments)
	}
	joined := consumer.fragments[0] + consumer.fragments[1]
	if joined != "hello" {
		t.Fatalf("expected reassembled bytes \"hello\", got %q", joined)
	}
}

func TestReassemblerReportsFinal(t *testing.T) {
	c := fragment.New("s://a")
	consumer := &recordingConsumer{}
	New(c, consumer)

	if err := c.Propose(fragment.Fragment{GroupID: 0, ObjectID: 0, Offset: 0, Data: []byte("x"), IsLastFragment: true}, 0); err != nil {
		t.Fatalf("propose: %v", err)
	}
	c.LearnEnd(0, 1)
	if len(consumer.finals) != 1 || consumer.finals[0] != [2]uint64{0, 1} {
		t.Fatalf("expected OnFinal(0,1) once the cursor reaches the announced end, got %v", consumer.finals)
	}
}

func TestReassemblerCloseNotifiesOnceAndDetaches(t *testing.T) {
	c := fragment.New("s://a")
	consumer := &recordingConsumer{}
	r := New(c, consumer)
	r.Close()
	if !consumer.closed {
		t.Fatalf("expected OnClose to fire")
	}
	consumer.closed = false
	r.Close()
	if consumer.closed {
		t.Fatalf("OnClose must fire only once")
	}
	// After Close, the cache must no longer notify this reassembler.
	if err := c.Propose(fragment.Fragment{GroupID: 0, ObjectID: 0, Offset: 0, Data: []byte("x"), IsLastFragment: true}, 0); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if len(consumer.fragments) != 0 {
		t.Fatalf("a closed reassembler must not keep draining")
	}
}

func TestReassemblerGroupRollover(t *testing.T) {
	c := fragment.New("s://a")
	consumer := &recordingConsumer{}
	r := New(c, consumer)
	if err := c.Propose(fragment.Fragment{GroupID: 0, ObjectID: 0, Offset: 0, Data: []byte("a"), IsLastFragment: true}, 0); err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := c.Propose(fragment.Fragment{GroupID: 1, ObjectID: 0, Offset: 0, Data: []byte("b"), IsLastFragment: true, NbObjectsPreviousGroup: 1}, 1); err != nil {
		t.Fatalf("propose: %v", err)
	}
	r.Drain()
	g, o, off := r.Position()
	if g != 1 || o != 1 || off != 0 {
		t.Fatalf("expected reassembler cursor to roll over into group 1, got (%d,%d,%d)", g, o, off)
	}
	if len(consumer.fragments) != 2 {
		t.Fatalf("expected both objects delivered across the rollover, got %v", consumer.fragments)
	}
}
