package ack

import "testing"

func TestInitRejectsBelowHorizon(t *testing.T) {
	tr := New()
	if err := mustAck(t, tr, 0, 0, 0, []byte("a"), true); err != nil {
		t.Fatalf("init+ack: %v", err)
	}
	res, err := tr.Init(Entry{GroupID: 0, ObjectID: 0, Offset: 0, Length: 1})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if res != AlreadyPresent {
		t.Fatalf("expected re-init below horizon to report AlreadyPresent, got %v", res)
	}
}

func mustAck(t *testing.T, tr *Tracker, group, object, offset uint64, payload []byte, isLast bool) error {
	t.Helper()
	res, err := tr.Init(Entry{GroupID: group, ObjectID: object, Offset: offset, Length: uint64(len(payload)), IsLastFragment: isLast, Payload: payload})
	if err != nil {
		return err
	}
	if res != Inserted {
		t.Fatalf("expected Inserted, got %v", res)
	}
	return tr.Ack(group, object, offset)
}

func TestAckHorizonProgressInAnyOrder(t *testing.T) {
	tr := New()
	pieces := []struct {
		offset uint64
		data   string
		last   bool
	}{
		{0, "AAAA", false},
		{4, "BBBB", false},
		{8, "CC", true},
	}
	for _, p := range pieces {
		if _, err := tr.Init(Entry{GroupID: 0, ObjectID: 0, Offset: p.offset, Length: uint64(len(p.data)), IsLastFragment: p.last, Payload: []byte(p.data)}); err != nil {
			t.Fatalf("init: %v", err)
		}
	}
	// Ack out of order: middle, last, first.
	if err := tr.Ack(0, 0, 4); err != nil {
		t.Fatalf("ack middle: %v", err)
	}
	if tr.Len() != 3 {
		t.Fatalf("horizon must not advance until the first piece is acked")
	}
	if err := tr.Ack(0, 0, 8); err != nil {
		t.Fatalf("ack last: %v", err)
	}
	if tr.Len() != 3 {
		t.Fatalf("horizon must still not advance: the first piece is still unacked")
	}
	if err := tr.Ack(0, 0, 0); err != nil {
		t.Fatalf("ack first: %v", err)
	}
	g, o, off := tr.Horizon()
	if g != 0 || o != 1 || off != 0 {
		t.Fatalf("expected horizon at object end (0,1,0), got (%d,%d,%d)", g, o, off)
	}
	if tr.Len() != 0 {
		t.Fatalf("tracker should be empty once the object's horizon is reached, got %d entries", tr.Len())
	}
}

func TestHorizonRolloverAcrossGroups(t *testing.T) {
	tr := New()
	if _, err := tr.Init(Entry{GroupID: 0, ObjectID: 0, Offset: 0, Length: 1, IsLastFragment: true, Payload: []byte("a")}); err != nil {
		t.Fatalf("init g0/o0: %v", err)
	}
	if _, err := tr.Init(Entry{GroupID: 1, ObjectID: 0, Offset: 0, Length: 1, IsLastFragment: true, NbObjectsPreviousGroup: 1, Payload: []byte("b")}); err != nil {
		t.Fatalf("init g1/o0: %v", err)
	}
	if err := tr.Ack(1, 0, 0); err != nil {
		t.Fatalf("ack g1/o0: %v", err)
	}
	if tr.Len() != 2 {
		t.Fatalf("horizon must not skip ahead of an unacked earlier object")
	}
	if err := tr.Ack(0, 0, 0); err != nil {
		t.Fatalf("ack g0/o0: %v", err)
	}
	g, o, _ := tr.Horizon()
	if g != 1 || o != 1 {
		t.Fatalf("expected horizon to roll over into group 1, got (%d,%d)", g, o)
	}
}

func TestLostRequeuesWithoutSplit(t *testing.T) {
	tr := New()
	payload := []byte("hello world")
	if _, err := tr.Init(Entry{GroupID: 0, ObjectID: 0, Offset: 0, Length: uint64(len(payload)), IsLastFragment: true, LastSentTime: 100, Payload: payload}); err != nil {
		t.Fatalf("init: %v", err)
	}
	pieces, err := tr.Lost(0, 0, 0, 100, 1200, 16)
	if err != nil {
		t.Fatalf("lost: %v", err)
	}
	if len(pieces) != 1 {
		t.Fatalf("expected 1 retransmit piece, got %d", len(pieces))
	}
	if string(pieces[0].Payload) != string(payload) || !pieces[0].Entry.IsLastFragment {
		t.Fatalf("unexpected retransmit piece: %+v", pieces[0])
	}
	if !pieces[0].Entry.FECNeeded {
		t.Fatalf("expected fec_needed to be set")
	}
}

func TestLostStaleNotificationIsIgnored(t *testing.T) {
	tr := New()
	payload := []byte("x")
	if _, err := tr.Init(Entry{GroupID: 0, ObjectID: 0, Offset: 0, Length: 1, IsLastFragment: true, LastSentTime: 200, Payload: payload}); err != nil {
		t.Fatalf("init: %v", err)
	}
	pieces, err := tr.Lost(0, 0, 0, 100, 1200, 16) // sentTime < entry's LastSentTime: stale
	if err != nil {
		t.Fatalf("lost: %v", err)
	}
	if pieces != nil {
		t.Fatalf("a stale loss notification must not trigger retransmission")
	}
}

func TestLostAfterAckIsIgnored(t *testing.T) {
	tr := New()
	payload := []byte("x")
	if err := mustAck(t, tr, 0, 0, 0, payload, true); err != nil {
		t.Fatalf("init+ack: %v", err)
	}
	pieces, err := tr.Lost(0, 0, 0, 0, 1200, 16)
	if err != nil {
		t.Fatalf("lost: %v", err)
	}
	if pieces != nil {
		t.Fatalf("an already-acked (and since collapsed) entry must not be retransmitted")
	}
}

func TestLostSplitsOversizedPayload(t *testing.T) {
	tr := New()
	payload := make([]byte, 30)
	for i := range payload {
		payload[i] = byte(i)
	}
	if _, err := tr.Init(Entry{GroupID: 0, ObjectID: 0, Offset: 0, Length: uint64(len(payload)), IsLastFragment: true, LastSentTime: 10, Payload: payload}); err != nil {
		t.Fatalf("init: %v", err)
	}
	pieces, err := tr.Lost(0, 0, 0, 10, 20 /* max datagram payload */, 4 /* header overhead */)
	if err != nil {
		t.Fatalf("lost: %v", err)
	}
	if len(pieces) != 2 {
		t.Fatalf("expected the oversized payload to split into 2 pieces, got %d", len(pieces))
	}
	first, second := pieces[0], pieces[1]
	if first.Entry.IsLastFragment {
		t.Fatalf("the head piece must not carry is_last_fragment")
	}
	if !second.Entry.IsLastFragment {
		t.Fatalf("the tail piece must carry is_last_fragment")
	}
	if second.Entry.Offset != first.Entry.Offset+first.Entry.Length {
		t.Fatalf("tail piece must start where the head piece ends: head=%d+%d tail_offset=%d",
			first.Entry.Offset, first.Entry.Length, second.Entry.Offset)
	}
	combined := append(append([]byte{}, first.Payload...), second.Payload...)
	if string(combined) != string(payload) {
		t.Fatalf("split pieces must reassemble to the original payload")
	}
	// Both halves must now be independently ackable.
	if err := tr.Ack(0, 0, first.Entry.Offset); err != nil {
		t.Fatalf("ack head: %v", err)
	}
	if err := tr.Ack(0, 0, second.Entry.Offset); err != nil {
		t.Fatalf("ack tail: %v", err)
	}
	if tr.Len() != 0 {
		t.Fatalf("expected tracker empty after both split pieces acked, got %d", tr.Len())
	}
}

func TestSpuriousActsLikeAck(t *testing.T) {
	tr := New()
	if _, err := tr.Init(Entry{GroupID: 0, ObjectID: 0, Offset: 0, Length: 1, IsLastFragment: true, Payload: []byte("a")}); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := tr.Spurious(0, 0, 0); err != nil {
		t.Fatalf("spurious: %v", err)
	}
	if tr.Len() != 0 {
		t.Fatalf("spurious notification should collapse the horizon like an ack")
	}
}
