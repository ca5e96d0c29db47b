// Package ack implements the per-sender-stream datagram ack tracker (spec
// §4.4): it orders outstanding datagram fragments by (group, object,
// offset) and advances a horizon below which every fragment is known
// delivered, so the tracker can forget completed runs in O(1) state.
//
// Grounded on the same ordered-advance idiom used by internal/fragment's
// advance_next (itself grounded on
// _examples/original_source/lib/fragment.c); the ack tracker's horizon
// collapse is the same "walk forward through contiguous, now-satisfied
// positions" shape applied to acked-ness instead of presence.
package ack

import (
	"fmt"

	"github.com/tidwall/btree"
)

// Entry is one outstanding (or recently resolved) datagram fragment (spec
// §3 "Datagram ack entry").
type Entry struct {
	GroupID                uint64
	ObjectID               uint64
	Offset                 uint64
	Length                 uint64
	IsLastFragment         bool
	Flags                  uint8
	NbObjectsPreviousGroup uint64
	IsAcked                bool
	FECNeeded              bool
	LastSentTime           uint64
	QueueDelay             uint64
	Payload                []byte
}

func lessByPosition(a, b *Entry) bool {
	if a.GroupID != b.GroupID {
		return a.GroupID < b.GroupID
	}
	if a.ObjectID != b.ObjectID {
		return a.ObjectID < b.ObjectID
	}
	return a.Offset < b.Offset
}

// InitResult reports what Init did.
type InitResult int

const (
	Inserted InitResult = iota
	AlreadyPresent
)

// Tracker is a per-sender-stream datagram ack tracker.
type Tracker struct {
	byPos                                          *btree.BTreeG[*Entry]
	horizonGroupID, horizonObjectID, horizonOffset uint64
}

// New creates an empty tracker with its horizon at (0, 0, 0).
func New() *Tracker {
	return &Tracker{byPos: btree.NewBTreeG[*Entry](lessByPosition)}
}

// Horizon returns the position below which every fragment is known
// delivered.
func (t *Tracker) Horizon() (group, object, offset uint64) {
	return t.horizonGroupID, t.horizonObjectID, t.horizonOffset
}

// Len reports how many entries remain outstanding.
func (t *Tracker) Len() int { return t.byPos.Len() }

// Init registers a freshly sent fragment, unless it already lies below
// the horizon or is already tracked (spec §4.4 init).
func (t *Tracker) Init(e Entry) (InitResult, error) {
	if t.belowHorizon(e.GroupID, e.ObjectID, e.Offset) {
		return AlreadyPresent, nil
	}
	key := &Entry{GroupID: e.GroupID, ObjectID: e.ObjectID, Offset: e.Offset}
	if _, ok := t.byPos.Get(key); ok {
		return AlreadyPresent, nil
	}
	stored := e
	t.byPos.Set(&stored)
	return Inserted, nil
}

func (t *Tracker) belowHorizon(group, object, offset uint64) bool {
	if group != t.horizonGroupID {
		return group < t.horizonGroupID
	}
	if object != t.horizonObjectID {
		return object < t.horizonObjectID
	}
	return offset < t.horizonOffset
}

// Ack marks a fragment delivered and collapses the horizon past any now
// contiguous, fully-acked run (spec §4.4 ack).
func (t *Tracker) Ack(group, object, offset uint64) error {
	key := &Entry{GroupID: group, ObjectID: object, Offset: offset}
	e, ok := t.byPos.Get(key)
	if !ok {
		return nil // already collapsed into the horizon, or never tracked
	}
	e.IsAcked = true
	t.collapse()
	return nil
}

// Spurious treats a spurious-loss notification as an ack (spec §4.4).
func (t *Tracker) Spurious(group, object, offset uint64) error {
	return t.Ack(group, object, offset)
}

func (t *Tracker) collapse() {
	for {
		key := &Entry{GroupID: t.horizonGroupID, ObjectID: t.horizonObjectID, Offset: t.horizonOffset}
		if e, ok := t.byPos.Get(key); ok && e.IsAcked {
			t.applyCollapse(e)
			continue
		}
		if t.horizonOffset == 0 && t.horizonObjectID > 0 {
			rk := &Entry{GroupID: t.horizonGroupID + 1, ObjectID: 0, Offset: 0}
			if e, ok := t.byPos.Get(rk); ok && e.IsAcked && e.NbObjectsPreviousGroup == t.horizonObjectID {
				t.horizonGroupID++
				t.horizonObjectID = 0
				t.horizonOffset = 0
				t.applyCollapse(e)
				continue
			}
		}
		return
	}
}

func (t *Tracker) applyCollapse(e *Entry) {
	t.byPos.Delete(e)
	if e.IsLastFragment {
		t.horizonObjectID++
		t.horizonOffset = 0
	} else {
		t.horizonOffset += e.Length
	}
}

// RetransmitPiece is a fragment (or split half of one) that must be
// re-sent, either as a requeued datagram or as a stream repair message.
type RetransmitPiece struct {
	Entry   Entry
	Payload []byte
}

// Lost handles a reported datagram loss (spec §4.4 lost). If the entry is
// still outstanding, not yet acked, and was not re-sent more recently than
// sentTime, it is marked fec_needed and re-queued for retransmission. When
// the payload plus header would exceed maxDatagramPayload (the transport's
// whole per-datagram budget; each piece's payload gets at most
// maxDatagramPayload minus headerOverhead bytes), the payload is split:
// the original entry is shrunk to the head piece with is_last_fragment
// cleared, and a new tracker entry is inserted for the tail piece, which
// alone preserves the original is_last_fragment value.
func (t *Tracker) Lost(group, object, offset, sentTime uint64, maxDatagramPayload, headerOverhead int) ([]RetransmitPiece, error) {
	key := &Entry{GroupID: group, ObjectID: object, Offset: offset}
	e, ok := t.byPos.Get(key)
	if !ok || e.IsAcked || e.LastSentTime > sentTime {
		return nil, nil
	}
	return t.splitForRetransmit(e, sentTime, maxDatagramPayload, headerOverhead)
}

// Sweep finds every unacked entry last sent more than timeout microseconds
// before now and re-queues it for retransmission, exactly as Lost would.
// It stands in for the per-datagram loss notification spec §4.4 expects
// from the transport: quic-go's Conn seam (internal/transport) exposes no
// such callback, so the tracker instead treats "no ack within timeout" as
// loss. Entries that do eventually get acked are simply redundant resends,
// left to the receiver's existing dedup/overlap handling in
// internal/fragment.
func (t *Tracker) Sweep(now uint64, timeout uint64, maxDatagramPayload, headerOverhead int) ([]RetransmitPiece, error) {
	var due []*Entry
	t.byPos.Scan(func(e *Entry) bool {
		if !e.IsAcked && now-e.LastSentTime >= timeout {
			due = append(due, e)
		}
		return true
	})

	var pieces []RetransmitPiece
	for _, e := range due {
		p, err := t.splitForRetransmit(e, now, maxDatagramPayload, headerOverhead)
		if err != nil {
			return pieces, err
		}
		pieces = append(pieces, p...)
	}
	return pieces, nil
}

func (t *Tracker) splitForRetransmit(e *Entry, sentTime uint64, maxDatagramPayload, headerOverhead int) ([]RetransmitPiece, error) {
	e.FECNeeded = true
	originalIsLast := e.IsLastFragment
	offset := e.Offset
	data := e.Payload

	maxPieceLen := maxDatagramPayload - headerOverhead
	if maxPieceLen <= 0 {
		return nil, fmt.Errorf("ack: datagram payload budget %d too small for header overhead %d", maxDatagramPayload, headerOverhead)
	}

	if uint64(len(data)) <= uint64(maxPieceLen) {
		e.LastSentTime = sentTime
		return []RetransmitPiece{{Entry: *e, Payload: append([]byte(nil), data...)}}, nil
	}

	firstLen := uint64(maxPieceLen)
	tailOffset := offset + firstLen
	tailData := append([]byte(nil), data[firstLen:]...)

	e.Length = firstLen
	e.IsLastFragment = false
	e.Payload = data[:firstLen]
	e.LastSentTime = sentTime
	first := RetransmitPiece{Entry: *e, Payload: append([]byte(nil), e.Payload...)}

	tailEntry := Entry{
		GroupID: e.GroupID, ObjectID: e.ObjectID, Offset: tailOffset,
		Length: uint64(len(data)) - firstLen, IsLastFragment: originalIsLast,
		Flags: e.Flags, NbObjectsPreviousGroup: 0, LastSentTime: sentTime,
		QueueDelay: e.QueueDelay, Payload: tailData,
	}
	stored := tailEntry
	t.byPos.Set(&stored)
	second := RetransmitPiece{Entry: stored, Payload: tailData}

	return []RetransmitPiece{first, second}, nil
}
