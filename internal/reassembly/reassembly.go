// Package reassembly consumes fragments from a cache and delivers whole,
// in-sequence objects upstream — to the next relay hop or a local consumer
// (spec §4.3). It is the "reassembling-receiver" capability named in the
// source-pattern notes (spec §9): a small, explicit operation set
// (on_fragment/on_final/on_close) standing in for the original's
// callback-and-void-pointer polymorphism.
//
// Grounded on internal/fragment's advance_next walk (itself grounded on
// _examples/original_source/lib/fragment.c) for cursor semantics, and on
// the event-type enumeration idiom in
// internal/rtmp/server/hooks/events.go for naming a small set of named
// occurrences — simplified here to direct synchronous calls, consistent
// with the single-threaded cooperative scheduler (spec §5: "no locking, no
// cross-thread shared state").
package reassembly

import "github.com/relaycore/quicrelay/internal/fragment"

// Consumer receives whole-object reassembly events.
type Consumer interface {
	// OnFragment delivers one in-sequence fragment of the object currently
	// being assembled.
	OnFragment(groupID, objectID, offset uint64, data []byte, isLastFragment bool)
	// OnFinal reports that the cache's announced end of media has been
	// reached by the reassembly cursor.
	OnFinal(groupID, objectID uint64)
	// OnClose reports that the underlying transport is gone.
	OnClose()
}

// Reassembler walks a cache's contiguous fragments in (group, object,
// offset) order and reports them to a Consumer as whole objects become
// available.
type Reassembler struct {
	cache    *fragment.Cache
	consumer Consumer
	wakerID  int

	nextGroupID, nextObjectID, nextOffset uint64
	sentFinal                             bool
	closed                                bool
}

// New attaches a reassembler to cache, starting at (0, 0, 0).
func New(cache *fragment.Cache, consumer Consumer) *Reassembler {
	r := &Reassembler{cache: cache, consumer: consumer}
	r.wakerID = cache.AddWaker(r)
	return r
}

// Wake implements fragment.Waker.
func (r *Reassembler) Wake() { r.Drain() }

// Position reports the reassembler's own in-sequence cursor, independent
// of the cache's next_*.
func (r *Reassembler) Position() (group, object, offset uint64) {
	return r.nextGroupID, r.nextObjectID, r.nextOffset
}

// Drain delivers every fragment newly available at the cursor, then
// checks whether the cursor has reached the cache's announced end.
func (r *Reassembler) Drain() {
	if r.closed {
		return
	}
	for {
		f, ok := r.cache.Lookup(r.nextGroupID, r.nextObjectID, r.nextOffset)
		if !ok {
			if r.nextOffset != 0 || r.nextObjectID == 0 {
				break
			}
			rollover, ok2 := r.cache.Lookup(r.nextGroupID+1, 0, 0)
			if !ok2 || rollover.NbObjectsPreviousGroup != r.nextObjectID {
				break
			}
			r.nextGroupID++
			r.nextObjectID = 0
			f = rollover
		}

		r.consumer.OnFragment(f.GroupID, f.ObjectID, f.Offset, f.Data, f.IsLastFragment)
		if f.IsLastFragment {
			r.nextObjectID++
			r.nextOffset = 0
		} else {
			r.nextOffset += uint64(len(f.Data))
		}
	}

	if !r.sentFinal {
		if g, o, ok := r.cache.FinalPosition(); ok && r.nextGroupID == g && r.nextObjectID == o && r.nextOffset == 0 {
			r.sentFinal = true
			r.consumer.OnFinal(g, o)
		}
	}
}

// Close detaches the reassembler from its cache and reports transport
// teardown to the consumer (spec §5 cancellation).
func (r *Reassembler) Close() {
	if r.closed {
		return
	}
	r.closed = true
	r.cache.RemoveWaker(r.wakerID)
	r.consumer.OnClose()
}
