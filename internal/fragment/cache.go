// Package fragment implements the per-URL fragment cache (spec §4.1): an
// ordered map keyed by (group_id, object_id, offset) for position lookups
// and stream-order iteration, plus a parallel arrival-order doubly linked
// list for datagram forwarding that must not reorder fragments.
//
// Grounded on _examples/original_source/lib/fragment.c
// (quicrq_fragment_propose_to_cache / quicrq_fragment_cache_progress /
// quicrq_fragment_cache_media_purge), reworked from an intrusive splay tree
// plus raw pointers into an ordered B-tree (github.com/tidwall/btree) plus a
// plain Go doubly linked list of *entry nodes. Deleting a node only splices
// its neighbors; a node's own next/prev fields are left untouched, so a
// cursor that already holds a pointer to a removed node can still walk
// forward through it (see deleteEntry and Handle.Next) without needing
// generation counters or reference counting.
package fragment

import (
	"github.com/tidwall/btree"
)

// Fragment is an immutable slice of an object's byte range (spec §3).
type Fragment struct {
	GroupID                uint64
	ObjectID               uint64
	Offset                 uint64
	Data                   []byte
	IsLastFragment         bool
	Flags                  uint8
	QueueDelay             uint64
	NbObjectsPreviousGroup uint64
	CacheTime              uint64
}

// entry is a cached fragment plus its position in both orderings.
type entry struct {
	Fragment
	prev, next *entry
}

func lessByPosition(a, b *entry) bool {
	if a.GroupID != b.GroupID {
		return a.GroupID < b.GroupID
	}
	if a.ObjectID != b.ObjectID {
		return a.ObjectID < b.ObjectID
	}
	return a.Offset < b.Offset
}

// Waker is notified when new data lands in the cache or its start/end
// bounds change, so a publisher blocked on "nothing to send" can re-evaluate
// (spec §4.1: "wake subscribers").
type Waker interface {
	Wake()
}

// Cache is a per-URL fragment store (spec §3 "Cache (per URL)").
type Cache struct {
	URL string

	byPos *btree.BTreeG[*entry]
	head  *entry // arrival order
	tail  *entry

	firstGroupID, firstObjectID           uint64
	nextGroupID, nextObjectID, nextOffset uint64
	hasFinal                              bool
	finalGroupID, finalObjectID           uint64
	nbObjectReceived                      uint64
	isClosed                              bool
	isCacheRealTime                       bool
	hasCacheDeleteTime                    bool
	cacheDeleteTime                       uint64

	wakers   map[int]Waker
	wakerSeq int
}

// New creates an empty cache for url.
func New(url string) *Cache {
	return &Cache{
		URL:    url,
		byPos:  btree.NewBTreeG[*entry](lessByPosition),
		wakers: make(map[int]Waker),
	}
}

// AddWaker registers w to be notified of cache changes and returns a
// handle for RemoveWaker.
func (c *Cache) AddWaker(w Waker) int {
	c.wakerSeq++
	id := c.wakerSeq
	c.wakers[id] = w
	return id
}

// RemoveWaker unregisters a waker previously added with AddWaker.
func (c *Cache) RemoveWaker(id int) { delete(c.wakers, id) }

func (c *Cache) wakeAll() {
	for _, w := range c.wakers {
		w.Wake()
	}
}

// FirstPosition returns the earliest (group, object) not yet purged.
func (c *Cache) FirstPosition() (uint64, uint64) { return c.firstGroupID, c.firstObjectID }

// NextPosition returns the in-sequence contiguous read position.
func (c *Cache) NextPosition() (uint64, uint64, uint64) {
	return c.nextGroupID, c.nextObjectID, c.nextOffset
}

// FinalPosition returns the announced end of media, if known.
func (c *Cache) FinalPosition() (group, object uint64, ok bool) {
	return c.finalGroupID, c.finalObjectID, c.hasFinal
}

// NbObjectReceived returns how many objects have been fully reassembled.
func (c *Cache) NbObjectReceived() uint64 { return c.nbObjectReceived }

// IsClosed reports whether the cache will admit no further fragments.
func (c *Cache) IsClosed() bool { return c.isClosed }

// Close marks the cache closed (no further Propose calls are meaningful).
func (c *Cache) Close() { c.isClosed = true }

// SetRealTime marks the cache as subject to periodic Purge.
func (c *Cache) SetRealTime() { c.isCacheRealTime = true }

// IsRealTime reports the cache purge policy.
func (c *Cache) IsRealTime() bool { return c.isCacheRealTime }

// SetCacheDeleteTime schedules eventual deletion once idle (spec §7 grace
// window, spec §3 cache_delete_time).
func (c *Cache) SetCacheDeleteTime(t uint64) {
	c.cacheDeleteTime = t
	c.hasCacheDeleteTime = true
}

// CacheDeleteTime returns the scheduled deletion time, if any.
func (c *Cache) CacheDeleteTime() (uint64, bool) { return c.cacheDeleteTime, c.hasCacheDeleteTime }

// ClearCacheDeleteTime cancels a pending scheduled deletion (e.g. a new
// writer reconnected within the grace window).
func (c *Cache) ClearCacheDeleteTime() { c.hasCacheDeleteTime = false }

// Head returns the arrival-order list head (nil if the cache is empty).
// Publishers in datagram mode iterate the cache via successive Next()
// calls on the handle returned here.
func (c *Cache) Head() Handle {
	if c.head == nil {
		return Handle{}
	}
	return Handle{e: c.head}
}

// Handle is an opaque cursor into the arrival-order list.
type Handle struct{ e *entry }

// Valid reports whether the handle refers to a fragment.
func (h Handle) Valid() bool { return h.e != nil }

// Fragment returns the fragment this handle refers to. Panics if !Valid().
func (h Handle) Fragment() Fragment { return h.e.Fragment }

// Next returns the handle for the next fragment in arrival order, or an
// invalid handle if h is the tail. Safe to call even if h's node has since
// been purged from the cache: the node's own Next link is preserved by
// deletion (see package doc).
func (h Handle) Next() Handle {
	if h.e == nil || h.e.next == nil {
		return Handle{}
	}
	return Handle{e: h.e.next}
}

// Lookup performs an exact-position lookup (spec §4.1).
func (c *Cache) Lookup(group, object, offset uint64) (Fragment, bool) {
	key := &entry{Fragment: Fragment{GroupID: group, ObjectID: object, Offset: offset}}
	e, ok := c.byPos.Get(key)
	if !ok {
		return Fragment{}, false
	}
	return e.Fragment, true
}

// findPrevious returns the greatest entry with key <= key's position, or
// nil (mirrors picosplay_find_previous).
func (c *Cache) findPrevious(key *entry) *entry {
	var result *entry
	c.byPos.Descend(key, func(item *entry) bool {
		result = item
		return false
	})
	return result
}

// predecessorOf returns the entry strictly before e in key order, or nil.
func (c *Cache) predecessorOf(e *entry) *entry {
	var result *entry
	first := true
	c.byPos.Descend(e, func(item *entry) bool {
		if first {
			first = false
			return true
		}
		result = item
		return false
	})
	return result
}

func (c *Cache) addToCache(f Fragment) *entry {
	e := &entry{Fragment: f}
	if c.tail == nil {
		c.head = e
	} else {
		e.prev = c.tail
		c.tail.next = e
	}
	c.tail = e
	c.byPos.Set(e)
	c.advanceNext()
	return e
}

// advanceNext implements spec §4.1 advance_next(): walk forward from the
// current in-sequence position, advancing past each contiguous piece, and
// rolling over to the next group when the current group's objects are
// exhausted.
func (c *Cache) advanceNext() {
	for {
		key := &entry{Fragment: Fragment{GroupID: c.nextGroupID, ObjectID: c.nextObjectID, Offset: c.nextOffset}}
		if e, ok := c.byPos.Get(key); ok {
			c.applyAdvance(e)
			continue
		}
		if c.nextOffset == 0 && c.nextObjectID > 0 {
			rk := &entry{Fragment: Fragment{GroupID: c.nextGroupID + 1, ObjectID: 0, Offset: 0}}
			if e, ok := c.byPos.Get(rk); ok && e.NbObjectsPreviousGroup == c.nextObjectID {
				c.nextGroupID++
				c.nextObjectID = 0
				c.nextOffset = 0
				c.applyAdvance(e)
				continue
			}
		}
		return
	}
}

func (c *Cache) applyAdvance(e *entry) {
	if e.IsLastFragment {
		c.nextObjectID++
		c.nextOffset = 0
	} else {
		c.nextOffset += uint64(len(e.Data))
	}
}

// Propose inserts a fragment, splitting it against existing coverage so the
// cache never stores overlapping runs (spec §4.1).
func (c *Cache) Propose(f Fragment, currentTime uint64) error {
	if f.GroupID < c.firstGroupID || (f.GroupID == c.firstGroupID && f.ObjectID < c.firstObjectID) {
		return nil // below retention horizon: not an error
	}

	dataWasAdded := false
	remaining := f.Data
	curOffset := f.Offset
	nbPrev := f.NbObjectsPreviousGroup
	trueEnd := f.Offset + uint64(len(f.Data))

	for len(remaining) > 0 {
		// The search key must track the current remaining span, not a fixed
		// sentinel: remaining's upper edge moves inward every time a piece
		// gets split off, and searching at the last byte still covered by
		// remaining is what lets findPrevious walk back past an entry this
		// same call already inserted, rather than finding it again forever.
		searchKey := &entry{Fragment: Fragment{GroupID: f.GroupID, ObjectID: f.ObjectID, Offset: curOffset + uint64(len(remaining)) - 1}}
		pred := c.findPrevious(searchKey)

		if pred == nil || pred.GroupID != f.GroupID || pred.ObjectID != f.ObjectID ||
			pred.Offset+uint64(len(pred.Data)) < curOffset {
			// No overlap: insert the whole remaining piece.
			end := curOffset + uint64(len(remaining))
			c.addToCache(Fragment{
				GroupID: f.GroupID, ObjectID: f.ObjectID, Offset: curOffset, Data: remaining,
				QueueDelay: f.QueueDelay, Flags: f.Flags, NbObjectsPreviousGroup: nbPrev,
				IsLastFragment: f.IsLastFragment && end == trueEnd, CacheTime: currentTime,
			})
			dataWasAdded = true
			remaining = nil
			break
		}

		previousLastByte := pred.Offset + uint64(len(pred.Data))
		if curOffset+uint64(len(remaining)) > previousLastByte {
			addedLen := curOffset + uint64(len(remaining)) - previousLastByte
			piece := remaining[uint64(len(remaining))-addedLen:]
			c.addToCache(Fragment{
				GroupID: f.GroupID, ObjectID: f.ObjectID, Offset: previousLastByte, Data: piece,
				QueueDelay: f.QueueDelay, Flags: f.Flags, NbObjectsPreviousGroup: nbPrev,
				IsLastFragment: f.IsLastFragment && curOffset+uint64(len(remaining)) == trueEnd, CacheTime: currentTime,
			})
			dataWasAdded = true
			remaining = remaining[:uint64(len(remaining))-addedLen]
			nbPrev = 0 // only the first inserted piece carries this
		}

		if curOffset >= pred.Offset {
			// What remains overlaps existing data entirely: drop it.
			remaining = nil
		} else if pred.Offset < curOffset+uint64(len(remaining)) {
			remaining = remaining[:pred.Offset-curOffset]
		} else {
			// pred lies fully before remaining; nothing to trim yet, but
			// we must still walk further back for an earlier predecessor.
		}
	}

	if dataWasAdded {
		c.wakeAll()
		if c.checkObjectComplete(f.GroupID, f.ObjectID) {
			c.nbObjectReceived++
		}
	}
	return nil
}

// checkObjectComplete walks backward from the highest-offset fragment of
// (group, object) and reports whether the chain from offset 0 is
// contiguous and ends in a last-fragment terminator (spec §4.1 step 5).
func (c *Cache) checkObjectComplete(group, object uint64) bool {
	key := &entry{Fragment: Fragment{GroupID: group, ObjectID: object, Offset: ^uint64(0)}}
	e := c.findPrevious(key)
	if e == nil || e.GroupID != group || e.ObjectID != object {
		return false
	}
	lastIsFinal := e.IsLastFragment
	prevOffset := e.Offset
	for lastIsFinal && prevOffset > 0 {
		pred := c.predecessorOf(e)
		if pred == nil || pred.GroupID != group || pred.ObjectID != object ||
			pred.Offset+uint64(len(pred.Data)) < prevOffset {
			lastIsFinal = false
		} else {
			prevOffset = pred.Offset
			e = pred
		}
	}
	return lastIsFinal
}

// LearnStart sets the retention horizon and purges everything strictly
// before it (spec §4.1 learn_start).
func (c *Cache) LearnStart(group, object uint64) {
	c.firstGroupID = group
	c.firstObjectID = object
	if c.nextGroupID < group || (c.nextGroupID == group && c.nextObjectID < object) {
		c.nextGroupID = group
		c.nextObjectID = object
		c.nextOffset = 0
	}
	for {
		first, ok := c.byPos.Min()
		if !ok {
			break
		}
		if first.GroupID > group || (first.GroupID == group && first.ObjectID >= object) {
			break
		}
		c.deleteEntry(first)
	}
	c.wakeAll()
}

// LearnEnd records the announced end of media (spec §4.1 learn_end).
func (c *Cache) LearnEnd(group, object uint64) {
	c.finalGroupID = group
	c.finalObjectID = object
	c.hasFinal = true
	c.wakeAll()
}

// deleteEntry removes e from both the ordered map and the arrival list.
// Only the neighbors' links are repaired; e's own next/prev are left
// intact so outstanding cursors can still walk through it.
func (c *Cache) deleteEntry(e *entry) {
	c.byPos.Delete(e)
	if e.prev == nil {
		c.head = e.next
	} else {
		e.prev.next = e.next
	}
	if e.next == nil {
		c.tail = e.prev
	} else {
		e.next.prev = e.prev
	}
}

// Purge drops fully-received objects older than maxAge, never advancing
// past keepAboveObjectID (the lowest read cursor among active publishers
// of this cache, computed by the caller — spec §4.1 purge, §4.6 cache
// purge policy). Only meaningful for real-time caches.
func (c *Cache) Purge(now, maxAge, keepAboveObjectID uint64) {
	for {
		first, ok := c.byPos.Min()
		if !ok {
			return
		}
		if first.ObjectID >= keepAboveObjectID || first.CacheTime+maxAge > now {
			return
		}
		shouldDelete := true
		if !c.isClosed {
			shouldDelete = first.Offset == 0
			if shouldDelete {
				shouldDelete = c.objectFullyBufferedPastAge(first, now, maxAge)
			}
		}
		if !shouldDelete {
			return
		}
		c.firstObjectID = first.ObjectID + 1
		for {
			next, ok := c.byPos.Min()
			if !ok || next.ObjectID >= c.firstObjectID {
				break
			}
			c.deleteEntry(next)
		}
	}
}

// objectFullyBufferedPastAge verifies that, walking forward from the first
// fragment of an object, every subsequent piece is contiguous, old enough,
// and the chain terminates in a last-fragment.
func (c *Cache) objectFullyBufferedPastAge(first *entry, now, maxAge uint64) bool {
	nextOffset := uint64(len(first.Data))
	if first.IsLastFragment {
		return true
	}
	cur := first
	for {
		nxt := c.successorOf(cur)
		if nxt == nil || nxt.ObjectID != first.ObjectID || nxt.CacheTime+maxAge > now || nxt.Offset != nextOffset {
			return false
		}
		nextOffset += uint64(len(nxt.Data))
		if nxt.IsLastFragment {
			return true
		}
		cur = nxt
	}
}

// successorOf returns the entry strictly after e in key order, or nil.
func (c *Cache) successorOf(e *entry) *entry {
	var result *entry
	first := true
	c.byPos.Ascend(e, func(item *entry) bool {
		if first {
			first = false
			return true
		}
		result = item
		return false
	})
	return result
}

// Len reports the number of fragments currently stored (test/diagnostic
// helper).
func (c *Cache) Len() int { return c.byPos.Len() }
