// Package publisher implements the per-subscriber publisher state machine
// (spec §4.2): an iterator over a fragment cache that chooses what to send
// next, tracks per-object send/skip state, and interacts with a congestion
// signal to decide when an entire object should be dropped rather than
// sent late.
//
// Grounded on _examples/original_source/lib/fragment.c's media-sending
// path (quicrq_fragment_publisher_prepare_to_send_datagram /
// quicrq_fragment_publisher_check_stream_sending and the backlog check
// around quicrq_fragment_publisher_check_backlog).
package publisher

import (
	"sync"

	"github.com/relaycore/quicrelay/internal/fragment"
	"github.com/relaycore/quicrelay/internal/wire"
)

// BacklogThresholdMicros is the arrival-to-now delay above which a
// fragment is considered backlogged and subject to the congestion oracle
// (spec §4.2 step 3, "≈ 33 ms").
const BacklogThresholdMicros = 33_000

// CongestionOracle decides whether a backlogged object should be dropped.
// The source's equivalent (quicrq_congestion_check_per_cnx) is not defined
// in the visible source (spec §9 open question); DefaultCongestionOracle
// resolves it by treating flag bit 0 as "high priority, never skip" and
// skipping everything else once backlogged.
type CongestionOracle interface {
	ShouldSkip(flags uint8, queueDelayMicros uint64) bool
}

// HighPriorityFlag marks a fragment the default oracle never drops (e.g. a
// keyframe), resolving the open question left by the source's undefined
// congestion oracle.
const HighPriorityFlag uint8 = 0x01

// DefaultCongestionOracle drops any backlogged object unless its fragments
// carry HighPriorityFlag.
type DefaultCongestionOracle struct{}

func (DefaultCongestionOracle) ShouldSkip(flags uint8, queueDelayMicros uint64) bool {
	return flags&HighPriorityFlag == 0
}

type objectKey struct{ group, object uint64 }

type objectState struct {
	bytesSent   uint64
	finalOffset uint64 // 0 until the last-fragment's extent is known
	isSent      bool
	isDropped   bool
}

// Mode selects how a publisher emits fragments to its subscriber.
type Mode int

const (
	// ModeStream emits fragments in (group, object, offset) order as
	// repair messages on the control stream.
	ModeStream Mode = iota
	// ModeDatagram emits fragments in arrival order as datagrams.
	ModeDatagram
)

// DatagramFragment is one unit of output from DatagramNext: either a real
// fragment or a skip marker for a dropped object.
type DatagramFragment struct {
	Header  wire.DatagramHeader
	Payload []byte
	IsSkip  bool
}

// Publisher drives one subscriber's view over a cache.
//
// For a datagram-mode flow, DatagramNext is driven from the connection's
// datagramSender goroutine while DatagramFinished/ReadObjectID are driven
// from the session's driveOutbound goroutine (session.go's pumpOnce calls
// DatagramFinished every pass even though the media itself goes out over
// the datagram path) — mu guards every field those two entry points touch
// so the two goroutines can't tear each other's reads/writes.
type Publisher struct {
	cache            *fragment.Cache
	mode             Mode
	oracle           CongestionOracle
	datagramStreamID uint64
	notify           func()
	wakerID          int

	mu sync.Mutex

	// Stream-mode cursor.
	currentGroupID, currentObjectID, currentOffset uint64

	// Datagram-mode cursor.
	cur                   fragment.Handle
	isCurrentFragmentSent bool
	lastCongestionKey     objectKey
	hasCongestionKey      bool

	objects     map[objectKey]*objectState
	objectOrder []objectKey
}

// New attaches a publisher to cache. notify is called (possibly from
// inside Propose/LearnStart/LearnEnd) whenever new data may have become
// available; the caller is expected to mark its stream or datagram flow
// active in response, per the single-threaded scheduler model (spec §5).
func New(cache *fragment.Cache, mode Mode, datagramStreamID uint64, oracle CongestionOracle, notify func()) *Publisher {
	if oracle == nil {
		oracle = DefaultCongestionOracle{}
	}
	p := &Publisher{
		cache:            cache,
		mode:             mode,
		oracle:           oracle,
		datagramStreamID: datagramStreamID,
		notify:           notify,
		objects:          make(map[objectKey]*objectState),
	}
	p.wakerID = cache.AddWaker(p)
	return p
}

// Mode reports which emission mode this publisher was created with.
func (p *Publisher) Mode() Mode { return p.mode }

// Wake implements fragment.Waker.
func (p *Publisher) Wake() {
	if p.notify != nil {
		p.notify()
	}
}

// Close detaches the publisher from its cache (spec §5 cancellation: "each
// publisher is signalled with a close action so it can release its
// per-subscriber bookkeeping").
func (p *Publisher) Close() {
	p.cache.RemoveWaker(p.wakerID)
}

// StreamNext returns the fragment at the current stream-mode cursor, if
// available. ok=false means nothing is ready yet; the caller should mark
// the stream inactive until Wake fires.
func (p *Publisher) StreamNext() (fragment.Fragment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f, ok := p.cache.Lookup(p.currentGroupID, p.currentObjectID, p.currentOffset); ok {
		return f, true
	}
	if p.currentOffset == 0 && p.currentObjectID > 0 {
		if f, ok := p.cache.Lookup(p.currentGroupID+1, 0, 0); ok && f.NbObjectsPreviousGroup == p.currentObjectID {
			p.currentGroupID++
			p.currentObjectID = 0
			return f, true
		}
	}
	return fragment.Fragment{}, false
}

// StreamAdvance moves the stream-mode cursor past a fragment just sent.
func (p *Publisher) StreamAdvance(f fragment.Fragment) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f.IsLastFragment {
		p.currentObjectID++
		p.currentOffset = 0
	} else {
		p.currentOffset += uint64(len(f.Data))
	}
}

// StreamPosition reports the current stream-mode cursor.
func (p *Publisher) StreamPosition() (group, object, offset uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentGroupID, p.currentObjectID, p.currentOffset
}

// StreamFinished reports whether the cursor has caught up with the
// cache's announced end of media.
func (p *Publisher) StreamFinished() bool {
	p.mu.Lock()
	g, o2, o3 := p.currentGroupID, p.currentObjectID, p.currentOffset
	p.mu.Unlock()
	g2, o, ok := p.cache.FinalPosition()
	return ok && g == g2 && o2 == o && o3 == 0
}

func (p *Publisher) objectStateFor(key objectKey) *objectState {
	st, ok := p.objects[key]
	if !ok {
		st = &objectState{}
		p.objects[key] = st
		p.objectOrder = append(p.objectOrder, key)
	}
	return st
}

// DatagramNext advances the arrival-order cursor and returns the next unit
// to emit as a datagram: either a real fragment or a skip marker for a
// newly-dropped object (spec §4.2 datagram mode, steps 1-4). now is the
// caller's current monotonic time, used for the backlog/congestion check.
func (p *Publisher) DatagramNext(now uint64) (DatagramFragment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.cur.Valid() {
		p.cur = p.cache.Head()
		p.isCurrentFragmentSent = false
	}
	for {
		if !p.cur.Valid() {
			return DatagramFragment{}, false
		}
		if p.isCurrentFragmentSent {
			p.cur = p.cur.Next()
			p.isCurrentFragmentSent = false
			continue
		}

		f := p.cur.Fragment()
		key := objectKey{f.GroupID, f.ObjectID}
		st := p.objectStateFor(key)

		if st.isDropped {
			p.isCurrentFragmentSent = true
			continue
		}

		if !p.hasCongestionKey || p.lastCongestionKey != key {
			p.hasCongestionKey = true
			p.lastCongestionKey = key
			queueDelay := uint64(0)
			if now > f.CacheTime {
				queueDelay = now - f.CacheTime
			}
			if queueDelay > BacklogThresholdMicros && p.oracle.ShouldSkip(f.Flags, queueDelay) {
				st.isDropped = true
				p.isCurrentFragmentSent = true
				return p.skipDatagram(f), true
			}
		}

		p.isCurrentFragmentSent = true
		st.bytesSent += uint64(len(f.Data))
		if f.IsLastFragment {
			st.finalOffset = f.Offset + uint64(len(f.Data))
		}
		if st.finalOffset > 0 && st.bytesSent >= st.finalOffset {
			st.isSent = true
		}

		queueDelay := uint64(0)
		if now > f.CacheTime {
			queueDelay = now - f.CacheTime
		}
		hdr := wire.DatagramHeader{
			DatagramStreamID:       p.datagramStreamID,
			GroupID:                f.GroupID,
			ObjectID:               f.ObjectID,
			Offset:                 f.Offset,
			QueueDelay:             queueDelay,
			Flags:                  f.Flags,
			NbObjectsPreviousGroup: f.NbObjectsPreviousGroup,
			IsLastFragment:         f.IsLastFragment,
		}
		return DatagramFragment{Header: hdr, Payload: f.Data}, true
	}
}

func (p *Publisher) skipDatagram(f fragment.Fragment) DatagramFragment {
	return DatagramFragment{
		Header: wire.DatagramHeader{
			DatagramStreamID: p.datagramStreamID,
			GroupID:          f.GroupID,
			ObjectID:         f.ObjectID,
			Flags:            0xff,
			IsLastFragment:   true,
		},
		IsSkip: true,
	}
}

// DatagramFinished reports whether the arrival-order list is exhausted and
// the cache's end of media, if so (spec §4.2 "End-of-media").
func (p *Publisher) DatagramFinished() (group, object uint64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur.Valid() && (!p.isCurrentFragmentSent || p.cur.Next().Valid()) {
		return 0, 0, false
	}
	return p.cache.FinalPosition()
}

// ReadObjectID reports the oldest object this publisher's cursor might
// still need to read, so a purge sweep across every publisher attached to
// a cache can avoid dropping an object a slow subscriber hasn't sent yet
// (spec §4.1 purge's keepAboveObjectID). A datagram-mode cursor that
// hasn't started iterating yet reports 0, the most conservative answer.
func (p *Publisher) ReadObjectID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mode == ModeDatagram {
		if p.cur.Valid() {
			return p.cur.Fragment().ObjectID
		}
		return 0
	}
	return p.currentObjectID
}

// PruneObjectState drops leading per-object bookkeeping for objects that
// are fully sent and whose successor is already known, bounding the
// publisher's memory (spec §4.2 step 5).
func (p *Publisher) PruneObjectState() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.objectOrder) > 1 {
		head := p.objectOrder[0]
		st := p.objects[head]
		if st == nil || !st.isSent {
			return
		}
		next := p.objectOrder[1]
		if !p.isSuccessorObject(head, next) {
			return
		}
		delete(p.objects, head)
		p.objectOrder = p.objectOrder[1:]
	}
}

func (p *Publisher) isSuccessorObject(a, b objectKey) bool {
	if a.group == b.group && b.object == a.object+1 {
		return true
	}
	if b.group == a.group+1 && b.object == 0 {
		if f, ok := p.cache.Lookup(b.group, 0, 0); ok {
			return f.NbObjectsPreviousGroup == a.object+1
		}
	}
	return false
}
