// Package conn orchestrates a single QUIC connection: accepting and
// opening control streams, running each stream's control.Sender/Receiver
// state machine, and multiplexing datagrams by datagram-stream-id to the
// right publisher or sink cache (spec §5).
//
// Adapted from internal/rtmp/conn/conn.go's accept-then-loop lifecycle
// (handshake, then a read goroutine and a write goroutine communicating
// over a channel). The RTMP connection carries exactly one chunk stream
// multiplexed over one TCP socket; a quicrelay connection instead accepts
// many independent control streams, so the single read/write goroutine
// pair becomes one goroutine pair per stream, coordinated through the
// Connection's session table. This also stands in for the source's
// single-threaded callback scheduler (spec §5): quic-go delivers stream
// and datagram events through blocking calls rather than void-pointer
// callbacks, so each logical callback becomes a goroutine parked on that
// blocking call instead of a re-entrant function pointer.
package conn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/relaycore/quicrelay/internal/fragment"
	"github.com/relaycore/quicrelay/internal/publisher"
	"github.com/relaycore/quicrelay/internal/transport"
)

// Registry is the subset of node.Node (or a test double) a connection
// needs in order to serve or relay fragment caches. Declared here, not in
// node, so conn never imports node and the two packages stay acyclic.
type Registry interface {
	// Subscribe returns the cache serving url, creating it (and, for a
	// relay, triggering an upstream subscribe) if necessary.
	Subscribe(url string) (*fragment.Cache, error)
	// Publish returns the cache for url, marking the caller as its writer.
	Publish(url string) (*fragment.Cache, error)
	// WatchPrefix registers interest in URLs beginning with prefix.
	WatchPrefix(prefix string) (<-chan string, func())
	// AttachPublisher/DetachPublisher register a sending session's
	// publisher against url's source, so the purge sweep can keep the
	// lowest read cursor among them in mind rather than purging out from
	// under a slow subscriber.
	AttachPublisher(url string, pub *publisher.Publisher)
	DetachPublisher(url string, pub *publisher.Publisher)
}

// Role says which side of the control-stream handshake this connection
// initiates: RoleServer accepts incoming streams, RoleClient additionally
// exposes OpenSubscribeInto/OpenPublishFrom to originate them.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Connection owns every stream and datagram flow for one QUIC connection.
type Connection struct {
	qc       transport.Conn
	registry Registry
	role     Role
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                  sync.Mutex
	sessions            map[int64]*streamSession
	datagramPublishers  map[uint64]*datagramSender
	datagramSinks       map[uint64]*datagramSink
	nextLocalDatagramID uint64
	closed              bool
}

// datagramSink pairs a receiving cache with the owning session's
// gap-driven repair-request hook (spec §4.4/§4.5: a receiver that notices
// a hole in the datagram sequence asks for it back over the reliable
// control stream). A datagram-mode sink is the one fragment.Cache two
// different goroutines write into - the connection's receiveDatagramLoop
// for ordinary arrivals, and the owning session's control-stream readLoop
// for REPAIR replies - so mu guards every touch of cache, not just the
// last-requested-gap bookkeeping below.
type datagramSink struct {
	cache         *fragment.Cache
	requestRepair func(group, object, offset uint64)

	mu                                      sync.Mutex
	lastRequestedGroup, lastRequestedObject uint64
	lastRequestedOffset                     uint64
	hasLastRequested                        bool
}

// propose inserts f into the sink cache under mu, safe to call from either
// of the sink's two writer goroutines.
func (d *datagramSink) propose(f fragment.Fragment, now uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Propose(f, now)
}

// learnEnd records the cache's final position under mu, for the same
// reason propose does.
func (d *datagramSink) learnEnd(group, object uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache.LearnEnd(group, object)
}

// nextPosition reads the cache's contiguous read cursor under mu.
func (d *datagramSink) nextPosition() (group, object, offset uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.NextPosition()
}

// lookup performs a locked exact-position read, for callers outside the
// sink's two writer goroutines (tests inspecting delivery progress).
func (d *datagramSink) lookup(group, object, offset uint64) (fragment.Fragment, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cache.Lookup(group, object, offset)
}

// checkGap reports the cache's next expected position and whether pos lies
// strictly ahead of it, meaning at least one earlier fragment is missing,
// and (if so and it's not a repeat of the last gap asked about) marks it as
// requested. All under mu, alongside propose, so the gap check and any
// datagram delivery that might close it can't race.
func (d *datagramSink) checkGap(group, object, offset uint64) (wantGroup, wantObject, wantOffset uint64, shouldRequest bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	wantGroup, wantObject, wantOffset = d.cache.NextPosition()
	if _, _, ok := d.cache.FinalPosition(); ok {
		return wantGroup, wantObject, wantOffset, false
	}
	if !positionLess(position(wantGroup, wantObject, wantOffset), position(group, object, offset)) {
		return wantGroup, wantObject, wantOffset, false
	}
	if d.hasLastRequested && d.lastRequestedGroup == wantGroup && d.lastRequestedObject == wantObject && d.lastRequestedOffset == wantOffset {
		return wantGroup, wantObject, wantOffset, false
	}
	d.lastRequestedGroup, d.lastRequestedObject, d.lastRequestedOffset = wantGroup, wantObject, wantOffset
	d.hasLastRequested = true
	return wantGroup, wantObject, wantOffset, true
}

// New creates a connection wrapper around an already-established QUIC
// connection. Call Run to start serving it.
func New(qc transport.Conn, registry Registry, role Role, log *slog.Logger) *Connection {
	if log == nil {
		log = slog.Default()
	}
	return &Connection{
		qc:                 qc,
		registry:           registry,
		role:               role,
		log:                log.With("remote", qc.RemoteAddr()),
		sessions:           make(map[int64]*streamSession),
		datagramPublishers: make(map[uint64]*datagramSender),
		datagramSinks:      make(map[uint64]*datagramSink),
	}
}

// Run accepts incoming streams and datagrams until ctx is cancelled or the
// connection is closed, blocking until both loops exit.
func (c *Connection) Run(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.acceptStreamLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.receiveDatagramLoop()
	}()
	c.wg.Wait()
}

// Close tears down every session and the underlying QUIC connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	for _, s := range c.sessions {
		s.close()
	}
	c.mu.Unlock()
	err := c.qc.CloseWithError(0, "closing")
	c.wg.Wait()
	return err
}

func (c *Connection) acceptStreamLoop() {
	for {
		st, err := c.qc.AcceptStream(c.ctx)
		if err != nil {
			return
		}
		sess := newStreamSession(c, st)
		c.mu.Lock()
		c.sessions[st.StreamID()] = sess
		c.mu.Unlock()
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			defer func() {
				c.mu.Lock()
				delete(c.sessions, st.StreamID())
				c.mu.Unlock()
			}()
			sess.serveInbound()
		}()
	}
}

func (c *Connection) allocateDatagramStreamID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextLocalDatagramID
	c.nextLocalDatagramID++
	return id
}

func (c *Connection) registerDatagramPublisher(id uint64, p *datagramSender) {
	c.mu.Lock()
	c.datagramPublishers[id] = p
	c.mu.Unlock()
}

func (c *Connection) unregisterDatagramPublisher(id uint64) {
	c.mu.Lock()
	delete(c.datagramPublishers, id)
	c.mu.Unlock()
}

func (c *Connection) registerDatagramSink(id uint64, cache *fragment.Cache, requestRepair func(group, object, offset uint64)) *datagramSink {
	sink := &datagramSink{cache: cache, requestRepair: requestRepair}
	c.mu.Lock()
	c.datagramSinks[id] = sink
	c.mu.Unlock()
	return sink
}

func (c *Connection) unregisterDatagramSink(id uint64) {
	c.mu.Lock()
	delete(c.datagramSinks, id)
	c.mu.Unlock()
}

// OpenSubscribeInto opens a new control stream, requests url in the given
// mode, and feeds every resulting fragment/final-position announcement
// into sink. It blocks until the stream reports finished or the context
// is cancelled.
func (c *Connection) OpenSubscribeInto(ctx context.Context, url string, mode TransferMode, sink *fragment.Cache) error {
	st, err := c.qc.OpenStream()
	if err != nil {
		return fmt.Errorf("conn: open stream: %w", err)
	}
	sess := newStreamSession(c, st)
	c.mu.Lock()
	c.sessions[st.StreamID()] = sess
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.sessions, st.StreamID())
		c.mu.Unlock()
	}()
	return sess.runSubscribe(ctx, url, mode, sink)
}

// OpenPublishFrom opens a new control stream, POSTs url, and once ACCEPTed
// streams source's contents to the peer until source reaches its final
// position.
func (c *Connection) OpenPublishFrom(ctx context.Context, url string, mode TransferMode, source *fragment.Cache) error {
	st, err := c.qc.OpenStream()
	if err != nil {
		return fmt.Errorf("conn: open stream: %w", err)
	}
	sess := newStreamSession(c, st)
	c.mu.Lock()
	c.sessions[st.StreamID()] = sess
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.sessions, st.StreamID())
		c.mu.Unlock()
	}()
	return sess.runPublish(ctx, url, mode, source)
}
