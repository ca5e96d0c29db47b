package node

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relaycore/quicrelay/internal/archive"
	"github.com/relaycore/quicrelay/internal/client"
	"github.com/relaycore/quicrelay/internal/conn"
	"github.com/relaycore/quicrelay/internal/fragment"
	"github.com/relaycore/quicrelay/internal/hooks"
	"github.com/relaycore/quicrelay/internal/metrics"
	"github.com/relaycore/quicrelay/internal/publisher"
	"github.com/relaycore/quicrelay/internal/relay"
	"github.com/relaycore/quicrelay/internal/transport"
)

// Config holds the settings for a single relay or origin node.
type Config struct {
	ListenAddr string
	TLSConfig  *tls.Config

	// Upstream is the address of the relay/origin this node subscribes to
	// and posts through. Empty means origin-only mode (spec §4.6).
	Upstream string

	// CacheDurationMax bounds how long a fully-received object is kept
	// before the purge sweep may drop it (spec §4.1 purge).
	CacheDurationMax time.Duration
	// CacheGraceDelay is how long a closed, idle cache is kept before
	// deletion, so a reconnecting peer can resume (spec §7).
	CacheGraceDelay time.Duration
	// PurgeInterval is how often the sweep runs.
	PurgeInterval time.Duration

	Hooks   hooks.HookConfig
	Metrics *metrics.Config
	// Archive, if set, uploads every completed object published through
	// this node to blob storage (spec §4.3 supplement; Non-goal "no
	// persistent storage" binds the cache itself, not this downstream
	// subscriber).
	Archive *archive.Config

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.CacheDurationMax == 0 {
		c.CacheDurationMax = 10 * time.Second
	}
	if c.CacheGraceDelay == 0 {
		c.CacheGraceDelay = 30 * time.Second
	}
	if c.PurgeInterval == 0 {
		c.PurgeInterval = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Node is the process-wide context for a relay or origin instance: one
// source registry, one listener, a lazily-dialed upstream client, and the
// purge sweep. Adapted from internal/rtmp/server/server.go's accept-loop
// lifecycle, generalized from "accept TCP, handshake, dispatch chunks" to
// "accept QUIC, multiplex control streams, serve/relay fragment caches."
type Node struct {
	cfg      Config
	registry *Registry
	prefixes *relay.PrefixWatcher
	hooks    *hooks.HookManager
	metrics  *metrics.Collector
	archive  *archive.Sink
	log      *slog.Logger

	listener   *transport.Listener
	listenerMu sync.Mutex
	ready      chan struct{}

	upstreamMu   sync.Mutex
	upstreamConn *client.Client
	upstreamErr  error

	connsMu sync.Mutex
	conns   map[string]*conn.Connection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a node from cfg. It does not start listening; call Run.
func New(cfg Config) (*Node, error) {
	cfg.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:      cfg,
		registry: NewRegistry(),
		prefixes: relay.NewPrefixWatcher(),
		hooks:    hooks.NewHookManager(cfg.Hooks, cfg.Logger),
		log:      cfg.Logger,
		conns:    make(map[string]*conn.Connection),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
	}
	if cfg.Metrics != nil {
		n.metrics = metrics.NewCollector(*cfg.Metrics)
	} else {
		n.metrics = metrics.NewCollector(metrics.Config{})
	}
	if cfg.Archive != nil {
		sink, err := archive.NewSink(*cfg.Archive, cfg.Logger)
		if err != nil {
			return nil, fmt.Errorf("node: archive: %w", err)
		}
		n.archive = sink
	}
	return n, nil
}

// IsRelay reports whether this node has an upstream configured.
func (n *Node) IsRelay() bool { return n.cfg.Upstream != "" }

// HasSource reports whether url currently has a registry entry, useful
// for observing the purge sweep from outside the node.
func (n *Node) HasSource(url string) bool {
	_, ok := n.registry.Get(url)
	return ok
}

// Hooks returns the node's hook manager, so a caller (e.g. the CLI) can
// register additional hooks before Run is called.
func (n *Node) Hooks() *hooks.HookManager { return n.hooks }

// Addr blocks until Run has bound its listener, then returns its address.
// Useful for tests that bind to "127.0.0.1:0" and need the assigned port.
func (n *Node) Addr() string {
	<-n.ready
	n.listenerMu.Lock()
	defer n.listenerMu.Unlock()
	return n.listener.Addr()
}

// Run listens on cfg.ListenAddr and serves connections until ctx is
// cancelled.
func (n *Node) Run(ctx context.Context) error {
	l, err := transport.Listen(n.cfg.ListenAddr, n.cfg.TLSConfig)
	if err != nil {
		return fmt.Errorf("node: listen: %w", err)
	}
	n.listenerMu.Lock()
	n.listener = l
	n.listenerMu.Unlock()
	close(n.ready)
	n.log.Info("node listening", "addr", n.cfg.ListenAddr, "relay", n.IsRelay())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.purgeLoop(ctx)
	}()

	for {
		qc, err := l.Accept(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				n.log.Error("accept failed", "error", err)
				return err
			}
		}
		c := conn.New(qc, n, conn.RoleServer, n.log)
		id := qc.RemoteAddr()
		n.connsMu.Lock()
		n.conns[id] = c
		n.connsMu.Unlock()
		n.metrics.ConnectionAccepted()
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			defer func() {
				n.connsMu.Lock()
				delete(n.conns, id)
				n.connsMu.Unlock()
				n.metrics.ConnectionClosed()
			}()
			c.Run(ctx)
		}()
	}
}

// Close tears down the listener, every connection, and the upstream
// client, and waits for all background goroutines to finish.
func (n *Node) Close() error {
	n.cancel()
	if n.listener != nil {
		_ = n.listener.Close()
	}
	n.connsMu.Lock()
	for _, c := range n.conns {
		_ = c.Close()
	}
	n.connsMu.Unlock()
	n.upstreamMu.Lock()
	if n.upstreamConn != nil {
		_ = n.upstreamConn.Close()
	}
	n.upstreamMu.Unlock()
	n.wg.Wait()
	return n.metrics.Close()
}

func (n *Node) upstream(ctx context.Context) (*client.Client, error) {
	n.upstreamMu.Lock()
	defer n.upstreamMu.Unlock()
	if n.upstreamConn != nil {
		return n.upstreamConn, nil
	}
	if n.upstreamErr != nil {
		return nil, n.upstreamErr
	}
	c, err := client.Dial(ctx, n.cfg.Upstream, n.cfg.TLSConfig, n.log)
	if err != nil {
		n.upstreamErr = err
		return nil, err
	}
	n.upstreamConn = c
	n.hooks.TriggerEvent(n.ctx, *hooks.NewEvent(hooks.EventUpstreamConnected).WithURL(n.cfg.Upstream))
	return c, nil
}

// Subscribe implements conn.Registry: it returns the cache serving url,
// ensuring an upstream subscribe is in flight if this node is a relay and
// no local writer has claimed the URL yet (spec §4.6 step 1-3).
func (n *Node) Subscribe(url string) (*fragment.Cache, error) {
	if prefix, ok := strings.CutPrefix(url, conn.PrefixWatchURLPrefix); ok {
		return n.prefixFeedCache(prefix), nil
	}
	src, created := n.registry.GetOrCreate(url)
	if created {
		n.hooks.TriggerEvent(n.ctx, *hooks.NewEvent(hooks.EventSourceCreated).WithURL(url))
		n.metrics.SourceCreated()
	}
	if created && n.IsRelay() && !src.HasLocalWriter() {
		n.startUpstreamSubscribe(src)
	}
	return src.Cache, nil
}

// Publish implements conn.Registry: it returns the cache for url, marking
// this node as the writer and cancelling any upstream subscribe already
// in flight (spec §4.6 publish steps 1-3).
func (n *Node) Publish(url string) (*fragment.Cache, error) {
	src, created := n.registry.GetOrCreate(url)
	if created {
		n.hooks.TriggerEvent(n.ctx, *hooks.NewEvent(hooks.EventSourceCreated).WithURL(url))
		n.metrics.SourceCreated()
	}
	if cancel := src.MarkWriter(); cancel != nil {
		cancel()
	}
	n.hooks.TriggerEvent(n.ctx, *hooks.NewEvent(hooks.EventPublishStart).WithURL(url))
	n.metrics.PublishStarted()
	if n.archive != nil {
		n.archive.Attach(url, src.Cache)
	}
	if n.IsRelay() {
		n.startUpstreamPost(src)
	}
	return src.Cache, nil
}

// AttachPublisher/DetachPublisher implement conn.Registry: they let the
// purge sweep know which read cursor each attached publisher holds, rather
// than purging out from under a slow subscriber (spec §4.1 purge's
// keepAboveObjectID).
func (n *Node) AttachPublisher(url string, pub *publisher.Publisher) {
	if src, ok := n.registry.Get(url); ok {
		src.AttachPublisher(pub)
	}
}

func (n *Node) DetachPublisher(url string, pub *publisher.Publisher) {
	if src, ok := n.registry.Get(url); ok {
		src.DetachPublisher(pub)
	}
}

// WatchPrefix implements conn.Registry, and ensures a matching upstream
// prefix subscription exists when this node is a relay.
func (n *Node) WatchPrefix(prefix string) (<-chan string, func()) {
	if n.IsRelay() {
		go n.ensureUpstreamPrefixWatch(prefix)
	}
	return n.prefixes.Watch(prefix)
}

// prefixFeedCache builds an ephemeral, write-only cache that turns
// WatchPrefix's channel of urls into a sequence of fragments: one object
// per matching url, each its own last-fragment. It is not registered in
// the source registry — its lifetime runs to the node's own shutdown,
// which is adequate for the low, bursty volume a notify feed carries, but
// means a client that disconnects without the node shutting down leaves
// its feed goroutine running until then.
func (n *Node) prefixFeedCache(prefix string) *fragment.Cache {
	cache := fragment.New(conn.PrefixWatchURLPrefix + prefix)
	urls, cancel := n.WatchPrefix(prefix)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		var object uint64
		for url := range urls {
			_ = cache.Propose(fragment.Fragment{
				ObjectID:       object,
				Data:           []byte(url),
				IsLastFragment: true,
			}, uint64(time.Now().UnixMicro()))
			object++
		}
	}()
	return cache
}

func (n *Node) startUpstreamSubscribe(src *Source) {
	ctx, cancel := context.WithCancel(n.ctx)
	src.MarkUpstreamSubscribed(cancel)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		up, err := n.upstream(ctx)
		if err != nil {
			n.log.Error("upstream dial failed", "url", src.URL, "error", err)
			return
		}
		if err := up.SubscribeInto(ctx, src.URL, src.Cache); err != nil {
			select {
			case <-ctx.Done():
			default:
				n.log.Error("upstream subscribe failed", "url", src.URL, "error", err)
			}
		}
	}()
}

func (n *Node) startUpstreamPost(src *Source) {
	ctx, cancel := context.WithCancel(n.ctx)
	_ = cancel
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		up, err := n.upstream(ctx)
		if err != nil {
			n.log.Error("upstream dial failed", "url", src.URL, "error", err)
			return
		}
		if err := up.PublishFrom(ctx, src.URL, src.Cache); err != nil {
			n.log.Error("upstream post failed", "url", src.URL, "error", err)
		}
	}()
}

func (n *Node) ensureUpstreamPrefixWatch(prefix string) {
	up, err := n.upstream(n.ctx)
	if err != nil {
		n.log.Error("upstream dial failed for prefix watch", "prefix", prefix, "error", err)
		return
	}
	urls, cancel := up.WatchPrefix(n.ctx, prefix)
	defer cancel()
	for url := range urls {
		n.registry.GetOrCreate(url)
		n.prefixes.NotifyAll(url)
	}
}

// purgeLoop implements the real-time cache purge policy (spec §4.6, §4.1).
func (n *Node) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.sweep()
		}
	}
}

func (n *Node) sweep() {
	now := time.Now()
	nowMicros := uint64(now.UnixMicro())
	maxAgeMicros := uint64(n.cfg.CacheDurationMax.Microseconds())
	for _, src := range n.registry.Snapshot() {
		if src.Cache.IsRealTime() {
			// keepAboveObjectID is the lowest read cursor among this
			// source's attached publishers, not the cache's own first
			// position: using the cache's own bound would make the first
			// Purge check (first.ObjectID >= keepAboveObjectID) vacuously
			// true and turn purging into a permanent no-op. With no
			// publisher attached, fall back to age-based purging alone.
			keepAbove, ok := src.MinPublisherObjectID()
			if !ok {
				keepAbove = ^uint64(0)
			}
			src.Cache.Purge(nowMicros, maxAgeMicros, keepAbove)
		}
		if src.idleAndClosed(n.cfg.CacheGraceDelay, now) {
			n.registry.Delete(src.URL)
			if n.archive != nil {
				n.archive.Detach(src.URL)
			}
			n.hooks.TriggerEvent(context.Background(), *hooks.NewEvent(hooks.EventSourcePurged).WithURL(src.URL))
			n.metrics.SourcePurged()
		}
	}
}
