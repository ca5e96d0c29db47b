// Package node holds the per-process context a relay or origin node needs:
// the URL-keyed source registry, the default-source factory (spec §4.6),
// and the periodic cache purge sweep. Adapted from
// internal/rtmp/server/registry.go's thread-safe stream registry — the
// RTMP registry maps a stream key to publisher/subscribers kept in RAM for
// the life of the process; this one maps a URL to a fragment.Cache plus
// the bookkeeping a relay needs to know whether it already has a writer
// or an upstream subscribe in flight for that URL.
package node

import (
	"sync"
	"time"

	"github.com/relaycore/quicrelay/internal/fragment"
	"github.com/relaycore/quicrelay/internal/publisher"
)

// Source is one URL's worth of relay/origin state: the cache itself plus
// enough bookkeeping to implement the relay composition rules in spec
// §4.6 (lazy upstream subscribe, upload supersedes subscribe, purge
// scheduling for closed/idle caches).
type Source struct {
	URL   string
	Cache *fragment.Cache

	mu                 sync.Mutex
	hasLocalWriter     bool
	upstreamSubscribed bool
	cancelUpstream     func()
	subscriberCount    int
	hasCloseAt         bool
	closeAt            time.Time
	publishers         map[*publisher.Publisher]struct{}
}

func newSource(url string) *Source {
	cache := fragment.New(url)
	// Every registry-owned cache is subject to the real-time purge policy
	// (spec §4.1 purge, §4.6): Config.setDefaults always gives
	// CacheDurationMax/PurgeInterval sane values, so there is no registry
	// source for which real-time purging should stay off.
	cache.SetRealTime()
	return &Source{URL: url, Cache: cache, publishers: make(map[*publisher.Publisher]struct{})}
}

// AttachPublisher/DetachPublisher track the sending sessions currently
// reading from this source's cache, so the purge sweep can avoid dropping
// an object a slow subscriber hasn't sent yet.
func (s *Source) AttachPublisher(pub *publisher.Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishers[pub] = struct{}{}
}

func (s *Source) DetachPublisher(pub *publisher.Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.publishers, pub)
}

// MinPublisherObjectID reports the lowest read cursor among this source's
// attached publishers. ok is false when no publisher is attached, in which
// case the caller should fall back to age-based purging alone.
func (s *Source) MinPublisherObjectID() (objectID uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for pub := range s.publishers {
		id := pub.ReadObjectID()
		if !ok || id < objectID {
			objectID = id
			ok = true
		}
	}
	return objectID, ok
}

// HasLocalWriter reports whether a local publisher (POST, or the original
// publish in origin-only mode) currently owns this cache.
func (s *Source) HasLocalWriter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasLocalWriter
}

// MarkWriter records that a local publisher has attached, and cancels any
// outstanding upstream subscribe for the same URL (spec §4.6: "If a
// subscribe for the same URL had triggered a subscribe-upstream earlier,
// cancel that upstream subscribe in favor of the new upload path").
func (s *Source) MarkWriter() (cancelled func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hasLocalWriter = true
	if s.upstreamSubscribed && s.cancelUpstream != nil {
		cancelled = s.cancelUpstream
		s.upstreamSubscribed = false
		s.cancelUpstream = nil
	}
	return cancelled
}

// MarkUpstreamSubscribed records that a subscribe-upstream goroutine is
// running for this URL, along with how to cancel it.
func (s *Source) MarkUpstreamSubscribed(cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasLocalWriter {
		// A local writer arrived between the caller deciding to subscribe
		// upstream and registering the cancel func; cancel immediately.
		cancel()
		return
	}
	s.upstreamSubscribed = true
	s.cancelUpstream = cancel
}

// AddSubscriber/RemoveSubscriber track how many local readers are attached,
// used by the purge sweep to decide whether an idle, closed cache may be
// scheduled for deletion.
func (s *Source) AddSubscriber() {
	s.mu.Lock()
	s.subscriberCount++
	s.hasCloseAt = false
	s.mu.Unlock()
}

func (s *Source) RemoveSubscriber() {
	s.mu.Lock()
	s.subscriberCount--
	if s.subscriberCount < 0 {
		s.subscriberCount = 0
	}
	s.mu.Unlock()
}

func (s *Source) idleAndClosed(graceDelay time.Duration, now time.Time) (shouldDelete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Cache.IsClosed() {
		return false
	}
	if s.subscriberCount > 0 {
		s.hasCloseAt = false
		return false
	}
	if !s.hasCloseAt {
		s.hasCloseAt = true
		s.closeAt = now.Add(graceDelay)
		return false
	}
	return !now.Before(s.closeAt)
}

// Registry is the node-wide, URL-keyed set of sources. It is the one
// piece of state shared across every connection's goroutines, so unlike
// the per-connection callbacks in spec §5 it is guarded by a mutex —
// mirroring registry.Registry's RWMutex-guarded map in the teacher.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry { return &Registry{sources: make(map[string]*Source)} }

// GetOrCreate returns the existing source for url, or creates one.
func (r *Registry) GetOrCreate(url string) (src *Source, created bool) {
	r.mu.RLock()
	if s, ok := r.sources[url]; ok {
		r.mu.RUnlock()
		return s, false
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sources[url]; ok {
		return s, false
	}
	s := newSource(url)
	r.sources[url] = s
	return s, true
}

// Get returns the source for url if one exists.
func (r *Registry) Get(url string) (*Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[url]
	return s, ok
}

// Delete removes a source from the registry (called once its cache has
// been purged past the grace delay).
func (r *Registry) Delete(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, url)
}

// Snapshot returns every currently registered source, for the purge
// sweep and for prefix-notify matching.
func (r *Registry) Snapshot() []*Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	return out
}
