// Package metrics instruments a node with Prometheus counters and gauges
// for connection, source, and publish lifecycle events, plus an optional
// debug HTTP listener.
//
// Grounded on linkerd-linkerd2's promauto-based metrics.go
// (multicluster/service-mirror/metrics.go), adapted from per-gateway
// label-vectors to the small, unlabeled set of node-lifetime counters this
// spec calls for. Each Collector owns a private registry rather than
// registering against promauto's default one, so more than one Collector
// (several nodes in one test binary) never collide on metric names.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls whether and where a node's metrics are exposed.
type Config struct {
	// ListenAddr, if non-empty, serves /metrics on this address.
	ListenAddr string
}

// Collector holds every metric a node emits.
type Collector struct {
	registry *prometheus.Registry

	connectionsAccepted prometheus.Counter
	connectionsActive   prometheus.Gauge
	sourcesCreated      prometheus.Counter
	sourcesPurged       prometheus.Counter
	publishesStarted    prometheus.Counter

	server *http.Server
}

// NewCollector builds a Collector and, if cfg.ListenAddr is set, starts
// serving /metrics in the background.
func NewCollector(cfg Config) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,
		connectionsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "quicrelay_connections_accepted_total",
			Help: "Total QUIC connections accepted.",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "quicrelay_connections_active",
			Help: "QUIC connections currently open.",
		}),
		sourcesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "quicrelay_sources_created_total",
			Help: "Total distinct urls seen by this node.",
		}),
		sourcesPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "quicrelay_sources_purged_total",
			Help: "Total sources deleted by the purge sweep.",
		}),
		publishesStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "quicrelay_publishes_started_total",
			Help: "Total publish sessions started (a local POST, or an upload accepted in origin-only mode).",
		}),
	}

	if cfg.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		c.server = &http.Server{Addr: cfg.ListenAddr, Handler: mux}
		go func() {
			_ = c.server.ListenAndServe()
		}()
	}
	return c
}

// ConnectionAccepted records a newly accepted QUIC connection.
func (c *Collector) ConnectionAccepted() {
	c.connectionsAccepted.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed records a connection's teardown.
func (c *Collector) ConnectionClosed() { c.connectionsActive.Dec() }

// SourceCreated records a new url being seen for the first time.
func (c *Collector) SourceCreated() { c.sourcesCreated.Inc() }

// SourcePurged records a source being deleted by the purge sweep.
func (c *Collector) SourcePurged() { c.sourcesPurged.Inc() }

// PublishStarted records a new publish session starting.
func (c *Collector) PublishStarted() { c.publishesStarted.Inc() }

// Close stops the debug listener, if any.
func (c *Collector) Close() error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(context.Background())
}
