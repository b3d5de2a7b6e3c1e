// Package metrics exposes the agent's Prometheus metrics surface: cache
// hit/miss/eviction counters, tier fall-through counts, rule-engine
// evaluation counts, and a latency histogram for the VFS read path
// (readdir/read), served by Collector.Start on its own HTTP listener,
// separate from the health/status API in pkg/api (§ ambient observability).
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the process's Prometheus registry and the metric vectors
// the engine records against.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	cacheRequests    *prometheus.CounterVec
	cacheEvictions   *prometheus.CounterVec
	tierFallthrough  *prometheus.CounterVec
	ruleEvaluations  *prometheus.CounterVec
	operationLatency *prometheus.HistogramVec
	pluginFailures   *prometheus.CounterVec
	peerFetches      *prometheus.CounterVec
	errorCounter     *prometheus.CounterVec

	server *http.Server
}

// Config controls whether metrics collection runs and where it is served.
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Port      int               `yaml:"port"`
	Path      string            `yaml:"path"`
	Labels    map[string]string `yaml:"labels"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
}

// NewCollector builds a Collector. A nil config enables collection on
// :9940/metrics under the "mosaicfs" namespace.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Port:      9940,
			Path:      "/metrics",
			Namespace: "mosaicfs",
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	c.initMetrics()
	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("metrics: register: %w", err)
	}
	return c, nil
}

// Start serves /metrics (and /healthz) on the configured port. A no-op if
// metrics are disabled.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts down the metrics HTTP server, if one was started.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordCacheHit records a cache hit for the given tier ("L1", "L2",
// peer tier names, etc).
func (c *Collector) RecordCacheHit(tier string) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"tier": tier, "result": "hit"}).Inc()
}

// RecordCacheMiss records a cache miss for the given tier.
func (c *Collector) RecordCacheMiss(tier string) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.With(prometheus.Labels{"tier": tier, "result": "miss"}).Inc()
}

// RecordCacheEviction records a block evicted from a tier, tagged with the
// reason ("capacity", "ttl", "fragmentation_guard").
func (c *Collector) RecordCacheEviction(tier, reason string) {
	if !c.config.Enabled {
		return
	}
	c.cacheEvictions.With(prometheus.Labels{"tier": tier, "reason": reason}).Inc()
}

// RecordTierFallthrough records the resolver falling through from one tier
// to the next while resolving a read (§4.2 tier ladder).
func (c *Collector) RecordTierFallthrough(fromTier, toTier string) {
	if !c.config.Enabled {
		return
	}
	c.tierFallthrough.With(prometheus.Labels{"from": fromTier, "to": toTier}).Inc()
}

// RecordRuleEvaluation records a label-rule engine evaluation and whether
// it matched the file under test.
func (c *Collector) RecordRuleEvaluation(matched bool) {
	if !c.config.Enabled {
		return
	}
	result := "no_match"
	if matched {
		result = "match"
	}
	c.ruleEvaluations.With(prometheus.Labels{"result": result}).Inc()
}

// RecordPluginFailure records a storage-backend plugin materialize callout
// failure, tagged with the plugin name (§6.3).
func (c *Collector) RecordPluginFailure(pluginName string) {
	if !c.config.Enabled {
		return
	}
	c.pluginFailures.With(prometheus.Labels{"plugin": pluginName}).Inc()
}

// RecordPeerFetch records an attempted peer-to-peer block fetch (§6.5) and
// whether the per-peer admission gate allowed it through.
func (c *Collector) RecordPeerFetch(peerID string, throttled bool) {
	if !c.config.Enabled {
		return
	}
	result := "attempted"
	if throttled {
		result = "throttled"
	}
	c.peerFetches.With(prometheus.Labels{"peer": peerID, "result": result}).Inc()
}

// ObserveOperationLatency records the duration of a VFS-surfaced operation
// (readdir, read, ...) for the latency histogram.
func (c *Collector) ObserveOperationLatency(operation string, d time.Duration) {
	if !c.config.Enabled {
		return
	}
	c.operationLatency.With(prometheus.Labels{"operation": operation}).Observe(d.Seconds())
}

// RecordError records a component-level error, classified by a coarse
// error type so dashboards can group without per-message cardinality.
func (c *Collector) RecordError(component string, err error) {
	if !c.config.Enabled {
		return
	}
	c.errorCounter.With(prometheus.Labels{
		"component": component,
		"type":      classifyError(err),
	}).Inc()
}

func (c *Collector) initMetrics() {
	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by tier and result (hit/miss).",
		},
		[]string{"tier", "result"},
	)

	c.cacheEvictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "cache_evictions_total",
			Help:      "Blocks evicted from a cache tier, by reason.",
		},
		[]string{"tier", "reason"},
	)

	c.tierFallthrough = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "tier_fallthrough_total",
			Help:      "Resolver fall-throughs from one storage tier to the next.",
		},
		[]string{"from", "to"},
	)

	c.ruleEvaluations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "rule_evaluations_total",
			Help:      "Label-rule engine evaluations, by match result.",
		},
		[]string{"result"},
	)

	c.pluginFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "plugin_materialize_failures_total",
			Help:      "Storage-backend plugin materialize callout failures, by plugin.",
		},
		[]string{"plugin"},
	)

	c.peerFetches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "peer_fetches_total",
			Help:      "Peer-to-peer block fetch attempts, by peer and admission result.",
		},
		[]string{"peer", "result"},
	)

	c.operationLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "operation_duration_seconds",
			Help:      "VFS operation latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
		},
		[]string{"operation"},
	)

	c.errorCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: c.config.Namespace,
			Subsystem: c.config.Subsystem,
			Name:      "errors_total",
			Help:      "Errors observed by component, classified coarsely.",
		},
		[]string{"component", "type"},
	)
}

func (c *Collector) registerMetrics() error {
	collectors := []prometheus.Collector{
		c.cacheRequests,
		c.cacheEvictions,
		c.tierFallthrough,
		c.ruleEvaluations,
		c.pluginFailures,
		c.peerFetches,
		c.operationLatency,
		c.errorCounter,
	}
	for _, m := range collectors {
		if err := c.registry.Register(m); err != nil {
			return err
		}
	}
	return nil
}

func classifyError(err error) string {
	if err == nil {
		return "none"
	}
	s := err.Error()
	switch {
	case contains(s, "timeout"):
		return "timeout"
	case contains(s, "connection"):
		return "connection"
	case contains(s, "not found"):
		return "not_found"
	case contains(s, "permission"):
		return "permission"
	case contains(s, "throttl"):
		return "throttling"
	case contains(s, "digest"):
		return "digest_mismatch"
	default:
		return "other"
	}
}

func contains(s, substr string) bool {
	return len(substr) == 0 || indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	if len(substr) > len(s) {
		return -1
	}
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
