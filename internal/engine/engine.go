// Package engine wires the agent's components together: metadata store,
// content cache, derived label/access caches, rule engine, tiered resolver,
// peer transfer client/server, plugin materializer, and the ambient
// metrics/health/status/api surface. It is the equivalent of a single
// mount point in the teacher's adapter, generalized from one S3 bucket to
// one MosaicFS node.
package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/mosaicfs/mosaicfs/internal/cache"
	"github.com/mosaicfs/mosaicfs/internal/config"
	"github.com/mosaicfs/mosaicfs/internal/derived"
	"github.com/mosaicfs/mosaicfs/internal/metastore"
	"github.com/mosaicfs/mosaicfs/internal/metastore/memstore"
	"github.com/mosaicfs/mosaicfs/internal/metrics"
	"github.com/mosaicfs/mosaicfs/internal/plugin"
	"github.com/mosaicfs/mosaicfs/internal/resolver"
	"github.com/mosaicfs/mosaicfs/internal/rules"
	"github.com/mosaicfs/mosaicfs/internal/transfer"
	"github.com/mosaicfs/mosaicfs/pkg/api"
	"github.com/mosaicfs/mosaicfs/pkg/health"
	"github.com/mosaicfs/mosaicfs/pkg/retry"
	"github.com/mosaicfs/mosaicfs/pkg/status"
)

// Components health is tracked under.
const (
	componentResolver    = "resolver"
	componentChangesFeed = "changes-feed"
	componentCache       = "cache"
)

// Engine is one node's fully wired VFS stack.
type Engine struct {
	cfg *config.Configuration

	store   metastore.Store
	cache   *cache.Cache
	derived *derived.Caches
	rules   *rules.Engine

	transferClient *transfer.Client
	plugins        *plugin.Materializer
	resolver       *resolver.Resolver
	transferServer *transfer.Server

	metricsCollector *metrics.Collector
	healthTracker    *health.Tracker
	statusTracker    *status.Tracker
	apiServer        *api.Server

	started bool
}

// New validates cfg and constructs every component, wiring each into the
// next in dependency order: store -> cache -> derived caches -> rule
// engine -> peer client/plugin materializer -> resolver -> transfer server
// -> metrics/health/status/api. It does not start anything yet; call
// Start for that.
func New(ctx context.Context, cfg *config.Configuration) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	e := &Engine{cfg: cfg}

	// 1. Metadata store. The real control-plane client is out of scope
	// here (see SPEC_FULL.md §2); memstore is the in-memory stand-in the
	// rest of the stack is built against.
	e.store = memstore.New()

	// 2. Content cache (§4.3).
	var err error
	e.cache, err = cache.New(ctx, cache.Config{
		Root:              cfg.Global.CacheRoot,
		BlockSize:         cfg.Cache.BlockSize,
		FullFileThreshold: cfg.Cache.FullBlockThreshold,
		SizeCap:           cfg.Cache.SizeCap,
		MinFreeSpace:      cfg.Cache.MinFreeSpace,
		IntervalCountCap:  cfg.Cache.IntervalCountCap,
	}, e.store)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize content cache: %w", err)
	}

	// 3. Derived label/access caches. These self-wire their own
	// changes-feed consumer (internal/changes) against the store.
	e.derived, err = derived.New(ctx, e.store, cfg.Labels.ShardCount)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize derived caches: %w", err)
	}

	// 4. Rule engine, fed by the derived label cache through a small
	// adapter: rules.LabelLookup takes a string file ID and returns a set,
	// derived.Caches.Labels takes a uuid.UUID and returns a slice.
	e.rules = rules.New(ctx, e.store, e.labelLookup, cfg.Rules.ListingCacheTTL)

	// 5. Peer transfer client (implements resolver.PeerClient) and plugin
	// materializer (implements resolver.PluginInvoker).
	e.transferClient = transfer.NewClient(transfer.ClientConfig{
		AccessKeyID: cfg.Transfer.AccessKeyID,
		SecretKey:   cfg.Transfer.SecretKey,
		Timeout:     cfg.Transfer.RequestTimeout,
	})
	e.plugins = plugin.New(cfg.Plugins)

	// 6. Tiered resolver, the core of §4.2.
	pluginRoutes := make([]resolver.PluginRoute, 0, len(cfg.Plugins))
	for _, p := range cfg.Plugins {
		pluginRoutes = append(pluginRoutes, resolver.PluginRoute{
			Name:           p.Name,
			FilePathPrefix: p.FilePathPrefix,
		})
	}
	e.resolver = resolver.New(resolver.Config{
		NodeID:     cfg.Global.NodeID,
		WatchPaths: cfg.Source.WatchPaths,
		Plugins:    pluginRoutes,
		Retry: retry.Config{
			MaxAttempts:  cfg.Resolver.Retry.MaxAttempts,
			InitialDelay: cfg.Resolver.Retry.InitialDelay,
			MaxDelay:     cfg.Resolver.Retry.MaxDelay,
			JitterFrac:   cfg.Resolver.Retry.JitterFrac,
		},
		BreakerThreshold: cfg.Resolver.Breaker.FailureThreshold,
		BreakerTimeout:   cfg.Resolver.Breaker.OpenTimeout,
		PerPeerFetchCap:  cfg.Cache.PerPeerFetchCap,
	}, e.store, e.cache, e.transferClient, e.plugins)

	// 7. Peer transfer server. The resolver satisfies transfer.LocalOpener
	// via OpenLocal.
	e.transferServer = transfer.NewServer(transfer.ServerConfig{
		ListenAddr:     cfg.Transfer.ListenAddr,
		AccessKeyID:    cfg.Transfer.AccessKeyID,
		SecretKey:      cfg.Transfer.SecretKey,
		ClockSkew:      cfg.Transfer.ClockSkew,
		RequestTimeout: cfg.Transfer.RequestTimeout,
	}, e.resolver)

	// 8. Ambient observability: metrics, health, status, ops API.
	e.metricsCollector, err = metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Global.MetricsPort,
		Path:      "/metrics",
		Namespace: "mosaicfs",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize metrics collector: %w", err)
	}

	e.healthTracker = health.NewTracker(health.DefaultConfig())
	e.healthTracker.RegisterComponent(componentResolver)
	e.healthTracker.RegisterComponent(componentChangesFeed)
	e.healthTracker.RegisterComponent(componentCache)

	e.statusTracker = status.NewTracker(status.TrackerConfig{
		HealthTracker: e.healthTracker,
	})

	apiCfg := api.DefaultServerConfig()
	apiCfg.Address = fmt.Sprintf(":%d", cfg.Global.HealthPort)
	e.apiServer = api.NewServer(apiCfg, e.statusTracker, e.healthTracker)

	return e, nil
}

// labelLookup adapts derived.Caches.Labels to rules.LabelLookup: parse the
// string file ID, look up its label slice, and fold it into a set.
func (e *Engine) labelLookup(fileID string) map[string]struct{} {
	id, err := uuid.Parse(fileID)
	if err != nil {
		return nil
	}
	labels := e.derived.Labels(id)
	if len(labels) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		set[l] = struct{}{}
	}
	return set
}

// Start brings up the transfer server, metrics collector, and ops API in
// the background. Call once; not safe to call again without Stop.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return fmt.Errorf("engine already started")
	}

	log.Printf("Starting mosaicfs-agent engine...")
	log.Printf("Node ID: %s", e.cfg.Global.NodeID)
	log.Printf("Watch paths: %v", e.cfg.Source.WatchPaths)
	log.Printf("Transfer listen address: %s", e.cfg.Transfer.ListenAddr)

	// 1. Peer transfer server.
	e.transferServer.StartBackground()

	// 2. Metrics collector.
	if err := e.metricsCollector.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics collector: %w", err)
	}

	// 3. Ops HTTP API (health/status/info).
	e.apiServer.StartBackground()

	e.started = true
	log.Printf("mosaicfs-agent engine started successfully")
	return nil
}

// Stop tears components down in the reverse of Start's order, accumulating
// the last error encountered rather than stopping early so every component
// gets a chance to shut down.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started {
		return fmt.Errorf("engine not started")
	}

	log.Printf("Stopping mosaicfs-agent engine...")

	var lastErr error

	if err := e.apiServer.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down API server: %v", err)
		lastErr = err
	}

	if err := e.metricsCollector.Stop(ctx); err != nil {
		log.Printf("Error stopping metrics collector: %v", err)
		lastErr = err
	}

	if err := e.transferServer.Shutdown(ctx); err != nil {
		log.Printf("Error shutting down transfer server: %v", err)
		lastErr = err
	}

	e.derived.Close()

	e.started = false
	log.Printf("mosaicfs-agent engine stopped successfully")
	return lastErr
}

// Readdir lists a virtual directory's entries (§4.1), recording its latency
// and its health outcome under the changes-feed component.
func (e *Engine) Readdir(ctx context.Context, virtualPath string) ([]rules.Entry, error) {
	start := time.Now()
	entries, err := e.rules.Readdir(ctx, virtualPath)
	e.metricsCollector.ObserveOperationLatency("readdir", time.Since(start))
	if err != nil {
		e.healthTracker.RecordError(componentChangesFeed, err)
		e.metricsCollector.RecordError(componentChangesFeed, err)
		return nil, err
	}
	e.healthTracker.RecordSuccess(componentChangesFeed)
	return entries, nil
}

// Open resolves fileID to a readable byte stream through the tiered
// resolver (§4.2), recording latency and health outcomes.
func (e *Engine) Open(ctx context.Context, fileID uuid.UUID, rng *resolver.Range) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := e.resolver.Open(ctx, fileID, rng)
	e.metricsCollector.ObserveOperationLatency("read", time.Since(start))
	if err != nil {
		e.healthTracker.RecordError(componentResolver, err)
		e.metricsCollector.RecordError(componentResolver, err)
		return nil, err
	}
	e.healthTracker.RecordSuccess(componentResolver)
	return rc, nil
}
