// Package resolver implements the tiered file access resolver (§4.2): given
// a file identity and optional byte range, it walks tiers 1 through 5 in
// order, short-circuiting on the first tier that produces bytes and falling
// through on any tier that reports itself merely unavailable. It is used
// both as the local reader behind `open`/`read` and as the backing logic of
// the peer transfer HTTP server.
package resolver

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mosaicfs/mosaicfs/internal/circuit"
	"github.com/mosaicfs/mosaicfs/internal/metastore"
	"github.com/mosaicfs/mosaicfs/pkg/engineerr"
	"github.com/mosaicfs/mosaicfs/pkg/retry"
)

// Range is an inclusive byte range; a nil *Range means "the whole file".
type Range struct {
	Start int64
	End   int64
}

// outcome is what a single tier attempt reported.
type outcome int

const (
	outcomeUnavailable outcome = iota // this tier has nothing; try the next
	outcomeSuccess
	outcomePermanent // stop; surface as an I/O-class error
)

// PeerClient fetches file content from another node's transfer endpoint
// (§6.2). Implemented by internal/transfer; declared here so the resolver
// does not need to import the HTTP client package.
type PeerClient interface {
	Fetch(ctx context.Context, endpoint string, fileID uuid.UUID, rng *Range) (io.ReadCloser, error)
}

// PluginInvoker runs a plugin's materialize callout (§6.3), which writes the
// file's content to the caller-chosen stagingPath; it returns only an
// error. Implemented by internal/plugin.
type PluginInvoker interface {
	Materialize(ctx context.Context, pluginName, fileID, exportPath, stagingPath string) error
}

// ContentCache is the subset of the content cache (§4.3) the resolver needs:
// a lookup before walking tiers, and a place to stream newly-fetched bytes
// into as a side effect of a successful tier. Implemented by internal/cache.
type ContentCache interface {
	Lookup(ctx context.Context, fileID uuid.UUID, rng *Range) (io.ReadCloser, bool, error)
	Store(ctx context.Context, fileID uuid.UUID, rng *Range, src io.Reader) (io.ReadCloser, error)
}

// IntegrityTracker is the optional subset of the content cache that counts
// consecutive transfer-integrity digest mismatches per file (§7). The
// resolver detects it with a type assertion on its ContentCache rather
// than requiring every cache fake to implement it.
type IntegrityTracker interface {
	RecordDigestMismatch(fileID uuid.UUID) bool
	RecordDigestSuccess(fileID uuid.UUID)
}

// PluginRoute declares one plugin's ownership of an export-path prefix
// (§4.2 Tier 5, §6.3).
type PluginRoute struct {
	Name           string
	FilePathPrefix string
}

// Config carries the resolver's static, per-node configuration.
type Config struct {
	NodeID           string
	WatchPaths       []string // canonical local roots this node serves directly (Tier 1)
	Plugins          []PluginRoute
	StagingDir       string // where Tier 5 materialize output lands before caching
	Retry            retry.Config
	BreakerThreshold int
	BreakerTimeout   time.Duration
	PerPeerFetchCap  int // per-peer admission rate, fetches/sec (§6.5); <=0 means unlimited
}

// Resolver implements the tier walk.
type Resolver struct {
	cfg      Config
	store    metastore.Store
	cache    ContentCache
	peers    PeerClient
	plugins  PluginInvoker
	breakers *circuit.Manager
	retryer  *retry.Retryer
	limiters *peerLimiters
	sf       singleflight.Group
}

// New builds a Resolver. peers and plugins may be nil in configurations
// that never act as a peer client or never declare plugins; the
// corresponding tiers then always report themselves unavailable.
func New(cfg Config, store metastore.Store, cache ContentCache, peers PeerClient, plugins PluginInvoker) *Resolver {
	breakerCfg := circuit.ConfigFromThreshold(cfg.BreakerThreshold, cfg.BreakerTimeout, 1)
	return &Resolver{
		cfg:      cfg,
		store:    store,
		cache:    cache,
		peers:    peers,
		plugins:  plugins,
		breakers: circuit.NewManager(breakerCfg),
		retryer:  retry.New(cfg.Retry),
		limiters: newPeerLimiters(cfg.PerPeerFetchCap),
	}
}

// Open resolves fileID to a readable byte stream, consulting the cache
// first and otherwise walking tiers 1 through 5 in order (§4.2). Concurrent
// callers asking for the same file and range while a fetch is already in
// flight share that single fetch (§4.3.5) instead of each walking the tiers
// themselves: only the first reaches the tiers, the rest wait for it to
// populate the cache and then read from there.
func (r *Resolver) Open(ctx context.Context, fileID uuid.UUID, rng *Range) (io.ReadCloser, error) {
	if cached, hit, err := r.cache.Lookup(ctx, fileID, rng); err != nil {
		return nil, err
	} else if hit {
		return cached, nil
	}

	key := dedupKey(fileID, rng)
	_, err, _ := r.sf.Do(key, func() (interface{}, error) {
		return nil, r.fetch(ctx, fileID, rng)
	})
	if err != nil {
		return nil, err
	}

	cached, hit, err := r.cache.Lookup(ctx, fileID, rng)
	if err != nil {
		return nil, err
	}
	if !hit {
		return nil, engineerr.New(engineerr.CodeTierUnavailable, "no tier produced content").
			WithComponent("resolver").WithFileID(fileID.String())
	}
	return cached, nil
}

// fetch walks tiers 1 through 5 for fileID/rng and, on the first tier to
// produce bytes, persists them through the cache. It never itself returns
// an open handle; callers re-consult the cache after it succeeds.
func (r *Resolver) fetch(ctx context.Context, fileID uuid.UUID, rng *Range) error {
	f, err := r.store.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	if f == nil {
		return engineerr.New(engineerr.CodeFileNotFound, "file not found").
			WithComponent("resolver").WithFileID(fileID.String())
	}

	owner, err := r.store.GetNode(ctx, f.Source.NodeID)
	if err != nil {
		return err
	}

	for _, tier := range r.tiers() {
		rc, out, tierErr := tier(ctx, f, owner, rng)
		switch out {
		case outcomeSuccess:
			stored, err := r.cache.Store(ctx, fileID, rng, rc)
			if err != nil {
				if engineerr.IsDigestMismatch(err) {
					if poisoned := r.recordDigestMismatch(fileID); poisoned {
						return engineerr.New(engineerr.CodeEntryPoisoned, "cache entry poisoned after repeated transfer digest mismatches").
							WithComponent("resolver").WithFileID(fileID.String()).WithCause(err)
					}
					continue // give the next tier a chance rather than failing outright
				}
				return err
			}
			r.recordDigestSuccess(fileID)
			return stored.Close()
		case outcomePermanent:
			return tierErr
		case outcomeUnavailable:
			continue
		}
	}

	return engineerr.New(engineerr.CodeTierUnavailable, "no tier produced content").
		WithComponent("resolver").WithFileID(fileID.String())
}

func (r *Resolver) recordDigestMismatch(fileID uuid.UUID) bool {
	if it, ok := r.cache.(IntegrityTracker); ok {
		return it.RecordDigestMismatch(fileID)
	}
	return false
}

func (r *Resolver) recordDigestSuccess(fileID uuid.UUID) {
	if it, ok := r.cache.(IntegrityTracker); ok {
		it.RecordDigestSuccess(fileID)
	}
}

// dedupKey identifies a fetch for singleflight purposes. It keys on the
// exact requested range rather than attempting overlap coalescing, so two
// requests for overlapping-but-not-identical ranges still fetch separately.
func dedupKey(fileID uuid.UUID, rng *Range) string {
	if rng == nil {
		return fileID.String()
	}
	return fmt.Sprintf("%s:%d:%d", fileID, rng.Start, rng.End)
}

type tierFunc func(ctx context.Context, f *metastore.File, owner *metastore.Node, rng *Range) (io.ReadCloser, outcome, error)

// tiers returns the ordered tier attempts for f (§4.2's tier table). Tier 5
// is folded into tier 1's containment check rather than listed separately,
// matching the spec's "inside Tier 1's containment check" placement.
func (r *Resolver) tiers() []tierFunc {
	return []tierFunc{
		r.tier1Local,
		r.tier2NetworkMount,
		r.tier3CloudSync,
		r.tier4Peer,
		r.tier4bReplica,
	}
}

// localTiers is tiers() without the peer-forwarding tiers (4/4b): it is
// what an incoming peer transfer request is served from, so that request
// never itself forwards to a third node.
func (r *Resolver) localTiers() []tierFunc {
	return []tierFunc{
		r.tier1Local,
		r.tier2NetworkMount,
		r.tier3CloudSync,
	}
}

// OpenLocal resolves fileID using only the tiers that serve content this
// node already has locally or on a reachable mount (§6.2: "an incoming
// request is served via Tiers 1/2/3/5 on the owning agent"). It is the
// transfer server's backend, deliberately bypassing the cache (a remote
// peer caches on its own end) and tiers 4/4b (no forwarding to a third
// node).
func (r *Resolver) OpenLocal(ctx context.Context, fileID uuid.UUID, rng *Range) (io.ReadCloser, error) {
	f, err := r.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, engineerr.New(engineerr.CodeFileNotFound, "file not found").
			WithComponent("resolver").WithFileID(fileID.String())
	}

	owner, err := r.store.GetNode(ctx, f.Source.NodeID)
	if err != nil {
		return nil, err
	}

	for _, tier := range r.localTiers() {
		rc, out, tierErr := tier(ctx, f, owner, rng)
		switch out {
		case outcomeSuccess:
			return rc, nil
		case outcomePermanent:
			return nil, tierErr
		case outcomeUnavailable:
			continue
		}
	}

	return nil, engineerr.New(engineerr.CodeTierUnavailable, "no local tier produced content").
		WithComponent("resolver").WithFileID(fileID.String())
}
