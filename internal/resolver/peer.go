package resolver

import (
	"context"
	"io"

	"github.com/google/uuid"
	"github.com/mosaicfs/mosaicfs/internal/metastore"
)

// tier4Peer fetches content over HTTP from the owner's transfer endpoint
// when the owner is online (§4.2 Tier 4). A per-peer circuit breaker and
// retry policy guard the call; connection failures and a missing/offline
// owner fall through to Tier 4b rather than failing the whole resolve.
func (r *Resolver) tier4Peer(ctx context.Context, f *metastore.File, owner *metastore.Node, rng *Range) (io.ReadCloser, outcome, error) {
	if r.peers == nil || owner == nil || !owner.Online {
		return nil, outcomeUnavailable, nil
	}
	return r.fetchFromPeer(ctx, owner.ID, owner.TransferEndpoint, f.ID, rng)
}

// tier4bReplica is reached when Tier 4 could not produce bytes: it walks
// current/frozen replica records and dispatches per backend kind, taking
// the first success (§4.2 Tier 4b).
func (r *Resolver) tier4bReplica(ctx context.Context, f *metastore.File, _ *metastore.Node, rng *Range) (io.ReadCloser, outcome, error) {
	replicas, err := r.store.ListReplicas(ctx, f.ID)
	if err != nil {
		return nil, outcomeUnavailable, nil
	}

	for _, rep := range replicas {
		if rep.Status != metastore.ReplicaCurrent && rep.Status != metastore.ReplicaFrozen {
			continue
		}
		switch rep.Backend {
		case metastore.BackendAgent:
			if r.peers == nil {
				continue
			}
			node, err := r.store.GetNode(ctx, rep.TargetName)
			if err != nil || node == nil || !node.Online {
				continue
			}
			rc, out, tierErr := r.fetchFromPeer(ctx, node.ID, node.TransferEndpoint, f.ID, rng)
			if out == outcomeSuccess {
				return rc, out, tierErr
			}
		case metastore.BackendObjectStore:
			if r.plugins == nil {
				continue
			}
			if route, ok := r.pluginRouteFor(rep.RemoteKey); ok {
				rc, out, tierErr := r.tier5Plugin(ctx, f, route, rng)
				if out == outcomeSuccess {
					return rc, out, tierErr
				}
			}
		case metastore.BackendDirectory:
			rc, out, tierErr := r.readLocal(rep.RemoteKey, rng)
			if out == outcomeSuccess {
				return rc, out, tierErr
			}
		}
	}

	return nil, outcomeUnavailable, nil
}

// fetchFromPeer wraps a single peer fetch in that peer's circuit breaker
// and the shared retry policy (§4.2's transient-failure table: network
// timeouts and 5xx responses retry up to 3 attempts with backoff).
func (r *Resolver) fetchFromPeer(ctx context.Context, nodeID, endpoint string, fileID uuid.UUID, rng *Range) (io.ReadCloser, outcome, error) {
	if err := r.limiters.get(nodeID).Wait(ctx); err != nil {
		return nil, outcomeUnavailable, nil
	}

	breaker := r.breakers.GetBreaker(nodeID)

	var result io.ReadCloser
	err := breaker.ExecuteWithContext(ctx, func(ctx context.Context) error {
		return r.retryer.DoWithContext(ctx, func(ctx context.Context) error {
			rc, fetchErr := r.peers.Fetch(ctx, endpoint, fileID, rng)
			if fetchErr != nil {
				return fetchErr
			}
			result = rc
			return nil
		})
	})
	if err != nil {
		// Connection failure or breaker-open: this is a fall-through
		// condition (§4.2's failure model), not a permanent error — Tier 4b
		// gets a chance at a replica.
		return nil, outcomeUnavailable, nil
	}
	return result, outcomeSuccess, nil
}
