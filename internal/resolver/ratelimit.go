package resolver

import (
	"sync"

	"golang.org/x/time/rate"
)

// peerLimiters lazily creates and caches a per-peer rate.Limiter admitting
// at most cap fetches per second with a burst of the same size (§6.5
// "per_peer_parallel_fetch_cap"). A token-bucket limiter is used instead
// of a semaphore deliberately: Tier 4/4b fetches arrive in bursts around
// cache misses rather than as a steady stream, so a limiter that can
// front-load a burst and then throttle fits the traffic shape better than
// a fixed concurrency cap would.
type peerLimiters struct {
	mu     sync.Mutex
	cap    int
	byNode map[string]*rate.Limiter
}

func newPeerLimiters(perPeerCap int) *peerLimiters {
	return &peerLimiters{cap: perPeerCap, byNode: make(map[string]*rate.Limiter)}
}

func (p *peerLimiters) get(nodeID string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.byNode[nodeID]
	if ok {
		return l
	}

	limit := rate.Limit(p.cap)
	burst := p.cap
	if p.cap <= 0 {
		limit = rate.Inf
		burst = 1
	}
	l = rate.NewLimiter(limit, burst)
	p.byNode[nodeID] = l
	return l
}
