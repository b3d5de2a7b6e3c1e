package cache

import (
	"sync"

	"github.com/google/uuid"
)

// integrityPoisonThreshold is how many consecutive digest mismatches it
// takes to poison a cache entry (§7: "after three consecutive occurrences
// the entry is considered poisoned").
const integrityPoisonThreshold = 3

// integrityTracker counts consecutive transfer-integrity failures per
// file. It is in-memory only, reset on any successful verify and on
// process restart — persisting it across restarts would need a durable
// per-file failure-count store disproportionate to the cost of a few
// redundant retries after a restart (see DESIGN.md).
type integrityTracker struct {
	mu     sync.Mutex
	counts map[uuid.UUID]int
}

func newIntegrityTracker() *integrityTracker {
	return &integrityTracker{counts: make(map[uuid.UUID]int)}
}

// RecordDigestMismatch registers a failed verify for fileID and reports
// whether it has now crossed the poisoning threshold.
func (t *integrityTracker) RecordDigestMismatch(fileID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counts[fileID]++
	return t.counts[fileID] >= integrityPoisonThreshold
}

// RecordDigestSuccess clears fileID's consecutive-failure count.
func (t *integrityTracker) RecordDigestSuccess(fileID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.counts, fileID)
}

// RecordDigestMismatch implements resolver.IntegrityTracker.
func (c *Cache) RecordDigestMismatch(fileID uuid.UUID) bool {
	return c.integrity.RecordDigestMismatch(fileID)
}

// RecordDigestSuccess implements resolver.IntegrityTracker.
func (c *Cache) RecordDigestSuccess(fileID uuid.UUID) {
	c.integrity.RecordDigestSuccess(fileID)
}
