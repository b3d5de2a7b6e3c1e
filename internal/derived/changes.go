package derived

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mosaicfs/mosaicfs/internal/metastore"
)

// apply dispatches a single changes-feed event to the label/access caches
// per §4.4's incremental-maintenance table. It is internal/changes.Apply:
// the consumer calls it once per event, in feed order, which is what keeps
// the label cache's rule-union recomputation race-free (§5 "serializing
// changes-feed consumption on a single task").
func (c *Caches) apply(ctx context.Context, change metastore.Change) {
	switch change.Type {
	case metastore.ChangeLabelAssignment:
		c.applyAssignmentChange(ctx, change)
	case metastore.ChangeLabelRule:
		c.applyRuleChange(ctx, change)
	case metastore.ChangeFile:
		c.applyFileChange(ctx, change)
	case metastore.ChangeAccessRecord:
		c.applyAccessChange(change)
	}
}

func (c *Caches) applyAssignmentChange(ctx context.Context, change metastore.Change) {
	id, err := uuid.Parse(change.ID)
	if err != nil {
		slog.Warn("derived: malformed label assignment change id", "id", change.ID)
		return
	}
	// Both creation/update and deletion resolve the same way: recomputeFile
	// re-reads the (possibly now-absent) assignment and re-unions matching
	// rule labels, dropping the entry if the result is empty.
	c.recomputeFile(ctx, id)
}

func (c *Caches) applyRuleChange(ctx context.Context, change metastore.Change) {
	c.rulesMu.Lock()
	old := c.rules[change.ID]
	var next *metastore.LabelRule
	if change.Kind != metastore.ChangeDeleted {
		if r, ok := change.Doc.(*metastore.LabelRule); ok {
			next = r
		}
	}
	if next != nil {
		c.rules[change.ID] = next
	} else {
		delete(c.rules, change.ID)
	}
	c.rulesMu.Unlock()

	switch {
	case change.Kind == metastore.ChangeDeleted:
		c.rescanner.submit(old, nil)
	case next != nil && next.Enabled && (old == nil || !old.Enabled):
		// created, or just enabled: scan the new scope and union in.
		c.rescanner.submit(nil, next)
	case next != nil && old != nil && (!next.Enabled || old.PathPrefix != next.PathPrefix || old.NodeID != next.NodeID):
		// disabled, or scope changed: recompute everything in the old scope.
		c.rescanner.submit(old, nil)
		if next.Enabled {
			c.rescanner.submit(nil, next)
		}
	}
}

func (c *Caches) applyFileChange(ctx context.Context, change metastore.Change) {
	id, err := uuid.Parse(change.ID)
	if err != nil {
		slog.Warn("derived: malformed file change id", "id", change.ID)
		return
	}
	switch change.Kind {
	case metastore.ChangeDeleted:
		c.dropLabels(id)
		c.dropAccess(id)
	default: // created or updated (including a path/export_path change)
		c.recomputeFile(ctx, id)
	}
}

func (c *Caches) applyAccessChange(change metastore.Change) {
	id, err := uuid.Parse(change.ID)
	if err != nil {
		slog.Warn("derived: malformed access record change id", "id", change.ID)
		return
	}
	switch change.Kind {
	case metastore.ChangeDeleted:
		c.dropAccess(id)
	default:
		if rec, ok := change.Doc.(*metastore.AccessRecord); ok {
			c.setAccess(id, rec.LastAccess)
		}
	}
}

// recomputeFile rebuilds fileID's label entry from scratch: its direct
// assignment (if any) unioned with every enabled rule whose scope it
// falls in, dropping the entry entirely if the result is empty.
func (c *Caches) recomputeFile(ctx context.Context, fileID uuid.UUID) {
	var labels []string

	if a, ok, err := c.store.GetLabelAssignment(ctx, fileID); err == nil && ok {
		labels = append(labels, a.Labels...)
	}

	if f, err := c.store.GetFile(ctx, fileID); err == nil && f != nil {
		c.rulesMu.RLock()
		for _, r := range c.rules {
			if r.Enabled && ruleMatches(r, f) {
				labels = append(labels, r.Labels...)
			}
		}
		c.rulesMu.RUnlock()
	}

	c.setLabels(fileID, dedupe(labels))
}

func dedupe(labels []string) []string {
	if len(labels) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(labels))
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}
