package resolver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/mosaicfs/mosaicfs/internal/metastore"
	"github.com/mosaicfs/mosaicfs/pkg/engineerr"
)

// tier5Plugin invokes the owning plugin's materialize callout (§6.3) to
// stage the file's bytes locally, then opens the staged path. Reached
// either from Tier 1 (owner agent: a containment miss, or any path on an
// agent with no watch paths, that matches a plugin's declared prefix) or
// from Tier 4b (an object-store-backed
// replica).
func (r *Resolver) tier5Plugin(ctx context.Context, f *metastore.File, route PluginRoute, rng *Range) (io.ReadCloser, outcome, error) {
	if r.plugins == nil {
		return nil, outcomeUnavailable, nil
	}

	staging := filepath.Join(r.cfg.StagingDir, fmt.Sprintf("%s-%s", route.Name, f.ID.String()))
	if err := os.MkdirAll(r.cfg.StagingDir, 0o750); err != nil {
		return nil, outcomePermanent, err
	}
	defer os.Remove(staging)

	if err := r.plugins.Materialize(ctx, route.Name, f.ID.String(), f.Source.ExportPath, staging); err != nil {
		return nil, outcomeUnavailable, nil
	}

	rc, out, err := r.readLocal(staging, rng)
	if out == outcomeUnavailable {
		return nil, outcomePermanent, engineerr.New(engineerr.CodePluginMissing, "plugin reported success but staged nothing").
			WithComponent("resolver").WithOperation("tier5").WithFileID(f.ID.String())
	}
	return rc, out, err
}
