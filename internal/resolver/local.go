package resolver

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mosaicfs/mosaicfs/internal/metastore"
	"github.com/mosaicfs/mosaicfs/pkg/engineerr"
	"github.com/mosaicfs/mosaicfs/pkg/utils"
)

// tier1Local serves a direct local read when the file is owned by this node
// and its export path is contained under a configured watch path (§4.2
// Tier 1). Agents hosting source-mode backends (no watch paths configured)
// skip the containment check, but Tier 5 still governs them: a plugin route
// is checked first, and only a path no plugin claims falls through to a
// direct local read. A file that fails containment under a watch-path
// agent but falls under a plugin's declared prefix is likewise routed to
// Tier 5 instead of being rejected outright.
func (r *Resolver) tier1Local(ctx context.Context, f *metastore.File, _ *metastore.Node, rng *Range) (io.ReadCloser, outcome, error) {
	if f.Source.NodeID != r.cfg.NodeID {
		return nil, outcomeUnavailable, nil
	}

	if len(r.cfg.WatchPaths) == 0 {
		if route, ok := r.pluginRouteFor(f.Source.ExportPath); ok {
			return r.tier5Plugin(ctx, f, route, rng)
		}
		return r.readLocal(f.Source.ExportPath, rng)
	}

	contained := false
	for _, watch := range r.cfg.WatchPaths {
		if utils.ValidatePathWithinBase(watch, f.Source.ExportPath) == nil {
			contained = true
			break
		}
	}
	if contained {
		return r.readLocal(f.Source.ExportPath, rng)
	}

	if route, ok := r.pluginRouteFor(f.Source.ExportPath); ok {
		return r.tier5Plugin(ctx, f, route, rng)
	}

	return nil, outcomePermanent, engineerr.New(engineerr.CodeContainmentViolation, "export path escapes configured watch paths").
		WithComponent("resolver").WithOperation("tier1").WithFileID(f.ID.String())
}

func (r *Resolver) pluginRouteFor(exportPath string) (PluginRoute, bool) {
	for _, p := range r.cfg.Plugins {
		if strings.HasPrefix(filepath.Clean(exportPath), filepath.Clean(p.FilePathPrefix)) {
			return p, true
		}
	}
	return PluginRoute{}, false
}

func (r *Resolver) readLocal(path string, rng *Range) (io.ReadCloser, outcome, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, outcomeUnavailable, nil
		}
		return nil, outcomePermanent, err
	}
	if rng == nil {
		return file, outcomeSuccess, nil
	}
	if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
		file.Close()
		return nil, outcomePermanent, err
	}
	return &limitedReadCloser{r: io.LimitReader(file, rng.End-rng.Start+1), c: file}, outcomeSuccess, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error                { return l.c.Close() }
