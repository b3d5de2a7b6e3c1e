// Package rules implements the on-demand rule engine: it turns a virtual
// directory's mount entries into a directory listing by walking ancestor
// step inheritance, running the ten-operator filter pipeline per file, and
// resolving same-name collisions across mounts (§4.1).
package rules

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mosaicfs/mosaicfs/internal/changes"
	"github.com/mosaicfs/mosaicfs/internal/metastore"
	"github.com/mosaicfs/mosaicfs/pkg/engineerr"
)

// LabelLookup resolves the effective label set for a file in O(1), backed
// by the label cache (§4.4) rather than a per-query join.
type LabelLookup func(fileID string) map[string]struct{}

// Entry is one item an OS readdir would see.
type Entry struct {
	Name  string
	Inode uint64
	IsDir bool
	File  *metastore.File               // set when !IsDir
	Dir   *metastore.VirtualDirectory    // set when IsDir and backed by a real record
}

// Engine evaluates readdir requests against the metadata replica.
type Engine struct {
	store  metastore.Store
	labels LabelLookup
	cache  *listingCache

	changes        *changes.Consumer
	operatorErrors atomic.Uint64
}

// OperatorErrorCount reports how many per-file operator errors have been
// swallowed (file excluded, error counted) across this engine's lifetime
// (§7), surfaced for node status reporting alongside ChangesState.
func (e *Engine) OperatorErrorCount() uint64 {
	return e.operatorErrors.Load()
}

// New builds a rule engine and starts a changes-feed consumer that
// invalidates the listing cache as soon as a relevant mutation is observed,
// rather than leaving staleness protection to ttl alone (§4.1.3). If the
// feed fails to connect, New still returns a working engine that falls back
// to ttl-only staleness, logging the failure rather than refusing to start
// the rule engine over a non-essential freshness optimization.
func New(ctx context.Context, store metastore.Store, labels LabelLookup, ttl time.Duration) *Engine {
	e := &Engine{
		store:  store,
		labels: labels,
		cache:  newListingCache(ttl),
	}

	consumer := changes.New(store, changes.Config{}, e.reconcileCache, e.applyChange)
	if err := consumer.Start(ctx); err != nil {
		slog.Warn("rules: listing-cache invalidation feed failed to start; falling back to ttl-only staleness bound", "error", err)
		return e
	}
	e.changes = consumer
	return e
}

// reconcileCache drops the whole listing cache on every changes-feed
// (re)connect: events missed while disconnected could have invalidated any
// listing, so §4.1.3's "on any doubt, drop the entry" applies to the
// reconnect gap itself.
func (e *Engine) reconcileCache(context.Context) error {
	e.cache.invalidateAll()
	return nil
}

// applyChange invalidates listing-cache entries affected by a single
// changes-feed event (§4.1.3). A virtual directory's own mounts only
// affect its own listing, so a non-enforcing directory update invalidates
// just that path; everything else — a deleted or enforce-on-children
// directory, a file, a label assignment, or a label rule — can feed an
// arbitrary number of listings through mount source-prefix scans or `label`
// steps, and there's no cheap way to enumerate those from here, so the
// whole cache drops instead.
func (e *Engine) applyChange(_ context.Context, change metastore.Change) {
	switch change.Type {
	case metastore.ChangeVirtualDirectory:
		if d, ok := change.Doc.(*metastore.VirtualDirectory); ok && change.Kind != metastore.ChangeDeleted && !d.EnforceOnChildren {
			e.cache.invalidate(change.ID)
			return
		}
		e.cache.invalidateAll()
	case metastore.ChangeFile, metastore.ChangeLabelAssignment, metastore.ChangeLabelRule:
		e.cache.invalidateAll()
	}
}

// Readdir implements the contract in §4.1: load the directory, collect
// inherited steps from enforce-on-children ancestors, evaluate every mount
// entry's matching files through the step pipeline, union in child virtual
// directories, and resolve name collisions.
func (e *Engine) Readdir(ctx context.Context, virtualPath string) ([]Entry, error) {
	dir, err := e.store.GetVirtualDirectory(ctx, virtualPath)
	if err != nil {
		return nil, err
	}
	if dir == nil {
		return nil, engineerr.New(engineerr.CodeDirNotFound, fmt.Sprintf("no virtual directory at %q", virtualPath)).
			WithComponent("rules").WithOperation("Readdir")
	}

	if cached, ok := e.cache.get(virtualPath, dir.Revision); ok {
		return cached, nil
	}

	inherited, err := e.inheritedSteps(ctx, virtualPath)
	if err != nil {
		return nil, err
	}

	evalCtx := &evalContext{ctx: ctx, store: e.store, labelsOf: e.labels, now: time.Now()}

	byName := make(map[string]Entry)
	conflictMount := make(map[string]*metastore.MountEntry)

	for i := range dir.Mounts {
		mount := &dir.Mounts[i]
		files, err := e.queryMountFiles(ctx, mount)
		if err != nil {
			return nil, err
		}

		steps := compileSteps(append(append([]metastore.FilterStep{}, inherited...), mount.Steps...))

		for _, f := range files {
			if f.SoftDeleted {
				continue
			}
			include, err := evaluate(evalCtx, steps, mount.DefaultResult, f)
			if err != nil {
				// §7: the rule engine never raises on a per-file error; the
				// file is excluded and the failure counted rather than
				// aborting the whole directory listing over one bad file.
				e.operatorErrors.Add(1)
				slog.Warn("rules: excluding file after per-file operator error", "file_id", f.ID, "virtual_path", virtualPath, "error", err)
				continue
			}
			if !include {
				continue
			}
			e.emitEntries(byName, conflictMount, mount, f, virtualPath)
		}
	}

	children, err := e.store.ChildVirtualDirectories(ctx, virtualPath)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		name := path.Base(child.VirtualPath)
		byName[name] = Entry{Name: name, Inode: child.Inode, IsDir: true, Dir: child}
	}

	out := make([]Entry, 0, len(byName))
	for _, entry := range byName {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	e.cache.put(virtualPath, dir.Revision, out)
	return out, nil
}

// inheritedSteps walks root->parent collecting step arrays from every
// ancestor whose enforce-on-children flag is set (§4.1 step 2).
func (e *Engine) inheritedSteps(ctx context.Context, virtualPath string) ([]metastore.FilterStep, error) {
	var chain []*metastore.VirtualDirectory
	cur := path.Dir(virtualPath)
	for virtualPath != "/" && cur != "." && cur != "" {
		d, err := e.store.GetVirtualDirectory(ctx, cur)
		if err != nil {
			return nil, err
		}
		if d == nil {
			break
		}
		chain = append(chain, d)
		if cur == "/" {
			break
		}
		cur = path.Dir(cur)
	}
	// reverse to root->parent order
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}

	var steps []metastore.FilterStep
	for _, d := range chain {
		if !d.EnforceOnChildren {
			continue
		}
		for _, m := range d.Mounts {
			steps = append(steps, m.Steps...)
		}
	}
	return steps, nil
}

func (e *Engine) queryMountFiles(ctx context.Context, mount *metastore.MountEntry) ([]*metastore.File, error) {
	switch mount.Mapping {
	case metastore.MappingPrefixReplace:
		return e.store.ScanFilesBySourcePrefix(ctx, mount.Source.NodeID, mount.SourcePrefix)
	case metastore.MappingFlatten:
		return e.store.ScanFilesByExportPathPrefix(ctx, mount.Source.NodeID, mount.Source.ExportPath)
	default:
		return nil, engineerr.New(engineerr.CodeInvalidConfig, fmt.Sprintf("unknown mapping strategy %q", mount.Mapping)).
			WithComponent("rules")
	}
}

// emitEntries derives the entry name for f under mount and inserts it into
// byName, applying §4.1.2 conflict resolution against anything already
// there for the same name.
func (e *Engine) emitEntries(byName map[string]Entry, conflictMount map[string]*metastore.MountEntry, mount *metastore.MountEntry, f *metastore.File, virtualPath string) {
	name, isSyntheticDir := entryName(mount, f)
	if name == "" {
		return
	}

	if isSyntheticDir {
		// A deeper path component: surface as a synthetic subdirectory.
		// Its own listing is produced lazily by a later Readdir call for
		// the nested virtual path, not materialized here.
		if _, exists := byName[name]; !exists {
			childPath := path.Join(virtualPath, name)
			byName[name] = Entry{Name: name, Inode: syntheticInode(childPath), IsDir: true}
		}
		return
	}

	candidate := Entry{Name: name, Inode: f.Inode, IsDir: false, File: f}

	existing, exists := byName[name]
	if !exists {
		byName[name] = candidate
		conflictMount[name] = mount
		return
	}
	if existing.IsDir {
		return // a synthetic directory already claims this name
	}

	resolved := resolveConflict(conflictMount[name], mount, existing, candidate)
	// suffix_node_id keeps both: rename existing and candidate with node suffixes.
	if len(resolved) == 2 {
		a, b := resolved[0], resolved[1]
		delete(byName, name)
		byName[suffixedName(a.Name, a.File.Source.NodeID)] = a
		byName[suffixedName(b.Name, b.File.Source.NodeID)] = b
		return
	}
	byName[name] = resolved[0]
	conflictMount[name] = mount
}

func suffixedName(name, nodeID string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s@%s%s", base, nodeID, ext)
}

// resolveConflict implements §4.1.2: the more conservative of the two
// mounts' policies wins. Returns a single winning entry, or both (for
// suffix_node_id).
func resolveConflict(mountA, mountB *metastore.MountEntry, a, b Entry) []Entry {
	if mountA.ConflictPolicy == metastore.ConflictSuffixNodeID || mountB.ConflictPolicy == metastore.ConflictSuffixNodeID {
		return []Entry{a, b}
	}
	// last_write_wins: greater mtime; ties by node id lexicographically.
	if a.File == nil || b.File == nil {
		return []Entry{b}
	}
	if a.File.MTime.After(b.File.MTime) {
		return []Entry{a}
	}
	if b.File.MTime.After(a.File.MTime) {
		return []Entry{b}
	}
	if a.File.Source.NodeID < b.File.Source.NodeID {
		return []Entry{a}
	}
	return []Entry{b}
}

// entryName derives the listing name for f under mount (§4.1 step 3d) and
// reports whether it names a synthetic intermediate subdirectory rather
// than the file itself. For prefix_replace, deeper path components are
// collapsed to their first component and surfaced as such a subdirectory.
func entryName(mount *metastore.MountEntry, f *metastore.File) (name string, isSyntheticDir bool) {
	switch mount.Mapping {
	case metastore.MappingPrefixReplace:
		rel := strings.TrimPrefix(f.Source.ExportPath, mount.SourcePrefix)
		rel = strings.TrimPrefix(rel, "/")
		if rel == "" {
			return "", false
		}
		if idx := strings.Index(rel, "/"); idx >= 0 {
			return rel[:idx], true
		}
		return rel, false
	case metastore.MappingFlatten:
		return path.Base(f.Source.ExportPath), false
	default:
		return "", false
	}
}

// syntheticInode derives a stable inode for a synthetic intermediate
// subdirectory from its virtual path, per §9's content-addressed
// cross-reference design note.
func syntheticInode(virtualPath string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(virtualPath))
	return h.Sum64()
}
