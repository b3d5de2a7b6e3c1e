// Package cache implements the on-disk file content cache (§4.3): a hybrid
// full-file / block-mode store backed by a bbolt metadata index and sparse
// data files, with LRU eviction. A full-file write is aborted and its temp
// file discarded when the source reader reports a digest mismatch; the
// trailer check itself lives in internal/transfer. Concurrent-fetch
// deduplication (§4.3.5) lives one
// layer up, in internal/resolver, since it must cover the tier walk that
// produces the bytes this cache only persists.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/mosaicfs/mosaicfs/internal/metastore"
	"github.com/mosaicfs/mosaicfs/internal/resolver"
	"github.com/mosaicfs/mosaicfs/pkg/engineerr"
)

// Config holds the cache's sizing knobs (§6.5).
type Config struct {
	Root               string
	BlockSize          int64
	FullFileThreshold  int64
	SizeCap            int64
	MinFreeSpace       int64
	IntervalCountCap   int
}

// Cache is the content cache. It satisfies internal/resolver's
// ContentCache interface structurally.
type Cache struct {
	cfg   Config
	store metastore.Store
	index *index

	mu     sync.Mutex
	pinned map[uuid.UUID]int

	integrity *integrityTracker
}

// New opens (creating if necessary) the cache rooted at cfg.Root and
// reconciles its index against the metadata replica (§4.3.6).
func New(ctx context.Context, cfg Config, store metastore.Store) (*Cache, error) {
	if err := os.MkdirAll(filepath.Join(cfg.Root, "tmp"), 0o750); err != nil {
		return nil, fmt.Errorf("create cache tmp dir: %w", err)
	}
	idx, err := openIndex(filepath.Join(cfg.Root, "index.db"))
	if err != nil {
		return nil, err
	}
	c := &Cache{cfg: cfg, store: store, index: idx, pinned: make(map[uuid.UUID]int), integrity: newIntegrityTracker()}
	if err := c.reconcile(ctx); err != nil {
		idx.close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() error { return c.index.close() }

// reconcile removes rows whose file record is missing or whose
// mtime/size no longer matches, per §4.3.6's startup contract.
func (c *Cache) reconcile(ctx context.Context) error {
	var stale []uuid.UUID
	err := c.index.forEach(func(row *entryRow) error {
		f, err := c.store.GetFile(ctx, row.FileUUID)
		if err != nil {
			return err
		}
		if f == nil || !f.MTime.Equal(row.MTimeAtCache) || f.Size != row.SizeAtCache {
			stale = append(stale, row.FileUUID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, id := range stale {
		if err := c.evict(id); err != nil {
			return err
		}
	}
	return nil
}

// Lookup implements resolver.ContentCache: a hit requires the entry to
// exist, its reconciliation fields to still match the replica, and (for
// block-mode entries) the requested range to be fully covered.
func (c *Cache) Lookup(ctx context.Context, fileID uuid.UUID, rng *resolver.Range) (io.ReadCloser, bool, error) {
	row, ok, err := c.index.get(fileID)
	if err != nil || !ok {
		return nil, false, err
	}

	f, err := c.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, false, err
	}
	if f == nil || !f.MTime.Equal(row.MTimeAtCache) || f.Size != row.SizeAtCache {
		_ = c.evict(fileID)
		return nil, false, nil
	}

	if !row.isFullFile() {
		a, b := blockRange(row, rng)
		bm := DecodeBlockMap(row.BlockMap)
		if len(bm.Missing(a, b)) > 0 {
			return nil, false, nil
		}
	}

	rc, err := c.openRange(fileID, rng, row)
	if err != nil {
		return nil, false, err
	}
	return rc, true, nil
}

// Store implements resolver.ContentCache: it persists src (bytes a tier
// just produced for fileID/rng) and returns a handle to the same bytes.
// Mode is chosen at first write and frozen for the entry's lifetime
// (§4.3 "Modes").
func (c *Cache) Store(ctx context.Context, fileID uuid.UUID, rng *resolver.Range, src io.Reader) (io.ReadCloser, error) {
	f, err := c.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f == nil {
		return nil, engineerr.New(engineerr.CodeFileNotFound, "file not found during cache store").
			WithComponent("cache").WithFileID(fileID.String())
	}

	row, existed, err := c.index.get(fileID)
	if err != nil {
		return nil, err
	}
	if !existed {
		row = &entryRow{
			FileUUID:     fileID,
			FullFileID:   fileID.String(),
			FileSize:     f.Size,
			MTimeAtCache: f.MTime,
			SizeAtCache:  f.Size,
			SourceTag:    f.Source.NodeID,
		}
		if f.Size >= c.cfg.FullFileThreshold {
			row.BlockSize = c.cfg.BlockSize
			row.BlockMap = NewBlockMap().Encode()
		}
	}

	var rc io.ReadCloser
	var dropped bool
	if row.isFullFile() {
		rc, err = c.storeFullFile(fileID, row, src)
	} else {
		rc, dropped, err = c.storeBlock(fileID, row, rng, src)
	}
	if err != nil {
		return nil, err
	}
	if dropped {
		// The fragmentation guard evicted this entry outright (see
		// storeBlock); there is no row left to persist.
		return rc, nil
	}

	row.LastAccess = time.Now()
	if err := c.index.put(row); err != nil {
		return nil, err
	}
	if err := c.evictToFit(); err != nil {
		return nil, err
	}
	return rc, nil
}

// storeFullFile streams src to a temp file while computing a sha256 digest
// of the bytes, and atomically renames into the sharded path (§4.3.1). The
// digest is not compared against anything here: trailer verification
// happens in the source reader (internal/transfer), whose error aborts the
// copy and discards the temp file. The returned handle pins the entry
// until it is closed.
func (c *Cache) storeFullFile(fileID uuid.UUID, row *entryRow, src io.Reader) (io.ReadCloser, error) {
	tmp := tmpPath(c.cfg.Root, fileID)
	if err := os.MkdirAll(filepath.Dir(tmp), 0o750); err != nil {
		return nil, err
	}
	f, err := os.Create(tmp)
	if err != nil {
		return nil, err
	}

	h := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, h), src)
	if err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, wrapStreamErr(fileID, err)
	}
	f.Close()

	final := shardPath(c.cfg.Root, fileID)
	if err := os.MkdirAll(filepath.Dir(final), 0o750); err != nil {
		os.Remove(tmp)
		return nil, err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return nil, err
	}

	row.CachedBytes = written
	_ = hex.EncodeToString(h.Sum(nil)) // computed and discarded; verification against a trailer happens at the transfer layer

	return c.openRange(fileID, nil, row)
}

// storeBlock writes src at rng's byte offset into the entry's sparse data
// file and marks the corresponding blocks present, applying the
// fragmentation guard (§4.3.2). This layer has no way to fetch the blocks
// a tier never wrote — that requires a tier walk, which belongs to
// internal/resolver one layer up, not to the cache. So rather than collapse
// the block map to a false claim of full coverage, the guard drops the
// entry outright: the caller still gets the bytes this write just
// produced, but the next Lookup sees a clean miss and the file is fetched
// again from scratch instead of serving unfetched sparse-file holes as
// content (§3's cached-bytes invariant).
func (c *Cache) storeBlock(fileID uuid.UUID, row *entryRow, rng *resolver.Range, src io.Reader) (rc io.ReadCloser, dropped bool, err error) {
	start, _ := normalizeRange(rng, row.FileSize)

	f, err := openSparse(c.cfg.Root, fileID)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, false, err
	}
	written, err := io.Copy(f, src)
	if err != nil {
		return nil, false, wrapStreamErr(fileID, err)
	}

	a := start / c.cfg.BlockSize
	b := ceilDiv(start+written, c.cfg.BlockSize)
	bm := DecodeBlockMap(row.BlockMap)
	if exceeded := bm.Mark(a, b, c.cfg.IntervalCountCap); exceeded {
		rc, err := c.openRange(fileID, rng, row)
		if err != nil {
			return nil, false, err
		}
		if err := c.evict(fileID); err != nil {
			rc.Close()
			return nil, false, err
		}
		return rc, true, nil
	}
	row.BlockMap = bm.Encode()
	row.CachedBytes += written

	rc, err = c.openRange(fileID, rng, row)
	if err != nil {
		return nil, false, err
	}
	return rc, false, nil
}

func (c *Cache) openRange(fileID uuid.UUID, rng *resolver.Range, row *entryRow) (io.ReadCloser, error) {
	c.pin(fileID)

	path := shardPath(c.cfg.Root, fileID)
	f, err := os.Open(path)
	if err != nil {
		c.unpin(fileID)
		return nil, err
	}

	start, end := normalizeRange(rng, row.FileSize)
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		f.Close()
		c.unpin(fileID)
		return nil, err
	}

	inner := io.Reader(f)
	if end > start {
		inner = io.LimitReader(f, end-start)
	}
	return &pinnedReadCloser{r: inner, c: f, onClose: func() { c.unpin(fileID) }}, nil
}

type pinnedReadCloser struct {
	r       io.Reader
	c       io.Closer
	onClose func()
}

func (p *pinnedReadCloser) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *pinnedReadCloser) Close() error {
	err := p.c.Close()
	p.onClose()
	return err
}

func (c *Cache) pin(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[id]++
}

func (c *Cache) unpin(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pinned[id]--
	if c.pinned[id] <= 0 {
		delete(c.pinned, id)
	}
}

func (c *Cache) isPinned(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pinned[id] > 0
}

// evict removes fileID's sparse file and index row together (§4.3.3:
// "partial eviction of blocks within an entry is forbidden").
func (c *Cache) evict(id uuid.UUID) error {
	if err := c.index.delete(id); err != nil {
		return err
	}
	return os.Remove(shardPath(c.cfg.Root, id))
}

// evictToFit runs the LRU sweep (§4.3.3): ascending last_access until both
// the size cap and minimum free space are satisfied. Entries currently
// pinned by an in-flight reader are skipped.
func (c *Cache) evictToFit() error {
	type candidate struct {
		id         uuid.UUID
		lastAccess time.Time
		size       int64
	}
	var total int64
	var candidates []candidate

	if err := c.index.forEach(func(row *entryRow) error {
		total += row.CachedBytes
		candidates = append(candidates, candidate{id: row.FileUUID, lastAccess: row.LastAccess, size: row.CachedBytes})
		return nil
	}); err != nil {
		return err
	}

	free := freeSpace(c.cfg.Root)
	if total <= c.cfg.SizeCap && free >= c.cfg.MinFreeSpace {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].lastAccess.Before(candidates[j].lastAccess) })

	for _, cand := range candidates {
		if total <= c.cfg.SizeCap && free >= c.cfg.MinFreeSpace {
			break
		}
		if c.isPinned(cand.id) {
			continue
		}
		if err := c.evict(cand.id); err != nil {
			continue
		}
		total -= cand.size
		free += cand.size
	}
	return nil
}

// wrapStreamErr classifies a failure reading src mid-write. A digest
// mismatch surfaced by the source reader (internal/transfer's trailer
// verification) is passed through unchanged so the resolver can act on it
// specifically (§7 poisoning); anything else is a generic transient
// network failure.
func wrapStreamErr(fileID uuid.UUID, err error) error {
	if _, ok := err.(*engineerr.Error); ok {
		return err
	}
	return engineerr.New(engineerr.CodeNetworkTimeout, "streaming write to cache failed").
		WithComponent("cache").WithCause(err).WithFileID(fileID.String())
}

func blockRange(row *entryRow, rng *resolver.Range) (int64, int64) {
	start, end := normalizeRange(rng, row.FileSize)
	return start / row.BlockSize, ceilDiv(end, row.BlockSize)
}

// normalizeRange converts resolver.Range's inclusive [Start, End] bounds
// (nil meaning the whole file) to the half-open [start, end) form the
// block map and sparse-file helpers use internally.
func normalizeRange(rng *resolver.Range, fileSize int64) (int64, int64) {
	if rng == nil {
		return 0, fileSize
	}
	return rng.Start, rng.End + 1
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	return int64(math.Ceil(float64(a) / float64(b)))
}

// freeSpace reports available bytes on the filesystem backing root; on any
// stat failure it reports an optimistic "plenty free" so a transient statfs
// error never wedges the cache into permanent eviction. No example repo in
// the corpus stats a filesystem, so this is plain stdlib syscall.Statfs
// rather than a wrapped third-party library.
func freeSpace(root string) int64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(root, &stat); err != nil {
		return math.MaxInt64
	}
	return int64(stat.Bavail) * int64(stat.Bsize)
}
