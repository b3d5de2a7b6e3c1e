package resolver

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicfs/mosaicfs/internal/metastore"
	"github.com/mosaicfs/mosaicfs/internal/metastore/memstore"
	"github.com/mosaicfs/mosaicfs/pkg/engineerr"
	"github.com/mosaicfs/mosaicfs/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// passthroughCache is a minimal in-memory stand-in for internal/cache: it
// has no reconciliation or eviction, just enough Lookup/Store round-trip to
// let Open's post-fetch re-Lookup find what fetch just Stored.
type passthroughCache struct {
	mu   sync.Mutex
	data map[uuid.UUID][]byte
}

func (c *passthroughCache) Lookup(_ context.Context, fileID uuid.UUID, _ *Range) (io.ReadCloser, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.data[fileID]
	if !ok {
		return nil, false, nil
	}
	return io.NopCloser(bytes.NewReader(data)), true, nil
}

func (c *passthroughCache) Store(_ context.Context, fileID uuid.UUID, _ *Range, src io.Reader) (io.ReadCloser, error) {
	data, err := io.ReadAll(src)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.data == nil {
		c.data = make(map[uuid.UUID][]byte)
	}
	c.data[fileID] = data
	c.mu.Unlock()
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakePeerClient struct {
	content map[string][]byte // endpoint -> content
	err     error
}

func (f *fakePeerClient) Fetch(_ context.Context, endpoint string, _ uuid.UUID, _ *Range) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.content[endpoint]
	if !ok {
		return nil, errors.New("connection refused")
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakePluginInvoker struct {
	stageContent []byte
	err          error
}

func (f *fakePluginInvoker) Materialize(_ context.Context, _, _, _, stagingPath string) error {
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(stagingPath, f.stageContent, 0o600)
}

func baseConfig(t *testing.T, nodeID string, watchPaths []string) Config {
	return Config{
		NodeID:           nodeID,
		WatchPaths:       watchPaths,
		StagingDir:       t.TempDir(),
		Retry:            retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, JitterFrac: 0},
		BreakerThreshold: 3,
		BreakerTimeout:   time.Millisecond,
	}
}

func TestTier1LocalReadWithinWatchPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "n1", ExportPath: path}})

	res := New(baseConfig(t, "n1", []string{dir}), store, &passthroughCache{}, nil, nil)
	rc, err := res.Open(context.Background(), id, nil)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "hello", string(data))
}

func TestTier1ContainmentViolationIsPermanent(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "n1", ExportPath: "/etc/passwd"}})

	res := New(baseConfig(t, "n1", []string{"/srv/watched"}), store, &passthroughCache{}, nil, nil)
	_, err := res.Open(context.Background(), id, nil)
	require.Error(t, err)
}

func TestTier1FallsThroughToPluginWhenPrefixMatches(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "n1", ExportPath: "/plugins/archive/file.zip"}})

	cfg := baseConfig(t, "n1", []string{"/srv/watched"})
	cfg.Plugins = []PluginRoute{{Name: "archiver", FilePathPrefix: "/plugins/archive"}}

	res := New(cfg, store, &passthroughCache{}, nil, &fakePluginInvoker{stageContent: []byte("staged")})
	rc, err := res.Open(context.Background(), id, nil)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "staged", string(data))
}

func TestTier1NoWatchPathsStillRoutesThroughPluginTier5(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "n1", ExportPath: "/plugins/archive/file.zip"}})

	cfg := baseConfig(t, "n1", nil) // source-mode backend: no watch paths configured
	cfg.Plugins = []PluginRoute{{Name: "archiver", FilePathPrefix: "/plugins/archive"}}

	res := New(cfg, store, &passthroughCache{}, nil, &fakePluginInvoker{stageContent: []byte("staged")})
	rc, err := res.Open(context.Background(), id, nil)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "staged", string(data), "a no-watch-path agent must still route a plugin-claimed path through Tier 5")
}

func TestTier1NoWatchPathsFallsBackToLocalReadWhenNoPluginClaims(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "n1", ExportPath: path}})

	res := New(baseConfig(t, "n1", nil), store, &passthroughCache{}, nil, nil)
	rc, err := res.Open(context.Background(), id, nil)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "hello", string(data))
}

func TestTier4PeerFetchWhenOwnerOnline(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutNode(&metastore.Node{ID: "owner", Online: true, TransferEndpoint: "http://owner:7940"})
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "owner", ExportPath: "/remote/file"}})

	peer := &fakePeerClient{content: map[string][]byte{"http://owner:7940": []byte("remote-bytes")}}
	res := New(baseConfig(t, "self", nil), store, &passthroughCache{}, peer, nil)
	rc, err := res.Open(context.Background(), id, nil)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "remote-bytes", string(data))
}

func TestTier4FallsThroughToReplicaOnConnectionFailure(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutNode(&metastore.Node{ID: "owner", Online: true, TransferEndpoint: "http://owner:7940"})
	store.PutNode(&metastore.Node{ID: "backup", Online: true, TransferEndpoint: "http://backup:7940"})
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "owner", ExportPath: "/remote/file"}})
	store.PutReplica(&metastore.Replica{FileID: id, TargetName: "backup", Backend: metastore.BackendAgent, Status: metastore.ReplicaCurrent})

	peer := &fakePeerClient{content: map[string][]byte{"http://backup:7940": []byte("replica-bytes")}}
	res := New(baseConfig(t, "self", nil), store, &passthroughCache{}, peer, nil)
	rc, err := res.Open(context.Background(), id, nil)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "replica-bytes", string(data))
}

func TestPerPeerFetchCapThrottlesBurstyPeerFetches(t *testing.T) {
	store := memstore.New()
	store.PutNode(&metastore.Node{ID: "owner", Online: true, TransferEndpoint: "http://owner:7940"})
	first := uuid.New()
	second := uuid.New()
	store.PutFile(&metastore.File{ID: first, Source: metastore.SourceDescriptor{NodeID: "owner", ExportPath: "/remote/a"}})
	store.PutFile(&metastore.File{ID: second, Source: metastore.SourceDescriptor{NodeID: "owner", ExportPath: "/remote/b"}})

	peer := &fakePeerClient{content: map[string][]byte{"http://owner:7940": []byte("remote-bytes")}}
	cfg := baseConfig(t, "self", nil)
	cfg.PerPeerFetchCap = 1
	res := New(cfg, store, &passthroughCache{}, peer, nil)

	rc, err := res.Open(context.Background(), first, nil)
	require.NoError(t, err)
	rc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = res.Open(ctx, second, nil)
	require.Error(t, err)
	ee, ok := err.(*engineerr.Error)
	require.True(t, ok)
	assert.Equal(t, engineerr.CodeTierUnavailable, ee.Code)
}

func TestOpenReturnsErrorWhenAllTiersExhausted(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutNode(&metastore.Node{ID: "owner", Online: false})
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "owner", ExportPath: "/remote/file"}})

	res := New(baseConfig(t, "self", nil), store, &passthroughCache{}, nil, nil)
	_, err := res.Open(context.Background(), id, nil)
	require.Error(t, err)
}

func TestOpenReturnsNotFoundForUnknownFile(t *testing.T) {
	store := memstore.New()
	res := New(baseConfig(t, "self", nil), store, &passthroughCache{}, nil, nil)
	_, err := res.Open(context.Background(), uuid.New(), nil)
	require.Error(t, err)
}

func TestCacheHitShortCircuitsTiers(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "owner", ExportPath: "/nope"}})

	cache := &hitCache{data: []byte("cached")}
	res := New(baseConfig(t, "self", nil), store, cache, nil, nil)
	rc, err := res.Open(context.Background(), id, nil)
	require.NoError(t, err)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	assert.Equal(t, "cached", string(data))
}

type hitCache struct{ data []byte }

func (h *hitCache) Lookup(context.Context, uuid.UUID, *Range) (io.ReadCloser, bool, error) {
	return io.NopCloser(bytes.NewReader(h.data)), true, nil
}
func (h *hitCache) Store(_ context.Context, _ uuid.UUID, _ *Range, src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(src), nil
}

// mismatchingCache always reports a digest mismatch on Store and tracks
// per-file consecutive failures the way internal/cache.Cache does, so
// resolver's poisoning behavior (§7) can be exercised without importing
// internal/cache (which itself imports this package).
type mismatchingCache struct {
	mu     sync.Mutex
	counts map[uuid.UUID]int
}

func (c *mismatchingCache) Lookup(context.Context, uuid.UUID, *Range) (io.ReadCloser, bool, error) {
	return nil, false, nil
}

func (c *mismatchingCache) Store(_ context.Context, _ uuid.UUID, _ *Range, src io.Reader) (io.ReadCloser, error) {
	_, _ = io.Copy(io.Discard, src)
	return nil, engineerr.New(engineerr.CodeDigestMismatch, "simulated transfer digest mismatch").WithComponent("test")
}

func (c *mismatchingCache) RecordDigestMismatch(fileID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[uuid.UUID]int)
	}
	c.counts[fileID]++
	return c.counts[fileID] >= 3
}

func (c *mismatchingCache) RecordDigestSuccess(uuid.UUID) {}

func TestRepeatedDigestMismatchesPoisonEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o600))

	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "n1", ExportPath: path}})

	cache := &mismatchingCache{}
	res := New(baseConfig(t, "n1", []string{dir}), store, cache, nil, nil)

	for i := 0; i < 2; i++ {
		_, err := res.Open(context.Background(), id, nil)
		require.Error(t, err)
		ee, ok := err.(*engineerr.Error)
		require.True(t, ok)
		assert.NotEqual(t, engineerr.CodeEntryPoisoned, ee.Code)
	}

	_, err := res.Open(context.Background(), id, nil)
	require.Error(t, err)
	ee, ok := err.(*engineerr.Error)
	require.True(t, ok)
	assert.Equal(t, engineerr.CodeEntryPoisoned, ee.Code)
}
