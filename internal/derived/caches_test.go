package derived

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicfs/mosaicfs/internal/metastore"
	"github.com/mosaicfs/mosaicfs/internal/metastore/memstore"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not satisfied before deadline")
}

func TestInitialBuildUnionsAssignmentAndRuleLabels(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "n1", ExportPath: "/srv/docs/a.txt"}})
	store.PutLabelAssignment(&metastore.LabelAssignment{FileID: id, Labels: []string{"manual"}})
	store.PutLabelRule(&metastore.LabelRule{ID: "r1", NodeID: "*", PathPrefix: "/srv/docs/", Labels: []string{"docs"}, Enabled: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := New(ctx, store, 4)
	require.NoError(t, err)
	defer c.Close()

	labels := c.Labels(id)
	assert.ElementsMatch(t, []string{"manual", "docs"}, labels)
}

func TestInitialBuildSkipsDisabledRules(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "n1", ExportPath: "/srv/docs/a.txt"}})
	store.PutLabelRule(&metastore.LabelRule{ID: "r1", NodeID: "*", PathPrefix: "/srv/docs/", Labels: []string{"docs"}, Enabled: false})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := New(ctx, store, 4)
	require.NoError(t, err)
	defer c.Close()

	assert.Empty(t, c.Labels(id))
}

func TestAssignmentCreatedIsReflectedIncrementally(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "n1", ExportPath: "/srv/x"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := New(ctx, store, 4)
	require.NoError(t, err)
	defer c.Close()

	require.Empty(t, c.Labels(id))

	store.PutLabelAssignment(&metastore.LabelAssignment{FileID: id, Labels: []string{"new"}})

	waitFor(t, func() bool { return c.HasLabel(id, "new") })
}

func TestAssignmentDeletedDropsEntryWhenNoRuleMatches(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "n1", ExportPath: "/srv/x"}})
	store.PutLabelAssignment(&metastore.LabelAssignment{FileID: id, Labels: []string{"temp"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := New(ctx, store, 4)
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.HasLabel(id, "temp"))

	store.DeleteLabelAssignment(id)

	waitFor(t, func() bool { return len(c.Labels(id)) == 0 })
}

func TestRuleEnabledTriggersAsyncScopeScan(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "n1", ExportPath: "/srv/media/a.mp4"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := New(ctx, store, 4)
	require.NoError(t, err)
	defer c.Close()

	store.PutLabelRule(&metastore.LabelRule{ID: "r2", NodeID: "*", PathPrefix: "/srv/media/", Labels: []string{"media"}, Enabled: true})

	waitFor(t, func() bool { return c.HasLabel(id, "media") })
}

func TestAccessRecordUpdatedAndDeleted(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "n1", ExportPath: "/srv/x"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := New(ctx, store, 4)
	require.NoError(t, err)
	defer c.Close()

	_, ok := c.LastAccess(id)
	assert.False(t, ok)

	now := time.Now()
	store.PutAccessRecord(&metastore.AccessRecord{FileID: id, LastAccess: now})
	waitFor(t, func() bool {
		t, ok := c.LastAccess(id)
		return ok && t.Equal(now)
	})

	store.DeleteAccessRecord(id)
	waitFor(t, func() bool {
		_, ok := c.LastAccess(id)
		return !ok
	})
}

func TestFileDeletedRemovesBothEntries(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutFile(&metastore.File{ID: id, Source: metastore.SourceDescriptor{NodeID: "n1", ExportPath: "/srv/x"}})
	store.PutLabelAssignment(&metastore.LabelAssignment{FileID: id, Labels: []string{"a"}})
	store.PutAccessRecord(&metastore.AccessRecord{FileID: id, LastAccess: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c, err := New(ctx, store, 4)
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.HasLabel(id, "a"))

	store.DeleteFile(id)

	waitFor(t, func() bool {
		_, accessOk := c.LastAccess(id)
		return len(c.Labels(id)) == 0 && !accessOk
	})
}

func TestShardCountMustBePowerOfTwo(t *testing.T) {
	store := memstore.New()
	_, err := New(context.Background(), store, 3)
	require.Error(t, err)
}
