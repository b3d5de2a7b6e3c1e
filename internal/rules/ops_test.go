package rules

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mosaicfs/mosaicfs/internal/metastore"
	"github.com/mosaicfs/mosaicfs/internal/metastore/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCtx(store metastore.Store) *evalContext {
	return &evalContext{ctx: context.Background(), store: store, labelsOf: noLabels, now: time.Now()}
}

func TestGlobOp(t *testing.T) {
	op := newGlobOp(map[string]interface{}{"pattern": "**/*.tmp"})
	f := &metastore.File{Source: metastore.SourceDescriptor{ExportPath: "/a/b/report.tmp"}}
	ok, err := op.matches(newCtx(nil), f)
	require.NoError(t, err)
	assert.True(t, ok)

	f2 := &metastore.File{Source: metastore.SourceDescriptor{ExportPath: "/a/b/report.txt"}}
	ok2, _ := op.matches(newCtx(nil), f2)
	assert.False(t, ok2)
}

func TestGlobOpInvalidPatternNeverMatches(t *testing.T) {
	op := newGlobOp(map[string]interface{}{"pattern": "[invalid"})
	f := &metastore.File{Source: metastore.SourceDescriptor{ExportPath: "/anything"}}
	ok, err := op.matches(newCtx(nil), f)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRegexOpCaseInsensitive(t *testing.T) {
	op := newRegexOp(map[string]interface{}{"pattern": "urgent", "case_insensitive": true})
	f := &metastore.File{Source: metastore.SourceDescriptor{ExportPath: "/URGENT-note.txt"}}
	ok, err := op.matches(newCtx(nil), f)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAgeOpBounds(t *testing.T) {
	op := newAgeOp(map[string]interface{}{"max_days": 90.0})
	ctx := newCtx(nil)
	recent := &metastore.File{MTime: ctx.now}
	old := &metastore.File{MTime: ctx.now.AddDate(-1, 0, 0)}

	okRecent, _ := op.matches(ctx, recent)
	okOld, _ := op.matches(ctx, old)
	assert.True(t, okRecent)
	assert.False(t, okOld)
}

func TestSizeOpBounds(t *testing.T) {
	op := newSizeOp(map[string]interface{}{"min_bytes": 100.0, "max_bytes": 1000.0})
	small := &metastore.File{Size: 10}
	mid := &metastore.File{Size: 500}
	big := &metastore.File{Size: 10000}

	okSmall, _ := op.matches(newCtx(nil), small)
	okMid, _ := op.matches(newCtx(nil), mid)
	okBig, _ := op.matches(newCtx(nil), big)
	assert.False(t, okSmall)
	assert.True(t, okMid)
	assert.False(t, okBig)
}

func TestMimeOpMissingNeverMatches(t *testing.T) {
	op := newMimeOp(map[string]interface{}{"types": []interface{}{"image/*"}})
	f := &metastore.File{MimeType: ""}
	ok, _ := op.matches(newCtx(nil), f)
	assert.False(t, ok)
}

func TestMimeOpWildcardSubtype(t *testing.T) {
	op := newMimeOp(map[string]interface{}{"types": []interface{}{"image/*"}})
	f := &metastore.File{MimeType: "image/png"}
	ok, _ := op.matches(newCtx(nil), f)
	assert.True(t, ok)

	other := &metastore.File{MimeType: "text/plain"}
	ok2, _ := op.matches(newCtx(nil), other)
	assert.False(t, ok2)
}

func TestNodeOp(t *testing.T) {
	op := newNodeOp(map[string]interface{}{"node_ids": []interface{}{"n1", "n2"}})
	f1 := &metastore.File{Source: metastore.SourceDescriptor{NodeID: "n1"}}
	f3 := &metastore.File{Source: metastore.SourceDescriptor{NodeID: "n3"}}

	ok1, _ := op.matches(newCtx(nil), f1)
	ok3, _ := op.matches(newCtx(nil), f3)
	assert.True(t, ok1)
	assert.False(t, ok3)
}

func TestLabelOpRequiresAllLabels(t *testing.T) {
	op := newLabelOp(map[string]interface{}{"labels": []interface{}{"hot", "reviewed"}})
	id := uuid.New()
	f := &metastore.File{ID: id}

	ctx := &evalContext{ctx: context.Background(), labelsOf: func(string) map[string]struct{} {
		return map[string]struct{}{"hot": {}, "reviewed": {}}
	}, now: time.Now()}
	ok, _ := op.matches(ctx, f)
	assert.True(t, ok)

	ctxMissing := &evalContext{ctx: context.Background(), labelsOf: func(string) map[string]struct{} {
		return map[string]struct{}{"hot": {}}
	}, now: time.Now()}
	okMissing, _ := op.matches(ctxMissing, f)
	assert.False(t, okMissing)
}

func TestAccessAgeOpMissingDefaultsToInclude(t *testing.T) {
	store := memstore.New()
	op := newAccessAgeOp(map[string]interface{}{"max_days": 30.0})
	f := &metastore.File{ID: uuid.New()}
	ok, err := op.matches(newCtx(store), f)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAccessAgeOpMissingCanBeExcluded(t *testing.T) {
	store := memstore.New()
	op := newAccessAgeOp(map[string]interface{}{"max_days": 30.0, "missing": "exclude"})
	f := &metastore.File{ID: uuid.New()}
	ok, err := op.matches(newCtx(store), f)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAccessAgeOpWithRecord(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutAccessRecord(&metastore.AccessRecord{FileID: id, LastAccess: time.Now().AddDate(0, 0, -100)})
	op := newAccessAgeOp(map[string]interface{}{"min_days": 30.0})
	f := &metastore.File{ID: id}
	ok, err := op.matches(newCtx(store), f)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReplicatedOp(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutReplica(&metastore.Replica{FileID: id, TargetName: "backup", Status: metastore.ReplicaCurrent})
	op := newReplicatedOp(map[string]interface{}{"target_name": "backup", "status": "current"})
	f := &metastore.File{ID: id}
	ok, err := op.matches(newCtx(store), f)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAnnotationOpEqualsAndExistence(t *testing.T) {
	store := memstore.New()
	id := uuid.New()
	store.PutAnnotation(id, "classifier", map[string]interface{}{"result": map[string]interface{}{"verdict": "clean"}})

	existOp := newAnnotationOp(map[string]interface{}{"plugin_name": "classifier", "key": "result.verdict"})
	f := &metastore.File{ID: id}
	ok, err := existOp.matches(newCtx(store), f)
	require.NoError(t, err)
	assert.True(t, ok)

	eqOp := newAnnotationOp(map[string]interface{}{"plugin_name": "classifier", "key": "result.verdict", "equals": "clean"})
	okEq, err := eqOp.matches(newCtx(store), f)
	require.NoError(t, err)
	assert.True(t, okEq)

	eqOpWrong := newAnnotationOp(map[string]interface{}{"plugin_name": "classifier", "key": "result.verdict", "equals": "infected"})
	okWrong, _ := eqOpWrong.matches(newCtx(store), f)
	assert.False(t, okWrong)
}

func TestBuildOperatorUnknownTagIsNoop(t *testing.T) {
	op := buildOperator("bogus", nil)
	ok, err := op.matches(newCtx(nil), &metastore.File{})
	require.NoError(t, err)
	assert.False(t, ok)
}
