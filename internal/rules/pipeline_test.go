package rules

import (
	"testing"
	"time"

	"github.com/mosaicfs/mosaicfs/internal/metastore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluateShortCircuitsOnExclude(t *testing.T) {
	steps := compileSteps([]metastore.FilterStep{
		{Op: "glob", Params: map[string]interface{}{"pattern": "*.tmp"}, OnMatch: metastore.OnMatchExclude},
		{Op: "glob", Params: map[string]interface{}{"pattern": "*"}, OnMatch: metastore.OnMatchInclude},
	})
	f := &metastore.File{Source: metastore.SourceDescriptor{ExportPath: "report.tmp"}}
	include, err := evaluate(newCtx(nil), steps, metastore.DefaultExclude, f)
	require.NoError(t, err)
	assert.False(t, include)
}

func TestEvaluateContinueAdvances(t *testing.T) {
	steps := compileSteps([]metastore.FilterStep{
		{Op: "glob", Params: map[string]interface{}{"pattern": "*.docx"}, OnMatch: metastore.OnMatchContinue},
		{Op: "age", Params: map[string]interface{}{"min_days": 1.0}, OnMatch: metastore.OnMatchExclude},
	})
	f := &metastore.File{Source: metastore.SourceDescriptor{ExportPath: "old.docx"}, MTime: time.Now().AddDate(-1, 0, 0)}
	include, err := evaluate(newCtx(nil), steps, metastore.DefaultInclude, f)
	require.NoError(t, err)
	assert.False(t, include)
}

func TestEvaluateFallthroughUsesDefaultResult(t *testing.T) {
	steps := compileSteps([]metastore.FilterStep{
		{Op: "glob", Params: map[string]interface{}{"pattern": "*.nomatch"}, OnMatch: metastore.OnMatchExclude},
	})
	f := &metastore.File{Source: metastore.SourceDescriptor{ExportPath: "plain.txt"}}

	includeDefault, err := evaluate(newCtx(nil), steps, metastore.DefaultInclude, f)
	require.NoError(t, err)
	assert.True(t, includeDefault)

	excludeDefault, err := evaluate(newCtx(nil), steps, metastore.DefaultExclude, f)
	require.NoError(t, err)
	assert.False(t, excludeDefault)
}

func TestEvaluateInvertXOR(t *testing.T) {
	steps := compileSteps([]metastore.FilterStep{
		{Op: "glob", Params: map[string]interface{}{"pattern": "*.docx"}, Invert: true, OnMatch: metastore.OnMatchExclude},
	})
	// inverted: matches everything that is NOT *.docx
	nonDocx := &metastore.File{Source: metastore.SourceDescriptor{ExportPath: "a.txt"}}
	include, err := evaluate(newCtx(nil), steps, metastore.DefaultInclude, nonDocx)
	require.NoError(t, err)
	assert.False(t, include, "non-docx file should hit the inverted-match exclude")

	docx := &metastore.File{Source: metastore.SourceDescriptor{ExportPath: "a.docx"}}
	includeDocx, err := evaluate(newCtx(nil), steps, metastore.DefaultInclude, docx)
	require.NoError(t, err)
	assert.True(t, includeDocx, "docx file does not hit the inverted-match, falls through to default include")
}

func TestEvaluateUnknownOperatorIsNonMatchAndFallsThrough(t *testing.T) {
	steps := compileSteps([]metastore.FilterStep{
		{Op: "totally_unknown", OnMatch: metastore.OnMatchInclude},
	})
	f := &metastore.File{Source: metastore.SourceDescriptor{ExportPath: "a.txt"}}
	include, err := evaluate(newCtx(nil), steps, metastore.DefaultExclude, f)
	require.NoError(t, err)
	assert.False(t, include)
}
