package plugin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosaicfs/mosaicfs/internal/config"
	"github.com/mosaicfs/mosaicfs/pkg/engineerr"
)

func TestMaterializeParsesSuccessResponse(t *testing.T) {
	m := New([]config.PluginConfig{{
		Name:    "echoer",
		Command: "sh",
		Args:    []string{"-c", `cat >/dev/null; printf '{"size":42}'`},
	}})

	err := m.Materialize(context.Background(), "echoer", "file-1", "/export/a", "/staging/a")
	require.NoError(t, err)
}

func TestMaterializeReturnsPluginMissingForUnknownName(t *testing.T) {
	m := New(nil)

	err := m.Materialize(context.Background(), "nope", "file-1", "/export/a", "/staging/a")
	require.Error(t, err)
	ee, ok := err.(*engineerr.Error)
	require.True(t, ok)
	assert.Equal(t, engineerr.CodePluginMissing, ee.Code)
}

func TestMaterializeSurfacesNonZeroExit(t *testing.T) {
	m := New([]config.PluginConfig{{
		Name:    "failer",
		Command: "sh",
		Args:    []string{"-c", "cat >/dev/null; echo boom >&2; exit 1"},
	}})

	err := m.Materialize(context.Background(), "failer", "file-1", "/export/a", "/staging/a")
	require.Error(t, err)
	ee, ok := err.(*engineerr.Error)
	require.True(t, ok)
	assert.Equal(t, engineerr.CodeUpstreamFailure, ee.Code)
	assert.Contains(t, ee.Details["stderr"], "boom")
}

func TestMaterializeSurfacesMalformedResponse(t *testing.T) {
	m := New([]config.PluginConfig{{
		Name:    "garbled",
		Command: "sh",
		Args:    []string{"-c", "cat >/dev/null; printf 'not json'"},
	}})

	err := m.Materialize(context.Background(), "garbled", "file-1", "/export/a", "/staging/a")
	require.Error(t, err)
	ee, ok := err.(*engineerr.Error)
	require.True(t, ok)
	assert.Equal(t, engineerr.CodeUpstreamFailure, ee.Code)
}

func TestMaterializeRequestCarriesFileIdentity(t *testing.T) {
	m := New([]config.PluginConfig{{
		Name:    "inspector",
		Command: "sh",
		Args: []string{"-c", `input=$(cat)
case "$input" in
  *'"file_id":"file-123"'*) printf '{"size":1}' ;;
  *) exit 1 ;;
esac`},
	}})

	err := m.Materialize(context.Background(), "inspector", "file-123", "/export/a", "/staging/a")
	require.NoError(t, err)
}
