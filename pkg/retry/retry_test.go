package retry

import (
	"context"
	"testing"
	"time"

	"github.com/mosaicfs/mosaicfs/pkg/engineerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsFirstTry(t *testing.T) {
	r := New(DefaultConfig())
	calls := 0
	err := r.Do(func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransientError(t *testing.T) {
	r := New(Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond})
	calls := 0
	err := r.Do(func() error {
		calls++
		if calls < 3 {
			return engineerr.New(engineerr.CodeUpstreamFailure, "5xx")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoDoesNotRetryNonRetryable(t *testing.T) {
	r := New(DefaultConfig())
	calls := 0
	err := r.Do(func() error {
		calls++
		return engineerr.New(engineerr.CodeContainmentViolation, "forbidden")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoExhaustsAttempts(t *testing.T) {
	r := New(Config{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	calls := 0
	err := r.Do(func() error {
		calls++
		return engineerr.New(engineerr.CodeNetworkTimeout, "timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 2, calls)
}

func TestDoWithContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := New(DefaultConfig())
	err := r.DoWithContext(ctx, func(ctx context.Context) error {
		return nil
	})
	require.Error(t, err)
}

func TestWithMaxAttemptsOverride(t *testing.T) {
	r := New(DefaultConfig()).WithMaxAttempts(1)
	calls := 0
	err := r.Do(func() error {
		calls++
		return engineerr.New(engineerr.CodeUpstreamFailure, "5xx")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
