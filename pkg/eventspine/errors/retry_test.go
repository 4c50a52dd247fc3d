package errors_test

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storekit/eventspine/pkg/eventspine/errors"
)

// fastRetry keeps test runs quick.
var fastRetry = errors.RetryConfig{
	MaxAttempts:    3,
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	BackoffFactor:  2.0,
}

func TestWithRetrySucceedsFirstAttempt(t *testing.T) {
	calls := 0
	res := errors.WithRetry(fastRetry, func() (int, error) {
		calls++
		return 42, nil
	})

	require.NoError(t, res.Err)
	assert.Equal(t, 42, res.Value)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, calls)
}

func TestWithRetryRecoversAfterTransientFailures(t *testing.T) {
	calls := 0
	res := errors.WithRetry(fastRetry, func() (string, error) {
		calls++
		if calls < 3 {
			return "", stderrors.New("flaky downstream")
		}
		return "ok", nil
	})

	require.NoError(t, res.Err)
	assert.Equal(t, "ok", res.Value)
	assert.Equal(t, 3, res.Attempts)
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	res := errors.WithRetry(fastRetry, func() (struct{}, error) {
		calls++
		return struct{}{}, stderrors.New("always failing")
	})

	require.Error(t, res.Err)
	assert.Equal(t, fastRetry.MaxAttempts, calls,
		"MaxAttempts is the total budget including the first try")
	assert.Equal(t, fastRetry.MaxAttempts, res.Attempts)

	var catErr *errors.CategorizedError
	require.ErrorAs(t, res.Err, &catErr)
	assert.Equal(t, errors.CategoryTransient, catErr.Category)
	assert.Contains(t, res.Err.Error(), "max attempts exceeded")
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	res := errors.WithRetry(fastRetry, func() (struct{}, error) {
		calls++
		return struct{}{}, errors.Permanent(stderrors.New("bad payload"), "decode")
	})

	require.Error(t, res.Err)
	assert.Equal(t, 1, calls, "permanent errors must not be retried")
}

func TestWithRetryContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	res := errors.WithRetryContext(ctx, fastRetry, func(context.Context) (struct{}, error) {
		calls++
		return struct{}{}, nil
	})

	require.Error(t, res.Err)
	assert.Equal(t, 0, calls, "cancelled context must prevent the first attempt")
	assert.ErrorIs(t, res.Err, context.Canceled)
}

func TestWithRetryContextCancelDuringBackoff(t *testing.T) {
	cfg := errors.RetryConfig{
		MaxAttempts:    5,
		InitialBackoff: time.Hour,
		BackoffFactor:  2.0,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := errors.WithRetryContext(ctx, cfg, func(context.Context) (struct{}, error) {
		return struct{}{}, stderrors.New("fail once")
	})

	require.Error(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
	assert.Less(t, time.Since(start), time.Second,
		"cancellation must cut the backoff sleep short")
}

func TestWithRetryCustomRetryableFunc(t *testing.T) {
	cfg := fastRetry
	cfg.RetryableFunc = func(err error) bool { return false }

	calls := 0
	res := errors.WithRetry(cfg, func() (struct{}, error) {
		calls++
		return struct{}{}, stderrors.New("nope")
	})

	require.Error(t, res.Err)
	assert.Equal(t, 1, calls)
}

func TestCategorizeDefaultsToTransient(t *testing.T) {
	assert.Equal(t, errors.CategoryTransient, errors.Categorize(stderrors.New("unknown")))
	assert.Equal(t, errors.CategoryPermanent,
		errors.Categorize(errors.Permanent(stderrors.New("x"), "")))
	assert.Equal(t, errors.CategoryTransient,
		errors.Categorize(errors.Transient(stderrors.New("x"), "")))
}

func TestCategorizedErrorUnwrap(t *testing.T) {
	inner := stderrors.New("inner")
	wrapped := errors.Transient(inner, "calling downstream")
	assert.ErrorIs(t, wrapped, inner)
	assert.Contains(t, wrapped.Error(), "calling downstream")
}
