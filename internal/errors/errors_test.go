package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrappedKindAndIs(t *testing.T) {
	err := Pool(errors.New("boom"), "spawn failed")
	assert.True(t, Is(err, KindPool))
	assert.False(t, Is(err, KindTimeout))

	kind, ok := KindOf(err)
	require.True(t, ok)
	assert.Equal(t, KindPool, kind)
}

func TestWrappedUnwrap(t *testing.T) {
	root := errors.New("root cause")
	err := Config(root, "bad json")
	assert.ErrorIs(t, err, root)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(Pool(errors.New("x"), "")))
	assert.True(t, IsRetryable(Timeout(errors.New("x"), "")))
	assert.False(t, IsRetryable(Config(errors.New("x"), "")))
	assert.False(t, IsRetryable(errors.New("plain error")))
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	cfg := RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFactor: 0}

	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return Pool(errors.New("transient"), "retry me")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	cfg := DefaultRetryConfig()

	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return Config(errors.New("bad config"), "")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, JitterFactor: 0}
	attempts := 0

	err := Retry(context.Background(), cfg, func(ctx context.Context) error {
		attempts++
		return Pool(errors.New("always fails"), "")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts) // initial + 2 retries
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("test-server", CircuitBreakerConfig{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		Timeout:          10 * time.Millisecond,
	})

	cb.Mark(errors.New("fail 1"))
	assert.Equal(t, StateClosed, cb.State())
	cb.Mark(errors.New("fail 2"))
	assert.Equal(t, StateOpen, cb.State())

	assert.Error(t, cb.Allow())
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker("test-server", CircuitBreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Millisecond,
	})

	cb.Mark(errors.New("fail"))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cb.Allow())
	assert.Equal(t, StateHalfOpen, cb.State())

	cb.Mark(nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerManagerCachesByName(t *testing.T) {
	mgr := NewCircuitBreakerManager(DefaultCircuitBreakerConfig())
	a := mgr.Get("fs")
	b := mgr.Get("fs")
	assert.Same(t, a, b)

	mgr.Remove("fs")
	c := mgr.Get("fs")
	assert.NotSame(t, a, c)
}
