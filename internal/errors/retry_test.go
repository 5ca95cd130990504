package errors

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

// =============================================================================
// Retry
// =============================================================================

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	// Given: a function that fails twice then succeeds
	var calls int32
	fn := func() error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("transient")
		}
		return nil
	}

	// When: retrying
	err := Retry(context.Background(), fastRetry(), fn)

	// Then: it succeeds on the third attempt
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestRetry_GivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	sentinel := errors.New("always")

	err := Retry(context.Background(), fastRetry(), func() error {
		atomic.AddInt32(&calls, 1)
		return sentinel
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "initial attempt plus 3 retries")
}

func TestRetry_RetryIfStopsOnPermanentErrors(t *testing.T) {
	// Given: a policy that only retries retryable BuddyErrors
	cfg := fastRetry()
	cfg.RetryIf = IsRetryable
	var calls int32

	// When: the function returns a validation error
	err := Retry(context.Background(), cfg, func() error {
		atomic.AddInt32(&calls, 1)
		return ValidationError("bad request", nil)
	})

	// Then: no retry happens
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRetry_HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastRetry(), func() error { return nil })

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRetryWithResult_ReturnsValue(t *testing.T) {
	var calls int
	got, err := RetryWithResult(context.Background(), fastRetry(), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("once")
		}
		return "answer", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "answer", got)
}

// =============================================================================
// CircuitBreaker
// =============================================================================

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	// Given: a breaker that trips after 2 failures
	cb := NewCircuitBreaker("generator", WithMaxFailures(2))
	boom := errors.New("boom")

	// When: two calls fail
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)

	// Then: the circuit is open and further calls fail fast
	assert.Equal(t, StateOpen, cb.State())
	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_HalfOpenRecovers(t *testing.T) {
	// Given: an open breaker whose reset timeout has elapsed
	now := time.Now()
	clock := func() time.Time { return now }
	cb := NewCircuitBreaker("generator", WithMaxFailures(1), WithResetTimeout(time.Second), withClock(clock))
	_ = cb.Execute(func() error { return errors.New("down") })
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())

	// When: the probe call succeeds
	got, err := CircuitExecute(cb, func() (int, error) { return 42, nil })

	// Then: the breaker closes again
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.Failures())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	cb := NewCircuitBreaker("generator", WithMaxFailures(3), WithResetTimeout(time.Second), withClock(clock))
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errors.New("down") })
	}
	now = now.Add(2 * time.Second)

	err := cb.Execute(func() error { return errors.New("still down") })

	require.Error(t, err)
	assert.Equal(t, StateOpen, cb.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
