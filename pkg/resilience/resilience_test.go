package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gregd453/agentic-sdlc-sub009/pkg/clock"
)

func TestRetry_SucceedsWithoutRetrying(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	calls := 0
	err := Retry(context.Background(), clk, DefaultRetryConfig(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	calls := 0
	sentinel := errors.New("boom")

	done := make(chan error, 1)
	go func() {
		done <- Retry(context.Background(), clk, cfg, func() error {
			calls++
			return sentinel
		})
	}()

	for i := 0; i < cfg.MaxAttempts; i++ {
		clk.Advance(time.Second)
	}

	err := <-done
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, cfg.MaxAttempts, calls)
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cb := NewWithClock(Config{MaxFailures: 2, Timeout: time.Second, HalfOpenMax: 1}, clk)

	sentinel := errors.New("down")
	_ = cb.Execute(context.Background(), func() error { return sentinel })
	assert.Equal(t, StateClosed, cb.State())

	_ = cb.Execute(context.Background(), func() error { return sentinel })
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(context.Background(), func() error { return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreaker_HalfOpenRecoversToClosed(t *testing.T) {
	clk := clock.NewFake(time.Unix(0, 0))
	cb := NewWithClock(Config{MaxFailures: 1, Timeout: time.Second, HalfOpenMax: 1}, clk)

	_ = cb.Execute(context.Background(), func() error { return errors.New("down") })
	require.Equal(t, StateOpen, cb.State())

	clk.Advance(2 * time.Second)

	err := cb.Execute(context.Background(), func() error { return nil })
	require.NoError(t, err)
	assert.Equal(t, StateClosed, cb.State())
}
