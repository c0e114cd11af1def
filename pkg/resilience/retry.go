// Package resilience provides the exponential-backoff retry and
// circuit-breaker patterns the KV store and Bus wrap their Redis calls
// in, adapted from the teacher's infrastructure/resilience package.
package resilience

import (
	"context"
	"math/rand"
	"time"

	"github.com/gregd453/agentic-sdlc-sub009/pkg/clock"
)

// RetryConfig configures exponential backoff.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64 // 0-1, adds randomness
}

// DefaultRetryConfig backs off exponentially up to a ceiling and never
// gives up within the configured attempt budget, per spec §7's
// TransportFailure handling.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  8,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Retry executes fn with exponential backoff using clk for sleeps, so
// tests can drive it with a clock.Fake instead of real time.
func Retry(ctx context.Context, clk clock.Clock, cfg RetryConfig, fn func() error) error {
	return RetryIf(ctx, clk, cfg, func(error) bool { return true }, fn)
}

// RetryIf behaves like Retry but consults retryable after each failed
// attempt: an error retryable rejects is returned immediately instead
// of consuming the rest of the backoff budget. This is the mechanism
// kv.Store and bus.Bus use to back off on coreerrors.TransportFailure
// while letting ValidationFailure/ParseFailure surface on the first
// attempt, per spec §7's distinct propagation policy per error kind.
func RetryIf(ctx context.Context, clk clock.Clock, cfg RetryConfig, retryable func(error) bool, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable(err) {
			return err
		}

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-clk.After(addJitter(delay, cfg.Jitter)):
			}
			delay = nextDelay(delay, cfg)
		}
	}
	return lastErr
}

func nextDelay(current time.Duration, cfg RetryConfig) time.Duration {
	next := time.Duration(float64(current) * cfg.Multiplier)
	if next > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return next
}

func addJitter(d time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return d
	}
	delta := float64(d) * jitter
	return d + time.Duration(rand.Float64()*delta*2-delta)
}
