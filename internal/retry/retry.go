// Package retry runs operations with exponential backoff and jitter.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// Config defines retry behavior.
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultConfig returns sensible retry defaults
func DefaultConfig() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  200 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Do calls fn until it succeeds, retryable reports false, the retries run
// out, or ctx ends. retryable is only consulted before an actual retry. The
// last error is returned.
func Do(ctx context.Context, cfg Config, op string, retryable func(error) bool, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt == cfg.MaxRetries {
			break
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
		delay := cfg.Delay(attempt)
		log.Warn().
			Err(lastErr).
			Str("op", op).
			Int("attempt", attempt+1).
			Int("max_retries", cfg.MaxRetries).
			Dur("delay", delay).
			Msg("operation failed, retrying")
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(delay):
		}
	}
	return lastErr
}

// Delay calculates exponential backoff delay with jitter
func (c Config) Delay(attempt int) time.Duration {
	factor := c.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(c.InitialDelay) * math.Pow(factor, float64(attempt))

	// Apply jitter (+/-25%)
	jitter := delay * 0.25 * (2*rand.Float64() - 1)
	delay += jitter

	if c.MaxDelay > 0 && delay > float64(c.MaxDelay) {
		delay = float64(c.MaxDelay)
	}
	return time.Duration(delay)
}
