// Package retry implements exponential backoff with jitter for outbound
// operations.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Delay returns the wait before the next try after failed attempt n
// (0-based): base * 2^n plus up to one second of jitter.
func Delay(attempt int, base time.Duration) time.Duration {
	backoff := base << uint(attempt)
	jitter := time.Duration(rand.Int63n(int64(time.Second)))
	return backoff + jitter
}

// Do runs fn up to maxAttempts times, sleeping Delay between failures.
// It returns nil on the first success, the last error on exhaustion, and
// ctx.Err() when the context is cancelled while waiting.
func Do(ctx context.Context, maxAttempts int, base time.Duration, logger zerolog.Logger, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if attempt == maxAttempts-1 {
			logger.Error().
				Str("event", "retry.exhausted").
				Int("attempt", attempt+1).
				Int("max_attempts", maxAttempts).
				Err(lastErr).
				Msg("max retries reached")
			return lastErr
		}

		delay := Delay(attempt, base)
		logger.Warn().
			Str("event", "retry.waiting").
			Int("attempt", attempt+1).
			Int("max_attempts", maxAttempts).
			Dur("delay", delay).
			Err(lastErr).
			Msg("retrying operation")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}
