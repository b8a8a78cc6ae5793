// Package workflow coordinates the summarization and pattern extraction
// pipelines for replaylens: one resumable workflow per session, fanned out
// per group, with every step bounded by its own timeout and retry policy.
package workflow

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// Activity is one workflow step with an explicit timeout and retry policy.
// The zero value runs the step once with no timeout.
type Activity struct {
	Name        string
	Timeout     time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	// Retryable classifies errors; nil means nothing is retried.
	Retryable func(error) bool
}

// Run executes fn under the activity's policy. Each attempt gets a fresh
// timeout; the delay between attempts is fixed plus uniform jitter.
func (a Activity) Run(ctx context.Context, log zerolog.Logger, fn func(ctx context.Context) error) error {
	attempts := a.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if a.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, a.Timeout)
		}
		err = fn(attemptCtx)
		cancel()

		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if a.Retryable == nil || !a.Retryable(err) || attempt == attempts {
			break
		}

		log.Warn().
			Str("activity", a.Name).
			Int("attempt", attempt).
			Err(err).
			Msg("activity failed, retrying")

		select {
		case <-time.After(a.delay()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s: %w", a.Name, err)
}

func (a Activity) delay() time.Duration {
	if a.RetryDelay <= 0 {
		return 0
	}
	return a.RetryDelay + time.Duration(rand.Int63n(int64(a.RetryDelay)))
}
