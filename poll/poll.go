// Package poll provides the waiting primitive used for instance status and
// SSH readiness checks: run a predicate at a fixed interval until it reports
// done, it errors, the attempt budget runs out, or the context is cancelled.
package poll // import "github.com/am17an/vastai-llama-bench/poll"

import (
	"context"
	"time"

	"github.com/am17an/vastai-llama-bench/utils"
)

// ErrAttemptsExhausted is returned by Until when the predicate never reported
// done within the configured attempt budget.
var ErrAttemptsExhausted = utils.MakeError("exhausted all poll attempts")

// Config bounds a polling loop. Interval is the pause between attempts and
// MaxAttempts is the total number of predicate invocations, so the longest a
// loop can take is roughly Interval * (MaxAttempts - 1).
type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

// A Predicate reports whether the awaited condition holds yet. Returning an
// error aborts the loop immediately.
type Predicate func(ctx context.Context) (done bool, err error)

// Until runs pred every config.Interval until it returns done, at most
// config.MaxAttempts times. The predicate is invoked once before the first
// wait, so a condition that already holds returns without sleeping.
func Until(ctx context.Context, config Config, pred Predicate) error {
	if config.MaxAttempts <= 0 {
		return utils.MakeError("invalid poll config: MaxAttempts must be positive, got %d", config.MaxAttempts)
	}
	if config.Interval <= 0 {
		return utils.MakeError("invalid poll config: Interval must be positive, got %s", config.Interval)
	}

	for attempt := 1; ; attempt++ {
		done, err := pred(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if attempt >= config.MaxAttempts {
			return ErrAttemptsExhausted
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(config.Interval):
		}
	}
}
