// Package backoff provides the retry delays used by the worker loop.
package backoff

import (
	"context"
	"math/rand/v2"
	"time"
)

// Policy yields the delay before the next retry
type Policy interface {
	Next() time.Duration
}

// Jitter draws delays uniformly from [Min, Max], both inclusive, so that many
// workers retrying against the same server drift apart.
type Jitter struct {
	Min  time.Duration
	Max  time.Duration
	Step time.Duration // Granularity of drawn values; zero means nanoseconds

	rnd *rand.Rand
}

// NewJitter returns a whole-second jitter policy over [min, max]
func NewJitter(min, max time.Duration) *Jitter {
	return &Jitter{Min: min, Max: max, Step: time.Second}
}

// NewJitterWithSource is NewJitter with a caller-supplied random source
func NewJitterWithSource(min, max time.Duration, src rand.Source) *Jitter {
	j := NewJitter(min, max)
	j.rnd = rand.New(src)
	return j
}

// Next returns a delay in [Min, Max]
func (j *Jitter) Next() time.Duration {
	if j.Max <= j.Min {
		return j.Min
	}

	step := j.Step
	if step <= 0 {
		step = 1
	}
	slots := int64((j.Max-j.Min)/step) + 1

	var n int64
	if j.rnd != nil {
		n = j.rnd.Int64N(slots)
	} else {
		n = rand.Int64N(slots)
	}
	return j.Min + time.Duration(n)*step
}

// Constant always returns the same delay. Constant(0) disables waiting.
type Constant time.Duration

func (c Constant) Next() time.Duration {
	return time.Duration(c)
}

// Zero is a policy that never waits
var Zero Policy = Constant(0)

// SleepFunc blocks for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep blocks for d, returning ctx.Err() if ctx is cancelled first
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry calls op until it reports success, sleeping policy.Next() between
// attempts. maxAttempts <= 0 retries forever. onRetry, if set, is called with
// the failed attempt number and the chosen delay before each sleep.
// Retry returns nil on success, ctx.Err() on cancellation, or ErrExhausted.
func Retry(ctx context.Context, policy Policy, sleep SleepFunc, maxAttempts int, op func(ctx context.Context) bool, onRetry func(attempt int, wait time.Duration)) error {
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if op(ctx) {
			return nil
		}
		if maxAttempts > 0 && attempt >= maxAttempts {
			return ErrExhausted
		}

		wait := policy.Next()
		if onRetry != nil {
			onRetry(attempt, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}
