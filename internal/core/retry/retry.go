// Package retry runs an operation under a classification-driven retry
// policy with capped exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/vietddude/autofollow/internal/core/faults"
)

// Policy defines retry behavior for one operation.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	AttemptTimeout time.Duration // 0 = bounded only by the caller's context
	Classifier     *faults.Classifier
}

// DefaultPolicy provides sensible defaults.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	BaseDelay:   1 * time.Second,
	MaxDelay:    30 * time.Second,
}

// Attempt records one execution of the operation.
type Attempt struct {
	Number   int
	Duration time.Duration
	Delay    time.Duration // wait before the next attempt, 0 on the last one
	Err      error
	Class    faults.Classification
}

// Outcome is the full attempt log of a Do call.
type Outcome struct {
	Attempts []Attempt
	Final    faults.Classification
}

// Count returns the number of attempts made.
func (o Outcome) Count() int { return len(o.Attempts) }

// Duration is the total time spent in attempts, excluding backoff waits.
func (o Outcome) Duration() time.Duration {
	var d time.Duration
	for _, a := range o.Attempts {
		d += a.Duration
	}
	return d
}

// Do executes op once and retries it according to p.
//
// Transient failures are retried up to MaxAttempts with exponential backoff.
// Permanent failures abort after the first attempt. Unknown failures get at
// most one retry. Cancellation of ctx stops immediately, including during a
// backoff wait.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) (Outcome, error) {
	var out Outcome

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	classifier := p.Classifier
	if classifier == nil {
		classifier = faults.Default()
	}
	backoff := p.backoff()
	unknownSeen := 0

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			out.Final = faults.Classification{Kind: faults.Permanent, Category: faults.CategoryCancelled}
			return out, err
		}

		start := time.Now()
		err := runAttempt(ctx, p.AttemptTimeout, op)
		attempt := Attempt{Number: n, Duration: time.Since(start), Err: err}

		if err == nil {
			out.Attempts = append(out.Attempts, attempt)
			out.Final = faults.Classification{}
			return out, nil
		}

		// The caller went away; this is not a failure of the operation.
		if ctx.Err() != nil {
			attempt.Class = faults.Classification{Kind: faults.Permanent, Category: faults.CategoryCancelled}
			out.Attempts = append(out.Attempts, attempt)
			out.Final = attempt.Class
			return out, fmt.Errorf("%w: %v", ctx.Err(), err)
		}

		attempt.Class = classifier.Classify(err)

		retry := false
		switch attempt.Class.Kind {
		case faults.Transient:
			retry = n < maxAttempts
		case faults.Unknown:
			unknownSeen++
			retry = unknownSeen <= 1 && n < maxAttempts
		case faults.Permanent:
			retry = false
		}

		if !retry {
			out.Attempts = append(out.Attempts, attempt)
			out.Final = attempt.Class
			if n == 1 {
				return out, err
			}
			return out, fmt.Errorf("failed after %d attempts: %w", n, err)
		}

		attempt.Delay = next(backoff)
		out.Attempts = append(out.Attempts, attempt)

		if attempt.Delay > 0 {
			timer := time.NewTimer(attempt.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				out.Final = faults.Classification{Kind: faults.Permanent, Category: faults.CategoryCancelled}
				return out, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// Delay returns the wait after failed attempt n (1-indexed):
// BaseDelay * 2^(n-1), capped at MaxDelay.
func (p Policy) Delay(n int) time.Duration {
	b := p.backoff()
	var d time.Duration
	for i := 0; i < n; i++ {
		d = next(b)
	}
	return d
}

func (p Policy) backoff() goretry.Backoff {
	if p.BaseDelay <= 0 {
		return nil
	}
	b := goretry.NewExponential(p.BaseDelay)
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	return b
}

func next(b goretry.Backoff) time.Duration {
	if b == nil {
		return 0
	}
	d, stop := b.Next()
	if stop {
		return 0
	}
	return d
}

func runAttempt(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if timeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(actx)
}
