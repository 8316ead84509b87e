package retry

import (
	"context"
	"time"
)

// Pad blocks until at least atLeast has passed since start. It returns early
// with ctx's error when ctx is done first.
func Pad(ctx context.Context, start time.Time, atLeast time.Duration) error {
	remaining := atLeast - time.Since(start)
	if remaining <= 0 {
		return nil
	}
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
