// Package clock holds the context-aware wait shared by the retry loops.
package clock

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is done, whichever comes first. A
// non-positive d returns immediately.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
