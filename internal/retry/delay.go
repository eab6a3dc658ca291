package retry

import (
	"context"
	"time"
)

// Sleeper waits for d to elapse. It returns early with ctx.Err() when ctx is
// done first.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the default Sleeper. It parks only the calling goroutine.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
