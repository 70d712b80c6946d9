package buffer

import (
	"context"
	"runtime"
	"time"
)

// Backoff decides how long a blocked lock request sleeps before its next attempt. attempt starts from zero.
type Backoff interface {
	Wait(ctx context.Context, attempt int) error
}

// FixedBackoff sleeps the same interval between attempts.
type FixedBackoff struct {
	Interval time.Duration
}

func (b FixedBackoff) Wait(ctx context.Context, _ int) error {
	t := time.NewTimer(b.Interval)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NoBackoff only yields the processor, meant for tests.
type NoBackoff struct{}

func (NoBackoff) Wait(ctx context.Context, _ int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	runtime.Gosched()
	return nil
}
