package retry

import (
	"context"
	"time"
)

// Policy is a fixed backoff schedule. The first attempt runs immediately,
// each following attempt waits the next schedule entry. When the schedule
// is exhausted the last error is returned.
type Policy struct {
	Schedule []time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Schedule: []time.Duration{0, 2 * time.Second, 10 * time.Second, 30 * time.Second}}
}

func (p Policy) Do(ctx context.Context, f func(ctx context.Context) error) error {
	var lastErr error
	for i := 0; i < len(p.Schedule); i++ {
		if p.Schedule[i] > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Schedule[i]):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		if lastErr = f(ctx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
