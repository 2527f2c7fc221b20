package retry

import (
	"context"
	"time"
)

// Do calls fn until it succeeds, returns an error retryable rejects, the
// schedule is exhausted, or ctx ends. It returns the last error of fn.
func Do(ctx context.Context, params Params, policy Policy, retryable func(error) bool, fn func(ctx context.Context, attempt int) error) error {
	var err error
	for attempt, wait := range Schedule(params, policy) {
		if wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return err
			case <-t.C:
			}
		}
		if err = fn(ctx, attempt); err == nil {
			return nil
		}
		if ctx.Err() != nil || !retryable(err) {
			return err
		}
	}
	return err
}
