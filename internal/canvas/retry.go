package canvas

import (
	"context"
	"errors"
	"time"
)

var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryPolicy retries with a fixed delay. MaxAttempts 0 retries forever.
type RetryPolicy struct {
	Delay       time.Duration
	MaxAttempts int
	Sleep       func(ctx context.Context, d time.Duration) error
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Delay: 2 * time.Second}
}

// Do runs op until it succeeds, fails with an error for which fatal reports
// true, the context ends, or MaxAttempts is reached.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error, fatal func(error) bool, onRetry func(attempt int, err error)) error {
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if fatal != nil && fatal(err) {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return errors.Join(ErrRetriesExhausted, err)
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}
		if err := sleep(ctx, p.Delay); err != nil {
			return err
		}
	}
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
