package canvas

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Woyken/pixelplanet.fun-bot/internal/protocol"
)

func TestRetryPolicy_FixedDelayUntilSuccess(t *testing.T) {
	var slept []time.Duration
	p := RetryPolicy{
		Delay: 2 * time.Second,
		Sleep: func(ctx context.Context, d time.Duration) error {
			slept = append(slept, d)
			return nil
		},
	}
	calls := 0
	var retries []int
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 4 {
			return errors.New("503")
		}
		return nil
	}, protocol.IsFatal, func(attempt int, err error) { retries = append(retries, attempt) })
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if calls != 4 || len(slept) != 3 || len(retries) != 3 {
		t.Fatalf("calls=%d slept=%d retries=%d", calls, len(slept), len(retries))
	}
	for _, d := range slept {
		if d != 2*time.Second {
			t.Fatalf("delay=%s want=2s", d)
		}
	}
}

func TestRetryPolicy_FatalStopsImmediately(t *testing.T) {
	p := RetryPolicy{Sleep: func(context.Context, time.Duration) error {
		t.Fatalf("fatal error must not sleep")
		return nil
	}}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return protocol.ErrForbidden
	}, protocol.IsFatal, nil)
	if !errors.Is(err, protocol.ErrForbidden) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetryPolicy_MaxAttempts(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, Sleep: func(context.Context, time.Duration) error { return nil }}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("down")
	}, nil, nil)
	if !errors.Is(err, ErrRetriesExhausted) || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}
