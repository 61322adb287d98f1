package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/danmuck/benchctl/internal/testutil/testlog"
)

func TestNextBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	if got := NextBackoffDelay(cfg, 1, nil); got != 250*time.Millisecond {
		t.Fatalf("attempt1 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 3, nil); got != time.Second {
		t.Fatalf("attempt3 got=%v", got)
	}
	if got := NextBackoffDelay(cfg, 6, nil); got != 5*time.Second {
		t.Fatalf("attempt6 got=%v", got)
	}
}

func TestTimesStopsOnFirstSuccess(t *testing.T) {
	testlog.Start(t)
	calls := 0
	res := Times("flash", 5, func() error {
		calls++
		if calls < 3 {
			return errors.New("probe busy")
		}
		return nil
	})
	if !res.OK() {
		t.Fatalf("expected success, got %v", res.Err)
	}
	if res.Attempts != 3 || calls != 3 || len(res.Errors) != 2 {
		t.Fatalf("unexpected result: attempts=%d calls=%d errors=%d", res.Attempts, calls, len(res.Errors))
	}
}

func TestTimesExhausted(t *testing.T) {
	testlog.Start(t)
	boom := errors.New("boom")
	calls := 0
	res := Times("teardown", 2, func() error {
		calls++
		return boom
	})
	if res.OK() || calls != 2 {
		t.Fatalf("expected two failed calls, got calls=%d err=%v", calls, res.Err)
	}
	if !errors.Is(res.Err, ErrExhausted) || !errors.Is(res.Err, boom) {
		t.Fatalf("expected exhausted error wrapping cause, got %v", res.Err)
	}
}

func TestDoRejectsZeroTries(t *testing.T) {
	testlog.Start(t)
	res := Times("noop", 0, func() error { return nil })
	if !errors.Is(res.Err, ErrNoAttempts) || res.Attempts != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDoHonorsContextDuringBackoff(t *testing.T) {
	testlog.Start(t)
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{Name: "setup", MaxTries: 3, Backoff: BackoffConfig{InitialDelay: time.Hour}}
	res := Do(ctx, p, func(context.Context, int) error {
		cancel()
		return errors.New("nope")
	})
	if !errors.Is(res.Err, context.Canceled) || res.Attempts != 1 {
		t.Fatalf("expected cancellation after one attempt, got %+v", res)
	}
}
