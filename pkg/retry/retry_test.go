package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeSleeper records requested delays without actually sleeping.
type fakeSleeper struct {
	delays []time.Duration
}

func (f *fakeSleeper) sleep(_ context.Context, d time.Duration) error {
	f.delays = append(f.delays, d)
	return nil
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()

	calls := 0
	err := doWithSleeper(context.Background(), DefaultConfig(), func() error {
		calls++
		return nil
	}, &fakeSleeper{})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	t.Parallel()

	s := &fakeSleeper{}
	calls := 0
	err := doWithSleeper(context.Background(), Config{MaxAttempts: 3, InitDelay: time.Second, Multiplier: 1.5}, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, s)

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
	if len(s.delays) != 2 {
		t.Errorf("slept %d times, want 2", len(s.delays))
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("permanent")
	calls := 0
	err := doWithSleeper(context.Background(), Config{MaxAttempts: 3, InitDelay: time.Millisecond}, func() error {
		calls++
		return wantErr
	}, &fakeSleeper{})

	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopError(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("auth rejected")
	calls := 0
	err := doWithSleeper(context.Background(), Config{MaxAttempts: 5, InitDelay: time.Millisecond}, func() error {
		calls++
		return Stop(wantErr)
	}, &fakeSleeper{})

	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (StopError must not retry)", calls)
	}
}

func TestDoContextCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := doWithSleeper(ctx, DefaultConfig(), func() error {
		t.Fatal("fn must not run with a cancelled context")
		return nil
	}, &fakeSleeper{})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDoZeroAttemptsNoOp(t *testing.T) {
	t.Parallel()

	err := doWithSleeper(context.Background(), Config{}, func() error {
		t.Fatal("fn must not run with MaxAttempts 0")
		return nil
	}, &fakeSleeper{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCalcDelayMultiplier(t *testing.T) {
	t.Parallel()

	cfg := Config{InitDelay: 2 * time.Second, MaxDelay: 30 * time.Second, Multiplier: 1.5}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 3 * time.Second},
		{2, 4500 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := CalcDelay(cfg, tt.attempt); got != tt.want {
			t.Errorf("CalcDelay(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestCalcDelayCappedAtMax(t *testing.T) {
	t.Parallel()

	cfg := Config{InitDelay: 10 * time.Second, MaxDelay: 15 * time.Second, Multiplier: 2}
	if got := CalcDelay(cfg, 5); got != 15*time.Second {
		t.Errorf("CalcDelay = %v, want 15s cap", got)
	}
}

func TestCalcDelayJitterBounds(t *testing.T) {
	t.Parallel()

	cfg := Config{InitDelay: 4 * time.Second, MaxDelay: time.Minute, Multiplier: 1, Jitter: true}
	for range 50 {
		d := CalcDelay(cfg, 0)
		if d < 3*time.Second || d > 5*time.Second {
			t.Fatalf("jittered delay %v outside ±25%% window", d)
		}
	}
}
