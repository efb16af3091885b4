package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func counting(name string, calls *atomic.Int64) Job {
	return Job{Name: name, Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}}
}

func TestNew_InvalidArgs(t *testing.T) {
	t.Parallel()

	noop := func(context.Context) error { return nil }

	tests := []struct {
		name     string
		interval time.Duration
		jobs     []Job
	}{
		{"interval must be > 0", 0, []Job{{Name: "a", Run: noop}}},
		{"jobs required", time.Second, nil},
		{"run func required", time.Second, []Job{{Name: "a"}}},
		{"name required", time.Second, []Job{{Run: noop}}},
		{"duplicate names", time.Second, []Job{{Name: "a", Run: noop}, {Name: "a", Run: noop}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s, err := New(tt.interval, tt.jobs...)
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if s != nil {
				t.Fatalf("expected nil scheduler, got %#v", s)
			}
		})
	}
}

func TestScheduler_StartStop_Basics(t *testing.T) {
	var calls atomic.Int64

	s, err := New(10*time.Millisecond, counting("resend", &calls))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if s.IsRunning() {
		t.Fatalf("expected scheduler not running initially")
	}
	if ok := s.Start(); !ok {
		t.Fatalf("expected Start() true on first call")
	}
	if !s.IsRunning() {
		t.Fatalf("expected scheduler running after Start()")
	}
	if ok := s.Start(); ok {
		t.Fatalf("expected Start() false when already running")
	}

	// There is an immediate tick on Start().
	waitForAtLeast(t, &calls, 1, 500*time.Millisecond)

	if ok := s.Stop(); !ok {
		t.Fatalf("expected Stop() true on first call")
	}
	if s.IsRunning() {
		t.Fatalf("expected scheduler not running after Stop()")
	}
	if ok := s.Stop(); ok {
		t.Fatalf("expected Stop() false when already stopped")
	}
}

func TestScheduler_RunsEveryJobEachTick(t *testing.T) {
	var a, b atomic.Int64

	s, err := New(10*time.Second, counting("bulk", &a), counting("queue", &b))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	s.Start()
	defer s.Stop()

	waitForAtLeast(t, &a, 1, 500*time.Millisecond)
	waitForAtLeast(t, &b, 1, 500*time.Millisecond)
}

func TestScheduler_DoesNotTickAfterStop(t *testing.T) {
	var calls atomic.Int64

	s, err := New(10*time.Millisecond, counting("resend", &calls))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if ok := s.Start(); !ok {
		t.Fatalf("expected Start() true")
	}

	waitForAtLeast(t, &calls, 2, 750*time.Millisecond)

	if ok := s.Stop(); !ok {
		t.Fatalf("expected Stop() true")
	}
	beforeSleep := calls.Load()

	time.Sleep(100 * time.Millisecond)
	if after := calls.Load(); after != beforeSleep {
		t.Fatalf("expected no ticks after Stop; before=%d after=%d", beforeSleep, after)
	}
}

func TestScheduler_FailingJobDoesNotStopOthers(t *testing.T) {
	var calls, panics atomic.Int64

	s, err := New(10*time.Millisecond,
		Job{Name: "boom", Run: func(context.Context) error {
			panics.Add(1)
			panic("boom")
		}},
		Job{Name: "err", Run: func(context.Context) error {
			return errors.New("store down")
		}},
		counting("ok", &calls),
	)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	s.Start()
	defer s.Stop()

	// the panicking job keeps being scheduled and the healthy one keeps running
	waitForAtLeast(t, &panics, 2, 750*time.Millisecond)
	waitForAtLeast(t, &calls, 2, 750*time.Millisecond)
}

func TestScheduler_StartStopMultipleTimes(t *testing.T) {
	var calls atomic.Int64

	s, err := New(10*time.Millisecond, counting("resend", &calls))
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	for i := 0; i < 3; i++ {
		if ok := s.Start(); !ok {
			t.Fatalf("iteration %d: expected Start() true", i)
		}
		waitForAtLeast(t, &calls, 1, 750*time.Millisecond)
		if ok := s.Stop(); !ok {
			t.Fatalf("iteration %d: expected Stop() true", i)
		}
		calls.Store(0)
	}
}

func TestScheduler_JobReceivesCancelableContext(t *testing.T) {
	var (
		capturedMu sync.Mutex
		captured   context.Context
	)

	s, err := New(10*time.Millisecond, Job{Name: "capture", Run: func(ctx context.Context) error {
		capturedMu.Lock()
		if captured == nil {
			captured = ctx
		}
		capturedMu.Unlock()
		return nil
	}})
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	s.Start()

	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		capturedMu.Lock()
		got := captured
		capturedMu.Unlock()

		if got != nil {
			break
		}
		if time.Now().After(deadline) {
			_ = s.Stop()
			t.Fatalf("did not capture job context in time")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()

	capturedMu.Lock()
	ctx := captured
	capturedMu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatalf("expected job context to be canceled after Stop()")
	}
}

func TestScheduler_RunNow(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	s, err := New(time.Hour,
		counting("bulk", &calls),
		Job{Name: "panics", Run: func(context.Context) error { panic("x") }},
	)
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	if err := s.RunNow(context.Background(), "bulk"); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one call, got %d", calls.Load())
	}
	if s.IsRunning() {
		t.Fatalf("RunNow must not start the loop")
	}

	if err := s.RunNow(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
	if err := s.RunNow(context.Background(), "panics"); err == nil {
		t.Fatalf("expected recovered panic as error")
	}

	if got := s.Jobs(); len(got) != 2 || got[0] != "bulk" || got[1] != "panics" {
		t.Fatalf("unexpected job list %v", got)
	}
}

// waitForAtLeast polls until calls >= n or fails after timeout.
func waitForAtLeast(t *testing.T, calls *atomic.Int64, n int64, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		if calls.Load() >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for calls >= %d (got %d)", n, calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
