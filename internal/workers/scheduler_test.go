package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestScheduler() *Scheduler {
	cfg := DefaultConfig()
	cfg.ShutdownTimeout = 2 * time.Second
	return NewScheduler(zap.NewNop(), cfg)
}

func TestSchedulerRunsJobOnInterval(t *testing.T) {
	s := newTestScheduler()

	var runs atomic.Int64
	s.Schedule(JobFunc{JobName: "sweep", Fn: func(context.Context) error {
		runs.Add(1)
		return nil
	}}, 10*time.Millisecond)

	s.Start(context.Background())
	defer s.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 2 {
		t.Fatalf("expected repeated runs, got %d", runs.Load())
	}
}

func TestSchedulerRunNow(t *testing.T) {
	s := newTestScheduler()

	var runs atomic.Int64
	s.Schedule(JobFunc{JobName: "sweep", Fn: func(context.Context) error {
		runs.Add(1)
		return nil
	}}, time.Hour) // never fires on its own in this test

	s.Start(context.Background())
	defer s.Stop()

	if err := s.RunNow(context.Background(), "sweep"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if runs.Load() != 1 {
		t.Fatalf("expected one immediate run, got %d", runs.Load())
	}

	if err := s.RunNow(context.Background(), "missing"); err == nil {
		t.Fatal("unknown job must be an error")
	}
}

func TestSchedulerRunNowAfterStop(t *testing.T) {
	s := newTestScheduler()
	s.Start(context.Background())
	if err := s.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}

	if err := s.RunNow(context.Background(), "sweep"); !errors.Is(err, ErrSchedulerStopped) {
		t.Fatalf("expected ErrSchedulerStopped, got %v", err)
	}
}

func TestSchedulerCountsFailuresAndPanics(t *testing.T) {
	s := newTestScheduler()

	s.Schedule(JobFunc{JobName: "failing", Fn: func(context.Context) error {
		return errors.New("sweep failed")
	}}, time.Hour)
	s.Schedule(JobFunc{JobName: "panicking", Fn: func(context.Context) error {
		panic("bad job")
	}}, time.Hour)

	s.Start(context.Background())
	defer s.Stop()

	if err := s.RunNow(context.Background(), "failing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.RunNow(context.Background(), "panicking"); err != nil {
		t.Fatalf("a panicking job must not propagate: %v", err)
	}

	stats := s.GetStats()
	if stats.Runs != 2 {
		t.Fatalf("expected 2 runs, got %d", stats.Runs)
	}
	if stats.Failures != 1 {
		t.Fatalf("expected 1 failure, got %d", stats.Failures)
	}
	if stats.Panics != 1 {
		t.Fatalf("expected 1 panic, got %d", stats.Panics)
	}
}

func TestSchedulerStopIsIdempotent(t *testing.T) {
	s := newTestScheduler()
	s.Start(context.Background())

	if err := s.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop must be a no-op, got %v", err)
	}
}
