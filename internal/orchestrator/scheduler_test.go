package orchestrator

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
)

type countingMaintainer struct {
	rotations atomic.Int32
	purges    atomic.Int32
}

func (m *countingMaintainer) RotateIfDue() bool {
	m.rotations.Add(1)
	return true
}

func (m *countingMaintainer) Purge() []batch.Eviction {
	m.purges.Add(1)
	return []batch.Eviction{{ID: batch.NewID(), Reason: batch.ReasonObsolete}}
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	s, err := NewScheduler(slog.Default())
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestSchedulerWatchRunsSweeps(t *testing.T) {
	s := newTestScheduler(t)
	m := &countingMaintainer{}

	if err := s.Watch("logs", m, 20*time.Millisecond, 20*time.Millisecond); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if !s.HasJob("rotation-sweep:logs") || !s.HasJob("retention:logs") {
		t.Fatalf("expected both sweeps registered, got %v", s.ListJobs())
	}
	s.Start()

	deadline := time.Now().Add(3 * time.Second)
	for m.rotations.Load() == 0 || m.purges.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sweeps did not run: rotations=%d purges=%d", m.rotations.Load(), m.purges.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSchedulerWatchDisabledIntervals(t *testing.T) {
	s := newTestScheduler(t)
	if err := s.Watch("traces", &countingMaintainer{}, 0, time.Minute); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if s.HasJob("rotation-sweep:traces") {
		t.Fatal("rotation sweep should be disabled")
	}
	if !s.HasJob("retention:traces") {
		t.Fatal("retention sweep should be registered")
	}
}

func TestSchedulerDuplicateAndUnwatch(t *testing.T) {
	s := newTestScheduler(t)
	m := &countingMaintainer{}
	if err := s.Watch("rum", m, time.Minute, time.Minute); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := s.Watch("rum", m, time.Minute, time.Minute); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}

	s.Unwatch("rum")
	if len(s.ListJobs()) != 0 {
		t.Fatalf("expected no jobs, got %v", s.ListJobs())
	}
	s.RemoveJob("missing")
}

func TestSchedulerCronJob(t *testing.T) {
	s := newTestScheduler(t)
	if err := s.AddJob("nightly", "0 0 3 * * *", func() {}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}
	if err := s.AddJob("bad", "not a cron", func() {}); err == nil {
		t.Fatal("expected invalid cron expression to fail")
	}
	if err := s.AddIntervalJob("zero", 0, func() {}); err == nil {
		t.Fatal("expected non-positive interval to fail")
	}

	jobs := s.ListJobs()
	if len(jobs) != 1 || jobs[0].Name != "nightly" || jobs[0].Schedule != "0 0 3 * * *" {
		t.Fatalf("unexpected jobs %v", jobs)
	}
}
