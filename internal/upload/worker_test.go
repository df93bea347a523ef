package upload

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/batch/memory"
	"github.com/DataDog/dd-sdk-android-sub039/internal/orchestrator"
	"github.com/DataDog/dd-sdk-android-sub039/internal/persistence"

	"golang.org/x/time/rate"
)

func newSource(t *testing.T, name string) *persistence.Strategy {
	t.Helper()
	o, err := orchestrator.New(orchestrator.Config{
		Name:    name,
		Backend: memory.NewBackend(memory.Config{}),
		Storage: batch.DefaultConfig(),
	})
	if err != nil {
		t.Fatalf("orchestrator.New: %v", err)
	}
	s, err := persistence.New(persistence.Config{Orchestrator: o})
	if err != nil {
		t.Fatalf("persistence.New: %v", err)
	}
	return s
}

// fill writes n batches of one record each.
func fill(t *testing.T, s *persistence.Strategy, n int) {
	t.Helper()
	for range n {
		if !s.Write(batch.Record{Data: []byte("payload")}, nil, batch.EventDefault) {
			t.Fatal("write failed")
		}
		s.Rotate()
	}
}

func newWorker(t *testing.T, s Source, u Uploader, opts ...func(*Config)) *Worker {
	t.Helper()
	cfg := Config{Source: s, Uploader: u}
	for _, opt := range opts {
		opt(&cfg)
	}
	w, err := NewWorker(cfg)
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	return w
}

func fixed(status Status) Uploader {
	return UploaderFunc(func(context.Context, batch.Batch) Status { return status })
}

func readable(s *persistence.Strategy) int {
	n := 0
	for _, info := range s.Units() {
		if !info.Writable {
			n++
		}
	}
	return n
}

func TestClassify(t *testing.T) {
	netErr := errors.New("connection reset")
	tests := []struct {
		code int
		err  error
		want Outcome
	}{
		{202, nil, Delivered},
		{200, nil, Delivered},
		{400, nil, Rejected},
		{403, nil, Rejected},
		{408, nil, Retry},
		{429, nil, Retry},
		{500, nil, Retry},
		{503, nil, Retry},
		{0, netErr, Retry},
		{301, nil, Rejected},
	}
	for _, tt := range tests {
		if got := Classify(tt.code, tt.err); got.Outcome != tt.want {
			t.Errorf("Classify(%d, %v) = %s, want %s", tt.code, tt.err, got.Outcome, tt.want)
		}
	}
}

func TestNewWorkerValidation(t *testing.T) {
	if _, err := NewWorker(Config{}); !errors.Is(err, ErrMissingSource) {
		t.Fatalf("expected ErrMissingSource, got %v", err)
	}
}

func TestRunOnceOutcomes(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		remaining int
	}{
		{"delivered", Classify(202, nil), 0},
		{"rejected", Classify(400, nil), 0},
		{"retry", Classify(503, nil), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSource(t, "logs")
			fill(t, s, 1)
			w := newWorker(t, s, fixed(tt.status))

			attempt, ok := w.RunOnce(context.Background())
			if !ok {
				t.Fatal("expected an attempt")
			}
			if attempt.Records != 1 || attempt.Status.Outcome != tt.status.Outcome {
				t.Fatalf("unexpected attempt %+v", attempt)
			}
			if got := readable(s); got != tt.remaining {
				t.Fatalf("remaining units = %d, want %d", got, tt.remaining)
			}
			// Whatever the outcome, the lock is released.
			if tt.remaining > 0 {
				if _, ok := s.LockAndReadNext(); !ok {
					t.Fatal("kept batch should be lockable again")
				}
			}
		})
	}
}

func TestRunOnceNothingToDo(t *testing.T) {
	w := newWorker(t, newSource(t, "logs"), fixed(Classify(202, nil)))
	if _, ok := w.RunOnce(context.Background()); ok {
		t.Fatal("expected no attempt on an empty store")
	}
}

func TestRunOnceCancelledKeepsBatch(t *testing.T) {
	s := newSource(t, "logs")
	fill(t, s, 1)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	w := newWorker(t, s, UploaderFunc(func(uctx context.Context, _ batch.Batch) Status {
		close(started)
		<-uctx.Done()
		// Misbehaving uploader claims success after cancellation.
		return Classify(202, nil)
	}))

	done := make(chan Attempt)
	go func() {
		a, _ := w.RunOnce(ctx)
		done <- a
	}()
	<-started
	cancel()
	attempt := <-done

	if !attempt.Status.Retry() {
		t.Fatalf("cancelled upload should be retried, got %s", attempt.Status)
	}
	if readable(s) != 1 {
		t.Fatal("cancelled batch must be kept")
	}
	if _, ok := s.LockAndReadNext(); !ok {
		t.Fatal("cancelled batch must be unlocked")
	}
}

func TestRunOnceTimeoutKeepsBatch(t *testing.T) {
	s := newSource(t, "logs")
	fill(t, s, 1)
	w := newWorker(t, s, UploaderFunc(func(uctx context.Context, _ batch.Batch) Status {
		<-uctx.Done()
		return Classify(0, uctx.Err())
	}), func(c *Config) { c.Timeout = 20 * time.Millisecond })

	attempt, ok := w.RunOnce(context.Background())
	if !ok || !attempt.Status.Retry() || !errors.Is(attempt.Status.Err, context.DeadlineExceeded) {
		t.Fatalf("expected timed out retry, got %+v", attempt)
	}
	if readable(s) != 1 {
		t.Fatal("timed out batch must be kept")
	}
}

func TestDrainStopsOnRetry(t *testing.T) {
	s := newSource(t, "logs")
	fill(t, s, 4)

	var calls atomic.Int32
	w := newWorker(t, s, UploaderFunc(func(context.Context, batch.Batch) Status {
		if calls.Add(1) == 3 {
			return Classify(503, nil)
		}
		return Classify(202, nil)
	}))

	result, err := w.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if result.Delivered != 2 || result.Retried != 1 {
		t.Fatalf("unexpected result %+v", result)
	}
	if readable(s) != 2 {
		t.Fatalf("expected 2 batches left, got %d", readable(s))
	}
}

func TestFlushRotatesWritable(t *testing.T) {
	s := newSource(t, "logs")
	if !s.Write(batch.Record{Data: []byte("unflushed")}, nil, batch.EventDefault) {
		t.Fatal("write failed")
	}
	w := newWorker(t, s, fixed(Classify(202, nil)))

	result, err := w.Flush(context.Background())
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if result.Delivered != 1 {
		t.Fatalf("expected the writable unit to be delivered, got %+v", result)
	}
	if len(s.Units()) != 0 {
		t.Fatal("store should be empty after flush")
	}
}

func TestConcurrentDrainsShareOnePass(t *testing.T) {
	s := newSource(t, "logs")
	fill(t, s, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	w := newWorker(t, s, UploaderFunc(func(context.Context, batch.Batch) Status {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		return Classify(202, nil)
	}))

	results := make([]DrainResult, 2)
	var wg sync.WaitGroup
	wg.Go(func() { results[0], _ = w.Drain(context.Background()) })
	<-started
	wg.Go(func() { results[1], _ = w.Drain(context.Background()) })
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected one upload, got %d", calls.Load())
	}
	if results[0].Shared || !results[1].Shared {
		t.Fatalf("expected the second drain to share the first, got %+v", results)
	}
	if results[1].Delivered != 1 {
		t.Fatalf("shared result should carry the pass outcome, got %+v", results[1])
	}
}

func TestHistoryIsBounded(t *testing.T) {
	s := newSource(t, "logs")
	fill(t, s, 5)
	w := newWorker(t, s, fixed(Classify(202, nil)), func(c *Config) { c.HistorySize = 3 })

	if _, err := w.Drain(context.Background()); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := len(w.History()); got != 3 {
		t.Fatalf("expected 3 attempts kept, got %d", got)
	}
}

func TestLimiterCancelled(t *testing.T) {
	s := newSource(t, "logs")
	fill(t, s, 1)
	w := newWorker(t, s, fixed(Classify(202, nil)), func(c *Config) {
		c.Limiter = rate.NewLimiter(rate.Every(time.Hour), 1)
	})

	if _, ok := w.RunOnce(context.Background()); !ok {
		t.Fatal("first attempt should use the burst")
	}
	fill(t, s, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := w.RunOnce(ctx); ok {
		t.Fatal("limiter should hold the second attempt past the deadline")
	}
	if readable(s) != 1 {
		t.Fatal("held batch must stay in the store")
	}
}

func TestDrainAll(t *testing.T) {
	logs, rum := newSource(t, "logs"), newSource(t, "rum")
	fill(t, logs, 2)
	fill(t, rum, 3)
	exporter := t.TempDir()

	workers := []*Worker{
		newWorker(t, logs, NewDirExporter(exporter, "logs")),
		newWorker(t, rum, NewDirExporter(exporter, "rum")),
	}
	results, err := DrainAll(context.Background(), workers, 1, true)
	if err != nil {
		t.Fatalf("DrainAll: %v", err)
	}
	if results[0].Feature != "logs" || results[0].Delivered != 2 {
		t.Fatalf("unexpected logs result %+v", results[0])
	}
	if results[1].Feature != "rum" || results[1].Delivered != 3 {
		t.Fatalf("unexpected rum result %+v", results[1])
	}
	files, _ := filepath.Glob(filepath.Join(exporter, "rum", "*.msgpack"))
	if len(files) != 3 {
		t.Fatalf("expected 3 exported rum batches, got %d", len(files))
	}
}

func TestWakeDrainsBeforeTick(t *testing.T) {
	s := newSource(t, "logs")
	var delivered atomic.Int32
	w := newWorker(t, s, UploaderFunc(func(context.Context, batch.Batch) Status {
		delivered.Add(1)
		return Classify(202, nil)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx, time.Hour)
	}()

	fill(t, s, 2)
	w.Wake()
	deadline := time.Now().Add(2 * time.Second)
	for delivered.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if delivered.Load() != 2 {
		t.Fatalf("expected both batches after Wake, got %d", delivered.Load())
	}
}
