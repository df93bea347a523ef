package upload

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/callgroup"
	"github.com/DataDog/dd-sdk-android-sub039/internal/logging"
	"github.com/DataDog/dd-sdk-android-sub039/internal/metrics"
	"github.com/DataDog/dd-sdk-android-sub039/internal/notify"
	"github.com/DataDog/dd-sdk-android-sub039/internal/queue"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultHistorySize = 64
)

// ErrMissingSource is returned by NewWorker when Source or Uploader is nil.
var ErrMissingSource = errors.New("upload: source and uploader are required")

// Config configures a Worker.
type Config struct {
	Source   Source
	Uploader Uploader

	// Timeout bounds one upload. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Limiter paces uploads. Nil means unlimited.
	Limiter *rate.Limiter

	// HistorySize is how many recent attempts History keeps.
	// Defaults to DefaultHistorySize.
	HistorySize int

	Logger  *slog.Logger
	Metrics metrics.StatsCollector
}

// Attempt is one upload attempt, kept in the worker history.
type Attempt struct {
	BatchID batch.ID
	Records int
	Status  Status
	At      time.Time
}

// DrainResult summarizes a drain pass.
type DrainResult struct {
	Feature   string
	Delivered int
	Rejected  int
	Retried   int
	Shared    bool // the pass was started by a concurrent caller
}

// Worker uploads the batches of one source.
type Worker struct {
	source   Source
	uploader Uploader
	timeout  time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
	stats    metrics.StatsCollector

	drains callgroup.Group[string, DrainResult]
	wake   *notify.Trigger

	mu      sync.Mutex
	history *queue.EvictingQueue[Attempt]
}

func NewWorker(cfg Config) (*Worker, error) {
	if cfg.Source == nil || cfg.Uploader == nil {
		return nil, ErrMissingSource
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	historySize := cfg.HistorySize
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Worker{
		source:   cfg.Source,
		uploader: cfg.Uploader,
		timeout:  timeout,
		limiter:  cfg.Limiter,
		logger:   logging.Default(cfg.Logger).With("component", "upload-worker", "feature", cfg.Source.Name()),
		stats:    metrics.Default(cfg.Metrics),
		history:  queue.New[Attempt](historySize),
		wake:     notify.NewTrigger(),
	}, nil
}

// Feature returns the name of the source.
func (w *Worker) Feature() string {
	return w.source.Name()
}

// RunOnce uploads at most one batch. It returns false when nothing was
// available, the limiter refused, or ctx ended before a batch was locked.
// A batch whose upload is cancelled or times out is kept.
func (w *Worker) RunOnce(ctx context.Context) (Attempt, bool) {
	if w.limiter != nil {
		if err := w.limiter.Wait(ctx); err != nil {
			return Attempt{}, false
		}
	}
	if ctx.Err() != nil {
		return Attempt{}, false
	}

	b, ok := w.source.LockAndReadNext()
	if !ok {
		return Attempt{}, false
	}

	uctx, cancel := context.WithTimeout(ctx, w.timeout)
	status := w.uploader.Upload(uctx, b)
	uploadErr := uctx.Err()
	cancel()

	feature := w.source.Name()
	switch {
	case ctx.Err() != nil:
		status = Status{Outcome: Retry, Err: ctx.Err()}
		w.source.UnlockAndKeep(b.ID)
		w.stats.IncUpload(feature, metrics.UploadCancelled)
	case errors.Is(uploadErr, context.DeadlineExceeded) && !status.Retry():
		// The uploader ignored its deadline; the result is not trusted.
		status = Status{Outcome: Retry, Err: uploadErr}
		w.source.UnlockAndKeep(b.ID)
		w.stats.IncUpload(feature, metrics.UploadRetry)
	case status.Retry():
		w.source.UnlockAndKeep(b.ID)
		w.stats.IncUpload(feature, metrics.UploadRetry)
	case status.Outcome == Rejected:
		w.source.UnlockAndDelete(b.ID)
		w.stats.IncUpload(feature, metrics.UploadRejected)
		w.logger.Warn("batch rejected, dropping it", "batch", b.ID.String(), "status", status.String())
	default:
		w.source.UnlockAndDelete(b.ID)
		w.stats.IncUpload(feature, metrics.UploadDelivered)
	}

	attempt := Attempt{BatchID: b.ID, Records: len(b.Events), Status: status, At: time.Now()}
	w.mu.Lock()
	w.history.Add(attempt)
	w.mu.Unlock()
	return attempt, true
}

// Drain uploads batches until none is left, an upload must be retried, or
// ctx ends. Concurrent drains of the same feature share one pass.
func (w *Worker) Drain(ctx context.Context) (DrainResult, error) {
	r := w.drains.Do(ctx, w.source.Name(), func() (DrainResult, error) {
		// The pass outlives a cancelled joiner; the owner's ctx still applies.
		return w.drain(ctx), nil
	})
	r.Val.Shared = r.Shared
	return r.Val, r.Err
}

func (w *Worker) drain(ctx context.Context) DrainResult {
	result := DrainResult{Feature: w.source.Name()}
	for {
		attempt, ok := w.RunOnce(ctx)
		if !ok {
			break
		}
		switch attempt.Status.Outcome {
		case Delivered:
			result.Delivered++
		case Rejected:
			result.Rejected++
		case Retry:
			result.Retried++
		}
		if attempt.Status.Retry() {
			break
		}
	}
	if result.Delivered+result.Rejected+result.Retried > 0 {
		w.logger.Info("drained batches",
			"delivered", result.Delivered, "rejected", result.Rejected, "retried", result.Retried)
	}
	return result
}

// Flush rotates the writable unit and drains everything.
func (w *Worker) Flush(ctx context.Context) (DrainResult, error) {
	w.source.Rotate()
	return w.Drain(ctx)
}

// Wake asks a running worker to drain now instead of waiting for the next
// tick.
func (w *Worker) Wake() {
	w.wake.Notify()
}

// Run drains every interval, and on every Wake, until ctx ends.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake.C():
			w.logger.Debug("woken")
		}
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("drain failed", "error", err)
		}
	}
}

// History returns the recent attempts, oldest first.
func (w *Worker) History() []Attempt {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.history.Items()
}

// DrainAll drains every worker, at most limit at a time (0 means no limit).
// Results are in worker order.
func DrainAll(ctx context.Context, workers []*Worker, limit int, flush bool) ([]DrainResult, error) {
	results := make([]DrainResult, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, w := range workers {
		g.Go(func() error {
			var (
				r   DrainResult
				err error
			)
			if flush {
				r, err = w.Flush(gctx)
			} else {
				r, err = w.Drain(gctx)
			}
			results[i] = r
			return err
		})
	}
	err := g.Wait()
	return results, err
}
