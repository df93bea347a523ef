package persistence

import (
	"log/slog"
	"sync"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/logging"
	"github.com/DataDog/dd-sdk-android-sub039/internal/metrics"
	"github.com/DataDog/dd-sdk-android-sub039/internal/orchestrator"
)

// SingleItemConfig configures a SingleItemWriter.
type SingleItemConfig struct {
	Name        string
	Provider    orchestrator.Provider
	MaxItemSize int64
	Logger      *slog.Logger
	Metrics     metrics.StatsCollector
}

// SingleItemWriter keeps only the latest record of a feature, for state
// such as the most recent view snapshot that a crash report refers to.
// Every write replaces the stored record.
type SingleItemWriter struct {
	mu          sync.Mutex
	name        string
	provider    orchestrator.Provider
	maxItemSize int64
	logger      *slog.Logger
	stats       metrics.StatsCollector
}

// NewSingleItemWriter creates a writer that keeps only the latest item in
// cfg.Provider's unit. Items larger than cfg.MaxItemSize are rejected.
func NewSingleItemWriter(cfg SingleItemConfig) *SingleItemWriter {
	return &SingleItemWriter{
		name:        cfg.Name,
		provider:    cfg.Provider,
		maxItemSize: cfg.MaxItemSize,
		logger:      logging.Default(cfg.Logger).With("component", "persistence", "type", "single", "feature", cfg.Name),
		stats:       metrics.Default(cfg.Metrics),
	}
}

// Write replaces the stored record with rec.
func (w *SingleItemWriter) Write(rec batch.Record, batchMeta []byte, eventType batch.EventType) bool {
	kind := eventType.String()
	if w.maxItemSize > 0 && int64(len(rec.Data)) > w.maxItemSize {
		w.logger.Warn("dropping record larger than max item size",
			"size", len(rec.Data), "max_item_size", w.maxItemSize)
		w.stats.IncWrite(w.name, metrics.WriteTooLarge, kind)
		return false
	}
	frame, err := batch.EncodeRecord(rec)
	if err != nil {
		w.logger.Warn("dropping unencodable record", "error", err)
		w.stats.IncWrite(w.name, metrics.WriteFailed, kind)
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	u := w.provider.WritableUnit(rec.PayloadSize())
	if u == nil {
		w.stats.IncWrite(w.name, metrics.WriteNoUnit, kind)
		return false
	}
	if err := u.Append(frame); err != nil {
		w.logger.Error("failed to store record", "error", err)
		w.stats.IncWrite(w.name, metrics.WriteFailed, kind)
		return false
	}
	if batchMeta != nil {
		if err := w.provider.Sidecar(u).Store(batchMeta); err != nil {
			w.logger.Error("failed to store batch metadata", "error", err)
		}
	}
	if eventType == batch.EventCrash {
		if err := u.Sync(); err != nil {
			w.logger.Error("failed to sync record", "error", err)
			w.stats.IncWrite(w.name, metrics.WriteFailed, kind)
			return false
		}
	}
	w.stats.IncWrite(w.name, metrics.WriteAccepted, kind)
	return true
}

// WriteAll stores only the last of recs. Earlier elements are superseded
// by the time the call returns, so they are never written.
func (w *SingleItemWriter) WriteAll(recs []batch.Record, eventType batch.EventType) bool {
	if len(recs) == 0 {
		return false
	}
	return w.Write(recs[len(recs)-1], nil, eventType)
}

// Read returns the stored record.
func (w *SingleItemWriter) Read() (batch.Record, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	u := w.provider.ReadableUnit()
	if u == nil {
		return batch.Record{}, false
	}
	raw, err := u.ReadAll()
	if err != nil {
		w.logger.Error("failed to read record", "error", err)
		return batch.Record{}, false
	}
	records, _ := batch.DecodeRecords(raw)
	if len(records) == 0 {
		return batch.Record{}, false
	}
	return records[len(records)-1], true
}

// Clear removes the stored record and its metadata.
func (w *SingleItemWriter) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	u := w.provider.ReadableUnit()
	if u == nil {
		return nil
	}
	return u.Delete()
}
