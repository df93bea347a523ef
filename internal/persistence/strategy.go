// Package persistence is the public face of the batch store. A Strategy
// accepts records from producers and hands batches to one uploader at a
// time, tracking which unit is locked for upload.
//
// Unit states:
//
//	WRITABLE --rotation--> READABLE --LockAndReadNext--> LOCKED
//	LOCKED --UnlockAndKeep--> READABLE
//	LOCKED --UnlockAndDelete--> gone
//	READABLE --staleness / disk quota--> gone
//
// Staleness is applied when LockAndReadNext or a retention sweep runs. A unit
// that turns stale while locked is left alone until it is unlocked; if it is
// kept, the next LockAndReadNext removes it instead of returning it.
package persistence

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/logging"
	"github.com/DataDog/dd-sdk-android-sub039/internal/metrics"
	"github.com/DataDog/dd-sdk-android-sub039/internal/orchestrator"
)

// ErrMissingOrchestrator is returned by New when Config.Orchestrator is nil.
var ErrMissingOrchestrator = errors.New("persistence: orchestrator is required")

// Config configures a Strategy.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Logger       *slog.Logger
	Metrics      metrics.StatsCollector
}

// Strategy owns the unit state machine of one feature.
//
// Locking:
//   - writeMu serializes producers and everything that touches the writable
//     unit (Write, Rotate, DropAll).
//   - readMu guards the locked unit. LockAndReadNext only ever TryLocks it,
//     so a second reader gets nothing instead of waiting.
//   - writeMu is never acquired while readMu is held.
type Strategy struct {
	writeMu sync.Mutex
	readMu  sync.Mutex

	name    string
	orch    *orchestrator.Orchestrator
	storage batch.Config
	logger  *slog.Logger
	stats   metrics.StatsCollector

	// End of the frames in the writable unit, where the next frame goes.
	// Guarded by writeMu.
	tailUnit   batch.ID
	tailOffset int64

	locked batch.Unit // guarded by readMu
}

// New creates a Strategy over cfg.Orchestrator. The orchestrator's storage
// config bounds every write.
func New(cfg Config) (*Strategy, error) {
	if cfg.Orchestrator == nil {
		return nil, ErrMissingOrchestrator
	}
	name := cfg.Orchestrator.Name()
	return &Strategy{
		name:    name,
		orch:    cfg.Orchestrator,
		storage: cfg.Orchestrator.Storage(),
		logger:  logging.Default(cfg.Logger).With("component", "persistence", "feature", name),
		stats:   metrics.Default(cfg.Metrics),
	}, nil
}

// Name returns the feature name.
func (s *Strategy) Name() string {
	return s.name
}

// CurrentMetadata returns the sidecar of the writable unit, or nil if there
// is no writable unit. It never creates one.
func (s *Strategy) CurrentMetadata() []byte {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	u := s.orch.Writable()
	if u == nil {
		return nil
	}
	meta, err := s.orch.Sidecar(u).Load()
	if err != nil {
		s.logger.Warn("failed to read batch metadata", "unit", u.ID().String(), "error", err)
		return nil
	}
	return meta
}

// Write appends rec to the writable unit and, when batchMeta is non-nil,
// replaces the unit's batch metadata. Crash events are synced before Write
// returns. A false result means the record was dropped; the reason is
// already logged.
func (s *Strategy) Write(rec batch.Record, batchMeta []byte, eventType batch.EventType) bool {
	kind := eventType.String()
	if int64(len(rec.Data)) > s.storage.MaxItemSize {
		s.logger.Warn("dropping record larger than max item size",
			"size", len(rec.Data), "max_item_size", s.storage.MaxItemSize)
		s.stats.IncWrite(s.name, metrics.WriteTooLarge, kind)
		return false
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	payload := rec.PayloadSize()
	u := s.orch.WritableUnit(payload)
	if u == nil {
		s.logger.Warn("dropping record, no writable unit available", "size", payload)
		s.stats.IncWrite(s.name, metrics.WriteNoUnit, kind)
		return false
	}
	// Writable units always start empty: recovered units are sealed.
	if u.ID() != s.tailUnit {
		s.tailUnit, s.tailOffset = u.ID(), 0
	}
	frame, err := batch.EncodeRecordAt(rec, s.tailOffset)
	if err != nil {
		s.logger.Warn("dropping unencodable record", "error", err)
		s.stats.IncWrite(s.name, metrics.WriteFailed, kind)
		return false
	}
	if err := u.Append(frame); err != nil {
		s.logger.Error("failed to append record", "unit", u.ID().String(), "error", err)
		s.stats.IncWrite(s.name, metrics.WriteFailed, kind)
		// The unit may hold part of the frame, so later offsets are unknown.
		// Seal it; its complete records stay readable.
		s.orch.Rotate()
		return false
	}
	s.tailOffset += int64(len(frame))
	s.orch.Appended(u, payload)

	if batchMeta != nil {
		if err := s.orch.Sidecar(u).Store(batchMeta); err != nil {
			s.logger.Error("failed to write batch metadata", "unit", u.ID().String(), "error", err)
		}
	}
	if eventType == batch.EventCrash {
		if err := u.Sync(); err != nil {
			s.logger.Error("failed to sync crash record", "unit", u.ID().String(), "error", err)
			s.stats.IncWrite(s.name, metrics.WriteFailed, kind)
			return false
		}
	}
	s.stats.IncWrite(s.name, metrics.WriteAccepted, kind)
	return true
}

// LockAndReadNext locks the oldest readable unit and returns its content.
// It never blocks on another reader: if a unit is already locked, or
// another call is in progress, it returns false. Records that fail to
// decode are skipped; the rest of the batch is returned. A unit that cannot
// be read at all is deleted so it does not hold back the units behind it.
func (s *Strategy) LockAndReadNext() (batch.Batch, bool) {
	// Age rotation is opportunistic here; producers holding writeMu win.
	if s.writeMu.TryLock() {
		s.orch.RotateIfDue()
		s.writeMu.Unlock()
	}

	if !s.readMu.TryLock() {
		return batch.Batch{}, false
	}
	defer s.readMu.Unlock()

	if s.locked != nil {
		return batch.Batch{}, false
	}
	var (
		u       batch.Unit
		raw     []byte
		skipped []batch.ID
	)
	for {
		u = s.orch.ReadableUnit(skipped...)
		if u == nil {
			return batch.Batch{}, false
		}
		var err error
		if raw, err = u.ReadAll(); err == nil {
			break
		}
		s.logger.Error("deleting unreadable unit", "unit", u.ID().String(), "error", err)
		if delErr := s.orch.Delete(u.ID(), batch.ReasonCorrupt); delErr != nil {
			s.logger.Error("failed to delete unreadable unit", "unit", u.ID().String(), "error", delErr)
			skipped = append(skipped, u.ID())
		}
	}
	meta, err := s.orch.Sidecar(u).Load()
	if err != nil {
		s.logger.Warn("failed to read batch metadata", "unit", u.ID().String(), "error", err)
		meta = nil
	}

	records, stats := batch.DecodeRecords(raw)
	if stats.Skipped > 0 {
		s.logger.Warn("skipped malformed records",
			"unit", u.ID().String(), "skipped", stats.Skipped, "bytes", stats.SkippedBytes)
		s.stats.AddSkippedRecords(s.name, stats.Skipped)
	}

	s.locked = u
	s.stats.IncBatchLocked(s.name)
	s.logger.Debug("locked unit", "unit", u.ID().String(), "records", len(records))
	return batch.Batch{ID: u.ID(), Metadata: meta, Events: records}, true
}

// lockedMatches reports whether id is the locked unit. Must hold readMu.
func (s *Strategy) lockedMatches(id batch.ID, op string) bool {
	if s.locked == nil || s.locked.ID() != id {
		s.logger.Warn("ignoring unlock of a unit that is not locked", "op", op, "unit", id.String())
		return false
	}
	return true
}

// UnlockAndKeep returns the locked unit to the readable set unchanged.
func (s *Strategy) UnlockAndKeep(id batch.ID) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if !s.lockedMatches(id, "keep") {
		return
	}
	s.locked = nil
	s.logger.Debug("unlocked unit", "unit", id.String())
}

// UnlockAndDelete removes the locked unit and its metadata.
func (s *Strategy) UnlockAndDelete(id batch.ID) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if !s.lockedMatches(id, "delete") {
		return
	}
	s.locked = nil
	if err := s.orch.Delete(id, batch.ReasonDelivered); err != nil {
		s.logger.Error("failed to delete unit", "unit", id.String(), "error", err)
		return
	}
	pending := s.orch.DecrementAndGetPendingCount()
	s.logger.Debug("deleted unit", "unit", id.String(), "pending", pending)
}

// DropAll deletes every unit, the writable and locked ones included.
func (s *Strategy) DropAll() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.readMu.Lock()
	defer s.readMu.Unlock()

	s.locked = nil
	if err := s.orch.Reset(); err != nil {
		s.logger.Error("failed to drop all units", "error", err)
	}
}

// MigrationFailure is a unit that could not be moved.
type MigrationFailure struct {
	ID  batch.ID
	Err error
}

// MigrationResult reports what MigrateData did with each readable unit.
type MigrationResult struct {
	Moved   []batch.ID
	Skipped []batch.ID // locked at migration time
	Failed  []MigrationFailure
}

// Complete reports whether every eligible unit was moved.
func (r MigrationResult) Complete() bool {
	return len(r.Skipped) == 0 && len(r.Failed) == 0
}

// MigrateData moves every unit that is neither writable nor locked to
// target, keeping IDs, creation times and metadata. A unit leaves the
// source only after it is stored in the target, so a failed or partial
// migration can simply be run again. Producers may keep writing to s.
func (s *Strategy) MigrateData(target *Strategy) MigrationResult {
	var result MigrationResult
	if target == nil || target == s {
		return result
	}

	s.readMu.Lock()
	defer s.readMu.Unlock()

	for _, u := range s.orch.AllUnits() {
		id := u.ID()
		if s.locked != nil && s.locked.ID() == id {
			result.Skipped = append(result.Skipped, id)
			continue
		}
		if err := s.orch.MoveTo(id, target.orch); err != nil {
			s.logger.Warn("failed to migrate unit", "unit", id.String(), "target", target.name, "error", err)
			result.Failed = append(result.Failed, MigrationFailure{ID: id, Err: err})
			continue
		}
		result.Moved = append(result.Moved, id)
	}

	if len(result.Moved) > 0 || len(result.Failed) > 0 {
		s.logger.Info("migrated units",
			"target", target.name,
			"moved", len(result.Moved),
			"skipped", len(result.Skipped),
			"failed", len(result.Failed))
	}
	return result
}

// Rotate turns the writable unit readable so it can be drained.
func (s *Strategy) Rotate() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.orch.Rotate()
}

// RotateIfDue rotates the writable unit if its age says so.
func (s *Strategy) RotateIfDue() bool {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.orch.RotateIfDue()
}

// Purge applies retention to every readable unit except the locked one.
func (s *Strategy) Purge() []batch.Eviction {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.locked != nil {
		return s.orch.Purge(s.locked.ID())
	}
	return s.orch.Purge()
}

// Units describes every unit, oldest first, the writable one last.
func (s *Strategy) Units() []batch.UnitInfo {
	s.readMu.Lock()
	var locked batch.ID
	hasLocked := s.locked != nil
	if hasLocked {
		locked = s.locked.ID()
	}
	s.readMu.Unlock()

	infos := s.orch.Infos()
	if hasLocked {
		for i := range infos {
			if infos[i].ID == locked {
				infos[i].Locked = true
			}
		}
	}
	return infos
}

// Close seals the writable unit and closes the backend.
func (s *Strategy) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.readMu.Lock()
	defer s.readMu.Unlock()
	s.locked = nil
	return s.orch.Close()
}

var _ orchestrator.Maintainer = (*Strategy)(nil)
