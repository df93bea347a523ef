// Package orchestrator maps storage thresholds onto the units of one storage
// root. It decides which unit is writable, which units are readable, when the
// writable unit rotates, and which units retention removes. It does not know
// about locking or uploads; the persistence strategy owns that state.
package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/logging"
	"github.com/DataDog/dd-sdk-android-sub039/internal/metrics"
)

var (
	// ErrMissingBackend is returned by New when Config.Backend is nil.
	ErrMissingBackend = errors.New("orchestrator: backend is required")
	// ErrUnitWritable is returned when an operation needs a readable unit
	// but was given the writable one.
	ErrUnitWritable = errors.New("unit is writable")
)

// Provider is the view of an orchestrator that the persistence layer needs.
// Accessors never fail: a backend error is logged and reported as nil, which
// callers treat as "skip for now, try later".
type Provider interface {
	// WritableUnit returns the unit that accepts the next record of
	// nextSize payload bytes, rotating or creating one as needed.
	WritableUnit(nextSize int64) batch.Unit

	// Appended records that a record of payload bytes was appended to u.
	Appended(u batch.Unit, payload int64)

	// ReadableUnit returns the oldest unit that is neither writable nor
	// excluded.
	ReadableUnit(exclude ...batch.ID) batch.Unit

	// AllUnits returns every readable unit, oldest first.
	AllUnits() []batch.Unit

	// FlushableUnits returns every unit including the writable one.
	FlushableUnits() []batch.Unit

	// Sidecar returns the batch-level metadata handle of u.
	Sidecar(u batch.Unit) batch.Slot

	// DecrementAndGetPendingCount accounts for one delivered unit and
	// returns how many are still pending.
	DecrementAndGetPendingCount() int
}

// Config configures an Orchestrator.
type Config struct {
	// Name identifies the feature in logs and metrics.
	Name string

	Backend batch.Backend
	Storage batch.Config

	// RotationPolicy defaults to batch.NewRotationPolicy(Storage, Now).
	RotationPolicy batch.RotationPolicy
	// RetentionPolicy defaults to batch.NewRetentionPolicy(Storage).
	RetentionPolicy batch.RetentionPolicy

	// Now defaults to time.Now.
	Now func() time.Time

	Logger  *slog.Logger
	Metrics metrics.StatsCollector
}

// writableState tracks the writable unit. Record counts are not stored in
// the backend, so they are counted here as records are appended.
type writableState struct {
	unit    batch.Unit
	records int
	bytes   int64
}

func (w *writableState) snapshot() batch.ActiveUnitState {
	return batch.ActiveUnitState{
		UnitID:    w.unit.ID(),
		CreatedAt: w.unit.CreatedAt(),
		Bytes:     w.bytes,
		Records:   w.records,
	}
}

// Orchestrator selects writable and readable units for one storage root.
//
// Crash recovery: units found in the backend belong to an earlier process.
// They are sealed and treated as readable; a fresh writable unit is created
// on the next write. The backend is loaded lazily and a failed load is
// retried by the next accessor.
//
// All methods are safe for concurrent use.
type Orchestrator struct {
	mu sync.Mutex

	name      string
	backend   batch.Backend
	storage   batch.Config
	rotation  batch.RotationPolicy
	retention batch.RetentionPolicy
	now       func() time.Time
	logger    *slog.Logger
	stats     metrics.StatsCollector

	loaded   bool
	units    []batch.Unit // readable units, oldest first
	writable *writableState
	pending  int

	// orphans were copied to another root but could not be deleted here.
	// Every purge retries them.
	orphans map[batch.ID]batch.Unit
}

// moveDeleteAttempts bounds the immediate retries of a source delete after
// a copying move.
const moveDeleteAttempts = 3

var _ Provider = (*Orchestrator)(nil)

// New creates an Orchestrator. It does not touch the backend.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Backend == nil {
		return nil, ErrMissingBackend
	}
	if err := cfg.Storage.Validate(); err != nil {
		return nil, err
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	rotation := cfg.RotationPolicy
	if rotation == nil {
		rotation = batch.NewRotationPolicy(cfg.Storage, now)
	}
	retention := cfg.RetentionPolicy
	if retention == nil {
		retention = batch.NewRetentionPolicy(cfg.Storage)
	}
	return &Orchestrator{
		name:      cfg.Name,
		backend:   cfg.Backend,
		storage:   cfg.Storage,
		rotation:  rotation,
		retention: retention,
		now:       now,
		logger:    logging.Default(cfg.Logger).With("component", "orchestrator", "feature", cfg.Name),
		stats:     metrics.Default(cfg.Metrics),
	}, nil
}

// Name returns the feature name.
func (o *Orchestrator) Name() string {
	return o.name
}

// Storage returns the thresholds the orchestrator enforces.
func (o *Orchestrator) Storage() batch.Config {
	return o.storage
}

// load reads the backend once. Must be called with o.mu held.
func (o *Orchestrator) load() bool {
	if o.loaded {
		return true
	}
	units, err := o.backend.Load()
	if err != nil {
		o.logger.Error("failed to load storage root", "error", err)
		return false
	}
	for _, u := range units {
		if u.Sealed() {
			continue
		}
		if err := u.Seal(); err != nil {
			o.logger.Warn("failed to seal recovered unit", "unit", u.ID().String(), "error", err)
		}
	}
	o.units = units
	o.sortUnits()
	o.loaded = true
	if len(units) > 0 {
		o.logger.Info("recovered units", "count", len(units))
	}
	return true
}

func (o *Orchestrator) sortUnits() {
	slices.SortFunc(o.units, func(a, b batch.Unit) int {
		if c := a.CreatedAt().Compare(b.CreatedAt()); c != 0 {
			return c
		}
		return a.ID().Compare(b.ID())
	})
}

func (o *Orchestrator) WritableUnit(nextSize int64) batch.Unit {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.load() {
		return nil
	}
	if nextSize > o.storage.MaxBatchSize {
		o.logger.Warn("record can never fit a unit", "size", nextSize, "max_batch_size", o.storage.MaxBatchSize)
		return nil
	}

	if w := o.writable; w != nil {
		if trigger := o.rotation.ShouldRotate(w.snapshot(), nextSize); trigger != nil {
			o.rotateLocked(*trigger)
		}
	}
	if o.writable == nil {
		now := o.now()
		u, err := o.backend.Create(batch.NewIDAt(now), now)
		if err != nil {
			o.logger.Error("failed to create unit", "error", err)
			return nil
		}
		o.writable = &writableState{unit: u}
		o.logger.Debug("opened writable unit", "unit", u.ID().String())
	}
	return o.writable.unit
}

func (o *Orchestrator) Appended(u batch.Unit, payload int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writable == nil || o.writable.unit != u {
		return
	}
	o.writable.records++
	o.writable.bytes += payload
}

// WritableID returns the ID of the writable unit, if there is one.
func (o *Orchestrator) WritableID() (batch.ID, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writable == nil {
		return batch.ID{}, false
	}
	return o.writable.unit.ID(), true
}

// Writable returns the writable unit without creating one.
func (o *Orchestrator) Writable() batch.Unit {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writable == nil {
		return nil
	}
	return o.writable.unit
}

// RotateIfDue rotates the writable unit when the rotation policy says so
// without a pending record (age, count). Reports whether it rotated.
func (o *Orchestrator) RotateIfDue() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writable == nil {
		return false
	}
	trigger := o.rotation.ShouldRotate(o.writable.snapshot(), 0)
	if trigger == nil {
		return false
	}
	o.rotateLocked(*trigger)
	return true
}

// Rotate turns the writable unit readable regardless of thresholds.
// Reports whether there was a writable unit.
func (o *Orchestrator) Rotate() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writable == nil {
		return false
	}
	o.rotateLocked(batch.TriggerForced)
	return true
}

// rotateLocked seals the writable unit and moves it to the readable set.
// A unit that never received a record is deleted instead.
func (o *Orchestrator) rotateLocked(trigger string) {
	w := o.writable
	o.writable = nil
	id := w.unit.ID().String()

	if w.records == 0 {
		if err := w.unit.Delete(); err != nil {
			o.logger.Warn("failed to delete empty unit", "unit", id, "error", err)
		}
		return
	}
	if err := w.unit.Seal(); err != nil {
		o.logger.Warn("failed to seal unit", "unit", id, "error", err)
	}
	o.units = append(o.units, w.unit)
	o.sortUnits()
	o.stats.IncUnitRotated(o.name, trigger)
	o.logger.Debug("rotated unit", "unit", id, "trigger", trigger, "records", w.records, "bytes", w.bytes)
}

// ReadableUnit applies retention, then returns the oldest readable unit not
// in exclude. Excluded units are protected from retention too, so a locked
// unit is never removed while its upload is in flight.
func (o *Orchestrator) ReadableUnit(exclude ...batch.ID) batch.Unit {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.load() {
		return nil
	}
	o.purgeLocked(exclude)

	o.pending = len(o.units)
	o.stats.SetPendingUnits(o.name, o.pending)

	for _, u := range o.units {
		if !slices.Contains(exclude, u.ID()) {
			return u
		}
	}
	return nil
}

func (o *Orchestrator) AllUnits() []batch.Unit {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.load() {
		return nil
	}
	return slices.Clone(o.units)
}

func (o *Orchestrator) FlushableUnits() []batch.Unit {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.load() {
		return nil
	}
	out := slices.Clone(o.units)
	if o.writable != nil {
		out = append(out, o.writable.unit)
	}
	return out
}

func (o *Orchestrator) Sidecar(u batch.Unit) batch.Slot {
	if u == nil {
		return nil
	}
	return unitSidecar{unit: u}
}

func (o *Orchestrator) DecrementAndGetPendingCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending > 0 {
		o.pending--
	}
	o.stats.SetPendingUnits(o.name, o.pending)
	return o.pending
}

// Purge applies the retention policy to readable units not in exclude and
// returns what it removed.
func (o *Orchestrator) Purge(exclude ...batch.ID) []batch.Eviction {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.load() {
		return nil
	}
	return o.purgeLocked(exclude)
}

func (o *Orchestrator) purgeLocked(exclude []batch.ID) []batch.Eviction {
	o.deleteOrphansLocked()
	if len(o.units) == 0 {
		return nil
	}

	state := batch.StoreState{Now: o.now()}
	for _, u := range o.units {
		if slices.Contains(exclude, u.ID()) {
			state.Reserved += u.Size()
			continue
		}
		state.Units = append(state.Units, batch.UnitMeta{
			ID:        u.ID(),
			CreatedAt: u.CreatedAt(),
			DiskBytes: u.Size(),
		})
	}
	if o.writable != nil {
		state.Reserved += o.writable.unit.Size()
	}

	evictions := o.retention.Apply(state)
	removed := evictions[:0]
	for _, ev := range evictions {
		idx := o.indexOf(ev.ID)
		if idx < 0 {
			continue
		}
		if err := o.units[idx].Delete(); err != nil {
			o.logger.Error("failed to remove unit", "unit", ev.ID.String(), "reason", ev.Reason, "error", err)
			continue
		}
		o.units = slices.Delete(o.units, idx, idx+1)
		o.stats.IncUnitRemoved(o.name, string(ev.Reason))
		o.logger.Info("removed unit", "unit", ev.ID.String(), "reason", ev.Reason)
		removed = append(removed, ev)
	}
	return removed
}

// deleteOrphansLocked retries the source delete of units already copied
// elsewhere. Must be called with o.mu held.
func (o *Orchestrator) deleteOrphansLocked() {
	for id, u := range o.orphans {
		if err := u.Delete(); err != nil {
			o.logger.Warn("migrated unit still not deleted from source", "unit", id.String(), "error", err)
			continue
		}
		delete(o.orphans, id)
		o.logger.Info("deleted migrated unit from source", "unit", id.String())
	}
}

func (o *Orchestrator) indexOf(id batch.ID) int {
	return slices.IndexFunc(o.units, func(u batch.Unit) bool { return u.ID() == id })
}

// Delete removes the unit with the given ID, readable or writable.
func (o *Orchestrator) Delete(id batch.ID, reason batch.RemovalReason) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.load() {
		return fmt.Errorf("delete %s: storage root unavailable", id)
	}

	if w := o.writable; w != nil && w.unit.ID() == id {
		if err := w.unit.Delete(); err != nil {
			return err
		}
		o.writable = nil
		o.stats.IncUnitRemoved(o.name, string(reason))
		return nil
	}

	idx := o.indexOf(id)
	if idx < 0 {
		return batch.ErrUnitNotFound
	}
	if err := o.units[idx].Delete(); err != nil {
		return err
	}
	o.units = slices.Delete(o.units, idx, idx+1)
	o.stats.IncUnitRemoved(o.name, string(reason))
	return nil
}

// Reset deletes every unit, the writable one included. Units that fail to
// delete are kept and reported.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.load() {
		return errors.New("reset: storage root unavailable")
	}
	o.deleteOrphansLocked()

	var errs []error
	if w := o.writable; w != nil {
		if err := w.unit.Delete(); err != nil {
			errs = append(errs, err)
		} else {
			o.stats.IncUnitRemoved(o.name, string(batch.ReasonDropped))
		}
		o.writable = nil
	}

	kept := o.units[:0]
	for _, u := range o.units {
		if err := u.Delete(); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", u.ID(), err))
			kept = append(kept, u)
			continue
		}
		o.stats.IncUnitRemoved(o.name, string(batch.ReasonDropped))
	}
	o.units = kept
	o.pending = 0
	o.stats.SetPendingUnits(o.name, 0)
	o.logger.Info("dropped all units", "failed", len(errs))
	return errors.Join(errs...)
}

// Import creates a readable unit from raw frames, keeping its ID, creation
// time and sidecar. A failed import leaves nothing behind.
func (o *Orchestrator) Import(id batch.ID, createdAt time.Time, frames, meta []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.load() {
		return fmt.Errorf("import %s: storage root unavailable", id)
	}
	if o.indexOf(id) >= 0 {
		return batch.ErrUnitExists
	}

	u, err := o.backend.Create(id, createdAt)
	if err != nil {
		return fmt.Errorf("import %s: %w", id, err)
	}
	if err := importInto(u, frames, meta); err != nil {
		if delErr := u.Delete(); delErr != nil {
			o.logger.Warn("failed to clean up partial import", "unit", id.String(), "error", delErr)
		}
		return fmt.Errorf("import %s: %w", id, err)
	}
	o.units = append(o.units, u)
	o.sortUnits()
	return nil
}

func importInto(u batch.Unit, frames, meta []byte) error {
	if len(frames) > 0 {
		if err := u.Append(frames); err != nil {
			return err
		}
	}
	if meta != nil {
		if err := u.WriteMeta(meta); err != nil {
			return err
		}
	}
	if err := u.Sync(); err != nil {
		return err
	}
	return u.Seal()
}

// adopt registers a unit that a backend transfer placed in this root.
func (o *Orchestrator) adopt(u batch.Unit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.load() {
		// The unit is on disk; the retried load will find it.
		return
	}
	if o.indexOf(u.ID()) >= 0 {
		return
	}
	o.units = append(o.units, u)
	o.sortUnits()
}

// detach removes a readable unit from the set without deleting it.
func (o *Orchestrator) detach(id batch.ID) (batch.Unit, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.load() {
		return nil, fmt.Errorf("move %s: storage root unavailable", id)
	}
	if o.writable != nil && o.writable.unit.ID() == id {
		return nil, ErrUnitWritable
	}
	idx := o.indexOf(id)
	if idx < 0 {
		return nil, batch.ErrUnitNotFound
	}
	u := o.units[idx]
	o.units = slices.Delete(o.units, idx, idx+1)
	return u, nil
}

// reattach puts back a unit whose move failed.
func (o *Orchestrator) reattach(u batch.Unit) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.units = append(o.units, u)
	o.sortUnits()
}

// MoveTo moves a readable unit to dst, keeping its ID, creation time and
// sidecar. Backends that implement batch.Transferer move the unit without
// rewriting it; otherwise the records are copied and the source removed
// only after the copy succeeded. On failure the unit stays in o.
//
// The two orchestrators are never locked at the same time.
func (o *Orchestrator) MoveTo(id batch.ID, dst *Orchestrator) error {
	if dst == o {
		return fmt.Errorf("move %s: source and destination are the same", id)
	}
	u, err := o.detach(id)
	if err != nil {
		return err
	}

	if tr, ok := o.backend.(batch.Transferer); ok {
		moved, err := tr.Transfer(u, dst.backend)
		switch {
		case err == nil:
			dst.adopt(moved)
			o.stats.IncUnitRemoved(o.name, string(batch.ReasonMigrated))
			return nil
		case !errors.Is(err, batch.ErrTransferUnsupported):
			o.reattach(u)
			return fmt.Errorf("transfer %s: %w", id, err)
		}
	}

	frames, err := u.ReadAll()
	if err != nil {
		o.reattach(u)
		return fmt.Errorf("read %s: %w", id, err)
	}
	meta, err := u.ReadMeta()
	if err != nil {
		o.reattach(u)
		return fmt.Errorf("read sidecar %s: %w", id, err)
	}
	if err := dst.Import(id, u.CreatedAt(), frames, meta); err != nil {
		o.reattach(u)
		return err
	}
	// The copy is complete; a source left behind would be uploaded twice.
	var delErr error
	for range moveDeleteAttempts {
		if delErr = u.Delete(); delErr == nil {
			break
		}
	}
	if delErr != nil {
		o.logger.Error("failed to delete migrated unit from source, retrying on purge", "unit", id.String(), "error", delErr)
		o.mu.Lock()
		if o.orphans == nil {
			o.orphans = make(map[batch.ID]batch.Unit)
		}
		o.orphans[id] = u
		o.mu.Unlock()
	}
	o.stats.IncUnitRemoved(o.name, string(batch.ReasonMigrated))
	return nil
}

// Infos describes every unit, the writable one last.
func (o *Orchestrator) Infos() []batch.UnitInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.load() {
		return nil
	}
	infos := make([]batch.UnitInfo, 0, len(o.units)+1)
	for _, u := range o.units {
		infos = append(infos, unitInfo(u))
	}
	if o.writable != nil {
		info := unitInfo(o.writable.unit)
		info.Writable = true
		infos = append(infos, info)
	}
	return infos
}

func unitInfo(u batch.Unit) batch.UnitInfo {
	return batch.UnitInfo{
		ID:        u.ID(),
		CreatedAt: u.CreatedAt(),
		DiskBytes: u.Size(),
		Sealed:    u.Sealed(),
	}
}

// Close closes the backend. The writable unit is sealed first so that a
// restart sees it as readable without recovery work.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.writable != nil {
		o.rotateLocked(batch.TriggerForced)
	}
	return o.backend.Close()
}

// unitSidecar exposes a unit's batch-level metadata as a batch.Slot.
type unitSidecar struct {
	unit batch.Unit
}

func (s unitSidecar) Load() ([]byte, error) { return s.unit.ReadMeta() }
func (s unitSidecar) Store(data []byte) error {
	if data == nil {
		data = []byte{}
	}
	return s.unit.WriteMeta(data)
}
func (s unitSidecar) Clear() error { return s.unit.WriteMeta([]byte{}) }
