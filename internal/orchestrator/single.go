package orchestrator

import (
	"slices"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/batch/memory"
)

// SingleUnitConfig configures a SingleUnit.
type SingleUnitConfig struct {
	// Data holds the unit content. Required.
	Data batch.Slot
	// Meta holds the sidecar. Defaults to an in-memory slot.
	Meta batch.Slot
	// MaxSize rejects records larger than this. 0 means no limit.
	MaxSize int64
	// Now defaults to time.Now.
	Now func() time.Time
}

// SingleUnit is a Provider over exactly one overwritable unit. Every
// accessor returns that unit. There is no rotation and no storage root,
// and appending replaces the unit content instead of growing it.
type SingleUnit struct {
	unit    *slotUnit
	maxSize int64
}

var _ Provider = (*SingleUnit)(nil)

func NewSingleUnit(cfg SingleUnitConfig) *SingleUnit {
	meta := cfg.Meta
	if meta == nil {
		meta = memory.NewSlot()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	created := now()
	return &SingleUnit{
		unit: &slotUnit{
			id:        batch.NewIDAt(created),
			createdAt: created,
			data:      cfg.Data,
			meta:      meta,
		},
		maxSize: cfg.MaxSize,
	}
}

func (s *SingleUnit) WritableUnit(nextSize int64) batch.Unit {
	if s.maxSize > 0 && nextSize > s.maxSize {
		return nil
	}
	return s.unit
}

func (s *SingleUnit) Appended(batch.Unit, int64) {}

func (s *SingleUnit) ReadableUnit(exclude ...batch.ID) batch.Unit {
	if slices.Contains(exclude, s.unit.id) {
		return nil
	}
	return s.unit
}

func (s *SingleUnit) AllUnits() []batch.Unit {
	return []batch.Unit{s.unit}
}

func (s *SingleUnit) FlushableUnits() []batch.Unit {
	return []batch.Unit{s.unit}
}

func (s *SingleUnit) Sidecar(batch.Unit) batch.Slot {
	return s.unit.meta
}

func (s *SingleUnit) DecrementAndGetPendingCount() int {
	return 0
}

// slotUnit adapts a batch.Slot to batch.Unit. Append replaces the content.
type slotUnit struct {
	id        batch.ID
	createdAt time.Time
	data      batch.Slot
	meta      batch.Slot
}

func (u *slotUnit) ID() batch.ID         { return u.id }
func (u *slotUnit) CreatedAt() time.Time { return u.createdAt }

func (u *slotUnit) Append(frames []byte) error {
	return u.data.Store(frames)
}

func (u *slotUnit) ReadAll() ([]byte, error) {
	return u.data.Load()
}

func (u *slotUnit) Size() int64 {
	data, err := u.data.Load()
	if err != nil {
		return 0
	}
	return int64(len(data))
}

// Sync is a no-op: Slot.Store is durable when it returns.
func (u *slotUnit) Sync() error  { return nil }
func (u *slotUnit) Seal() error  { return nil }
func (u *slotUnit) Sealed() bool { return false }

func (u *slotUnit) ReadMeta() ([]byte, error) {
	return u.meta.Load()
}

func (u *slotUnit) WriteMeta(meta []byte) error {
	return u.meta.Store(meta)
}

func (u *slotUnit) Delete() error {
	if err := u.data.Clear(); err != nil {
		return err
	}
	return u.meta.Clear()
}
