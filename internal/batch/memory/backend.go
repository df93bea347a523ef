// Package memory provides an in-memory batch.Backend. It is used by tests and
// by features that do not need their data to survive a restart.
package memory

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/logging"
)

type Config struct {
	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Backend keeps every unit in memory.
type Backend struct {
	mu     sync.Mutex
	units  map[batch.ID]*Unit
	logger *slog.Logger
}

var (
	_ batch.Backend    = (*Backend)(nil)
	_ batch.Transferer = (*Backend)(nil)
	_ batch.Unit       = (*Unit)(nil)
)

func NewBackend(cfg Config) *Backend {
	return &Backend{
		units:  make(map[batch.ID]*Unit),
		logger: logging.Default(cfg.Logger).With("component", "unit-backend", "type", "memory"),
	}
}

func (b *Backend) Create(id batch.ID, createdAt time.Time) (batch.Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.units[id]; ok {
		return nil, batch.ErrUnitExists
	}
	u := &Unit{id: id, createdAt: createdAt, owner: b}
	b.units[id] = u
	return u, nil
}

func (b *Backend) Load() ([]batch.Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]batch.Unit, 0, len(b.units))
	for _, u := range b.units {
		out = append(out, u)
	}
	slices.SortFunc(out, func(x, y batch.Unit) int {
		return x.ID().Compare(y.ID())
	})
	return out, nil
}

func (b *Backend) Close() error {
	return nil
}

// Transfer moves u between two memory backends without copying its bytes.
func (b *Backend) Transfer(u batch.Unit, dst batch.Backend) (batch.Unit, error) {
	target, ok := dst.(*Backend)
	src, isMem := u.(*Unit)
	if !ok || !isMem {
		return nil, batch.ErrTransferUnsupported
	}
	if target == b {
		return u, nil
	}

	b.mu.Lock()
	if b.units[src.id] != src {
		b.mu.Unlock()
		return nil, batch.ErrUnitNotFound
	}
	delete(b.units, src.id)
	b.mu.Unlock()

	target.mu.Lock()
	_, exists := target.units[src.id]
	if !exists {
		target.units[src.id] = src
	}
	target.mu.Unlock()

	if exists {
		b.mu.Lock()
		b.units[src.id] = src
		b.mu.Unlock()
		return nil, batch.ErrUnitExists
	}

	src.mu.Lock()
	src.owner = target
	src.mu.Unlock()
	b.logger.Debug("unit transferred", "unit", src.id.String())
	return src, nil
}

func (b *Backend) remove(id batch.ID) {
	b.mu.Lock()
	delete(b.units, id)
	b.mu.Unlock()
}

// Unit is an in-memory unit: a growing byte buffer and an optional sidecar.
type Unit struct {
	mu        sync.Mutex
	id        batch.ID
	createdAt time.Time
	owner     *Backend
	buf       []byte
	meta      []byte
	sealed    bool
	deleted   bool
}

func (u *Unit) ID() batch.ID         { return u.id }
func (u *Unit) CreatedAt() time.Time { return u.createdAt }

func (u *Unit) Append(frames []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deleted {
		return batch.ErrUnitNotFound
	}
	if u.sealed {
		return batch.ErrUnitSealed
	}
	u.buf = append(u.buf, frames...)
	return nil
}

func (u *Unit) ReadAll() ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deleted {
		return nil, batch.ErrUnitNotFound
	}
	return slices.Clone(u.buf), nil
}

func (u *Unit) Size() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return int64(len(u.buf) + len(u.meta))
}

func (u *Unit) Sync() error {
	return nil
}

func (u *Unit) Seal() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deleted {
		return batch.ErrUnitNotFound
	}
	u.sealed = true
	return nil
}

func (u *Unit) Sealed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sealed
}

func (u *Unit) ReadMeta() ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deleted {
		return nil, batch.ErrUnitNotFound
	}
	if u.meta == nil {
		return nil, nil
	}
	return slices.Clone(u.meta), nil
}

func (u *Unit) WriteMeta(meta []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deleted {
		return batch.ErrUnitNotFound
	}
	u.meta = append(make([]byte, 0, len(meta)), meta...)
	return nil
}

func (u *Unit) Delete() error {
	u.mu.Lock()
	if u.deleted {
		u.mu.Unlock()
		return batch.ErrUnitNotFound
	}
	u.deleted = true
	u.buf = nil
	u.meta = nil
	owner := u.owner
	u.mu.Unlock()

	owner.remove(u.id)
	return nil
}
