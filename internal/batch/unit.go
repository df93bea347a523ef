package batch

import "time"

// Unit is one storage unit: an append-only sequence of framed records plus a
// sidecar blob with batch-level metadata. Units know nothing about rotation,
// locking or staleness; the orchestrator and the persistence strategy own
// that state.
//
// A Unit is used by one writer at a time. Append, Seal, WriteMeta and Delete
// are serialized by the caller.
type Unit interface {
	ID() ID
	CreatedAt() time.Time

	// Append adds encoded frames to the end of the unit.
	// Returns ErrUnitSealed once the unit is sealed.
	Append(frames []byte) error

	// ReadAll returns every byte appended so far, decompressed.
	ReadAll() ([]byte, error)

	// Size is the number of bytes the unit occupies in its backend, sidecar
	// included.
	Size() int64

	// Sync flushes appended bytes to durable storage.
	Sync() error

	// Seal makes the unit read-only. Sealing an already sealed unit is a no-op.
	Seal() error
	Sealed() bool

	// ReadMeta returns the sidecar content, or nil if none was written.
	ReadMeta() ([]byte, error)

	// WriteMeta replaces the sidecar content.
	WriteMeta(meta []byte) error

	// Delete removes the records and the sidecar.
	Delete() error
}

// Backend creates and enumerates the units of one storage root.
type Backend interface {
	// Create opens a new empty unit. Returns ErrUnitExists if id is taken.
	Create(id ID, createdAt time.Time) (Unit, error)

	// Load returns every unit in the root, oldest first.
	Load() ([]Unit, error)

	Close() error
}

// Transferer is implemented by backends that can hand a sealed unit to
// another backend without decoding and rewriting its records. Transfer
// returns ErrTransferUnsupported when dst is not compatible; the caller then
// falls back to copying. On success the unit no longer belongs to the source
// backend and the returned unit belongs to dst.
type Transferer interface {
	Transfer(u Unit, dst Backend) (Unit, error)
}

// Slot is a single overwritable blob, used by keep-latest storage where a
// feature only ever needs its most recent record.
type Slot interface {
	// Load returns the stored content, or nil if nothing is stored.
	Load() ([]byte, error)
	// Store replaces the content atomically.
	Store(data []byte) error
	// Clear removes the content.
	Clear() error
}
