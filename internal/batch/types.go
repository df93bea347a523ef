// Package batch defines the value types, storage configuration and pure
// rotation/retention policies of the event-batching store, together with the
// backend-agnostic Unit and Backend interfaces that concrete storage
// (file, memory, badger) implements.
package batch

import (
	"bytes"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnitNotFound        = errors.New("unit not found")
	ErrUnitSealed          = errors.New("unit is sealed")
	ErrUnitExists          = errors.New("unit already exists")
	ErrInvalidConfig       = errors.New("invalid storage configuration")
	ErrTransferUnsupported = errors.New("transfer not supported between backends")
)

// ID identifies a unit and the batch read from it. IDs are UUIDv7, so their
// byte order follows creation time.
type ID uuid.UUID

func NewID() ID {
	return ID(uuid.Must(uuid.NewV7()))
}

// NewIDAt returns a UUIDv7 whose timestamp is t. Used when a unit's creation
// time comes from an injected clock.
func NewIDAt(t time.Time) ID {
	id := uuid.Must(uuid.NewV7())
	ms := uint64(t.UnixMilli()) //nolint:gosec // G115: pre-1970 clocks are not supported
	id[0] = byte(ms >> 40)
	id[1] = byte(ms >> 32)
	id[2] = byte(ms >> 24)
	id[3] = byte(ms >> 16)
	id[4] = byte(ms >> 8)
	id[5] = byte(ms)
	return ID(id)
}

func ParseID(value string) (ID, error) {
	parsed, err := uuid.Parse(value)
	if err != nil {
		return ID{}, err
	}
	return ID(parsed), nil
}

func (id ID) String() string {
	return uuid.UUID(id).String()
}

// Compare orders IDs by their bytes, which for UUIDv7 is creation order.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Record is one immutable piece of telemetry payload.
type Record struct {
	Data        []byte
	Metadata    []byte
	ContentType string
}

// Equal compares records by content.
func (r Record) Equal(other Record) bool {
	return bytes.Equal(r.Data, other.Data) &&
		bytes.Equal(r.Metadata, other.Metadata) &&
		r.ContentType == other.ContentType
}

// PayloadSize is the number of bytes the record contributes to a unit's
// size budget: data plus per-record metadata.
func (r Record) PayloadSize() int64 {
	return int64(len(r.Data) + len(r.Metadata))
}

// Batch is the content of one unit, assembled when the unit is read.
type Batch struct {
	ID       ID
	Metadata []byte
	Events   []Record
}

// EventType tags a write. Crash events are synced to durable storage before
// Write returns.
type EventType int

const (
	EventDefault EventType = iota
	EventCrash
)

func (t EventType) String() string {
	switch t {
	case EventCrash:
		return "crash"
	default:
		return "default"
	}
}

// RemovalReason says why a unit left the store.
type RemovalReason string

const (
	ReasonDelivered RemovalReason = "delivered"
	ReasonObsolete  RemovalReason = "obsolete"
	ReasonPurged    RemovalReason = "purged"
	ReasonDropped   RemovalReason = "dropped"
	ReasonMigrated  RemovalReason = "migrated"
	ReasonCorrupt   RemovalReason = "corrupt" // unreadable on disk
)

// UnitInfo is a point-in-time description of a unit, used for listing.
type UnitInfo struct {
	ID        ID
	CreatedAt time.Time
	DiskBytes int64
	Sealed    bool
	Writable  bool
	Locked    bool
}
