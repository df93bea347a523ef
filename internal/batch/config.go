package batch

import (
	"fmt"
	"time"
)

// Storage defaults.
const (
	DefaultMaxItemSize       = 512 << 10
	DefaultMaxItemsPerBatch  = 500
	DefaultMaxBatchSize      = 4 << 20
	DefaultOldBatchThreshold = 18 * time.Hour
	DefaultMaxWritableAge    = 5 * time.Second
	DefaultMaxDiskSpace      = 128 << 20
)

// Config holds the per-feature storage thresholds.
type Config struct {
	// MaxItemSize is the largest accepted record payload (Record.Data).
	MaxItemSize int64

	// MaxItemsPerBatch is the record count at which the writable unit rotates.
	MaxItemsPerBatch int

	// MaxBatchSize bounds the payload bytes of one unit.
	MaxBatchSize int64

	// OldBatchThreshold is the age after which a readable unit is stale and
	// purged instead of uploaded.
	OldBatchThreshold time.Duration

	// MaxWritableAge rotates the writable unit once it is this old.
	// Zero disables age rotation.
	MaxWritableAge time.Duration

	// MaxDiskSpace caps the on-disk bytes of readable units; the oldest are
	// purged first. Zero disables the quota.
	MaxDiskSpace int64
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		MaxItemSize:       DefaultMaxItemSize,
		MaxItemsPerBatch:  DefaultMaxItemsPerBatch,
		MaxBatchSize:      DefaultMaxBatchSize,
		OldBatchThreshold: DefaultOldBatchThreshold,
		MaxWritableAge:    DefaultMaxWritableAge,
		MaxDiskSpace:      DefaultMaxDiskSpace,
	}
}

// Validate checks the threshold invariants.
func (c Config) Validate() error {
	switch {
	case c.MaxItemSize <= 0:
		return fmt.Errorf("%w: max item size must be positive, got %d", ErrInvalidConfig, c.MaxItemSize)
	case c.MaxItemsPerBatch <= 0:
		return fmt.Errorf("%w: max items per batch must be positive, got %d", ErrInvalidConfig, c.MaxItemsPerBatch)
	case c.MaxBatchSize <= 0:
		return fmt.Errorf("%w: max batch size must be positive, got %d", ErrInvalidConfig, c.MaxBatchSize)
	case c.OldBatchThreshold <= 0:
		return fmt.Errorf("%w: old batch threshold must be positive, got %s", ErrInvalidConfig, c.OldBatchThreshold)
	case c.MaxItemSize > c.MaxBatchSize:
		return fmt.Errorf("%w: max item size %d exceeds max batch size %d", ErrInvalidConfig, c.MaxItemSize, c.MaxBatchSize)
	case c.MaxWritableAge < 0:
		return fmt.Errorf("%w: max writable age must not be negative, got %s", ErrInvalidConfig, c.MaxWritableAge)
	case c.MaxDiskSpace < 0:
		return fmt.Errorf("%w: max disk space must not be negative, got %d", ErrInvalidConfig, c.MaxDiskSpace)
	}
	return nil
}
