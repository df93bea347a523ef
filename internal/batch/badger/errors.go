package badger

import (
	"errors"
	"fmt"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"

	"github.com/dgraph-io/badger/v4"
)

var (
	ErrCorrupted = errors.New("database corrupted")
	ErrClosed    = errors.New("database is closed")
	ErrConflict  = errors.New("transaction conflict")
	ErrTxnTooBig = errors.New("transaction too big")
)

// WrapError converts BadgerDB errors to storage errors.
func WrapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return batch.ErrUnitNotFound
	case errors.Is(err, badger.ErrDBClosed):
		return ErrClosed
	case errors.Is(err, badger.ErrConflict):
		return ErrConflict
	case errors.Is(err, badger.ErrTxnTooBig):
		return ErrTxnTooBig
	case errors.Is(err, badger.ErrBlockedWrites):
		return fmt.Errorf("write blocked, database may be full: %w", err)
	case errors.Is(err, badger.ErrTruncateNeeded):
		return ErrCorrupted
	default:
		return err
	}
}
