package badger

import (
	"errors"
	"sync"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"

	"github.com/dgraph-io/badger/v4"
)

var _ batch.Unit = (*Unit)(nil)

// Unit is a key range in the backend database.
type Unit struct {
	backend   *Backend
	id        batch.ID
	createdAt time.Time

	mu       sync.Mutex
	nextSeq  uint32
	size     int64
	metaSize int64
	sealed   bool
	deleted  bool
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
	key := recordKey(u.id, u.nextSeq)
	err := u.backend.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, frames)
	})
	if err != nil {
		return WrapError(err)
	}
	u.nextSeq++
	u.size += int64(len(frames))
	return nil
}

func (u *Unit) ReadAll() ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deleted {
		return nil, batch.ErrUnitNotFound
	}

	out := make([]byte, 0, u.size)
	err := u.backend.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = unitKey(u.id, kindRecord)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				out = append(out, val...)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, WrapError(err)
	}
	return out, nil
}

func (u *Unit) Size() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.size + u.metaSize
}

// Sync flushes the database write-ahead log.
func (u *Unit) Sync() error {
	return WrapError(u.backend.db.Sync())
}

func (u *Unit) Seal() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deleted {
		return batch.ErrUnitNotFound
	}
	if u.sealed {
		return nil
	}
	err := u.backend.db.Update(func(txn *badger.Txn) error {
		return txn.Set(unitKey(u.id, kindHeader), encodeHeader(u.createdAt, flagSealed))
	})
	if err != nil {
		return WrapError(err)
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
	var meta []byte
	err := u.backend.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(unitKey(u.id, kindMeta))
		if err != nil {
			return err
		}
		meta, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, WrapError(err)
	}
	if meta == nil {
		meta = []byte{}
	}
	return meta, nil
}

func (u *Unit) WriteMeta(meta []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deleted {
		return batch.ErrUnitNotFound
	}
	err := u.backend.db.Update(func(txn *badger.Txn) error {
		return txn.Set(unitKey(u.id, kindMeta), meta)
	})
	if err != nil {
		return WrapError(err)
	}
	u.metaSize = int64(len(meta))
	return nil
}

// Delete removes every key of the unit in one write batch.
func (u *Unit) Delete() error {
	u.mu.Lock()
	if u.deleted {
		u.mu.Unlock()
		return batch.ErrUnitNotFound
	}

	prefix := make([]byte, 0, unitKeySize)
	prefix = append(prefix, unitPrefix)
	prefix = append(prefix, u.id[:]...)

	var keys [][]byte
	err := u.backend.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err == nil {
		wb := u.backend.db.NewWriteBatch()
		for _, k := range keys {
			if err = wb.Delete(k); err != nil {
				break
			}
		}
		if err == nil {
			err = wb.Flush()
		} else {
			wb.Cancel()
		}
	}
	if err != nil {
		u.mu.Unlock()
		return WrapError(err)
	}
	u.deleted = true
	u.mu.Unlock()

	u.backend.forget(u.id)
	return nil
}
