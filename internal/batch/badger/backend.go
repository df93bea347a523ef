// Package badger provides a batch.Backend on top of BadgerDB. Each unit is a
// key range: a header key with the creation time and sealed flag, one key per
// Append holding the appended frames, and a sidecar key.
//
// Key layout (unit id as its 16 raw bytes, so keys sort by creation time):
//
//	'u' <id> 'h'              createdAt (u64 LE unix nanos) | flags (1 byte)
//	'u' <id> 'm'              sidecar bytes
//	'u' <id> 'r' <seq u32 BE> frames
package badger

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/logging"

	"github.com/dgraph-io/badger/v4"
)

const (
	unitPrefix = 'u'
	kindHeader = 'h'
	kindMeta   = 'm'
	kindRecord = 'r'

	flagSealed = 0x01

	idSize        = 16
	unitKeySize   = 1 + idSize
	headerValSize = 8 + 1
)

type Config struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in memory; used by tests.
	InMemory bool

	// Logger for structured logging. If nil, logging is disabled.
	Logger *slog.Logger
}

// Backend stores the units of one root in a dedicated BadgerDB instance.
type Backend struct {
	db     *badger.DB
	logger *slog.Logger

	mu    sync.Mutex
	units map[batch.ID]*Unit
}

var _ batch.Backend = (*Backend)(nil)

func NewBackend(cfg Config) (*Backend, error) {
	opts := badger.DefaultOptions("").
		WithLogger(nil).
		WithNumVersionsToKeep(1).
		WithDetectConflicts(false).
		WithValueLogFileSize(64 << 20).
		WithBlockCacheSize(8 << 20).
		WithIndexCacheSize(4 << 20)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("badger backend: dir is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", cfg.Dir, err)
		}
		opts = opts.WithDir(cfg.Dir).WithValueDir(cfg.Dir)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", WrapError(err))
	}

	return &Backend{
		db:     db,
		logger: logging.Default(cfg.Logger).With("component", "unit-backend", "type", "badger"),
		units:  make(map[batch.ID]*Unit),
	}, nil
}

func (b *Backend) Create(id batch.ID, createdAt time.Time) (batch.Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.units[id]; ok {
		return nil, batch.ErrUnitExists
	}

	err := b.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(unitKey(id, kindHeader)); err == nil {
			return batch.ErrUnitExists
		}
		return txn.Set(unitKey(id, kindHeader), encodeHeader(createdAt, 0))
	})
	if err != nil {
		return nil, WrapError(err)
	}

	u := &Unit{backend: b, id: id, createdAt: createdAt}
	b.units[id] = u
	return u, nil
}

// Load returns every unit, oldest first.
func (b *Backend) Load() ([]batch.Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []batch.Unit
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte{unitPrefix}
		it := txn.NewIterator(opts)
		defer it.Close()

		var cur *Unit
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) < unitKeySize+1 {
				continue
			}
			var id batch.ID
			copy(id[:], key[1:unitKeySize])
			kind := key[unitKeySize]

			// The header key sorts before the sidecar and record keys of
			// its unit.
			if kind == kindHeader {
				cur = nil
				if known, ok := b.units[id]; ok {
					out = append(out, known)
					continue
				}
				val, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				createdAt, flags, ok := decodeHeader(val)
				if !ok {
					b.logger.Warn("skipping unit with corrupt header", "unit", id.String())
					continue
				}
				cur = &Unit{backend: b, id: id, createdAt: createdAt, sealed: flags&flagSealed != 0}
				b.units[id] = cur
				out = append(out, cur)
				continue
			}
			if cur == nil || cur.id != id {
				continue
			}

			switch kind {
			case kindMeta:
				cur.metaSize = item.ValueSize()
			case kindRecord:
				if len(key) == unitKeySize+1+4 {
					seq := binary.BigEndian.Uint32(key[unitKeySize+1:])
					cur.nextSeq = max(cur.nextSeq, seq+1)
				}
				cur.size += item.ValueSize()
			}
		}
		return nil
	})
	if err != nil {
		return nil, WrapError(err)
	}
	return out, nil
}

func (b *Backend) Close() error {
	return WrapError(b.db.Close())
}

// RunGC reclaims value log space left by deleted units.
func (b *Backend) RunGC(discardRatio float64) error {
	for {
		err := b.db.RunValueLogGC(discardRatio)
		if err == badger.ErrNoRewrite || err == badger.ErrRejected {
			return nil
		}
		if err != nil {
			return WrapError(err)
		}
	}
}

func (b *Backend) forget(id batch.ID) {
	b.mu.Lock()
	delete(b.units, id)
	b.mu.Unlock()
}

func unitKey(id batch.ID, kind byte) []byte {
	key := make([]byte, 0, unitKeySize+1)
	key = append(key, unitPrefix)
	key = append(key, id[:]...)
	return append(key, kind)
}

func recordKey(id batch.ID, seq uint32) []byte {
	return binary.BigEndian.AppendUint32(unitKey(id, kindRecord), seq)
}

func encodeHeader(createdAt time.Time, flags byte) []byte {
	val := make([]byte, headerValSize)
	binary.LittleEndian.PutUint64(val, uint64(createdAt.UnixNano())) //nolint:gosec // G115: pre-1970 clocks are not supported
	val[8] = flags
	return val
}

func decodeHeader(val []byte) (time.Time, byte, bool) {
	if len(val) != headerValSize {
		return time.Time{}, 0, false
	}
	nanos := int64(binary.LittleEndian.Uint64(val)) //nolint:gosec // G115: written from UnixNano
	return time.Unix(0, nanos), val[8], true
}
