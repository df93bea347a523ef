// Package file provides the directory-per-unit batch.Backend.
//
// Layout under the storage root:
//
//	<root>/.lock                  exclusive flock held while the backend is open
//	<root>/<unit-id>/records.log  4-byte header + 8-byte created-at (unix nanos) + frames
//	<root>/<unit-id>/meta.bin     4-byte header + sidecar bytes
//
// records.log is append-only while the unit is writable. Sealing sets the
// sealed header flag and, when compression is enabled, replaces the frame
// section with a zstd stream (FlagCompressed) or a brotli stream
// (FlagCompressed|FlagBrotli). meta.bin is replaced
// atomically through a temp file and rename.
package file

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/logging"
)

const (
	lockFileName    = ".lock"
	recordsFileName = "records.log"
	metaFileName    = "meta.bin"

	recordsVersion = 0x01
	metaVersion    = 0x01
)

// CompressionType selects the compression applied to sealed units.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionZstd
	CompressionBrotli
)

var (
	ErrMissingDir      = errors.New("file unit backend dir is required")
	ErrBackendClosed   = errors.New("backend is closed")
	ErrDirectoryLocked = errors.New("storage directory is locked by another process")
)

type Config struct {
	Dir      string
	FileMode os.FileMode

	// Compression selects the compression applied at seal time.
	// Defaults to CompressionNone.
	Compression CompressionType

	// Logger for structured logging. If nil, logging is disabled.
	// The backend scopes this logger with component="unit-backend".
	Logger *slog.Logger

	// ExpectExisting indicates that the root is expected to hold data from a
	// previous run. A missing directory is then logged as potential data loss.
	ExpectExisting bool
}

// Backend stores units as directories under one root.
//
// Logging:
//   - Logger is dependency-injected via Config.Logger
//   - Backend owns its scoped logger (component="unit-backend", type="file")
//   - Only lifecycle events are logged: recovery, cleanup, transfer
type Backend struct {
	mu       sync.Mutex
	cfg      Config
	lockFile *os.File
	units    map[batch.ID]*Unit
	comp     compressor
	closed   bool
	logger   *slog.Logger
}

var (
	_ batch.Backend    = (*Backend)(nil)
	_ batch.Transferer = (*Backend)(nil)
)

func NewBackend(cfg Config) (*Backend, error) {
	if cfg.Dir == "" {
		return nil, ErrMissingDir
	}
	cfg.FileMode = cmp.Or(cfg.FileMode, 0o644)

	dirExisted := true
	if _, statErr := os.Stat(cfg.Dir); os.IsNotExist(statErr) {
		dirExisted = false
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, err
	}

	lockPath := filepath.Join(cfg.Dir, lockFileName)
	lockFile, err := os.OpenFile(filepath.Clean(lockPath), os.O_CREATE|os.O_RDWR, cfg.FileMode)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil { //nolint:gosec // G115: uintptr->int is safe on 64-bit
		_ = lockFile.Close()
		return nil, fmt.Errorf("%w: %s", ErrDirectoryLocked, cfg.Dir)
	}

	logger := logging.Default(cfg.Logger).With("component", "unit-backend", "type", "file")

	comp, err := newCompressor(cfg.Compression)
	if err != nil {
		_ = lockFile.Close()
		return nil, err
	}

	if cfg.ExpectExisting && !dirExisted {
		logger.Warn("storage directory was missing and has been recreated empty, previously stored batches may have been lost",
			"dir", cfg.Dir)
	}

	return &Backend{
		cfg:      cfg,
		lockFile: lockFile,
		units:    make(map[batch.ID]*Unit),
		comp:     comp,
		logger:   logger,
	}, nil
}

// Dir returns the storage root.
func (b *Backend) Dir() string {
	return b.cfg.Dir
}

func (b *Backend) Create(id batch.ID, createdAt time.Time) (batch.Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	if _, ok := b.units[id]; ok {
		return nil, batch.ErrUnitExists
	}

	dir := b.unitDir(id)
	if err := os.MkdirAll(b.cfg.Dir, 0o750); err != nil {
		return nil, err
	}
	if err := os.Mkdir(dir, 0o750); err != nil {
		if os.IsExist(err) {
			return nil, batch.ErrUnitExists
		}
		return nil, err
	}

	f, err := createRecordsFile(filepath.Join(dir, recordsFileName), createdAt, b.cfg.FileMode)
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}

	u := &Unit{
		backend:   b,
		id:        id,
		createdAt: createdAt,
		dir:       dir,
		file:      f,
		size:      recordsPrefixSize,
	}
	b.units[id] = u
	return u, nil
}

// Load scans the root and returns every unit, oldest first. Directories with
// an unreadable records.log header are leftovers of an interrupted Create
// and are removed. A torn tail on an unsealed unit is truncated back to the
// last complete frame.
func (b *Backend) Load() ([]batch.Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}

	entries, err := os.ReadDir(b.cfg.Dir)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := batch.ParseID(entry.Name())
		if err != nil {
			continue
		}
		if _, ok := b.units[id]; ok {
			continue
		}

		dir := b.unitDir(id)
		b.cleanOrphanTempFiles(dir)

		u, err := b.openUnit(id)
		if err != nil {
			b.logger.Warn("removing unreadable unit", "unit", id.String(), "error", err)
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				b.logger.Error("failed to remove unreadable unit", "unit", id.String(), "error", rmErr)
			}
			continue
		}
		b.units[id] = u
	}

	out := make([]batch.Unit, 0, len(b.units))
	for _, u := range b.units {
		out = append(out, u)
	}
	slices.SortFunc(out, func(x, y batch.Unit) int {
		return x.ID().Compare(y.ID())
	})
	return out, nil
}

func (b *Backend) openUnit(id batch.ID) (*Unit, error) {
	dir := b.unitDir(id)
	path := filepath.Join(dir, recordsFileName)

	hdr, createdAt, err := readRecordsPrefix(path)
	if err != nil {
		return nil, err
	}

	u := &Unit{
		backend:    b,
		id:         id,
		createdAt:  createdAt,
		dir:        dir,
		sealed:     hdr.Flags&flagSealed != 0,
		compressed: hdr.Flags&flagCompressed != 0,
	}
	if !u.sealed {
		if n, err := truncateTornTail(path); err != nil {
			return nil, err
		} else if n > 0 {
			b.logger.Info("truncated torn tail", "unit", id.String(), "bytes", n)
		}
	}
	u.refreshSizes()
	return u, nil
}

func (b *Backend) cleanOrphanTempFiles(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasPrefix(name, ".compress-") || strings.HasPrefix(name, ".meta-") {
			path := filepath.Join(dir, name)
			if err := os.Remove(path); err != nil {
				b.logger.Warn("failed to remove orphan temp file", "path", path, "error", err)
			} else {
				b.logger.Info("removed orphan temp file", "path", path)
			}
		}
	}
}

// Close closes open unit files and releases the directory lock. Writable
// units are left unsealed; the next Load recovers them.
func (b *Backend) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	units := make([]*Unit, 0, len(b.units))
	for _, u := range b.units {
		units = append(units, u)
	}
	b.units = nil
	comp := b.comp
	b.comp = nil
	lockFile := b.lockFile
	b.lockFile = nil
	b.mu.Unlock()

	var errs []error
	for _, u := range units {
		if err := u.closeFile(); err != nil {
			errs = append(errs, err)
		}
	}
	if comp != nil {
		if err := comp.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if lockFile != nil {
		if err := lockFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// disown untracks u without touching its files.
func (b *Backend) disown(u *Unit) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBackendClosed
	}
	if b.units[u.id] != u {
		return batch.ErrUnitNotFound
	}
	delete(b.units, u.id)
	return nil
}

// adopt registers a sealed unit directory already present under the root.
func (b *Backend) adopt(id batch.ID) (*Unit, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBackendClosed
	}
	if _, ok := b.units[id]; ok {
		return nil, batch.ErrUnitExists
	}
	if _, err := os.Stat(b.unitDir(id)); err != nil {
		return nil, fmt.Errorf("unit directory missing: %w", err)
	}
	u, err := b.openUnit(id)
	if err != nil {
		return nil, fmt.Errorf("open adopted unit: %w", err)
	}
	if !u.sealed {
		return nil, fmt.Errorf("adopt %s: %w", id, errNotSealed)
	}
	b.units[id] = u
	return u, nil
}

func (b *Backend) forget(id batch.ID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.units != nil {
		delete(b.units, id)
	}
}

func (b *Backend) compressor() compressor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.comp
}

func (b *Backend) unitDir(id batch.ID) string {
	return filepath.Join(b.cfg.Dir, id.String())
}
