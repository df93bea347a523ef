package file

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/format"
)

var _ batch.Unit = (*Unit)(nil)

// Unit is one unit directory. The records file stays open for appending
// until the unit is sealed, deleted or the backend is closed.
type Unit struct {
	mu         sync.Mutex
	backend    *Backend
	id         batch.ID
	createdAt  time.Time
	dir        string
	file       *os.File
	size       int64 // records.log bytes on disk
	metaSize   int64 // meta.bin bytes on disk
	sealed     bool
	compressed bool
	deleted    bool
}

func (u *Unit) ID() batch.ID         { return u.id }
func (u *Unit) CreatedAt() time.Time { return u.createdAt }

// Dir returns the unit directory.
func (u *Unit) Dir() string { return u.dir }

func (u *Unit) recordsPath() string { return filepath.Join(u.dir, recordsFileName) }
func (u *Unit) metaPath() string    { return filepath.Join(u.dir, metaFileName) }

func (u *Unit) Append(frames []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deleted {
		return batch.ErrUnitNotFound
	}
	if u.sealed {
		return batch.ErrUnitSealed
	}
	if u.file == nil {
		f, err := os.OpenFile(filepath.Clean(u.recordsPath()), os.O_WRONLY|os.O_APPEND, u.backend.cfg.FileMode)
		if err != nil {
			return err
		}
		u.file = f
	}
	if err := writeAll(u.file, frames); err != nil {
		return err
	}
	u.size += int64(len(frames))
	return nil
}

func (u *Unit) ReadAll() ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deleted {
		return nil, batch.ErrUnitNotFound
	}

	data, err := os.ReadFile(filepath.Clean(u.recordsPath()))
	if err != nil {
		return nil, err
	}
	if len(data) < recordsPrefixSize {
		return nil, format.ErrHeaderTooSmall
	}
	hdr, err := format.DecodeAndValidate(data, format.TypeRecordLog, recordsVersion)
	if err != nil {
		return nil, err
	}
	body := data[recordsPrefixSize:]
	if hdr.Flags&flagCompressed != 0 {
		body, err = decompressBody(hdr.Flags, body)
		if err != nil {
			return nil, fmt.Errorf("decompress %s: %w", u.id, err)
		}
	}
	return body, nil
}

func (u *Unit) Size() int64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.size + u.metaSize
}

func (u *Unit) Sync() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.file == nil {
		return nil
	}
	return u.file.Sync()
}

// Seal closes the records file, sets the sealed flag and compresses the
// frames when the backend has compression enabled. A compression failure
// leaves the unit sealed and readable, uncompressed.
func (u *Unit) Seal() error {
	comp := u.backend.compressor()

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deleted {
		return batch.ErrUnitNotFound
	}
	if u.sealed {
		return nil
	}
	if u.file != nil {
		if err := u.file.Sync(); err != nil {
			return err
		}
		if err := u.file.Close(); err != nil {
			return err
		}
		u.file = nil
	}
	if err := setHeaderFlags(u.recordsPath(), flagSealed, u.backend.cfg.FileMode); err != nil {
		return err
	}
	u.sealed = true

	if comp != nil {
		if err := compressRecords(u.recordsPath(), comp, u.backend.cfg.FileMode); err != nil {
			return fmt.Errorf("compress %s: %w", u.id, err)
		}
		u.compressed = true
		u.refreshSizesLocked()
	}
	return nil
}

func (u *Unit) Sealed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.sealed
}

// Compressed reports whether the records are stored zstd-compressed.
func (u *Unit) Compressed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.compressed
}

func (u *Unit) ReadMeta() ([]byte, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deleted {
		return nil, batch.ErrUnitNotFound
	}
	data, err := os.ReadFile(filepath.Clean(u.metaPath()))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := format.DecodeAndValidate(data, format.TypeSidecar, metaVersion); err != nil {
		return nil, fmt.Errorf("sidecar %s: %w", u.id, err)
	}
	return data[format.HeaderSize:], nil
}

// WriteMeta replaces meta.bin through a temp file and rename, so a reader
// sees either the old or the new sidecar, never a mix.
func (u *Unit) WriteMeta(meta []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.deleted {
		return batch.ErrUnitNotFound
	}

	hdr := format.Header{Type: format.TypeSidecar, Version: metaVersion}.Encode()
	buf := make([]byte, 0, format.HeaderSize+len(meta))
	buf = append(buf, hdr[:]...)
	buf = append(buf, meta...)

	if err := replaceFile(u.dir, u.metaPath(), ".meta-*", buf, u.backend.cfg.FileMode); err != nil {
		return err
	}
	u.metaSize = int64(len(buf))
	return nil
}

func (u *Unit) Delete() error {
	u.mu.Lock()
	if u.deleted {
		u.mu.Unlock()
		return batch.ErrUnitNotFound
	}
	if u.file != nil {
		_ = u.file.Close()
		u.file = nil
	}
	if err := os.RemoveAll(u.dir); err != nil {
		u.mu.Unlock()
		return err
	}
	u.deleted = true
	u.mu.Unlock()

	u.backend.forget(u.id)
	return nil
}

func (u *Unit) closeFile() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.file == nil {
		return nil
	}
	err := u.file.Close()
	u.file = nil
	return err
}

func (u *Unit) refreshSizes() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.refreshSizesLocked()
}

func (u *Unit) refreshSizesLocked() {
	if info, err := os.Stat(u.recordsPath()); err == nil {
		u.size = info.Size()
	}
	if info, err := os.Stat(u.metaPath()); err == nil {
		u.metaSize = info.Size()
	} else {
		u.metaSize = 0
	}
}

// replaceFile atomically replaces path with data.
func replaceFile(dir, path, pattern string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := writeAll(tmp, data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, path)
}
