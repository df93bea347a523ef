package file

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/format"
)

const slotVersion = 0x01

// Slot is a single overwritable file: a 4-byte header followed by the
// current content. Store replaces it atomically.
type Slot struct {
	mu   sync.Mutex
	path string
	mode os.FileMode
}

// NewSlot returns a slot stored at path. The parent directory is created on
// the first Store.
func NewSlot(path string, mode os.FileMode) *Slot {
	if mode == 0 {
		mode = 0o644
	}
	return &Slot{path: path, mode: mode}
}

// Path returns the slot file path.
func (s *Slot) Path() string {
	return s.path
}

// Load returns the stored content, or nil if the slot is empty.
func (s *Slot) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Clean(s.path))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if _, err := format.DecodeAndValidate(data, format.TypeSlot, slotVersion); err != nil {
		return nil, err
	}
	return data[format.HeaderSize:], nil
}

// Store replaces the content.
func (s *Slot) Store(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	hdr := format.Header{Type: format.TypeSlot, Version: slotVersion}.Encode()
	buf := make([]byte, 0, format.HeaderSize+len(data))
	buf = append(buf, hdr[:]...)
	buf = append(buf, data...)
	return replaceFile(dir, s.path, ".slot-*", buf, s.mode)
}

// Clear removes the slot file.
func (s *Slot) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

var _ batch.Slot = (*Slot)(nil)
