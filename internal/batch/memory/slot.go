package memory

import (
	"slices"
	"sync"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
)

var _ batch.Slot = (*Slot)(nil)

// Slot is an in-memory batch.Slot.
type Slot struct {
	mu   sync.Mutex
	data []byte
	set  bool
}

func NewSlot() *Slot {
	return &Slot{}
}

func (s *Slot) Load() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		return nil, nil
	}
	return slices.Clone(s.data), nil
}

func (s *Slot) Store(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(make([]byte, 0, len(data)), data...)
	s.set = true
	return nil
}

func (s *Slot) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.set = false
	return nil
}
