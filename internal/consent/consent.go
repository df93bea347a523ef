// Package consent routes writes by tracking consent.
//
// A feature stores data in two roots: granted data, which is uploaded, and
// pending data, written while the user has not decided yet. Writes made
// while consent is not granted are dropped.
//
// Transitions:
//   - Pending → Granted: pending data is migrated to the granted root.
//   - Pending → NotGranted: pending data is dropped.
//   - Granted or NotGranted → Pending: the pending root is cleared so that
//     only data written in the new pending period can be migrated later.
package consent

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/DataDog/dd-sdk-android-sub039/internal/batch"
	"github.com/DataDog/dd-sdk-android-sub039/internal/logging"
	"github.com/DataDog/dd-sdk-android-sub039/internal/persistence"
)

// State is the tracking consent.
type State int

const (
	Pending State = iota
	Granted
	NotGranted
)

func (s State) String() string {
	switch s {
	case Granted:
		return "granted"
	case NotGranted:
		return "not_granted"
	default:
		return "pending"
	}
}

// ParseState parses the String form of a State.
func ParseState(value string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "pending":
		return Pending, nil
	case "granted":
		return Granted, nil
	case "not_granted", "not-granted", "notgranted":
		return NotGranted, nil
	}
	return Pending, fmt.Errorf("unknown consent state %q", value)
}

// ErrMissingStrategy is returned by New when a strategy is nil.
var ErrMissingStrategy = errors.New("consent: granted and pending strategies are required")

// Config configures a Store.
type Config struct {
	Granted *persistence.Strategy
	Pending *persistence.Strategy
	Initial State
	Logger  *slog.Logger
}

// Store is a consent-aware writer over a granted and a pending strategy.
// Writes hold the state read lock, so a transition never interleaves with
// a write.
type Store struct {
	mu      sync.RWMutex
	state   State
	granted *persistence.Strategy
	pending *persistence.Strategy
	logger  *slog.Logger
}

// New returns a Store starting in cfg.Initial. Writes go to the strategy
// matching the current state; nothing is routed while NotGranted.
// Both strategies are required.
func New(cfg Config) (*Store, error) {
	if cfg.Granted == nil || cfg.Pending == nil {
		return nil, ErrMissingStrategy
	}
	return &Store{
		state:   cfg.Initial,
		granted: cfg.Granted,
		pending: cfg.Pending,
		logger:  logging.Default(cfg.Logger).With("component", "consent", "feature", cfg.Granted.Name()),
	}, nil
}

// State returns the current consent.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Granted returns the strategy whose data may be uploaded.
func (s *Store) Granted() *persistence.Strategy {
	return s.granted
}

// Pending returns the strategy holding data written while consent is
// pending.
func (s *Store) Pending() *persistence.Strategy {
	return s.pending
}

// Write routes rec by consent. It returns false when the record was dropped,
// including when consent is not granted.
func (s *Store) Write(rec batch.Record, batchMeta []byte, eventType batch.EventType) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case Granted:
		return s.granted.Write(rec, batchMeta, eventType)
	case Pending:
		return s.pending.Write(rec, batchMeta, eventType)
	default:
		return false
	}
}

// CurrentMetadata returns the batch metadata of the strategy currently
// receiving writes.
func (s *Store) CurrentMetadata() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state {
	case Granted:
		return s.granted.CurrentMetadata()
	case Pending:
		return s.pending.CurrentMetadata()
	default:
		return nil
	}
}

// SetState changes the consent and moves or drops pending data accordingly.
func (s *Store) SetState(next State) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	if prev == next {
		return
	}
	s.state = next
	s.logger.Info("tracking consent changed", "from", prev.String(), "to", next.String())

	switch {
	case prev == Pending && next == Granted:
		s.pending.Rotate()
		result := s.pending.MigrateData(s.granted)
		if !result.Complete() {
			s.logger.Warn("pending data not fully migrated",
				"moved", len(result.Moved), "failed", len(result.Failed), "skipped", len(result.Skipped))
		}
	case prev == Pending && next == NotGranted:
		s.pending.DropAll()
	case next == Pending:
		s.pending.DropAll()
	}
}

// Close closes both strategies.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return errors.Join(s.granted.Close(), s.pending.Close())
}
