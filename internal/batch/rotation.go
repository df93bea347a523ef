package batch

import "time"

// Rotation triggers, reported by RotationPolicy and used as metric labels.
const (
	TriggerCount  = "count"
	TriggerSize   = "size"
	TriggerAge    = "age"
	TriggerForced = "forced"
)

// ActiveUnitState is an immutable snapshot of the writable unit, taken before
// each append. It carries everything a rotation decision needs without IO.
type ActiveUnitState struct {
	UnitID    ID
	CreatedAt time.Time

	// Bytes is the payload (data + per-record metadata) appended so far.
	// Framing overhead is not counted.
	Bytes int64

	// Records is the number of records appended so far.
	Records int
}

// RotationPolicy determines when the writable unit should be rotated.
// Policies are pure functions: no IO, no locks, no mutation, no global state.
//
// ShouldRotate is called before each append with the current state and the
// payload size of the record about to be written (0 for periodic sweeps).
// It returns the trigger name, or nil to keep the unit writable.
type RotationPolicy interface {
	ShouldRotate(state ActiveUnitState, nextSize int64) *string
}

// RotationPolicyFunc adapts a function to RotationPolicy.
type RotationPolicyFunc func(state ActiveUnitState, nextSize int64) *string

func (f RotationPolicyFunc) ShouldRotate(state ActiveUnitState, nextSize int64) *string {
	return f(state, nextSize)
}

// CompositePolicy combines policies with OR semantics; the first trigger wins.
type CompositePolicy struct {
	policies []RotationPolicy
}

func NewCompositePolicy(policies ...RotationPolicy) *CompositePolicy {
	return &CompositePolicy{policies: policies}
}

func (c *CompositePolicy) ShouldRotate(state ActiveUnitState, nextSize int64) *string {
	for _, p := range c.policies {
		if trigger := p.ShouldRotate(state, nextSize); trigger != nil {
			return trigger
		}
	}
	return nil
}

// RecordCountPolicy rotates once the unit holds maxRecords records.
type RecordCountPolicy struct {
	maxRecords int
}

func NewRecordCountPolicy(maxRecords int) *RecordCountPolicy {
	return &RecordCountPolicy{maxRecords: maxRecords}
}

func (p *RecordCountPolicy) ShouldRotate(state ActiveUnitState, _ int64) *string {
	if p.maxRecords <= 0 {
		return nil
	}
	if state.Records >= p.maxRecords {
		return trigger(TriggerCount)
	}
	return nil
}

// SizePolicy rotates when appending nextSize bytes would push the unit past
// maxBytes. An empty unit never rotates on size: a record that does not fit an
// empty unit cannot fit any unit and is rejected by the caller instead.
type SizePolicy struct {
	maxBytes int64
}

func NewSizePolicy(maxBytes int64) *SizePolicy {
	return &SizePolicy{maxBytes: maxBytes}
}

func (p *SizePolicy) ShouldRotate(state ActiveUnitState, nextSize int64) *string {
	if p.maxBytes <= 0 || state.Records == 0 {
		return nil
	}
	if state.Bytes+nextSize > p.maxBytes {
		return trigger(TriggerSize)
	}
	return nil
}

// AgePolicy rotates when the unit is older than maxAge.
type AgePolicy struct {
	maxAge time.Duration
	now    func() time.Time
}

// NewAgePolicy creates an age policy. If now is nil, time.Now is used.
func NewAgePolicy(maxAge time.Duration, now func() time.Time) *AgePolicy {
	if now == nil {
		now = time.Now
	}
	return &AgePolicy{maxAge: maxAge, now: now}
}

func (p *AgePolicy) ShouldRotate(state ActiveUnitState, _ int64) *string {
	if p.maxAge <= 0 || state.CreatedAt.IsZero() {
		return nil
	}
	if p.now().Sub(state.CreatedAt) > p.maxAge {
		return trigger(TriggerAge)
	}
	return nil
}

// NeverRotatePolicy never triggers. Used by single-slot storage.
type NeverRotatePolicy struct{}

func (NeverRotatePolicy) ShouldRotate(ActiveUnitState, int64) *string {
	return nil
}

// NewRotationPolicy builds the standard count/size/age policy for cfg.
func NewRotationPolicy(cfg Config, now func() time.Time) RotationPolicy {
	return NewCompositePolicy(
		NewRecordCountPolicy(cfg.MaxItemsPerBatch),
		NewSizePolicy(cfg.MaxBatchSize),
		NewAgePolicy(cfg.MaxWritableAge, now),
	)
}

func trigger(name string) *string {
	return &name
}
