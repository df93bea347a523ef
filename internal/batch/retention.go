package batch

import "time"

// UnitMeta describes one retention candidate.
type UnitMeta struct {
	ID        ID
	CreatedAt time.Time
	DiskBytes int64
}

// StoreState is an immutable snapshot of the units eligible for retention.
// The writable unit and a locked unit are never candidates.
type StoreState struct {
	// Units are the candidates, oldest first.
	Units []UnitMeta

	// Reserved is the on-disk size of units that are not candidates but still
	// count against a disk quota.
	Reserved int64

	Now time.Time
}

// Eviction names a unit to delete and why.
type Eviction struct {
	ID     ID
	Reason RemovalReason
}

// RetentionPolicy decides which units to delete.
// Policies are pure functions: no IO, no locks, no mutation.
type RetentionPolicy interface {
	Apply(state StoreState) []Eviction
}

// RetentionPolicyFunc adapts a function to RetentionPolicy.
type RetentionPolicyFunc func(state StoreState) []Eviction

func (f RetentionPolicyFunc) Apply(state StoreState) []Eviction {
	return f(state)
}

// CompositeRetentionPolicy unions sub-policies. When several policies evict
// the same unit, the first reason is kept.
type CompositeRetentionPolicy struct {
	policies []RetentionPolicy
}

func NewCompositeRetentionPolicy(policies ...RetentionPolicy) *CompositeRetentionPolicy {
	return &CompositeRetentionPolicy{policies: policies}
}

func (c *CompositeRetentionPolicy) Apply(state StoreState) []Eviction {
	seen := make(map[ID]struct{})
	var result []Eviction

	for _, p := range c.policies {
		for _, ev := range p.Apply(state) {
			if _, ok := seen[ev.ID]; !ok {
				seen[ev.ID] = struct{}{}
				result = append(result, ev)
			}
		}
	}

	return result
}

// StalenessPolicy marks units older than maxAge as obsolete. Age is measured
// from the unit's creation time.
type StalenessPolicy struct {
	maxAge time.Duration
}

func NewStalenessPolicy(maxAge time.Duration) *StalenessPolicy {
	return &StalenessPolicy{maxAge: maxAge}
}

func (p *StalenessPolicy) Apply(state StoreState) []Eviction {
	if p.maxAge <= 0 {
		return nil
	}

	var result []Eviction
	for _, meta := range state.Units {
		if state.Now.Sub(meta.CreatedAt) > p.maxAge {
			result = append(result, Eviction{ID: meta.ID, Reason: ReasonObsolete})
		}
	}
	return result
}

// DiskQuotaPolicy purges the oldest units once the total on-disk size,
// including Reserved, exceeds maxBytes.
type DiskQuotaPolicy struct {
	maxBytes int64
}

func NewDiskQuotaPolicy(maxBytes int64) *DiskQuotaPolicy {
	return &DiskQuotaPolicy{maxBytes: maxBytes}
}

func (p *DiskQuotaPolicy) Apply(state StoreState) []Eviction {
	if p.maxBytes <= 0 {
		return nil
	}

	total := state.Reserved
	for _, meta := range state.Units {
		total += meta.DiskBytes
	}

	var result []Eviction
	for _, meta := range state.Units {
		if total <= p.maxBytes {
			break
		}
		result = append(result, Eviction{ID: meta.ID, Reason: ReasonPurged})
		total -= meta.DiskBytes
	}
	return result
}

// NeverRetainPolicy never deletes anything.
type NeverRetainPolicy struct{}

func (NeverRetainPolicy) Apply(StoreState) []Eviction {
	return nil
}

// NewRetentionPolicy builds the standard staleness + disk quota policy for cfg.
func NewRetentionPolicy(cfg Config) RetentionPolicy {
	return NewCompositeRetentionPolicy(
		NewStalenessPolicy(cfg.OldBatchThreshold),
		NewDiskQuotaPolicy(cfg.MaxDiskSpace),
	)
}
