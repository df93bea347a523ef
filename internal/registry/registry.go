// Package registry maps feature names to their persistence strategies.
//
// The registry is an explicit object owned by the command that builds it;
// there is no process-wide instance. It enforces that a storage root is
// owned by exactly one strategy: registering a second feature on a root
// that is already in use fails.
package registry

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"github.com/DataDog/dd-sdk-android-sub039/internal/persistence"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrNameTaken  = errors.New("feature already registered")
	ErrRootInUse  = errors.New("storage root already owned by another feature")
	ErrNotFound   = errors.New("feature not registered")
	ErrEmptyName  = errors.New("feature name is empty")
	ErrNoStrategy = errors.New("feature has no strategy")
)

// Feature is one registered storage.
type Feature struct {
	Name     string
	Roots    []string // every storage root the feature owns
	Strategy *persistence.Strategy
	// Closer releases the feature's storage on Close. Defaults to Strategy.
	Closer io.Closer
}

// Registry is safe for concurrent use.
type Registry struct {
	features *xsync.MapOf[string, Feature]
	roots    *xsync.MapOf[string, string] // cleaned root → feature name
}

func New() *Registry {
	return &Registry{
		features: xsync.NewMapOf[string, Feature](),
		roots:    xsync.NewMapOf[string, string](),
	}
}

// Register adds a feature. It fails if the name is taken or any of its
// roots belongs to another feature; on failure nothing is registered.
func (r *Registry) Register(f Feature) error {
	if strings.TrimSpace(f.Name) == "" {
		return ErrEmptyName
	}
	if f.Strategy == nil {
		return fmt.Errorf("%w: %s", ErrNoStrategy, f.Name)
	}

	var claimed []string
	release := func() {
		for _, root := range claimed {
			r.roots.Delete(root)
		}
	}
	for _, root := range f.Roots {
		root = filepath.Clean(root)
		if owner, loaded := r.roots.LoadOrStore(root, f.Name); loaded {
			release()
			return fmt.Errorf("%w: %s is owned by %s", ErrRootInUse, root, owner)
		}
		claimed = append(claimed, root)
	}

	if _, loaded := r.features.LoadOrStore(f.Name, f); loaded {
		release()
		return fmt.Errorf("%w: %s", ErrNameTaken, f.Name)
	}
	return nil
}

// Unregister removes a feature and releases its roots. It does not close
// the strategy.
func (r *Registry) Unregister(name string) (Feature, error) {
	f, ok := r.features.LoadAndDelete(name)
	if !ok {
		return Feature{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	for _, root := range f.Roots {
		r.roots.Delete(filepath.Clean(root))
	}
	return f, nil
}

// Get returns the strategy of a feature.
func (r *Registry) Get(name string) (*persistence.Strategy, error) {
	f, ok := r.features.Load(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f.Strategy, nil
}

// Owner returns the feature owning root.
func (r *Registry) Owner(root string) (string, bool) {
	return r.roots.Load(filepath.Clean(root))
}

// Features returns every registered feature sorted by name.
func (r *Registry) Features() []Feature {
	out := make([]Feature, 0, r.features.Size())
	r.features.Range(func(_ string, f Feature) bool {
		out = append(out, f)
		return true
	})
	slices.SortFunc(out, func(a, b Feature) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Names returns the registered feature names, sorted.
func (r *Registry) Names() []string {
	features := r.Features()
	names := make([]string, len(features))
	for i, f := range features {
		names[i] = f.Name
	}
	return names
}

// Close closes every registered strategy and empties the registry.
func (r *Registry) Close() error {
	var errs []error
	for _, f := range r.Features() {
		if _, err := r.Unregister(f.Name); err != nil {
			continue
		}
		closer := f.Closer
		if closer == nil {
			closer = f.Strategy
		}
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", f.Name, err))
		}
	}
	return errors.Join(errs...)
}
