package tail

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
)

// patternSet is a list of absolute doublestar globs.
type patternSet []string

// newPatternSet resolves relative patterns against the working directory
// and rejects malformed globs up front.
func newPatternSet(patterns []string) (patternSet, error) {
	if len(patterns) == 0 {
		return nil, ErrNoPatterns
	}
	var wd string
	set := make(patternSet, 0, len(patterns))
	for _, p := range patterns {
		if !filepath.IsAbs(p) {
			if wd == "" {
				var err error
				if wd, err = os.Getwd(); err != nil {
					return nil, err
				}
			}
			p = filepath.Join(wd, p)
		}
		if !doublestar.ValidatePathPattern(p) {
			return nil, fmt.Errorf("tail: invalid pattern %q", p)
		}
		set = append(set, filepath.Clean(p))
	}
	return set, nil
}

// files returns the sorted regular files matching any pattern.
func (ps patternSet) files() ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, p := range ps {
		matches, err := doublestar.FilepathGlob(p)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			info, err := os.Stat(m)
			if err != nil || !info.Mode().IsRegular() || seen[m] {
				continue
			}
			seen[m] = true
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return out, nil
}

// match reports whether path matches any pattern.
func (ps patternSet) match(path string) bool {
	for _, p := range ps {
		if ok, _ := doublestar.PathMatch(p, path); ok {
			return true
		}
	}
	return false
}

// watchDirs returns the static directory prefix of every pattern, the part
// before the first glob metacharacter. A literal path yields its directory.
func (ps patternSet) watchDirs() []string {
	var dirs []string
	for _, p := range ps {
		base, _ := doublestar.SplitPattern(filepath.ToSlash(p))
		dir := filepath.FromSlash(base)
		if !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}
