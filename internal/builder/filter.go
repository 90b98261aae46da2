package builder

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ExcludeFilter drops entries whose path, relative to the parent of the selection being
// walked, matches one of its glob patterns. Matching is case-insensitive and supports
// doublestar syntax (**, {a,b}, [0-9]). A pattern without a slash also matches the
// entry's base name at any depth.
type ExcludeFilter struct {
	patterns []string
}

// NewExcludeFilter validates patterns and returns a filter. No patterns exclude nothing.
func NewExcludeFilter(patterns []string) (*ExcludeFilter, error) {
	f := &ExcludeFilter{}

	for _, p := range patterns {
		if p == "" {
			continue
		}

		normalized := strings.ToLower(p)
		if !doublestar.ValidatePattern(normalized) {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, doublestar.ErrBadPattern)
		}

		f.patterns = append(f.patterns, normalized)
	}

	return f, nil
}

// Excludes reports whether relativePath (slash separated) should be skipped.
func (f *ExcludeFilter) Excludes(relativePath string) bool {
	if f == nil || len(f.patterns) == 0 || relativePath == "" {
		return false
	}

	normalizedPath := strings.ToLower(relativePath)
	base := path.Base(normalizedPath)

	for _, pattern := range f.patterns {
		if doublestar.MatchUnvalidated(pattern, normalizedPath) {
			return true
		}

		if !strings.Contains(pattern, "/") && doublestar.MatchUnvalidated(pattern, base) {
			return true
		}
	}

	return false
}
