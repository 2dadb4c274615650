package scan

import (
	"github.com/tidwall/match"
)

// MatchAll is the wildcard pattern that matches every key
const MatchAll = "*"

// KeyMatcher decides which patterns are sent to the backend and which of the
// returned keys belong to the result
type KeyMatcher interface {
	// ScanPatterns returns the MATCH argument of every cursor walk
	ScanPatterns() []string
	// Filter returns the keys of a batch scanned with scanPattern that are part
	// of the result. The order of keys is kept.
	Filter(scanPattern string, keys []string) []string
	// Local reports whether matching happens on the client
	Local() bool
}

// NewKeyMatcher returns a local matcher if local is set, a backend matcher otherwise.
// The patterns must be normalized (see NormalizePatterns).
func NewKeyMatcher(patterns []string, local bool) KeyMatcher {
	if local {
		return &localMatcher{patterns: patterns}
	}
	return &backendMatcher{patterns: patterns}
}

// Match reports whether key matches the case-sensitive glob pattern, where
// '*' matches any run of characters and '?' exactly one character
func Match(key, pattern string) bool {
	return match.Match(key, pattern)
}

// NormalizePatterns removes duplicates and empty patterns while keeping the
// order. An empty set becomes the match-all pattern.
func NormalizePatterns(patterns []string) []string {
	out := make([]string, 0, len(patterns))
	seen := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	if len(out) == 0 {
		out = append(out, MatchAll)
	}
	return out
}

// --------------------------------------------------------------------------
// Backend matching
// --------------------------------------------------------------------------

// backendMatcher runs one cursor per pattern and trusts the backend's MATCH
type backendMatcher struct {
	patterns []string
}

func (m *backendMatcher) ScanPatterns() []string {
	return m.patterns
}

func (m *backendMatcher) Filter(_ string, keys []string) []string {
	return keys
}

func (m *backendMatcher) Local() bool { return false }

// --------------------------------------------------------------------------
// Local matching
// --------------------------------------------------------------------------

// localMatcher runs a single match-all cursor and filters against all patterns
type localMatcher struct {
	patterns []string
}

func (m *localMatcher) ScanPatterns() []string {
	return []string{MatchAll}
}

func (m *localMatcher) Filter(_ string, keys []string) []string {
	out := keys[:0:0]
	for _, k := range keys {
		for _, p := range m.patterns {
			if Match(k, p) {
				out = append(out, k)
				break
			}
		}
	}
	return out
}

func (m *localMatcher) Local() bool { return true }
