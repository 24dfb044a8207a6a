package feed

import "strings"

// DefaultExcluded lists the display-name prefixes dropped when nothing else is configured.
var DefaultExcluded = []string{"system:ExtrinsicSuccess"}

// Filter drops events whose display name starts with an excluded prefix.
// Display names carry a block suffix, so matching is by prefix only.
type Filter struct {
	prefixes []string
}

// NewFilter builds a filter from an ordered prefix list; empty prefixes are ignored.
func NewFilter(prefixes []string) Filter {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return Filter{prefixes: out}
}

// Excluded reports whether displayName matches one of the prefixes.
func (f Filter) Excluded(displayName string) bool {
	for _, p := range f.prefixes {
		if strings.HasPrefix(displayName, p) {
			return true
		}
	}
	return false
}

// Prefixes returns the configured prefixes.
func (f Filter) Prefixes() []string {
	return append([]string(nil), f.prefixes...)
}
