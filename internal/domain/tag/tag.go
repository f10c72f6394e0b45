// Package tag implements the dotted data-tag hierarchy used across all
// enforcement boundaries. Tags are lowercase dotted paths; a policy tag
// matches any context tag that has it as a dot-prefix ancestor.
package tag

import (
	"regexp"
	"sort"
	"strings"
)

// pattern validates a normalized tag: lowercase alphanumeric segments with
// underscores, hyphens, and dots.
var pattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)

// Valid reports whether t is a well-formed normalized tag.
func Valid(t string) bool {
	return pattern.MatchString(t)
}

// Normalize canonicalizes a raw tag: trim surrounding whitespace, lowercase,
// and strip empty dot segments ("a..b" becomes "a.b"). Returns "" when no
// segments remain.
func Normalize(raw string) string {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return ""
	}
	segments := make([]string, 0, strings.Count(trimmed, ".")+1)
	for _, seg := range strings.Split(trimmed, ".") {
		seg = strings.TrimSpace(seg)
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	return strings.Join(segments, ".")
}

// NormalizeAll normalizes every tag in raw, dropping entries that normalize
// to the empty string and deduplicating. The result is sorted.
func NormalizeAll(raw []string) []string {
	if len(raw) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		t := Normalize(r)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Set is an unordered collection of normalized tags.
type Set map[string]struct{}

// NewSet builds a Set from raw tags, normalizing each entry.
func NewSet(tags ...string) Set {
	s := make(Set, len(tags))
	for _, t := range tags {
		if n := Normalize(t); n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// Has reports whether the set contains the normalized form of t.
func (s Set) Has(t string) bool {
	_, ok := s[Normalize(t)]
	return ok
}

// Values returns the set's members sorted ascending.
func (s Set) Values() []string {
	out := make([]string, 0, len(s))
	for t := range s {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Expand returns the union of every dot-prefix of each tag after
// normalization: "a.b.c" contributes {"a", "a.b", "a.b.c"}. The result set
// makes hierarchical policy matching a plain intersection test.
func Expand(tags ...string) Set {
	expanded := make(Set)
	for _, raw := range tags {
		t := Normalize(raw)
		if t == "" {
			continue
		}
		for i := 0; i < len(t); i++ {
			if t[i] == '.' {
				expanded[t[:i]] = struct{}{}
			}
		}
		expanded[t] = struct{}{}
	}
	return expanded
}

// Covers reports whether ancestor matches t under the hierarchy rule:
// ancestor equals t, or ancestor is a dot-prefix of t. The parent matches
// the child, never the reverse.
func Covers(ancestor, t string) bool {
	a := Normalize(ancestor)
	c := Normalize(t)
	if a == "" || c == "" {
		return false
	}
	if a == c {
		return true
	}
	return strings.HasPrefix(c, a+".")
}

// CoveredByAny reports whether any tag in ancestors covers t.
func CoveredByAny(ancestors Set, t string) bool {
	n := Normalize(t)
	if n == "" {
		return false
	}
	for i := 0; i < len(n); i++ {
		if n[i] == '.' {
			if _, ok := ancestors[n[:i]]; ok {
				return true
			}
		}
	}
	_, ok := ancestors[n]
	return ok
}

// Intersects reports whether the expanded form of contextTags shares at
// least one member with policyTags (both sides normalized).
func Intersects(policyTags, contextTags []string) bool {
	if len(policyTags) == 0 || len(contextTags) == 0 {
		return false
	}
	expanded := Expand(contextTags...)
	for _, p := range policyTags {
		if _, ok := expanded[Normalize(p)]; ok {
			return true
		}
	}
	return false
}
