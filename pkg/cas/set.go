package cas

import (
	"sort"
	"strings"
)

// StringSet is an unordered set of opaque cell identifiers.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given members.
func NewStringSet(members ...string) StringSet {
	s := make(StringSet, len(members))
	for _, m := range members {
		s[m] = struct{}{}
	}
	return s
}

// Add inserts a member.
func (s StringSet) Add(member string) { s[member] = struct{}{} }

// AddAll inserts every member of other.
func (s StringSet) AddAll(other StringSet) {
	for m := range other {
		s[m] = struct{}{}
	}
}

// Contains reports membership.
func (s StringSet) Contains(member string) bool {
	_, ok := s[member]
	return ok
}

// Equal reports whether both sets hold exactly the same members.
func (s StringSet) Equal(other StringSet) bool {
	if len(s) != len(other) {
		return false
	}
	for m := range s {
		if _, ok := other[m]; !ok {
			return false
		}
	}
	return true
}

// SubsetOf reports whether every member of s is in other.
func (s StringSet) SubsetOf(other StringSet) bool {
	if len(s) > len(other) {
		return false
	}
	for m := range s {
		if _, ok := other[m]; !ok {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s StringSet) Clone() StringSet {
	cp := make(StringSet, len(s))
	for m := range s {
		cp[m] = struct{}{}
	}
	return cp
}

// Sorted returns the members in lexicographic order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for m := range s {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Fingerprint returns a canonical single-string rendering of the set, used
// for equality bucketing. Not a content hash; see internal/accession for the
// digest form.
func (s StringSet) Fingerprint() string {
	return strings.Join(s.Sorted(), "\x00")
}
