// Package crdt holds the grow-only set used to merge concurrent edits to
// a message's likedBy field. Union is commutative, associative and
// idempotent, so siblings can be folded in any order and replayed freely.
package crdt

import (
	"encoding/json"
	"sort"
)

// GSet is a grow-only set of strings. The zero value is usable.
type GSet struct {
	m map[string]struct{}
}

// NewGSet returns a set seeded with the given elements.
func NewGSet(elems ...string) GSet {
	var s GSet
	for _, e := range elems {
		s.Add(e)
	}
	return s
}

// Add inserts e. Adding an existing element is a no-op.
func (s *GSet) Add(e string) {
	if s.m == nil {
		s.m = make(map[string]struct{})
	}
	s.m[e] = struct{}{}
}

// Has reports membership.
func (s GSet) Has(e string) bool {
	_, ok := s.m[e]
	return ok
}

// Len returns the element count.
func (s GSet) Len() int { return len(s.m) }

// Elems returns the elements in sorted order.
func (s GSet) Elems() []string {
	out := make([]string, 0, len(s.m))
	for e := range s.m {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Clone returns an independent copy.
func (s GSet) Clone() GSet {
	c := GSet{m: make(map[string]struct{}, len(s.m))}
	for e := range s.m {
		c.m[e] = struct{}{}
	}
	return c
}

// Merge folds other into s (set union). The receiver only ever grows.
func (s *GSet) Merge(other GSet) {
	for e := range other.m {
		s.Add(e)
	}
}

// Union returns the merge of a and b without mutating either.
func Union(a, b GSet) GSet {
	out := a.Clone()
	out.Merge(b)
	return out
}

// Equal reports whether both sets hold the same elements.
func (s GSet) Equal(other GSet) bool {
	if len(s.m) != len(other.m) {
		return false
	}
	for e := range s.m {
		if !other.Has(e) {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the set as a sorted JSON array.
func (s GSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Elems())
}

// UnmarshalJSON decodes a JSON array of strings.
func (s *GSet) UnmarshalJSON(b []byte) error {
	var elems []string
	if err := json.Unmarshal(b, &elems); err != nil {
		return err
	}
	s.m = make(map[string]struct{}, len(elems))
	for _, e := range elems {
		s.m[e] = struct{}{}
	}
	return nil
}
