package util

import (
	"cmp"
	"slices"
)

// Set is a generic set of comparable values. The zero value is not usable;
// build one with a composite literal or SetOf
type Set[K comparable] map[K]struct{}

// SetOf creates a set holding the given elements
func SetOf[K comparable](elements ...K) Set[K] {
	s := make(Set[K], len(elements))
	for _, elem := range elements {
		s[elem] = struct{}{}
	}
	return s
}

// Add inserts key
func (s Set[K]) Add(key K) {
	s[key] = struct{}{}
}

// Merge adds every element of other to s
func (s Set[K]) Merge(other Set[K]) {
	for k := range other {
		s[k] = struct{}{}
	}
}

// Remove deletes key if present
func (s Set[K]) Remove(key K) {
	delete(s, key)
}

// Contains reports whether key is in the set
func (s Set[K]) Contains(key K) bool {
	_, ok := s[key]
	return ok
}

// Len returns the number of elements
func (s Set[K]) Len() int {
	return len(s)
}

// IsEmpty reports whether the set has no elements. A nil set is empty
func (s Set[K]) IsEmpty() bool {
	return len(s) == 0
}

// Sorted returns the elements of an ordered set in ascending order
func Sorted[K cmp.Ordered](s Set[K]) []K {
	res := make([]K, 0, len(s))
	for k := range s {
		res = append(res, k)
	}
	slices.Sort(res)
	return res
}
