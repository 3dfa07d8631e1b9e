// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sets implements the sets of Funcs and stages used by the DAG and the schedules.
package sets

import (
	"cmp"
	"maps"
	"slices"
)

// Set implements a Set for the key type T.
type Set[T comparable] map[T]struct{}

// Make returns an empty Set of the given type. Size is optional, and if given
// will reserve the expected size.
func Make[T comparable](size ...int) Set[T] {
	if len(size) == 0 {
		return make(Set[T])
	}
	return make(Set[T], size[0])
}

// Has returns true if Set s has the given key. It works on a nil Set.
func (s Set[T]) Has(key T) bool {
	_, found := s[key]
	return found
}

// Insert keys into set.
func (s Set[T]) Insert(keys ...T) {
	for _, key := range keys {
		s[key] = struct{}{}
	}
}

// Union returns a new set with the elements of both s and s2.
func (s Set[T]) Union(s2 Set[T]) Set[T] {
	u := s.Clone()
	maps.Copy(u, s2)
	return u
}

// Clone returns a shallow copy of s. Cloning a nil set returns an empty (non-nil) set.
func (s Set[T]) Clone() Set[T] {
	if s == nil {
		return Make[T]()
	}
	return maps.Clone(s)
}

// SortedFunc returns the elements of the set sorted with the given comparison function.
// Used wherever iteration order must be deterministic.
func (s Set[T]) SortedFunc(cmpFn func(a, b T) int) []T {
	keys := slices.Collect(maps.Keys(s))
	slices.SortFunc(keys, cmpFn)
	return keys
}

// Sorted returns the elements of a set of ordered values, in increasing order.
func Sorted[T cmp.Ordered](s Set[T]) []T {
	return s.SortedFunc(cmp.Compare[T])
}
