// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package xslices provide missing functionality to the slices package, mostly
// small numeric helpers over loop extents.
package xslices

import (
	"golang.org/x/exp/constraints"
)

// Number is any integer or float type.
type Number interface {
	constraints.Integer | constraints.Float
}

// SliceWithValue creates a slice of given size filled with given value.
func SliceWithValue[T any](size int, value T) []T {
	s := make([]T, size)
	for ii := range s {
		s[ii] = value
	}
	return s
}

// Product returns the product of all elements. It returns 1 for an empty slice.
func Product[T Number](slice []T) T {
	var p T = 1
	for _, v := range slice {
		p *= v
	}
	return p
}

// CeilDiv returns the ceiling of a/b, for positive b.
func CeilDiv[T constraints.Integer](a, b T) T {
	return (a + b - 1) / b
}
