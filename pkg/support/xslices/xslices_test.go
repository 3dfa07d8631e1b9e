// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNumericHelpers(t *testing.T) {
	assert.Equal(t, int64(24), Product([]int64{2, 3, 4}))
	assert.Equal(t, int64(1), Product([]int64(nil)))
	assert.Equal(t, 0.5, Product([]float64{0.25, 2}))
	assert.Equal(t, int64(3), CeilDiv(int64(9), 4))
	assert.Equal(t, int64(2), CeilDiv(int64(8), 4))
	assert.Equal(t, []int{1, 1, 1}, SliceWithValue(3, 1))
	assert.Empty(t, SliceWithValue(0, 1))
}
