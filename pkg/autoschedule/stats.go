// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
)

// Statistics of one search.
type Statistics struct {
	NumFeaturizations       int
	NumCostModelEvaluations int
	NumStatesAdded          int
	NumMemoizationHits      int
	NumMemoizationMisses    int
	NumFilteredIdleLanes    int

	// Rejected counts the states rejected by CalculateCost, per reason.
	Rejected map[string]int

	// Duration of the whole search.
	Duration time.Duration
}

func (s *Statistics) reject(reason string) {
	if s == nil {
		return
	}
	if s.Rejected == nil {
		s.Rejected = make(map[string]int)
	}
	s.Rejected[reason]++
}

// NumRejected returns the total number of states rejected.
func (s *Statistics) NumRejected() int {
	var total int
	for _, count := range s.Rejected {
		total += count
	}
	return total
}

// String implements fmt.Stringer.
func (s *Statistics) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "featurizations=%d, evaluations=%d, states=%d, memoization hits/misses=%d/%d",
		s.NumFeaturizations, s.NumCostModelEvaluations, s.NumStatesAdded, s.NumMemoizationHits, s.NumMemoizationMisses)
	for _, reason := range slices.Sorted(maps.Keys(s.Rejected)) {
		_, _ = fmt.Fprintf(&sb, ", rejected[%s]=%d", reason, s.Rejected[reason])
	}
	if s.Duration > 0 {
		_, _ = fmt.Fprintf(&sb, ", duration=%s", s.Duration)
	}
	return sb.String()
}
