// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package costmodel defines the interface of the models predicting the run time of a
// schedule from its features, and a linear model over analytical cost terms.
//
// Cost models are batched: the search enqueues the features of many candidate schedules,
// each with a destination for its cost, and then evaluates them all at once.
package costmodel

import (
	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/features"
)

// CostModel predicts the cost of schedules.
type CostModel interface {
	// SetPipeline sets the DAG of the schedules enqueued next. It resets the batch.
	SetPipeline(d *dag.FunctionDAG)

	// Enqueue adds the features of a schedule to the batch. The cost of the schedule is
	// written to cost, and the cost of each stage, indexed by Stage.ID, to stageCosts if
	// not nil, by the next call to EvaluateCosts.
	Enqueue(schedule map[*dag.Stage]*features.ScheduleFeatures, cost *float64, stageCosts *[]float64)

	// EvaluateCosts evaluates the enqueued schedules and empties the batch.
	EvaluateCosts() error

	// Reset drops the enqueued schedules without evaluating them.
	Reset()
}
