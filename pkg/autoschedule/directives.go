// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"fmt"
	"strings"
)

// DirectiveKind enumerates the scheduling directives issued for a schedule.
type DirectiveKind int

//go:generate enumer -type=DirectiveKind -trimprefix=Directive -transform=snake -output=gen_directivekind_enumer.go directives.go

const (
	DirectiveSplit DirectiveKind = iota
	DirectiveReorder
	DirectiveFuse
	DirectiveParallel
	DirectiveVectorize
	DirectiveUnroll
	DirectiveGPUBlocks
	DirectiveGPUThreads
	DirectiveGPUSingleThread
	DirectiveComputeRoot
	DirectiveComputeAt
	DirectiveStoreAt
	DirectiveStoreRoot
	DirectiveStoreIn
	DirectiveComputeInline
	// DirectiveIn replaces, in the consumer given as argument, the calls to the Func by calls
	// to a wrapper Func named by wrapperName.
	DirectiveIn
)

// wrapperName is the name of the Func created by DirectiveIn.
func wrapperName(producer, consumer string) string {
	return producer + "_in_" + consumer
}

// Directive is one scheduling command applied to a stage.
type Directive struct {
	// Func is the name of the Func scheduled.
	Func string
	// Stage is the name of the stage: the Func name for the pure definition.
	Stage string
	Kind  DirectiveKind
	Args  []string
}

// String returns the directive as a line of the schedule transcript.
func (d Directive) String() string {
	target := d.Stage
	switch d.Kind {
	case DirectiveComputeRoot, DirectiveComputeAt, DirectiveStoreAt, DirectiveStoreRoot, DirectiveStoreIn,
		DirectiveComputeInline, DirectiveIn:
		// Storage and compute locations are properties of the Func.
		target = d.Func
	}
	return fmt.Sprintf("%s.%s(%s);", target, d.Kind, strings.Join(d.Args, ", "))
}

// ScheduleAPI receives the directives of a schedule.
type ScheduleAPI interface {
	Apply(d Directive) error
}

// RecordingAPI is a ScheduleAPI that keeps the directives in order.
type RecordingAPI struct {
	Directives []Directive
}

// Apply implements ScheduleAPI.
func (r *RecordingAPI) Apply(d Directive) error {
	r.Directives = append(r.Directives, d)
	return nil
}

// ForStage returns the directives issued for the given stage, in order.
func (r *RecordingAPI) ForStage(stage string) []Directive {
	var result []Directive
	for _, d := range r.Directives {
		if d.Stage == stage {
			result = append(result, d)
		}
	}
	return result
}

// Transcript returns the directives, one per line.
func (r *RecordingAPI) Transcript() string {
	var sb strings.Builder
	for _, d := range r.Directives {
		sb.WriteString(d.String())
		sb.WriteString("\n")
	}
	return sb.String()
}
