// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package features defines the featurization of a schedule: the per-stage counters
// consumed by the cost model, and the binary record format used to save them.
//
// PipelineFeatures only depend on the algorithm (the DAG), while ScheduleFeatures depend
// on the loop nest chosen by the search.
package features

import "fmt"

// OpType enumerates the kinds of operations counted in a stage definition.
type OpType int

const (
	OpConst OpType = iota
	OpCast
	OpVariable
	OpParam
	OpAdd
	OpSub
	OpMod
	OpMul
	OpDiv
	OpMin
	OpMax
	OpEQ
	OpNE
	OpLT
	OpLE
	OpAnd
	OpOr
	OpNot
	OpSelect
	OpImageCall
	OpFuncCall
	OpSelfCall
	OpExternCall
	OpLet
	NumOpTypes
)

var opTypeNames = []string{
	"Const", "Cast", "Variable", "Param", "Add", "Sub", "Mod", "Mul", "Div", "Min", "Max",
	"EQ", "NE", "LT", "LE", "And", "Or", "Not", "Select", "ImageCall", "FuncCall",
	"SelfCall", "ExternCall", "Let",
}

// String implements fmt.Stringer.
func (op OpType) String() string {
	if op < 0 || op >= NumOpTypes {
		return fmt.Sprintf("OpType(%d)", int(op))
	}
	return opTypeNames[op]
}

// ScalarType is a coarse classification of the element type of a value.
type ScalarType int

const (
	Bool ScalarType = iota
	UInt8
	UInt16
	UInt32
	UInt64
	Float
	Double
	NumScalarTypes
)

var scalarTypeNames = []string{"Bool", "UInt8", "UInt16", "UInt32", "UInt64", "Float", "Double"}

// String implements fmt.Stringer.
func (t ScalarType) String() string {
	if t < 0 || t >= NumScalarTypes {
		return fmt.Sprintf("ScalarType(%d)", int(t))
	}
	return scalarTypeNames[t]
}

// ScalarTypeForBytes returns the usual scalar type for elements of the given size.
// 4 and 8 bytes are assumed to be floating point.
func ScalarTypeForBytes(bytes int64) ScalarType {
	switch bytes {
	case 1:
		return UInt8
	case 2:
		return UInt16
	case 8:
		return Double
	default:
		return Float
	}
}

// AccessType classifies a memory access of a stage.
type AccessType int

const (
	LoadFunc AccessType = iota
	LoadSelf
	LoadImage
	Store
	NumAccessTypes
)

var accessTypeNames = []string{"LoadFunc", "LoadSelf", "LoadImage", "Store"}

// String implements fmt.Stringer.
func (t AccessType) String() string {
	if t < 0 || t >= NumAccessTypes {
		return fmt.Sprintf("AccessType(%d)", int(t))
	}
	return accessTypeNames[t]
}

// PipelineFeatures are histograms describing the definition of one stage, independent
// of its schedule.
type PipelineFeatures struct {
	// OpHistogram counts operations of each type, per result scalar type.
	OpHistogram [NumOpTypes][NumScalarTypes]int64

	// Access pattern histograms, as classified by the Jacobian of each access.
	PointwiseAccesses [NumAccessTypes][NumScalarTypes]int64
	TransposeAccesses [NumAccessTypes][NumScalarTypes]int64
	BroadcastAccesses [NumAccessTypes][NumScalarTypes]int64
	SliceAccesses     [NumAccessTypes][NumScalarTypes]int64

	// TypesInUse flags the scalar types appearing in the stage.
	TypesInUse [NumScalarTypes]int64
}

// NumPipelineFeatures is the length of PipelineFeatures.Values.
const NumPipelineFeatures = int(NumOpTypes)*int(NumScalarTypes) +
	4*int(NumAccessTypes)*int(NumScalarTypes) + int(NumScalarTypes)

// Values flattens the histograms in a fixed order: ops, then pointwise, transpose,
// broadcast and slice accesses, then types in use.
func (p *PipelineFeatures) Values() []float64 {
	values := make([]float64, 0, NumPipelineFeatures)
	for op := range NumOpTypes {
		for t := range NumScalarTypes {
			values = append(values, float64(p.OpHistogram[op][t]))
		}
	}
	for _, hist := range []*[NumAccessTypes][NumScalarTypes]int64{
		&p.PointwiseAccesses, &p.TransposeAccesses, &p.BroadcastAccesses, &p.SliceAccesses} {
		for a := range NumAccessTypes {
			for t := range NumScalarTypes {
				values = append(values, float64(hist[a][t]))
			}
		}
	}
	for t := range NumScalarTypes {
		values = append(values, float64(p.TypesInUse[t]))
	}
	return values
}

// Names returns the name of each entry of Values.
func (p *PipelineFeatures) Names() []string {
	names := make([]string, 0, NumPipelineFeatures)
	for op := range NumOpTypes {
		for t := range NumScalarTypes {
			names = append(names, fmt.Sprintf("op_%s_%s", op, t))
		}
	}
	for _, kind := range []string{"pointwise", "transpose", "broadcast", "slice"} {
		for a := range NumAccessTypes {
			for t := range NumScalarTypes {
				names = append(names, fmt.Sprintf("%s_%s_%s", kind, a, t))
			}
		}
	}
	for t := range NumScalarTypes {
		names = append(names, fmt.Sprintf("types_in_use_%s", t))
	}
	return names
}
