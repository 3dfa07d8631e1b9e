// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dag

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
)

// OptionalRational is a rational coefficient of a LoadJacobian, that may be unknown
// (Exists == false) when the access is not affine in the loop variable.
type OptionalRational struct {
	Exists   bool
	Num, Den int64
}

// Rational returns the known coefficient num/den.
func Rational(num, den int64) OptionalRational {
	if den == 0 {
		exceptions.Panicf("dag.Rational(%d, %d): zero denominator", num, den)
	}
	if den < 0 {
		num, den = -num, -den
	}
	g := gcd(abs(num), den)
	if g > 1 {
		num, den = num/g, den/g
	}
	return OptionalRational{Exists: true, Num: num, Den: den}
}

// Unknown is the coefficient of a non-affine access.
var Unknown = OptionalRational{}

// Equals returns whether the coefficient is known and equal to the integer v.
func (r OptionalRational) Equals(v int64) bool {
	return r.Exists && r.Num == v*r.Den
}

// IsZero returns whether the coefficient is known to be 0.
func (r OptionalRational) IsZero() bool { return r.Equals(0) }

// IsInteger returns whether the coefficient is known and integral.
func (r OptionalRational) IsInteger() bool {
	return r.Exists && r.Num%r.Den == 0
}

// Mul multiplies two coefficients; unknown is absorbing, except that 0 times anything is 0.
func (r OptionalRational) Mul(o OptionalRational) OptionalRational {
	if r.IsZero() || o.IsZero() {
		return Rational(0, 1)
	}
	if !r.Exists || !o.Exists {
		return Unknown
	}
	return Rational(r.Num*o.Num, r.Den*o.Den)
}

// Add sums two coefficients; unknown is absorbing.
func (r OptionalRational) Add(o OptionalRational) OptionalRational {
	if !r.Exists || !o.Exists {
		return Unknown
	}
	return Rational(r.Num*o.Den+o.Num*r.Den, r.Den*o.Den)
}

// String implements fmt.Stringer.
func (r OptionalRational) String() string {
	if !r.Exists {
		return "_"
	}
	if r.Den == 1 {
		return fmt.Sprintf("%d", r.Num)
	}
	return fmt.Sprintf("%d/%d", r.Num, r.Den)
}

// LoadJacobian describes how the storage coordinates of a producer vary with the loop
// variables of a consumer: entry (i, j) is the derivative of the i-th producer coordinate
// with respect to the j-th consumer loop.
//
// Count is the number of loads sharing this Jacobian.
type LoadJacobian struct {
	producerDims, consumerDims int
	coeffs                     []OptionalRational
	Count                      int64
}

// NewLoadJacobian creates a zero Jacobian with the given shape and count.
func NewLoadJacobian(producerDims, consumerDims int, count int64) LoadJacobian {
	j := LoadJacobian{
		producerDims: producerDims,
		consumerDims: consumerDims,
		coeffs:       make([]OptionalRational, producerDims*consumerDims),
		Count:        count,
	}
	for ii := range j.coeffs {
		j.coeffs[ii] = Rational(0, 1)
	}
	return j
}

// ProducerDims is the number of rows (producer storage dimensions).
func (j LoadJacobian) ProducerDims() int { return j.producerDims }

// ConsumerDims is the number of columns (consumer loop dimensions).
func (j LoadJacobian) ConsumerDims() int { return j.consumerDims }

// Empty returns whether the Jacobian has no entries.
func (j LoadJacobian) Empty() bool { return len(j.coeffs) == 0 }

// At returns the coefficient of producer dim p with respect to consumer loop c.
func (j LoadJacobian) At(p, c int) OptionalRational {
	return j.coeffs[p*j.consumerDims+c]
}

// Set sets the coefficient of producer dim p with respect to consumer loop c.
// Only use it while building a Jacobian.
func (j LoadJacobian) Set(p, c int, r OptionalRational) {
	j.coeffs[p*j.consumerDims+c] = r
}

// Mul composes the Jacobians: j maps other's consumer loops' coordinates into j's producer.
// It's used to look through inlined Funcs: j is the access of the inlined Func to its producer,
// other is the access of the consumer to the inlined Func.
func (j LoadJacobian) Mul(other LoadJacobian) LoadJacobian {
	if j.consumerDims != other.producerDims {
		exceptions.Panicf("LoadJacobian.Mul: shapes %dx%d and %dx%d don't compose",
			j.producerDims, j.consumerDims, other.producerDims, other.consumerDims)
	}
	result := NewLoadJacobian(j.producerDims, other.consumerDims, j.Count*other.Count)
	for ii := 0; ii < j.producerDims; ii++ {
		for jj := 0; jj < other.consumerDims; jj++ {
			sum := Rational(0, 1)
			for kk := 0; kk < j.consumerDims; kk++ {
				sum = sum.Add(j.At(ii, kk).Mul(other.At(kk, jj)))
			}
			result.Set(ii, jj, sum)
		}
	}
	return result
}

// SameCoefficients returns whether both Jacobians have identical entries (counts may differ).
func (j LoadJacobian) SameCoefficients(other LoadJacobian) bool {
	if j.producerDims != other.producerDims || j.consumerDims != other.consumerDims {
		return false
	}
	for ii, c := range j.coeffs {
		if c != other.coeffs[ii] {
			return false
		}
	}
	return true
}

// AllCoeffsExist returns whether every coefficient is known.
func (j LoadJacobian) AllCoeffsExist() bool {
	for _, c := range j.coeffs {
		if !c.Exists {
			return false
		}
	}
	return true
}

// IsConstantRow returns whether producer coordinate p doesn't depend on any consumer loop.
func (j LoadJacobian) IsConstantRow(p int) bool {
	for c := 0; c < j.consumerDims; c++ {
		if !j.At(p, c).IsZero() {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (j LoadJacobian) String() string {
	var sb strings.Builder
	for p := 0; p < j.producerDims; p++ {
		sb.WriteString("  [")
		for c := 0; c < j.consumerDims; c++ {
			if c > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(j.At(p, c).String())
		}
		sb.WriteString("]\n")
	}
	return sb.String()
}

// mergeJacobian adds j to list, merging it with an existing entry with the same coefficients.
func mergeJacobian(list []LoadJacobian, j LoadJacobian) []LoadJacobian {
	for ii := range list {
		if list[ii].SameCoefficients(j) {
			list[ii].Count += j.Count
			return list
		}
	}
	return append(list, j)
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

func abs(a int64) int64 {
	if a < 0 {
		return -a
	}
	return a
}
