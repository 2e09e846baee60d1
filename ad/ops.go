// Copyright ©2026 openmotion. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ad provides reverse-mode automatic differentiation over a
// recorded computation trace (a "tape").
//
// A formulation 𝒇 : ℝⁿ → ℝᵐ is written exactly once as a generic function
// over the abstract scalar Ops[T] and instantiated twice:
//   - with Float for plain float64 evaluation
//   - with a *Tape, whose recording run captures every arithmetic
//     operation as a node of the trace
//
// Once recorded, the tape is replayed at arbitrary points to obtain
// values, gradients (one reverse sweep per output row), the fixed Jacobian
// sparsity pattern (input-dependency propagation over the trace), and the
// Hessian of a scalar output (forward-over-reverse sweeps restricted to
// the structural columns). Keeping a single generic formulation rules out
// the classic hazard of a plain path and a derivative path drifting apart.
package ad

import "math"

// Ops is the abstract scalar the formulation is written against.
// T is either float64 (see Float) or Value (see Tape).
type Ops[T any] interface {
	// Const lifts a plain constant into T.
	Const(c float64) T
	Add(a, b T) T
	Sub(a, b T) T
	Mul(a, b T) T
	Div(a, b T) T
	Neg(a T) T
	// Square computes a², with the cheaper derivative 2a.
	Square(a T) T
	Sqrt(a T) T
	Sin(a T) T
	Cos(a T) T
	Tan(a T) T
	// Scale computes c·a for a plain constant c.
	Scale(c float64, a T) T
	// Shift computes c+a for a plain constant c.
	Shift(c float64, a T) T
}

// Float instantiates Ops with plain float64 arithmetic.
type Float struct{}

var _ Ops[float64] = Float{}

func (Float) Const(c float64) float64    { return c }
func (Float) Add(a, b float64) float64   { return a + b }
func (Float) Sub(a, b float64) float64   { return a - b }
func (Float) Mul(a, b float64) float64   { return a * b }
func (Float) Div(a, b float64) float64   { return a / b }
func (Float) Neg(a float64) float64      { return -a }
func (Float) Square(a float64) float64   { return a * a }
func (Float) Sqrt(a float64) float64     { return math.Sqrt(a) }
func (Float) Sin(a float64) float64      { return math.Sin(a) }
func (Float) Cos(a float64) float64      { return math.Cos(a) }
func (Float) Tan(a float64) float64      { return math.Tan(a) }
func (Float) Scale(c, a float64) float64 { return c * a }
func (Float) Shift(c, a float64) float64 { return c + a }
