// Copyright ©2026 openmotion. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package distapproach formulates collision-aware trajectory optimization
// as a sparse nonlinear program.
//
// The transition of a vehicle between two waypoints through an obstacle
// field is encoded over a structured decision vector (states, controls,
// time scaling and the dual variables of a separating-hyperplane obstacle
// reformulation). A generic NLP solver drives the formulator through the
// Program callback protocol: problem sizes, bounds, a warm-started
// initial point, objective and constraint values, and exact sparse
// first and second derivatives obtained from a recorded computation
// trace rather than hand-derived formulas.
//
// The protocol is strictly call-and-return and a Problem is single-owner
// state: the recorded tapes and scratch buffers are reused across calls,
// so one Problem must not be shared by concurrent solves.
package distapproach

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/openmotion/trajopt/ad"
)

// Status is the solver termination state handed to Finalize.
type Status int

const (
	// Optimal convergence to the requested tolerance.
	Optimal Status = iota
	// Acceptable stop at an acceptable but not fully converged point.
	Acceptable
	// Infeasible convergence to a point of local infeasibility.
	Infeasible
	// IterationLimit stop after exhausting the iteration budget.
	IterationLimit
	// Aborted stop requested by the caller or solver failure.
	Aborted
)

// Info reports the fixed problem sizes the solver allocates against.
type Info struct {
	NumVariables   int
	NumConstraints int
	JacobianNNZ    int
	HessianNNZ     int
	// IndexBase of the sparse index pairs, always 0.
	IndexBase int
}

// Program is the callback contract between the formulator and a generic
// NLP solver. The solver issues exactly one call at a time and treats a
// non-nil error as fatal for the whole solve; the formulator never
// retries internally.
type Program interface {
	Info() Info
	Bounds(xl, xu, gl, gu []float64) error
	StartingPoint(x []float64) error
	Objective(x []float64) (float64, error)
	Gradient(x, grad []float64) error
	Constraints(x, g []float64) error
	// Jacobian fills the fixed sparse structure when vals is nil, and
	// the values at x otherwise.
	Jacobian(x []float64, rows, cols []int32, vals []float64) error
	// Hessian fills the lower triangle of 𝜎·𝜵²𝒇 + ∑𝛌ⱼ𝜵²𝒈ⱼ: the fixed
	// structure when vals is nil, the values otherwise.
	Hessian(x []float64, sigma float64, mult []float64, rows, cols []int32, vals []float64) error
	Finalize(status Status, x, mult []float64) error
}

// Result holds the trajectories extracted from the terminal point.
type Result struct {
	Status Status
	// Objective is the cost at the terminal point.
	Objective float64

	State      *mat.Dense // 4×(h+1) rows x, y, φ, v
	Control    *mat.Dense // 2×h rows δ, a
	TimeScale  *mat.Dense // 1×h
	DualLambda *mat.Dense // ΣEdges×(h+1), nil without obstacles
	DualMu     *mat.Dense // 2M×(h+1), nil without obstacles

	// RowMultipliers are the terminal constraint multipliers when the
	// solver supplied them.
	RowMultipliers []float64
}

// Problem is the formulator: it owns the decision-vector layout, the
// captured problem data and the recorded derivative tapes for one solve.
type Problem struct {
	spec Spec
	lay  *Layout
	mdl  model

	objTape *ad.Tape // 𝒇 : ℝⁿ → ℝ
	conTape *ad.Tape // 𝒈 : ℝⁿ → ℝᵐ
	lagTape *ad.Tape // ℒ(𝐱,𝜎,𝛌) : ℝⁿ⁺¹⁺ᵐ → ℝ

	jacRows, jacCols   []int32
	hessRows, hessCols []int32

	xlag []float64 // scratch for the Lagrangian inputs

	result *Result
}

var _ Program = (*Problem)(nil)

// New validates the spec, fixes the decision-vector layout and records
// the derivative tapes. Tape generation is the one setup step costlier
// than a single evaluation; the tapes live as long as the Problem and
// are reused by every solver iteration. A changed obstacle configuration
// needs a new Problem.
func (s *Spec) New() (*Problem, error) {

	rows, _ := shapeOf(s.Obstacles.A)
	lay, err := NewLayout(s.Horizon, s.Obstacles.Edges, rows)
	if err != nil {
		return nil, err
	}
	if err := s.validate(); err != nil {
		return nil, err
	}

	p := &Problem{spec: *s, lay: lay}
	p.mdl = model{
		lay:       lay,
		ts:        s.TimeStep,
		invWheel:  1 / s.Vehicle.Wheelbase,
		halfL:     s.Vehicle.Length / 2,
		halfW:     s.Vehicle.Width / 2,
		offset:    s.Vehicle.Offset,
		end:       s.End,
		prev:      s.PrevControl,
		fixedTime: s.FixedTime,
		w:         s.Weights,
		obstA:     make([][2]float64, lay.EdgesSum),
		obstB:     make([]float64, lay.EdgesSum),
	}
	for e := 0; e < lay.EdgesSum; e++ {
		p.mdl.obstA[e] = [2]float64{s.Obstacles.A.At(e, 0), s.Obstacles.A.At(e, 1)}
		p.mdl.obstB[e] = s.Obstacles.B.At(e, 0)
	}

	p.generateTapes()
	return p, nil
}

// generateTapes records the objective, the constraint vector and the
// Lagrangian over the recording scalar, and fixes the sparsity patterns.
func (p *Problem) generateTapes() {

	m, n := &p.mdl, p.lay.NumVariables
	nc := p.lay.NumConstraints

	p.objTape = ad.Record(n, func(o ad.Ops[ad.Value], x []ad.Value) []ad.Value {
		return []ad.Value{objectiveExpr(m, o, x)}
	})
	p.conTape = ad.Record(n, func(o ad.Ops[ad.Value], x []ad.Value) []ad.Value {
		return constraintExpr(m, o, x, nil)
	})
	p.lagTape = ad.Record(n+1+nc, func(o ad.Ops[ad.Value], in []ad.Value) []ad.Value {
		x, sigma, lam := in[:n], in[n], in[n+1:]
		s := o.Mul(sigma, objectiveExpr(m, o, x))
		for j, gj := range constraintExpr(m, o, x, nil) {
			s = o.Add(s, o.Mul(lam[j], gj))
		}
		return []ad.Value{s}
	})

	p.jacRows, p.jacCols = p.conTape.JacobianPattern()
	p.hessRows, p.hessCols = p.lagTape.HessianPattern(n)
	p.xlag = make([]float64, n+1+nc)
}

// Layout exposes the index arithmetic of the decision vector.
func (p *Problem) Layout() *Layout { return p.lay }

// Info implements the problem-size query. The sizes are pure functions
// of the spec and identical across calls.
func (p *Problem) Info() Info {
	return Info{
		NumVariables:   p.lay.NumVariables,
		NumConstraints: p.lay.NumConstraints,
		JacobianNNZ:    len(p.jacRows),
		HessianNNZ:     len(p.hessRows),
		IndexBase:      0,
	}
}

func (p *Problem) checkDims(nx, ng int) error {
	if nx >= 0 && nx != p.lay.NumVariables {
		return fmt.Errorf("variable dimension %d not match problem size %d", nx, p.lay.NumVariables)
	}
	if ng >= 0 && ng != p.lay.NumConstraints {
		return fmt.Errorf("constraint dimension %d not match problem size %d", ng, p.lay.NumConstraints)
	}
	return nil
}

// Bounds fills the variable box and constraint row bounds.
//
// The first and last state samples collapse to the start and end
// boundary states. Equality rows collapse to [0,0], the µ unit-norm row
// to [1,1], the steering-rate rows to ±MaxSteerRate; the safety-margin
// row is bounded below by the minimum safety distance and above only
// when a finite cap is configured.
func (p *Problem) Bounds(xl, xu, gl, gu []float64) error {

	if err := p.checkDims(len(xl), len(gl)); err != nil {
		return err
	}
	if len(xl) != len(xu) || len(gl) != len(gu) {
		return errors.New("bound buffer size mismatch")
	}

	s, l, h := &p.spec, p.lay, p.lay.Horizon
	v := &s.Vehicle

	for k := 0; k <= h; k++ {
		xl[l.StateIndex(k, 0)] = s.XYBounds[0]
		xu[l.StateIndex(k, 0)] = s.XYBounds[1]
		xl[l.StateIndex(k, 1)] = s.XYBounds[2]
		xu[l.StateIndex(k, 1)] = s.XYBounds[3]
		xl[l.StateIndex(k, 2)] = -2 * math.Pi
		xu[l.StateIndex(k, 2)] = 2 * math.Pi
		xl[l.StateIndex(k, 3)] = -v.MaxSpeedReverse
		xu[l.StateIndex(k, 3)] = v.MaxSpeedForward
	}
	for i := 0; i < 4; i++ {
		xl[l.StateIndex(0, i)] = s.Start[i]
		xu[l.StateIndex(0, i)] = s.Start[i]
		xl[l.StateIndex(h, i)] = s.End[i]
		xu[l.StateIndex(h, i)] = s.End[i]
	}

	for k := 0; k < h; k++ {
		xl[l.ControlIndex(k, 0)] = -v.MaxSteerAngle
		xu[l.ControlIndex(k, 0)] = v.MaxSteerAngle
		xl[l.ControlIndex(k, 1)] = -v.MaxAccelReverse
		xu[l.ControlIndex(k, 1)] = v.MaxAccelForward
	}

	tb := s.TimeScale
	if s.FixedTime {
		tb = Bound{1, 1}
	}
	for k := 0; k < h; k++ {
		xl[l.TimeIndex(k)] = tb.Lower
		xu[l.TimeIndex(k)] = tb.Upper
	}

	for i := l.LambdaStart; i < l.MuStart; i++ {
		xl[i] = 0
		xu[i] = s.MaxLambda
	}
	for i := l.MuStart; i < l.NumVariables; i++ {
		xl[i] = 0
		xu[i] = s.MaxMu
	}

	for r := 0; r < 4*h; r++ {
		gl[r] = 0
		gu[r] = 0
	}
	for k := 0; k < h; k++ {
		r := l.SteerRateRow(k)
		gl[r] = -v.MaxSteerRate
		gu[r] = v.MaxSteerRate
	}
	// a cap below the minimum margin means no cap at all
	safeUpper := s.SafetyDistance.Upper
	if safeUpper <= s.SafetyDistance.Lower {
		safeUpper = math.Inf(1)
	}
	for k := 0; k <= h; k++ {
		for ob := 0; ob < l.Obstacles; ob++ {
			r := l.DualRow(k, ob)
			gl[r], gu[r] = 1, 1
			gl[r+1], gu[r+1] = 0, 0
			gl[r+2], gu[r+2] = 0, 0
			gl[r+3], gu[r+3] = s.SafetyDistance.Lower, safeUpper
		}
	}
	return nil
}

// StartingPoint assembles the initial point from the warm-start
// trajectories. Missing time factors default to 1 and missing dual warm
// starts to 0.
func (p *Problem) StartingPoint(x []float64) error {

	if err := p.checkDims(len(x), -1); err != nil {
		return err
	}

	s, l, h := &p.spec, p.lay, p.lay.Horizon

	for k := 0; k <= h; k++ {
		for i := 0; i < 4; i++ {
			x[l.StateIndex(k, i)] = s.StateWarm.At(i, k)
		}
	}
	for k := 0; k < h; k++ {
		x[l.ControlIndex(k, 0)] = s.ControlWarm.At(0, k)
		x[l.ControlIndex(k, 1)] = s.ControlWarm.At(1, k)
	}
	for k := 0; k < h; k++ {
		if s.TimeWarm != nil {
			x[l.TimeIndex(k)] = s.TimeWarm.At(0, k)
		} else {
			x[l.TimeIndex(k)] = 1
		}
	}
	for k := 0; k <= h; k++ {
		for ob := 0; ob < l.Obstacles; ob++ {
			lam0, e0 := l.LambdaIndex(ob, k), l.edgeOff[ob]
			for e := 0; e < l.Edges[ob]; e++ {
				if s.LambdaWarm != nil {
					x[lam0+e] = s.LambdaWarm.At(e0+e, k)
				} else {
					x[lam0+e] = 0
				}
			}
			mu0 := l.MuIndex(ob, k)
			if s.MuWarm != nil {
				x[mu0] = s.MuWarm.At(2*ob, k)
				x[mu0+1] = s.MuWarm.At(2*ob+1, k)
			} else {
				x[mu0], x[mu0+1] = 0, 0
			}
		}
	}
	return nil
}

// Objective evaluates 𝒇(𝐱) through the plain instantiation of the shared
// formulation. Non-finite values propagate untouched for the solver's
// own safeguards to react to.
func (p *Problem) Objective(x []float64) (float64, error) {
	if err := p.checkDims(len(x), -1); err != nil {
		return 0, err
	}
	return objectiveExpr(&p.mdl, ad.Float{}, x), nil
}

// Gradient evaluates 𝜵𝒇(𝐱) by replaying the objective tape, consistent
// with Objective by construction.
func (p *Problem) Gradient(x, grad []float64) error {
	if err := p.checkDims(len(x), -1); err != nil {
		return err
	}
	if len(grad) != p.lay.NumVariables {
		return errors.New("gradient buffer size mismatch")
	}
	p.objTape.Gradient(x, 0, grad)
	return nil
}

// Constraints evaluates the residual vector 𝒈(𝐱) through the plain
// instantiation of the shared formulation, writing into g without
// further allocation.
func (p *Problem) Constraints(x, g []float64) error {
	if err := p.checkDims(len(x), len(g)); err != nil {
		return err
	}
	constraintExpr(&p.mdl, ad.Float{}, x, g[:0])
	return nil
}

// Jacobian implements the two-mode sparse Jacobian query: with vals nil
// it reports the fixed (row, col) structure, otherwise the values at x.
func (p *Problem) Jacobian(x []float64, rows, cols []int32, vals []float64) error {

	if vals == nil {
		if len(rows) != len(p.jacRows) || len(cols) != len(p.jacCols) {
			return errors.New("jacobian structure buffer size mismatch")
		}
		copy(rows, p.jacRows)
		copy(cols, p.jacCols)
		return nil
	}
	if err := p.checkDims(len(x), -1); err != nil {
		return err
	}
	if len(vals) != len(p.jacRows) {
		return errors.New("jacobian value buffer size mismatch")
	}
	p.conTape.Jacobian(x, vals)
	return nil
}

// Hessian implements the two-mode query for the lower triangle of the
// Lagrangian Hessian 𝜎·𝜵²𝒇(𝐱) + ∑𝛌ⱼ·𝜵²𝒈ⱼ(𝐱), symmetric by construction.
func (p *Problem) Hessian(x []float64, sigma float64, mult []float64, rows, cols []int32, vals []float64) error {

	if vals == nil {
		if len(rows) != len(p.hessRows) || len(cols) != len(p.hessCols) {
			return errors.New("hessian structure buffer size mismatch")
		}
		copy(rows, p.hessRows)
		copy(cols, p.hessCols)
		return nil
	}
	if err := p.checkDims(len(x), len(mult)); err != nil {
		return err
	}
	if len(vals) != len(p.hessRows) {
		return errors.New("hessian value buffer size mismatch")
	}

	n := p.lay.NumVariables
	copy(p.xlag[:n], x)
	p.xlag[n] = sigma
	copy(p.xlag[n+1:], mult)
	p.lagTape.Hessian(p.xlag, n, vals)
	return nil
}

// Finalize captures the terminal point regardless of the solver status,
// so callers can inspect even a non-optimal trajectory.
func (p *Problem) Finalize(status Status, x, mult []float64) error {

	if err := p.checkDims(len(x), -1); err != nil {
		return err
	}
	if mult != nil {
		if err := p.checkDims(-1, len(mult)); err != nil {
			return err
		}
	}

	l, h := p.lay, p.lay.Horizon
	res := &Result{
		Status:    status,
		Objective: objectiveExpr(&p.mdl, ad.Float{}, x),
		State:     mat.NewDense(4, h+1, nil),
		Control:   mat.NewDense(2, h, nil),
		TimeScale: mat.NewDense(1, h, nil),
	}
	for k := 0; k <= h; k++ {
		for i := 0; i < 4; i++ {
			res.State.Set(i, k, x[l.StateIndex(k, i)])
		}
	}
	for k := 0; k < h; k++ {
		res.Control.Set(0, k, x[l.ControlIndex(k, 0)])
		res.Control.Set(1, k, x[l.ControlIndex(k, 1)])
		res.TimeScale.Set(0, k, x[l.TimeIndex(k)])
	}
	if l.EdgesSum > 0 {
		res.DualLambda = mat.NewDense(l.EdgesSum, h+1, nil)
		res.DualMu = mat.NewDense(2*l.Obstacles, h+1, nil)
		for k := 0; k <= h; k++ {
			for ob := 0; ob < l.Obstacles; ob++ {
				lam0, e0 := l.LambdaIndex(ob, k), l.edgeOff[ob]
				for e := 0; e < l.Edges[ob]; e++ {
					res.DualLambda.Set(e0+e, k, x[lam0+e])
				}
				mu0 := l.MuIndex(ob, k)
				res.DualMu.Set(2*ob, k, x[mu0])
				res.DualMu.Set(2*ob+1, k, x[mu0+1])
			}
		}
	}
	if mult != nil {
		res.RowMultipliers = append([]float64(nil), mult...)
	}
	p.result = res
	return nil
}

// Results returns the trajectories captured by Finalize. It fails
// deterministically when no terminal point has been recorded yet.
func (p *Problem) Results() (*Result, error) {
	if p.result == nil {
		return nil, errors.New("no results before finalize")
	}
	return p.result, nil
}
