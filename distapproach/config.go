// Copyright ©2026 openmotion. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package distapproach

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Bound represents a closed interval limit.
type Bound struct {
	Lower, Upper float64
}

// Vehicle holds the immutable vehicle parameters consumed by the
// kinematic model and the footprint geometry. The footprint is the
// rectangle of Length × Width whose center sits Offset ahead of the rear
// axle along the heading.
type Vehicle struct {
	Wheelbase float64
	Width     float64
	Length    float64
	Offset    float64

	MaxSteerAngle   float64
	MaxSteerRate    float64
	MaxSpeedForward float64
	MaxSpeedReverse float64
	MaxAccelForward float64
	MaxAccelReverse float64
}

// Weights scales the objective terms. All weights must be nonnegative.
type Weights struct {
	// squared tracking error of each state component against the target
	StateX, StateY, StateHeading, StateSpeed float64
	// squared control magnitude
	Steer, Accel float64
	// squared control rate between consecutive samples
	SteerRate, AccelRate float64
	// squared rate of the first sample against the control carried over
	// from the previous planning cycle
	StitchSteer, StitchAccel float64
	// time-scaling penalties toward 1 (first order) and between
	// consecutive factors (second order)
	FirstOrderTime, SecondOrderTime float64
}

// Obstacles is the half-plane representation {𝐲 : 𝐀ₒ𝐲 ≤ 𝐛ₒ} of the
// convex obstacle polygons, with the per-obstacle rows of A and b
// stacked in obstacle order.
type Obstacles struct {
	Edges []int      // edge count per obstacle
	A     *mat.Dense // ΣEdges × 2
	B     *mat.Dense // ΣEdges × 1
}

// Spec describes one trajectory optimization problem: the vehicle, the
// horizon, the obstacle field, the warm start and the boundary states.
// All inputs are captured read-only at construction.
type Spec struct {
	// Horizon is the number of transitions; the trajectory carries
	// Horizon+1 state samples.
	Horizon int
	// TimeStep is the nominal sample interval, stretched per transition
	// by the time-scaling variables.
	TimeStep float64

	Vehicle Vehicle
	Weights Weights

	// TimeScale bounds the per-transition scaling factors.
	TimeScale Bound
	// SafetyDistance bounds the clearance row: Lower is the minimum
	// margin; an Upper above Lower caps the clearance, anything else
	// leaves it uncapped.
	SafetyDistance Bound
	// MaxLambda and MaxMu bound the dual variables from above.
	MaxLambda, MaxMu float64
	// FixedTime collapses the time-scaling block to constant 1.
	FixedTime bool

	// XYBounds is the map bounding box (xmin, xmax, ymin, ymax).
	XYBounds [4]float64
	// Start and End are the boundary states (x, y, φ, v).
	Start, End [4]float64
	// PrevControl is the stitching control (δ, a) of the previous cycle.
	PrevControl [2]float64

	Obstacles Obstacles

	// Warm-start trajectories. StateWarm is 4×(Horizon+1) and
	// ControlWarm is 2×Horizon; both are required. TimeWarm (1×Horizon),
	// LambdaWarm (ΣEdges×(Horizon+1)) and MuWarm (2M×(Horizon+1)) are
	// optional: absent time factors default to 1, absent duals to 0.
	StateWarm   *mat.Dense
	ControlWarm *mat.Dense
	TimeWarm    *mat.Dense
	LambdaWarm  *mat.Dense
	MuWarm      *mat.Dense
}

func shapeOf(m *mat.Dense) (r, c int) {
	if m == nil {
		return 0, 0
	}
	return m.Dims()
}

func checkShape(name string, m *mat.Dense, r, c int, optional bool) error {
	if m == nil {
		if optional {
			return nil
		}
		return fmt.Errorf("%s warm start is required", name)
	}
	gr, gc := m.Dims()
	if gr != r || gc != c {
		return fmt.Errorf("%s warm start is %d×%d, expect %d×%d", name, gr, gc, r, c)
	}
	return nil
}

// validate applies the construction-time failure policy: a malformed
// spec must refuse to build a formulator.
func (s *Spec) validate() error {

	v, w := &s.Vehicle, &s.Weights

	switch {
	case s.TimeStep <= 0:
		return errors.New("time step must be positive")
	case v.Wheelbase <= 0 || v.Width <= 0 || v.Length <= 0:
		return errors.New("vehicle geometry must be positive")
	case v.Offset < 0:
		return errors.New("footprint offset must not be negative")
	case v.MaxSteerAngle <= 0 || v.MaxSteerRate <= 0 || v.MaxSpeedForward <= 0 || v.MaxAccelForward <= 0:
		return errors.New("forward vehicle limits must be positive")
	case v.MaxSpeedReverse < 0 || v.MaxAccelReverse < 0:
		return errors.New("reverse vehicle limits must not be negative")
	case s.MaxLambda <= 0 || s.MaxMu <= 0:
		return errors.New("dual variable limits must be positive")
	case s.XYBounds[0] >= s.XYBounds[1] || s.XYBounds[2] >= s.XYBounds[3]:
		return errors.New("degenerate map bounds")
	case s.SafetyDistance.Lower < 0:
		return errors.New("safety distance bound error")
	}

	if !s.FixedTime && (s.TimeScale.Lower <= 0 || s.TimeScale.Upper < s.TimeScale.Lower) {
		return errors.New("time scaling bound error")
	}

	for i, wt := range []float64{
		w.StateX, w.StateY, w.StateHeading, w.StateSpeed,
		w.Steer, w.Accel, w.SteerRate, w.AccelRate,
		w.StitchSteer, w.StitchAccel, w.FirstOrderTime, w.SecondOrderTime,
	} {
		if wt < 0 || math.IsNaN(wt) {
			return fmt.Errorf("objective weight %d must not be negative", i)
		}
	}

	obs := &s.Obstacles
	if len(obs.Edges) > 0 {
		ar, ac := shapeOf(obs.A)
		br, bc := shapeOf(obs.B)
		if ac != 2 || bc != 1 || ar != br {
			return errors.New("obstacle half-plane data shape error")
		}
	} else if obs.A != nil || obs.B != nil {
		return errors.New("obstacle data present without edge counts")
	}

	h := s.Horizon
	sum := 0
	for _, e := range obs.Edges {
		sum += e
	}
	if err := checkShape("state", s.StateWarm, 4, h+1, false); err != nil {
		return err
	}
	if err := checkShape("control", s.ControlWarm, 2, h, false); err != nil {
		return err
	}
	if err := checkShape("time", s.TimeWarm, 1, h, true); err != nil {
		return err
	}
	if err := checkShape("lambda", s.LambdaWarm, sum, h+1, true); err != nil {
		return err
	}
	if err := checkShape("mu", s.MuWarm, 2*len(obs.Edges), h+1, true); err != nil {
		return err
	}
	return nil
}
