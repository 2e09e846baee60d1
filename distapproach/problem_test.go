// Copyright ©2026 openmotion. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package distapproach

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/openmotion/trajopt/numdiff"
)

// testSpec builds a horizon-2 scenario: the vehicle rests at the origin
// and a unit-height square obstacle sits behind it at x ∈ [-11,-10].
func testSpec() *Spec {
	obsA := mat.NewDense(4, 2, []float64{
		1, 0,
		-1, 0,
		0, 1,
		0, -1,
	})
	obsB := mat.NewDense(4, 1, []float64{-10, 11, 0.5, 0.5})

	return &Spec{
		Horizon:  2,
		TimeStep: 0.5,
		Vehicle: Vehicle{
			Wheelbase:       2.8,
			Width:           1.9,
			Length:          4.6,
			Offset:          1.4,
			MaxSteerAngle:   0.6,
			MaxSteerRate:    0.8,
			MaxSpeedForward: 5,
			MaxSpeedReverse: 3,
			MaxAccelForward: 2,
			MaxAccelReverse: 2,
		},
		Weights: Weights{
			StateX: 1, StateY: 1, StateHeading: 0.5, StateSpeed: 0.2,
			Steer: 0.3, Accel: 0.2,
			SteerRate: 0.1, AccelRate: 0.1,
			StitchSteer: 0.4, StitchAccel: 0.3,
			FirstOrderTime: 1, SecondOrderTime: 2,
		},
		TimeScale:      Bound{0.8, 1.2},
		SafetyDistance: Bound{Lower: 0.1},
		MaxLambda:      10,
		MaxMu:          10,
		XYBounds:       [4]float64{-20, 20, -20, 20},
		Obstacles:      Obstacles{Edges: []int{4}, A: obsA, B: obsB},
		StateWarm:      mat.NewDense(4, 3, nil),
		ControlWarm:    mat.NewDense(2, 2, nil),
	}
}

func mustProblem(t *testing.T, s *Spec) *Problem {
	t.Helper()
	p, err := s.New()
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// interiorPoint perturbs the warm start away from zero so no derivative
// vanishes by accident; distinct seeds give distinct probe points.
func interiorPoint(t *testing.T, p *Problem, seed float64) []float64 {
	t.Helper()
	x := make([]float64, p.Info().NumVariables)
	if err := p.StartingPoint(x); err != nil {
		t.Fatal(err)
	}
	for i := range x {
		x[i] += 0.05 * math.Sin(1.7*float64(i)+seed)
	}
	return x
}

func TestInfoDeterministic(t *testing.T) {

	p := mustProblem(t, testSpec())
	a, b := p.Info(), p.Info()
	if a != b {
		t.Fatal("info not deterministic")
	}
	if a.NumVariables != 36 || a.NumConstraints != 22 || a.IndexBase != 0 {
		t.Fatalf("info sizes: %+v", a)
	}
	if a.JacobianNNZ <= 0 || a.HessianNNZ <= 0 {
		t.Fatalf("empty derivative structure: %+v", a)
	}

	// a fresh formulator over the same spec agrees
	q := mustProblem(t, testSpec())
	if q.Info() != a {
		t.Fatal("info not a pure function of the spec")
	}
}

func TestBounds(t *testing.T) {

	s := testSpec()
	s.Start = [4]float64{0, 0, 0, 0}
	s.End = [4]float64{1, 2, 0.3, 0}
	p := mustProblem(t, s)
	l, n, m := p.Layout(), p.Info().NumVariables, p.Info().NumConstraints

	xl := make([]float64, n)
	xu := make([]float64, n)
	gl := make([]float64, m)
	gu := make([]float64, m)
	if err := p.Bounds(xl, xu, gl, gu); err != nil {
		t.Fatal(err)
	}

	for i := range xl {
		if xl[i] > xu[i] {
			t.Fatalf("variable bound %d inverted", i)
		}
	}

	// boundary samples collapse to the start and end states
	for i := 0; i < 4; i++ {
		if xl[l.StateIndex(0, i)] != s.Start[i] || xu[l.StateIndex(0, i)] != s.Start[i] {
			t.Fatal("start state not pinned")
		}
		if xl[l.StateIndex(2, i)] != s.End[i] || xu[l.StateIndex(2, i)] != s.End[i] {
			t.Fatal("end state not pinned")
		}
	}

	// interior sample keeps the map box and vehicle limits
	if xl[l.StateIndex(1, 0)] != -20 || xu[l.StateIndex(1, 0)] != 20 {
		t.Fatal("map bounds")
	}
	if xl[l.StateIndex(1, 3)] != -3 || xu[l.StateIndex(1, 3)] != 5 {
		t.Fatal("speed bounds")
	}
	if xl[l.ControlIndex(0, 0)] != -0.6 || xu[l.ControlIndex(0, 0)] != 0.6 {
		t.Fatal("steer bounds")
	}
	if xl[l.TimeIndex(0)] != 0.8 || xu[l.TimeIndex(1)] != 1.2 {
		t.Fatal("time scaling bounds")
	}
	for i := l.LambdaStart; i < l.MuStart; i++ {
		if xl[i] != 0 || xu[i] != 10 {
			t.Fatal("lambda bounds")
		}
	}

	// rows: kinematics and alignment are equalities, the norm row
	// collapses to 1, the safety row is one-sided
	for r := 0; r < 8; r++ {
		if gl[r] != 0 || gu[r] != 0 {
			t.Fatal("kinematic rows must be equalities")
		}
	}
	for k := 0; k < 2; k++ {
		r := l.SteerRateRow(k)
		if gl[r] != -0.8 || gu[r] != 0.8 {
			t.Fatal("steering rate row bounds")
		}
	}
	for k := 0; k <= 2; k++ {
		r := l.DualRow(k, 0)
		if gl[r] != 1 || gu[r] != 1 {
			t.Fatal("norm row bounds")
		}
		if gl[r+1] != 0 || gu[r+1] != 0 || gl[r+2] != 0 || gu[r+2] != 0 {
			t.Fatal("alignment row bounds")
		}
		if gl[r+3] != 0.1 || !math.IsInf(gu[r+3], 1) {
			t.Fatal("safety row bounds")
		}
	}
}

func TestFixedTimeBounds(t *testing.T) {

	s := testSpec()
	s.FixedTime = true
	s.TimeScale = Bound{} // ignored in fixed-time mode
	p := mustProblem(t, s)
	l, n, m := p.Layout(), p.Info().NumVariables, p.Info().NumConstraints

	xl := make([]float64, n)
	xu := make([]float64, n)
	gl := make([]float64, m)
	gu := make([]float64, m)
	if err := p.Bounds(xl, xu, gl, gu); err != nil {
		t.Fatal(err)
	}
	for k := 0; k < 2; k++ {
		if xl[l.TimeIndex(k)] != 1 || xu[l.TimeIndex(k)] != 1 {
			t.Fatal("fixed-time block must collapse to 1")
		}
	}
}

func TestStationaryWarmStart(t *testing.T) {

	p := mustProblem(t, testSpec())
	n, m := p.Info().NumVariables, p.Info().NumConstraints

	x := make([]float64, n)
	if err := p.StartingPoint(x); err != nil {
		t.Fatal(err)
	}

	// absent time warm start defaults to 1, absent duals to 0
	l := p.Layout()
	if x[l.TimeIndex(0)] != 1 || x[l.TimeIndex(1)] != 1 {
		t.Fatal("default time scaling")
	}
	for i := l.LambdaStart; i < n; i++ {
		if x[i] != 0 {
			t.Fatal("default duals")
		}
	}

	// a stationary trajectory satisfies its own discretized dynamics and
	// holds the steering still
	g := make([]float64, m)
	if err := p.Constraints(x, g); err != nil {
		t.Fatal(err)
	}
	for r := 0; r < 10; r++ {
		if g[r] != 0 {
			t.Fatalf("residual %d = %g at stationary warm start", r, g[r])
		}
	}
}

func TestSteerRateRows(t *testing.T) {

	s := testSpec()
	s.PrevControl = [2]float64{0.1, 0}
	p := mustProblem(t, s)
	l := p.Layout()

	x := make([]float64, p.Info().NumVariables)
	if err := p.StartingPoint(x); err != nil {
		t.Fatal(err)
	}
	x[l.ControlIndex(0, 0)] = 0.3
	x[l.ControlIndex(1, 0)] = -0.1
	x[l.TimeIndex(0)] = 1.25
	x[l.TimeIndex(1)] = 0.8

	g := make([]float64, p.Info().NumConstraints)
	if err := p.Constraints(x, g); err != nil {
		t.Fatal(err)
	}

	// first transition stitches against the previous cycle's steering
	want0 := (0.3 - 0.1) / (0.5 * 1.25)
	want1 := (-0.1 - 0.3) / (0.5 * 0.8)
	if math.Abs(g[l.SteerRateRow(0)]-want0) > 1e-12 {
		t.Fatalf("steer rate row 0 = %g, want %g", g[l.SteerRateRow(0)], want0)
	}
	if math.Abs(g[l.SteerRateRow(1)]-want1) > 1e-12 {
		t.Fatalf("steer rate row 1 = %g, want %g", g[l.SteerRateRow(1)], want1)
	}
}

func TestConstraintsAllocationFree(t *testing.T) {

	p := mustProblem(t, testSpec())
	x := interiorPoint(t, p, 0.3)
	g := make([]float64, p.Info().NumConstraints)

	allocs := testing.AllocsPerRun(20, func() {
		if err := p.Constraints(x, g); err != nil {
			t.Fatal(err)
		}
	})
	if allocs != 0 {
		t.Fatalf("constraint evaluation allocates %.0f times per call", allocs)
	}
}

func TestWarmStartCopied(t *testing.T) {

	s := testSpec()
	s.StateWarm.Set(0, 1, 3.5)
	s.ControlWarm.Set(1, 0, -0.7)
	s.TimeWarm = mat.NewDense(1, 2, []float64{1.1, 0.9})
	s.LambdaWarm = mat.NewDense(4, 3, nil)
	s.LambdaWarm.Set(2, 1, 0.25)
	s.MuWarm = mat.NewDense(2, 3, nil)
	s.MuWarm.Set(1, 2, 0.5)

	p := mustProblem(t, s)
	l := p.Layout()
	x := make([]float64, p.Info().NumVariables)
	if err := p.StartingPoint(x); err != nil {
		t.Fatal(err)
	}

	switch {
	case x[l.StateIndex(1, 0)] != 3.5:
		t.Fatal("state warm start")
	case x[l.ControlIndex(0, 1)] != -0.7:
		t.Fatal("control warm start")
	case x[l.TimeIndex(1)] != 0.9:
		t.Fatal("time warm start")
	case x[l.LambdaIndex(0, 1)+2] != 0.25:
		t.Fatal("lambda warm start")
	case x[l.MuIndex(0, 2)+1] != 0.5:
		t.Fatal("mu warm start")
	}
}

func TestFarObstacleCertificate(t *testing.T) {

	s := testSpec()
	p := mustProblem(t, s)
	l := p.Layout()
	n, m := p.Info().NumVariables, p.Info().NumConstraints

	x := make([]float64, n)
	if err := p.StartingPoint(x); err != nil {
		t.Fatal(err)
	}

	// the near face of the obstacle (outward normal +x, offset -10)
	// yields the minimal certificate: λ = 𝐞₀, µ = (1, 0)
	for k := 0; k <= 2; k++ {
		x[l.LambdaIndex(0, k)] = 1
		x[l.MuIndex(0, k)] = 1
	}

	g := make([]float64, m)
	if err := p.Constraints(x, g); err != nil {
		t.Fatal(err)
	}
	for k := 0; k <= 2; k++ {
		r := l.DualRow(k, 0)
		if math.Abs(g[r]-1) > 1e-12 {
			t.Fatalf("norm row = %g", g[r])
		}
		if math.Abs(g[r+1]) > 1e-12 || math.Abs(g[r+2]) > 1e-12 {
			t.Fatalf("alignment rows = %g, %g", g[r+1], g[r+2])
		}
		// clearance ≈ 10 + offset - ℓ/2, far above the minimum margin
		if g[r+3] < s.SafetyDistance.Lower {
			t.Fatalf("safety row = %g below margin", g[r+3])
		}
		if math.Abs(g[r+3]-(10+1.4-2.3)) > 1e-9 {
			t.Fatalf("safety row = %g", g[r+3])
		}
	}
}

func TestGradientAgainstCentralDiff(t *testing.T) {

	p := mustProblem(t, testSpec())
	n := p.Info().NumVariables

	grad := make([]float64, n)
	fd := make([]float64, n)
	approx := numdiff.Approx{
		N: n, M: 1,
		Func: func(xa, y []float64) {
			f, err := p.Objective(xa)
			if err != nil {
				t.Fatal(err)
			}
			y[0] = f
		},
	}
	for _, seed := range []float64{0.3, 1.1, 2.9} {
		x := interiorPoint(t, p, seed)
		if err := p.Gradient(x, grad); err != nil {
			t.Fatal(err)
		}
		if err := approx.Gradient(x, fd); err != nil {
			t.Fatal(err)
		}
		if !floats.EqualApprox(grad, fd, 1e-5) {
			t.Fatalf("gradient mismatch at seed %g\n exact %v\n fd    %v", seed, grad, fd)
		}
	}
}

func TestJacobianAgainstCentralDiff(t *testing.T) {

	p := mustProblem(t, testSpec())
	n, m := p.Info().NumVariables, p.Info().NumConstraints
	nnz := p.Info().JacobianNNZ

	rows := make([]int32, nnz)
	cols := make([]int32, nnz)
	vals := make([]float64, nnz)
	if err := p.Jacobian(nil, rows, cols, nil); err != nil {
		t.Fatal(err)
	}
	structural := make(map[int]bool, nnz)
	for k := range rows {
		structural[int(rows[k])*n+int(cols[k])] = true
	}

	dense := make([]float64, m*n)
	fd := make([]float64, m*n)
	approx := numdiff.Approx{
		N: n, M: m,
		Func: func(xa, y []float64) {
			if err := p.Constraints(xa, y); err != nil {
				t.Fatal(err)
			}
		},
	}
	for _, seed := range []float64{0.3, 2.1} {
		x := interiorPoint(t, p, seed)
		if err := p.Jacobian(x, nil, nil, vals); err != nil {
			t.Fatal(err)
		}
		for i := range dense {
			dense[i] = 0
		}
		for k := range vals {
			dense[int(rows[k])*n+int(cols[k])] = vals[k]
		}
		if err := approx.Jacobian(x, fd); err != nil {
			t.Fatal(err)
		}
		for i := range dense {
			d := math.Abs(dense[i] - fd[i])
			if s := math.Max(math.Abs(dense[i]), math.Abs(fd[i])); s > 1 {
				d /= s
			}
			if d > 1e-5 {
				t.Fatalf("jacobian entry (%d,%d): exact %g, fd %g", i/n, i%n, dense[i], fd[i])
			}
			// the finite-difference support never escapes the structure
			if !structural[i] && math.Abs(fd[i]) > 1e-7 {
				t.Fatalf("fd support (%d,%d) = %g outside structure", i/n, i%n, fd[i])
			}
		}
	}
}

func TestJacobianStructure(t *testing.T) {

	p := mustProblem(t, testSpec())
	l, nnz := p.Layout(), p.Info().JacobianNNZ

	rows := make([]int32, nnz)
	cols := make([]int32, nnz)
	if err := p.Jacobian(nil, rows, cols, nil); err != nil {
		t.Fatal(err)
	}
	rows2 := make([]int32, nnz)
	cols2 := make([]int32, nnz)
	if err := p.Jacobian(nil, rows2, cols2, nil); err != nil {
		t.Fatal(err)
	}
	for k := range rows {
		if rows[k] != rows2[k] || cols[k] != cols2[k] {
			t.Fatal("structure not idempotent")
		}
	}

	// kinematic rows couple only the two adjacent state samples, the
	// transition's control and its time factor
	allow := map[int]bool{l.TimeIndex(0): true}
	for i := 0; i < 4; i++ {
		allow[l.StateIndex(0, i)] = true
		allow[l.StateIndex(1, i)] = true
	}
	allow[l.ControlIndex(0, 0)] = true
	allow[l.ControlIndex(0, 1)] = true
	for k := range rows {
		if rows[k] < 4 && !allow[int(cols[k])] {
			t.Fatalf("kinematic row %d touches column %d", rows[k], cols[k])
		}
	}

	// a steering-rate row touches the two steering controls of its
	// transition and that transition's time factor only
	rateRow := int32(l.SteerRateRow(1))
	allowRate := map[int]bool{
		l.ControlIndex(0, 0): true,
		l.ControlIndex(1, 0): true,
		l.TimeIndex(1):       true,
	}
	for k := range rows {
		if rows[k] == rateRow && !allowRate[int(cols[k])] {
			t.Fatalf("steer rate row touches column %d", cols[k])
		}
	}

	// dual rows of sample k touch nothing beyond state k, λ(·,k), µ(·,k)
	r0 := l.DualRow(1, 0)
	allowDual := map[int]bool{}
	for i := 0; i < 4; i++ {
		allowDual[l.StateIndex(1, i)] = true
	}
	for e := 0; e < 4; e++ {
		allowDual[l.LambdaIndex(0, 1)+e] = true
	}
	allowDual[l.MuIndex(0, 1)] = true
	allowDual[l.MuIndex(0, 1)+1] = true
	for k := range rows {
		if int(rows[k]) >= r0 && int(rows[k]) < r0+4 && !allowDual[int(cols[k])] {
			t.Fatalf("dual row %d touches column %d", rows[k], cols[k])
		}
	}
}

func TestHessianAgainstGradientDiff(t *testing.T) {

	p := mustProblem(t, testSpec())
	n, m := p.Info().NumVariables, p.Info().NumConstraints
	nnzJ, nnzH := p.Info().JacobianNNZ, p.Info().HessianNNZ
	x := interiorPoint(t, p, 0.3)

	sigma := 0.7
	mult := make([]float64, m)
	for j := range mult {
		mult[j] = 0.3 * math.Cos(0.9*float64(j))
	}

	hRows := make([]int32, nnzH)
	hCols := make([]int32, nnzH)
	hVals := make([]float64, nnzH)
	if err := p.Hessian(nil, 0, nil, hRows, hCols, nil); err != nil {
		t.Fatal(err)
	}
	for k := range hRows {
		if hRows[k] < hCols[k] {
			t.Fatal("hessian structure not lower triangular")
		}
	}
	if err := p.Hessian(x, sigma, mult, nil, nil, hVals); err != nil {
		t.Fatal(err)
	}

	dense := make([]float64, n*n)
	for k := range hVals {
		dense[int(hRows[k])*n+int(hCols[k])] = hVals[k]
		dense[int(hCols[k])*n+int(hRows[k])] = hVals[k]
	}

	// central difference of the exact Lagrangian gradient
	jRows := make([]int32, nnzJ)
	jCols := make([]int32, nnzJ)
	jVals := make([]float64, nnzJ)
	if err := p.Jacobian(nil, jRows, jCols, nil); err != nil {
		t.Fatal(err)
	}
	grad := make([]float64, n)
	lagGrad := func(xa, y []float64) {
		if err := p.Gradient(xa, grad); err != nil {
			t.Fatal(err)
		}
		for i := range y {
			y[i] = sigma * grad[i]
		}
		if err := p.Jacobian(xa, nil, nil, jVals); err != nil {
			t.Fatal(err)
		}
		for k := range jVals {
			y[jCols[k]] += mult[jRows[k]] * jVals[k]
		}
	}
	fd := make([]float64, n*n)
	approx := numdiff.Approx{N: n, M: n, Func: lagGrad}
	if err := approx.Jacobian(x, fd); err != nil {
		t.Fatal(err)
	}

	for i := range dense {
		d := math.Abs(dense[i] - fd[i])
		if s := math.Max(math.Abs(dense[i]), math.Abs(fd[i])); s > 1 {
			d /= s
		}
		if d > 1e-5 {
			t.Fatalf("hessian entry (%d,%d): exact %g, fd %g", i/n, i%n, dense[i], fd[i])
		}
	}
}

func TestResultsRoundTrip(t *testing.T) {

	p := mustProblem(t, testSpec())
	m := p.Info().NumConstraints

	if _, err := p.Results(); err == nil {
		t.Fatal("results before finalize must fail")
	}

	x := interiorPoint(t, p, 0.3)
	mult := make([]float64, m)
	if err := p.Finalize(IterationLimit, x, mult); err != nil {
		t.Fatal(err)
	}

	res, err := p.Results()
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != IterationLimit {
		t.Fatal("status not recorded")
	}
	if f, err := p.Objective(x); err != nil || res.Objective != f {
		t.Fatalf("terminal objective = %g, want %g", res.Objective, f)
	}

	if r, c := res.State.Dims(); r != 4 || c != 3 {
		t.Fatalf("state result %d×%d", r, c)
	}
	if r, c := res.Control.Dims(); r != 2 || c != 2 {
		t.Fatalf("control result %d×%d", r, c)
	}
	if r, c := res.TimeScale.Dims(); r != 1 || c != 2 {
		t.Fatalf("time result %d×%d", r, c)
	}
	if r, c := res.DualLambda.Dims(); r != 4 || c != 3 {
		t.Fatalf("lambda result %d×%d", r, c)
	}
	if r, c := res.DualMu.Dims(); r != 2 || c != 3 {
		t.Fatalf("mu result %d×%d", r, c)
	}

	l := p.Layout()
	for k := 0; k <= 2; k++ {
		for i := 0; i < 4; i++ {
			if res.State.At(i, k) != x[l.StateIndex(k, i)] {
				t.Fatal("state block mismatch")
			}
		}
	}
	for k := 0; k < 2; k++ {
		if res.Control.At(0, k) != x[l.ControlIndex(k, 0)] ||
			res.TimeScale.At(0, k) != x[l.TimeIndex(k)] {
			t.Fatal("control/time block mismatch")
		}
	}
	if res.DualLambda.At(2, 1) != x[l.LambdaIndex(0, 1)+2] {
		t.Fatal("lambda block mismatch")
	}
}

func TestConstructionFailures(t *testing.T) {

	cases := []func(*Spec){
		func(s *Spec) { s.Horizon = 0 },
		func(s *Spec) { s.TimeStep = 0 },
		func(s *Spec) { s.Vehicle.Wheelbase = 0 },
		func(s *Spec) { s.Vehicle.MaxSteerRate = 0 },
		func(s *Spec) { s.Weights.Steer = -1 },
		func(s *Spec) { s.Obstacles.Edges = []int{3} },
		func(s *Spec) { s.StateWarm = mat.NewDense(4, 2, nil) },
		func(s *Spec) { s.ControlWarm = nil },
		func(s *Spec) { s.LambdaWarm = mat.NewDense(3, 3, nil) },
		func(s *Spec) { s.XYBounds = [4]float64{5, -5, -5, 5} },
		func(s *Spec) { s.MaxMu = 0 },
		func(s *Spec) { s.TimeScale = Bound{0, 1.2} },
	}
	for i, alter := range cases {
		s := testSpec()
		alter(s)
		if _, err := s.New(); err == nil {
			t.Fatalf("case %d: malformed spec must refuse to build", i)
		}
	}
}

func TestPerCallFailures(t *testing.T) {

	p := mustProblem(t, testSpec())
	n, m := p.Info().NumVariables, p.Info().NumConstraints
	nnzJ, nnzH := p.Info().JacobianNNZ, p.Info().HessianNNZ
	x := make([]float64, n)
	if err := p.StartingPoint(x); err != nil {
		t.Fatal(err)
	}

	if _, err := p.Objective(x[:n-1]); err == nil {
		t.Fatal("short x must fail")
	}
	if err := p.Gradient(x, make([]float64, n-1)); err == nil {
		t.Fatal("short gradient buffer must fail")
	}
	if err := p.Constraints(x, make([]float64, m+1)); err == nil {
		t.Fatal("wrong constraint buffer must fail")
	}
	if err := p.Jacobian(nil, make([]int32, nnzJ-1), make([]int32, nnzJ), nil); err == nil {
		t.Fatal("short structure buffer must fail")
	}
	if err := p.Jacobian(x, nil, nil, make([]float64, nnzJ+1)); err == nil {
		t.Fatal("wrong value buffer must fail")
	}
	if err := p.Hessian(x, 1, nil, nil, nil, make([]float64, nnzH)); err == nil {
		t.Fatal("missing multipliers must fail")
	}
	if err := p.Finalize(Optimal, x[:1], nil); err == nil {
		t.Fatal("short terminal point must fail")
	}
}
