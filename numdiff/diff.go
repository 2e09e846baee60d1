// Copyright ©2026 openmotion. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package numdiff estimates derivatives of vector functions by central
// finite differences. It serves as an independent cross-check for the
// exact derivatives produced by the ad package.
package numdiff

import (
	"errors"
	"math"
)

// cube root of machine precision, the optimal relative step for
// central differences
var cubeEps = math.Cbrt(math.Nextafter(1, 2) - 1)

// Approx estimates the m×n Jacobian of a function 𝒇 : ℝⁿ → ℝᵐ with the
// second order central scheme
//
//	∂𝒇ⱼ/∂𝐱ᵢ ≈ (𝒇ⱼ(𝐱+𝐡ᵢ𝐞ᵢ) - 𝒇ⱼ(𝐱-𝐡ᵢ𝐞ᵢ)) / 2𝐡ᵢ
//
// where 𝐡ᵢ = RelStep·max(1,|𝐱ᵢ|).
type Approx struct {
	N, M int
	// Func evaluates 𝒇 at the n-vector x into the m-vector y.
	Func func(x, y []float64)
	// RelStep overrides the default relative step when positive.
	RelStep float64

	f1, f2 []float64
}

// Check validates the spec against the probe point and the output buffer.
func (a *Approx) Check(x0, jac []float64) error {
	switch {
	case a.N <= 0 || a.M <= 0:
		return errors.New("non-positive dimensions")
	case a.Func == nil:
		return errors.New("function is required")
	case len(x0) != a.N:
		return errors.New("invalid x0 dimension")
	case len(jac) != a.N*a.M:
		return errors.New("invalid jacobian dimension")
	case a.RelStep < 0 || math.IsNaN(a.RelStep):
		return errors.New("invalid relative step")
	}
	if len(a.f1) != a.M {
		a.f1 = make([]float64, a.M)
		a.f2 = make([]float64, a.M)
	}
	return nil
}

// Jacobian fills jac, row-major m×n, with the central-difference
// approximation at x0. The probe point is restored before returning.
func (a *Approx) Jacobian(x0, jac []float64) error {
	if err := a.Check(x0, jac); err != nil {
		return err
	}
	rel := a.RelStep
	if rel == 0 {
		rel = cubeEps
	}
	n, f1, f2 := a.N, a.f1, a.f2
	for i, x := range x0 {
		h := rel * math.Max(1, math.Abs(x))
		x0[i] = x - h
		a.Func(x0, f1)
		x0[i] = x + h
		a.Func(x0, f2)
		x0[i] = x
		d := 1 / (2 * h)
		for j := range f1 {
			jac[j*n+i] = (f2[j] - f1[j]) * d
		}
	}
	return nil
}

// Gradient fills g with the approximate gradient of a scalar function
// (m must be 1).
func (a *Approx) Gradient(x0, g []float64) error {
	if a.M != 1 {
		return errors.New("gradient requires a scalar function")
	}
	return a.Jacobian(x0, g)
}
