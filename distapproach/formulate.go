// Copyright ©2026 openmotion. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package distapproach

import "github.com/openmotion/trajopt/ad"

// model is the read-only numeric data the formulation closes over:
// layout, vehicle geometry, weights and obstacle half-planes, extracted
// once at construction so the generic expressions touch plain floats
// only.
type model struct {
	lay *Layout

	ts        float64
	invWheel  float64 // 1 / wheelbase
	halfL     float64
	halfW     float64
	offset    float64
	end       [4]float64
	prev      [2]float64
	fixedTime bool

	w Weights

	obstA [][2]float64 // stacked half-plane normals
	obstB []float64    // stacked half-plane offsets
}

// objectiveExpr builds the scalar cost
//
//	𝒇 = ∑ₖ∑ᵢ wᵢ(𝐬ᵢₖ-𝐬𝒇ᵢ)² + ∑ₖ(wᵟδₖ² + wₐaₖ²)
//	  + ∑ₖ wᵣ((𝐮ₖ-𝐮ₖ₋₁)/(𝚝𝚜·𝚃ₖ))² + w₁∑ₖ(𝚃ₖ-1)² + w₂∑ₖ(𝚃ₖ₊₁-𝚃ₖ)²
//
// where the k = 0 rate difference stitches against the control carried
// over from the previous planning cycle under its own weights. Written
// once over the abstract scalar; instantiated with ad.Float for plain
// evaluation and with *ad.Tape for recording.
func objectiveExpr[T any](m *model, o ad.Ops[T], x []T) T {

	l, h := m.lay, m.lay.Horizon
	f := o.Const(0)

	wState := [4]float64{m.w.StateX, m.w.StateY, m.w.StateHeading, m.w.StateSpeed}
	for k := 0; k <= h; k++ {
		for i := 0; i < 4; i++ {
			d := o.Shift(-m.end[i], x[l.StateIndex(k, i)])
			f = o.Add(f, o.Scale(wState[i], o.Square(d)))
		}
	}

	for k := 0; k < h; k++ {
		f = o.Add(f, o.Scale(m.w.Steer, o.Square(x[l.ControlIndex(k, 0)])))
		f = o.Add(f, o.Scale(m.w.Accel, o.Square(x[l.ControlIndex(k, 1)])))
	}

	for k := 0; k < h; k++ {
		dt := o.Scale(m.ts, x[l.TimeIndex(k)])
		var dSteer, dAccel T
		var ws, wa float64
		if k == 0 {
			dSteer = o.Shift(-m.prev[0], x[l.ControlIndex(0, 0)])
			dAccel = o.Shift(-m.prev[1], x[l.ControlIndex(0, 1)])
			ws, wa = m.w.StitchSteer, m.w.StitchAccel
		} else {
			dSteer = o.Sub(x[l.ControlIndex(k, 0)], x[l.ControlIndex(k-1, 0)])
			dAccel = o.Sub(x[l.ControlIndex(k, 1)], x[l.ControlIndex(k-1, 1)])
			ws, wa = m.w.SteerRate, m.w.AccelRate
		}
		f = o.Add(f, o.Scale(ws, o.Square(o.Div(dSteer, dt))))
		f = o.Add(f, o.Scale(wa, o.Square(o.Div(dAccel, dt))))
	}

	if !m.fixedTime {
		for k := 0; k < h; k++ {
			f = o.Add(f, o.Scale(m.w.FirstOrderTime, o.Square(o.Shift(-1, x[l.TimeIndex(k)]))))
		}
		for k := 0; k+1 < h; k++ {
			f = o.Add(f, o.Scale(m.w.SecondOrderTime,
				o.Square(o.Sub(x[l.TimeIndex(k+1)], x[l.TimeIndex(k)]))))
		}
	}
	return f
}

// constraintExpr appends the residual vector to dst in Layout row order.
// dst is reused across iterations; passing nil allocates.
//
// Kinematic rows discretize one bicycle-model step over the scaled
// interval 𝚑 = 𝚝𝚜·𝚃ₖ, with the midpoint speed and heading:
//
//	x' = x + 𝚑(v+𝚑a/2)cos(φ+𝚑v·tanδ/2L)
//	y' = y + 𝚑(v+𝚑a/2)sin(φ+𝚑v·tanδ/2L)
//	φ' = φ + 𝚑(v+𝚑a/2)tanδ/L
//	v' = v + 𝚑a
//
// Steering-rate rows bound (δₖ-δₖ₋₁)/𝚑 per transition, the first against
// the control carried over from the previous planning cycle.
//
// Dual rows certify separation of the footprint from obstacle {𝐀𝐲 ≤ 𝐛}
// through the body-frame separating direction µ:
//
//	µ₁² + µ₂²                    (row bounds collapse to 1)
//	µ - 𝐑(φ)ᵀ𝐀ᵀ𝛌                 (= 0)
//	(𝐀𝐜 - 𝐛)ᵀ𝛌 - ℓ/2·µ₁ - w/2·µ₂  (≥ minimum safety distance)
//
// where 𝐜 is the footprint center offset ahead of the rear axle.
func constraintExpr[T any](m *model, o ad.Ops[T], x, dst []T) []T {

	l, h := m.lay, m.lay.Horizon
	g := dst[:0]

	for k := 0; k < h; k++ {
		xk := x[l.StateIndex(k, 0)]
		yk := x[l.StateIndex(k, 1)]
		phi := x[l.StateIndex(k, 2)]
		v := x[l.StateIndex(k, 3)]
		steer := x[l.ControlIndex(k, 0)]
		acc := x[l.ControlIndex(k, 1)]

		dt := o.Scale(m.ts, x[l.TimeIndex(k)])
		half := o.Scale(0.5, dt)
		vMid := o.Add(v, o.Mul(half, acc))
		yawRate := o.Scale(m.invWheel, o.Tan(steer))
		phiMid := o.Add(phi, o.Mul(half, o.Mul(v, yawRate)))
		ds := o.Mul(dt, vMid)

		g = append(g,
			o.Sub(x[l.StateIndex(k+1, 0)], o.Add(xk, o.Mul(ds, o.Cos(phiMid)))),
			o.Sub(x[l.StateIndex(k+1, 1)], o.Add(yk, o.Mul(ds, o.Sin(phiMid)))),
			o.Sub(x[l.StateIndex(k+1, 2)], o.Add(phi, o.Mul(ds, yawRate))),
			o.Sub(x[l.StateIndex(k+1, 3)], o.Add(v, o.Mul(dt, acc))),
		)
	}

	for k := 0; k < h; k++ {
		dt := o.Scale(m.ts, x[l.TimeIndex(k)])
		var dSteer T
		if k == 0 {
			dSteer = o.Shift(-m.prev[0], x[l.ControlIndex(0, 0)])
		} else {
			dSteer = o.Sub(x[l.ControlIndex(k, 0)], x[l.ControlIndex(k-1, 0)])
		}
		g = append(g, o.Div(dSteer, dt))
	}

	for k := 0; k <= h; k++ {
		phi := x[l.StateIndex(k, 2)]
		cosPhi := o.Cos(phi)
		sinPhi := o.Sin(phi)
		cx := o.Add(x[l.StateIndex(k, 0)], o.Scale(m.offset, cosPhi))
		cy := o.Add(x[l.StateIndex(k, 1)], o.Scale(m.offset, sinPhi))

		for ob := 0; ob < l.Obstacles; ob++ {
			e0 := l.edgeOff[ob]
			lam0 := l.LambdaIndex(ob, k)

			// d = 𝐀ᵀ𝛌 and (𝐀𝐜 - 𝐛)ᵀ𝛌 accumulated over the edges
			d1, d2, dist := o.Const(0), o.Const(0), o.Const(0)
			for e := 0; e < l.Edges[ob]; e++ {
				a1, a2, b := m.obstA[e0+e][0], m.obstA[e0+e][1], m.obstB[e0+e]
				lam := x[lam0+e]
				d1 = o.Add(d1, o.Scale(a1, lam))
				d2 = o.Add(d2, o.Scale(a2, lam))
				plane := o.Shift(-b, o.Add(o.Scale(a1, cx), o.Scale(a2, cy)))
				dist = o.Add(dist, o.Mul(plane, lam))
			}

			mu0 := l.MuIndex(ob, k)
			mu1, mu2 := x[mu0], x[mu0+1]
			g = append(g,
				o.Add(o.Square(mu1), o.Square(mu2)),
				o.Sub(mu1, o.Add(o.Mul(cosPhi, d1), o.Mul(sinPhi, d2))),
				o.Sub(mu2, o.Sub(o.Mul(cosPhi, d2), o.Mul(sinPhi, d1))),
				o.Sub(dist, o.Add(o.Scale(m.halfL, mu1), o.Scale(m.halfW, mu2))),
			)
		}
	}
	return g
}
