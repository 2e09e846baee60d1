// Copyright ©2026 openmotion. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ad

import "math"

// Hessian computes the values of the structural entries reported by
// HessianPattern(nx) at the full input point x, which supplies all nin
// inputs (active variables first, then any passive inputs such as the
// objective factor and the constraint multipliers of a Lagrangian tape).
//
// Values are obtained by one forward-over-reverse sweep per structural
// column: seeding the tangent at input j yields the Hessian-vector
// product 𝐇·𝐞ⱼ, whose entries are scattered into vals. The Hessian is
// symmetric by construction since only the lower triangle is stored.
func (t *Tape) Hessian(x []float64, nx int, vals []float64) {
	rows, cols := t.HessianPattern(nx)
	if len(vals) != len(rows) {
		panic("tape hessian dimension not match pattern")
	}
	t.forward(x)
	if len(t.dot) != len(t.nodes) {
		t.dot = make([]float64, len(t.nodes))
		t.adjDot = make([]float64, len(t.nodes))
	}

	// group entries by column: cols ascending within each row, so sort
	// sweeps by distinct column via a column→entries index
	byCol := make(map[int32][]int, nx)
	for k, c := range cols {
		byCol[c] = append(byCol[c], k)
	}
	for c := int32(0); int(c) < nx; c++ {
		ks := byCol[c]
		if len(ks) == 0 {
			continue
		}
		t.hvp(int(c))
		for _, k := range ks {
			vals[k] = t.adjDot[rows[k]]
		}
	}
}

// hvp performs the second-order adjoint sweep for seed direction 𝐞ⱼ over
// the current t.val, leaving 𝐇·𝐞ⱼ in t.adjDot at the input nodes.
func (t *Tape) hvp(j int) {
	val, dot, adj, adjDot := t.val, t.dot, t.adj, t.adjDot

	// tangent pass: v̇ᵢ = d vᵢ / d xⱼ
	for i, nd := range t.nodes {
		var d float64
		switch nd.op {
		case opInput:
			if int(nd.a) == j {
				d = 1
			}
		case opConst:
		case opAdd:
			d = dot[nd.a] + dot[nd.b]
		case opSub:
			d = dot[nd.a] - dot[nd.b]
		case opMul:
			d = dot[nd.a]*val[nd.b] + val[nd.a]*dot[nd.b]
		case opDiv:
			d = (dot[nd.a] - val[i]*dot[nd.b]) / val[nd.b]
		case opNeg:
			d = -dot[nd.a]
		case opSquare:
			d = 2 * val[nd.a] * dot[nd.a]
		case opSqrt:
			d = dot[nd.a] / (2 * val[i])
		case opSin:
			d = math.Cos(val[nd.a]) * dot[nd.a]
		case opCos:
			d = -math.Sin(val[nd.a]) * dot[nd.a]
		case opTan:
			d = (1 + val[i]*val[i]) * dot[nd.a]
		case opScale:
			d = nd.c * dot[nd.a]
		case opShift:
			d = dot[nd.a]
		}
		dot[i] = d
	}

	// second-order adjoint pass: for node f(a,b) propagate
	//   ā  += ∂f/∂a·f̄       ā̇ += ∂f/∂a·f̄̇ + (d/dt ∂f/∂a)·f̄
	for i := range adj {
		adj[i] = 0
		adjDot[i] = 0
	}
	adj[t.out[0]] = 1
	for i := len(t.nodes) - 1; i >= 0; i-- {
		ab, abd := adj[i], adjDot[i]
		if ab == 0 && abd == 0 {
			continue
		}
		nd := &t.nodes[i]
		switch nd.op {
		case opAdd:
			adj[nd.a] += ab
			adjDot[nd.a] += abd
			adj[nd.b] += ab
			adjDot[nd.b] += abd
		case opSub:
			adj[nd.a] += ab
			adjDot[nd.a] += abd
			adj[nd.b] -= ab
			adjDot[nd.b] -= abd
		case opMul:
			adj[nd.a] += ab * val[nd.b]
			adjDot[nd.a] += abd*val[nd.b] + ab*dot[nd.b]
			adj[nd.b] += ab * val[nd.a]
			adjDot[nd.b] += abd*val[nd.a] + ab*dot[nd.a]
		case opDiv:
			b := val[nd.b]
			da := 1 / b
			db := -val[i] / b
			adj[nd.a] += ab * da
			adjDot[nd.a] += abd*da - ab*dot[nd.b]/(b*b)
			adj[nd.b] += ab * db
			adjDot[nd.b] += abd*db + ab*(2*val[i]*dot[nd.b]-dot[nd.a])/(b*b)
		case opNeg:
			adj[nd.a] -= ab
			adjDot[nd.a] -= abd
		case opSquare:
			adj[nd.a] += 2 * val[nd.a] * ab
			adjDot[nd.a] += 2 * (val[nd.a]*abd + dot[nd.a]*ab)
		case opSqrt:
			f := val[i]
			adj[nd.a] += ab / (2 * f)
			adjDot[nd.a] += abd/(2*f) - ab*dot[i]/(2*f*f)
		case opSin:
			c := math.Cos(val[nd.a])
			s := math.Sin(val[nd.a])
			adj[nd.a] += ab * c
			adjDot[nd.a] += abd*c - ab*s*dot[nd.a]
		case opCos:
			c := math.Cos(val[nd.a])
			s := math.Sin(val[nd.a])
			adj[nd.a] -= ab * s
			adjDot[nd.a] -= abd*s + ab*c*dot[nd.a]
		case opTan:
			sec2 := 1 + val[i]*val[i]
			adj[nd.a] += ab * sec2
			adjDot[nd.a] += abd*sec2 + ab*2*val[i]*dot[i]
		case opScale:
			adj[nd.a] += nd.c * ab
			adjDot[nd.a] += nd.c * abd
		case opShift:
			adj[nd.a] += ab
			adjDot[nd.a] += abd
		}
	}
}
