// Copyright ©2026 openmotion. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ad

import "math/bits"

// bitset is a fixed-width set of input ordinals.
type bitset []uint64

func newBitset(n int) bitset { return make(bitset, (n+63)/64) }

func (b bitset) set(i int) { b[i>>6] |= 1 << (i & 63) }

func (b bitset) or(o bitset) {
	for i, w := range o {
		b[i] |= w
	}
}

func (b bitset) empty() bool {
	for _, w := range b {
		if w != 0 {
			return false
		}
	}
	return true
}

// visit calls f for every member in ascending order.
func (b bitset) visit(f func(i int)) {
	for i, w := range b {
		for w != 0 {
			f(i<<6 + bits.TrailingZeros64(w))
			w &= w - 1
		}
	}
}

// inputDeps propagates, for every node, the set of the first nx inputs
// the node value depends on.
func (t *Tape) inputDeps(nx int) []bitset {
	deps := make([]bitset, len(t.nodes))
	for i, nd := range t.nodes {
		d := newBitset(nx)
		switch nd.op {
		case opInput:
			if int(nd.a) < nx {
				d.set(int(nd.a))
			}
		case opConst:
		case opAdd, opSub, opMul, opDiv:
			d.or(deps[nd.a])
			d.or(deps[nd.b])
		default:
			d.or(deps[nd.a])
		}
		deps[i] = d
	}
	return deps
}

// liveNodes marks every node that reaches at least one output.
func (t *Tape) liveNodes() []bool {
	live := make([]bool, len(t.nodes))
	for _, o := range t.out {
		live[o] = true
	}
	for i := len(t.nodes) - 1; i >= 0; i-- {
		if !live[i] {
			continue
		}
		nd := &t.nodes[i]
		switch nd.op {
		case opInput, opConst:
		case opAdd, opSub, opMul, opDiv:
			live[nd.a] = true
			live[nd.b] = true
		default:
			live[nd.a] = true
		}
	}
	return live
}

// HessianPattern reports the fixed lower-triangular (row ≥ col) sparsity
// of the Hessian of the single recorded output with respect to the first
// nx inputs. An entry (i,j) is structural when some live nonlinear node
// couples inputs i and j:
//   - a·b contributes D(a)×D(b)
//   - a/b contributes D(a)×D(b) and D(b)×D(b)
//   - a nonlinear unary op contributes D(a)×D(a)
//
// where D(·) is the input-dependency set. Like JacobianPattern, the
// result is fixed across calls.
func (t *Tape) HessianPattern(nx int) (rows, cols []int32) {
	if len(t.out) != 1 {
		panic("hessian requires a scalar tape")
	}
	if nx <= 0 || nx > t.nin {
		panic("hessian active dimension out of range")
	}
	if t.hessRows != nil && t.hessNX == nx {
		return t.hessRows, t.hessCols
	}

	deps := t.inputDeps(nx)
	live := t.liveNodes()

	pat := make([]bitset, nx)
	for i := range pat {
		pat[i] = newBitset(nx)
	}
	// lower triangle only
	cross := func(p, q bitset) {
		p.visit(func(i int) {
			q.visit(func(j int) {
				if i >= j {
					pat[i].set(j)
				} else {
					pat[j].set(i)
				}
			})
		})
	}

	for i, nd := range t.nodes {
		if !live[i] {
			continue
		}
		switch nd.op {
		case opMul:
			cross(deps[nd.a], deps[nd.b])
		case opDiv:
			cross(deps[nd.a], deps[nd.b])
			cross(deps[nd.b], deps[nd.b])
		case opSquare, opSqrt, opSin, opCos, opTan:
			cross(deps[nd.a], deps[nd.a])
		}
	}

	t.hessNX = nx
	t.hessRows = []int32{}
	t.hessCols = []int32{}
	for i, p := range pat {
		p.visit(func(j int) {
			t.hessRows = append(t.hessRows, int32(i))
			t.hessCols = append(t.hessCols, int32(j))
		})
	}
	return t.hessRows, t.hessCols
}
