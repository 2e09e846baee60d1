// Copyright ©2026 openmotion. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ad

import "math"

// Value is a handle to one node of a Tape. Values are only meaningful
// with the tape that produced them.
type Value int32

type opcode uint8

const (
	opInput opcode = iota
	opConst
	opAdd
	opSub
	opMul
	opDiv
	opNeg
	opSquare
	opSqrt
	opSin
	opCos
	opTan
	opScale // c·a
	opShift // c+a
)

// node is one recorded operation. For opInput, a holds the input ordinal.
// For opConst, opScale and opShift, c holds the plain constant.
type node struct {
	op   opcode
	a, b Value
	c    float64
}

// Tape is the recorded trace of one formulation run.
//
// A tape owns mutable scratch buffers for replay and sweeps, so it is
// single-owner state: to avoid race conditions, concurrent callers need
// separate tapes recorded from the same formulation.
type Tape struct {
	nodes []node
	nin   int
	out   []Value

	// replay and sweep scratch, sized to len(nodes) on first use
	val    []float64
	adj    []float64
	dot    []float64
	adjDot []float64

	// memoized sparsity patterns
	jacRows, jacCols   []int32
	hessNX             int
	hessRows, hessCols []int32
}

// Record runs the formulation f once over the recording scalar and
// returns the captured trace. The n inputs passed to f occupy the first
// n nodes of the tape in order.
func Record(n int, f func(o Ops[Value], x []Value) []Value) *Tape {
	if n <= 0 {
		panic("tape input dimension must be positive")
	}
	t := &Tape{nin: n, nodes: make([]node, 0, 4*n)}
	x := make([]Value, n)
	for i := range x {
		x[i] = t.push(node{op: opInput, a: Value(i)})
	}
	out := f(t, x)
	if len(out) == 0 {
		panic("formulation produced no outputs")
	}
	t.out = append([]Value(nil), out...)
	return t
}

func (t *Tape) push(n node) Value {
	t.nodes = append(t.nodes, n)
	return Value(len(t.nodes) - 1)
}

var _ Ops[Value] = (*Tape)(nil)

func (t *Tape) Const(c float64) Value    { return t.push(node{op: opConst, c: c}) }
func (t *Tape) Add(a, b Value) Value     { return t.push(node{op: opAdd, a: a, b: b}) }
func (t *Tape) Sub(a, b Value) Value     { return t.push(node{op: opSub, a: a, b: b}) }
func (t *Tape) Mul(a, b Value) Value     { return t.push(node{op: opMul, a: a, b: b}) }
func (t *Tape) Div(a, b Value) Value     { return t.push(node{op: opDiv, a: a, b: b}) }
func (t *Tape) Neg(a Value) Value        { return t.push(node{op: opNeg, a: a}) }
func (t *Tape) Square(a Value) Value     { return t.push(node{op: opSquare, a: a}) }
func (t *Tape) Sqrt(a Value) Value       { return t.push(node{op: opSqrt, a: a}) }
func (t *Tape) Sin(a Value) Value        { return t.push(node{op: opSin, a: a}) }
func (t *Tape) Cos(a Value) Value        { return t.push(node{op: opCos, a: a}) }
func (t *Tape) Tan(a Value) Value        { return t.push(node{op: opTan, a: a}) }
func (t *Tape) Scale(c float64, a Value) Value { return t.push(node{op: opScale, a: a, c: c}) }
func (t *Tape) Shift(c float64, a Value) Value { return t.push(node{op: opShift, a: a, c: c}) }

// NumInputs reports the input dimension n the tape was recorded with.
func (t *Tape) NumInputs() int { return t.nin }

// NumOutputs reports the output dimension m of the recorded formulation.
func (t *Tape) NumOutputs() int { return len(t.out) }

func (t *Tape) scratch() {
	if len(t.val) != len(t.nodes) {
		t.val = make([]float64, len(t.nodes))
		t.adj = make([]float64, len(t.nodes))
	}
}

// forward evaluates every node at x into t.val.
func (t *Tape) forward(x []float64) {
	if len(x) != t.nin {
		panic("tape input dimension not match record")
	}
	t.scratch()
	val := t.val
	for i, nd := range t.nodes {
		var v float64
		switch nd.op {
		case opInput:
			v = x[nd.a]
		case opConst:
			v = nd.c
		case opAdd:
			v = val[nd.a] + val[nd.b]
		case opSub:
			v = val[nd.a] - val[nd.b]
		case opMul:
			v = val[nd.a] * val[nd.b]
		case opDiv:
			v = val[nd.a] / val[nd.b]
		case opNeg:
			v = -val[nd.a]
		case opSquare:
			v = val[nd.a] * val[nd.a]
		case opSqrt:
			v = math.Sqrt(val[nd.a])
		case opSin:
			v = math.Sin(val[nd.a])
		case opCos:
			v = math.Cos(val[nd.a])
		case opTan:
			v = math.Tan(val[nd.a])
		case opScale:
			v = nd.c * val[nd.a]
		case opShift:
			v = nd.c + val[nd.a]
		}
		val[i] = v
	}
}

// Replay evaluates the recorded formulation at x and stores the outputs in y.
func (t *Tape) Replay(x, y []float64) {
	if len(y) != len(t.out) {
		panic("tape output dimension not match record")
	}
	t.forward(x)
	for i, o := range t.out {
		y[i] = t.val[o]
	}
}

// reverse performs one adjoint sweep over the already evaluated trace.
// The caller seeds t.adj at the chosen output nodes beforehand.
func (t *Tape) reverse() {
	val, adj := t.val, t.adj
	for i := len(t.nodes) - 1; i >= 0; i-- {
		ad := adj[i]
		if ad == 0 {
			continue
		}
		nd := &t.nodes[i]
		switch nd.op {
		case opAdd:
			adj[nd.a] += ad
			adj[nd.b] += ad
		case opSub:
			adj[nd.a] += ad
			adj[nd.b] -= ad
		case opMul:
			adj[nd.a] += ad * val[nd.b]
			adj[nd.b] += ad * val[nd.a]
		case opDiv:
			adj[nd.a] += ad / val[nd.b]
			adj[nd.b] -= ad * val[i] / val[nd.b]
		case opNeg:
			adj[nd.a] -= ad
		case opSquare:
			adj[nd.a] += 2 * val[nd.a] * ad
		case opSqrt:
			adj[nd.a] += ad / (2 * val[i])
		case opSin:
			adj[nd.a] += math.Cos(val[nd.a]) * ad
		case opCos:
			adj[nd.a] -= math.Sin(val[nd.a]) * ad
		case opTan:
			adj[nd.a] += (1 + val[i]*val[i]) * ad
		case opScale:
			adj[nd.a] += nd.c * ad
		case opShift:
			adj[nd.a] += ad
		}
	}
}

// Gradient computes 𝜵𝒇ᵣ(𝐱), the gradient of output row r, into g.
func (t *Tape) Gradient(x []float64, r int, g []float64) {
	if r < 0 || r >= len(t.out) {
		panic("tape output row out of range")
	}
	if len(g) != t.nin {
		panic("tape gradient dimension not match record")
	}
	t.forward(x)
	t.gradRow(r, g)
}

// gradRow runs a reverse sweep for output row r over the current t.val.
func (t *Tape) gradRow(r int, g []float64) {
	adj := t.adj
	for i := range adj {
		adj[i] = 0
	}
	adj[t.out[r]] = 1
	t.reverse()
	// inputs occupy the first nin nodes in order
	copy(g, adj[:t.nin])
}

// JacobianPattern reports the fixed (row, col) positions of the
// structurally nonzero Jacobian entries, ordered row-major. The pattern
// depends only on the recorded trace, never on the evaluation point, and
// repeated calls return the same index sets.
func (t *Tape) JacobianPattern() (rows, cols []int32) {
	if t.jacRows == nil {
		deps := t.inputDeps(t.nin)
		for r, o := range t.out {
			d := deps[o]
			d.visit(func(j int) {
				t.jacRows = append(t.jacRows, int32(r))
				t.jacCols = append(t.jacCols, int32(j))
			})
		}
		if t.jacRows == nil {
			t.jacRows = []int32{}
			t.jacCols = []int32{}
		}
	}
	return t.jacRows, t.jacCols
}

// Jacobian computes the values of the structurally nonzero entries at x,
// aligned with JacobianPattern. One reverse sweep is spent per output row
// that owns at least one entry.
func (t *Tape) Jacobian(x []float64, vals []float64) {
	rows, cols := t.JacobianPattern()
	if len(vals) != len(rows) {
		panic("tape jacobian dimension not match pattern")
	}
	t.forward(x)
	g := make([]float64, t.nin)
	for k := 0; k < len(rows); {
		r := rows[k]
		t.gradRow(int(r), g)
		for ; k < len(rows) && rows[k] == r; k++ {
			vals[k] = g[cols[k]]
		}
	}
}
