// Copyright ©2026 openmotion. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package distapproach

import (
	"errors"
	"fmt"
)

// Layout fixes the block structure of the flat decision vector and the
// constraint residual vector. All offsets and counts are pure functions
// of the horizon and the obstacle configuration, computed once at
// construction and never mutated.
//
// Decision vector, in block order:
//   - state: (h+1) samples of (x, y, φ, v)
//   - control: h samples of (δ, a)
//   - time scaling: h positive factors stretching the sample interval
//   - λ: one multiplier per (obstacle edge × sample), sample-major
//   - µ: one 2-vector per (obstacle × sample), sample-major
//
// Constraint residual, in row order:
//   - 4 kinematic equality rows per transition k → k+1
//   - one steering-rate row per transition
//   - per (sample k, obstacle o): one unit-norm row on µ, two
//     direction-alignment rows tying µ to Aᵀλ, one safety-margin row
type Layout struct {
	Horizon   int
	Obstacles int
	Edges     []int
	EdgesSum  int

	NumVariables   int
	NumConstraints int

	StateStart   int
	ControlStart int
	TimeStart    int
	LambdaStart  int
	MuStart      int

	edgeOff []int // prefix offsets into the stacked A/b rows
}

// rows per (obstacle, sample): norm, two alignment, safety margin
const dualRows = 4

// NewLayout computes the block offsets for a horizon of h transitions and
// the given per-obstacle edge counts. obstacleRows is the row count of
// the stacked half-plane matrices and must equal the edge total.
func NewLayout(horizon int, edges []int, obstacleRows int) (*Layout, error) {

	if horizon <= 0 {
		return nil, errors.New("horizon must be positive")
	}
	sum := 0
	off := make([]int, len(edges))
	for i, e := range edges {
		if e <= 0 {
			return nil, fmt.Errorf("obstacle %d: edge count must be positive", i)
		}
		off[i] = sum
		sum += e
	}
	if sum != obstacleRows {
		return nil, fmt.Errorf("edge total %d not match obstacle data rows %d", sum, obstacleRows)
	}

	h, m := horizon, len(edges)
	l := &Layout{
		Horizon:   h,
		Obstacles: m,
		Edges:     append([]int(nil), edges...),
		EdgesSum:  sum,
		edgeOff:   off,
	}
	l.StateStart = 0
	l.ControlStart = 4 * (h + 1)
	l.TimeStart = l.ControlStart + 2*h
	l.LambdaStart = l.TimeStart + h
	l.MuStart = l.LambdaStart + sum*(h+1)
	l.NumVariables = l.MuStart + 2*m*(h+1)
	l.NumConstraints = 5*h + dualRows*m*(h+1)
	return l, nil
}

// StateIndex returns the variable index of state component i ∈ [0,4) at
// sample k ∈ [0,h].
func (l *Layout) StateIndex(k, i int) int { return l.StateStart + 4*k + i }

// ControlIndex returns the variable index of control component i ∈ [0,2)
// at sample k ∈ [0,h).
func (l *Layout) ControlIndex(k, i int) int { return l.ControlStart + 2*k + i }

// TimeIndex returns the variable index of the time-scaling factor of
// transition k ∈ [0,h).
func (l *Layout) TimeIndex(k int) int { return l.TimeStart + k }

// LambdaIndex returns the variable index of the first edge multiplier of
// obstacle o at sample k; the obstacle's Edges[o] multipliers follow
// contiguously.
func (l *Layout) LambdaIndex(o, k int) int {
	return l.LambdaStart + k*l.EdgesSum + l.edgeOff[o]
}

// MuIndex returns the variable index of the first µ component of
// obstacle o at sample k.
func (l *Layout) MuIndex(o, k int) int {
	return l.MuStart + k*2*l.Obstacles + 2*o
}

// KinematicRow returns the first residual row of transition k; the four
// state components follow in order.
func (l *Layout) KinematicRow(k int) int { return 4 * k }

// SteerRateRow returns the residual row bounding the steering rate of
// transition k ∈ [0,h).
func (l *Layout) SteerRateRow(k int) int { return 4*l.Horizon + k }

// DualRow returns the first residual row of the (sample k, obstacle o)
// dual-feasibility group: norm, alignment ×2, safety margin.
func (l *Layout) DualRow(k, o int) int {
	return 5*l.Horizon + dualRows*(k*l.Obstacles+o)
}
