// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	"math"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// MinMomentum is the floor of the scheduled batch normalization momentum.
const MinMomentum = 0.01

// MomentumSchedule decays the batch normalization momentum by epoch:
//
//	momentum(epoch) = max(Initial * Decay^floor(epoch / DecayStep), Floor)
//
// The decay only applies from epoch 1 on and when DecayStep > 0, otherwise the
// momentum is Initial.
type MomentumSchedule struct {
	Initial, Decay float64
	DecayStep      int
	Floor          float64
}

// NewMomentumSchedule creates a schedule floored at MinMomentum.
func NewMomentumSchedule(initial, decay float64, decayStep int) MomentumSchedule {
	return MomentumSchedule{Initial: initial, Decay: decay, DecayStep: decayStep, Floor: MinMomentum}
}

// Value of the momentum for the given epoch.
func (s MomentumSchedule) Value(epoch int) float64 {
	if s.DecayStep <= 0 || epoch < 1 {
		return s.Initial
	}
	return math.Max(s.Initial*math.Pow(s.Decay, float64(epoch/s.DecayStep)), s.Floor)
}

// Graph returns the momentum for the epoch given as a scalar graph value, as a
// float32 scalar. If epoch is nil, or the schedule doesn't decay, it is a
// constant Initial in g.
func (s MomentumSchedule) Graph(g *Graph, epoch *Node) *Node {
	initial := Scalar(g, dtypes.Float32, s.Initial)
	if epoch == nil || s.DecayStep <= 0 {
		return initial
	}
	e := ConvertDType(epoch, dtypes.Float32)
	steps := Floor(DivScalar(e, float64(s.DecayStep)))
	momentum := Mul(initial, Pow(Scalar(g, dtypes.Float32, s.Decay), steps))
	momentum = Max(momentum, Scalar(g, dtypes.Float32, s.Floor))
	return Where(GreaterOrEqual(e, ScalarOne(g, dtypes.Float32)), momentum, initial)
}
