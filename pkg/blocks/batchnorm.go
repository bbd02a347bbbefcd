// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers/regularizers"
	"github.com/gomlx/gomlx/pkg/support/xslices"
)

// BatchNormScope is the sub-scope created for the batch normalization variables.
const BatchNormScope = "batch_normalization"

// DefaultMomentum is used by BatchNorm if no momentum is configured.
const DefaultMomentum = 0.1

// BatchNormConfig is a batch normalization whose running averages follow a momentum
// given as a graph value, so it can follow a MomentumSchedule driven by the epoch.
// Create it with NewBatchNorm, configure it and call Done.
//
// The running averages are updated as
//
//	running = (1 - momentum) * running + momentum * batch
//
// so a larger momentum follows the batches more closely. The running variance
// tracks the unbiased batch variance, while normalization during training uses
// the biased one.
type BatchNormConfig struct {
	ctx           *context.Context
	x             *Node
	featureAxis   int
	momentum      *Node
	epsilon       float64
	center, scale bool
}

// NewBatchNorm prepares the batch normalization of x over all axes except featureAxis.
// E.g.: for x shaped (batch, points, channels) use featureAxis=-1.
//
// During training (see context.Context.IsTraining) it normalizes with the batch
// statistics and updates the running averages, otherwise it uses the running averages.
func NewBatchNorm(ctx *context.Context, x *Node, featureAxis int) *BatchNormConfig {
	return &BatchNormConfig{
		ctx:         ctx,
		x:           x,
		featureAxis: featureAxis,
		epsilon:     1e-5,
		center:      true,
		scale:       true,
	}
}

// Momentum sets the scalar momentum of the running averages. Default is DefaultMomentum.
func (bn *BatchNormConfig) Momentum(momentum *Node) *BatchNormConfig {
	bn.momentum = momentum
	return bn
}

// Epsilon added to the variance before taking the square root. Default is 1e-5.
func (bn *BatchNormConfig) Epsilon(value float64) *BatchNormConfig {
	bn.epsilon = value
	return bn
}

// Center defines whether a learned offset is added. Default is true.
func (bn *BatchNormConfig) Center(value bool) *BatchNormConfig {
	bn.center = value
	return bn
}

// Scale defines whether a learned scale is applied. Default is true.
func (bn *BatchNormConfig) Scale(value bool) *BatchNormConfig {
	bn.scale = value
	return bn
}

// Done creates the variables and returns the normalized x.
func (bn *BatchNormConfig) Done() *Node {
	x := bn.x
	g := x.Graph()
	dtype := x.DType()
	ctx := bn.ctx.In(BatchNormScope)

	featureAxis := AdjustAxisToOperandRank(x, bn.featureAxis)
	featureDim := x.Shape().Dimensions[featureAxis]
	varShape := shapes.Make(dtype, featureDim)

	var scaleVar *context.Variable
	scale, offset := Ones(g, varShape), Zeros(g, varShape)
	if bn.scale {
		scaleVar = ctx.WithInitializer(initializers.One).VariableWithShape("scale", varShape).SetTrainable(true)
		scale = scaleVar.ValueGraph(g)
	}
	if bn.center {
		offset = ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", varShape).SetTrainable(true).ValueGraph(g)
	}
	meanVar := ctx.WithInitializer(initializers.Zero).VariableWithShape("mean", varShape).SetTrainable(false)
	varianceVar := ctx.WithInitializer(initializers.One).VariableWithShape("variance", varShape).SetTrainable(false)

	var normalized *Node
	if ctx.IsTraining(g) {
		batchMean, batchVariance, count := bn.batchMeanAndVariance(x)
		normalized = bn.normalize(x, scale, offset, batchMean, batchVariance)
		bn.updateAverages(g, batchMean, batchVariance, count, meanVar, varianceVar)
	} else {
		normalized = bn.normalize(x, scale, offset, meanVar.ValueGraph(g), varianceVar.ValueGraph(g))
	}

	if scaleVar != nil {
		if l2 := context.GetParamOr(ctx, regularizers.ParamL2, 0.0); l2 > 0 {
			regularizers.L2(l2)(ctx, g, scaleVar)
		}
	}
	return normalized
}

func (bn *BatchNormConfig) batchMeanAndVariance(x *Node) (batchMean, batchVariance *Node, count int) {
	featureAxis := AdjustAxisToOperandRank(x, bn.featureAxis)
	nonFeatureAxes := make([]int, 0, x.Rank()-1)
	count = 1
	for axis := range x.Rank() {
		if axis != featureAxis {
			nonFeatureAxes = append(nonFeatureAxes, axis)
			count *= x.Shape().Dimensions[axis]
		}
	}
	batchMean = ReduceAndKeep(x, ReduceMean, nonFeatureAxes...)
	batchVariance = ReduceMean(Square(Sub(x, batchMean)), nonFeatureAxes...)
	batchMean = Reshape(batchMean, batchVariance.Shape().Dimensions...)
	return
}

// normalize x with the given statistics, shaped (featureDim,). It is differentiable.
func (bn *BatchNormConfig) normalize(x, scale, offset, mean, variance *Node) *Node {
	featureAxis := AdjustAxisToOperandRank(x, bn.featureAxis)
	dims := xslices.SliceWithValue(x.Rank(), 1)
	dims[featureAxis] = x.Shape().Dimensions[featureAxis]
	normalized := Div(
		Sub(x, Reshape(mean, dims...)),
		Sqrt(AddScalar(Reshape(variance, dims...), bn.epsilon)))
	return Add(Mul(normalized, Reshape(scale, dims...)), Reshape(offset, dims...))
}

func (bn *BatchNormConfig) updateAverages(g *Graph, batchMean, batchVariance *Node, count int,
	meanVar, varianceVar *context.Variable) {
	dtype := batchMean.DType()
	var momentum *Node
	if bn.momentum == nil {
		momentum = Scalar(g, dtype, DefaultMomentum)
	} else {
		momentum = ConvertDType(StopGradient(bn.momentum), dtype)
	}
	batchMean = StopGradient(batchMean)
	batchVariance = StopGradient(batchVariance)
	if count > 1 {
		batchVariance = MulScalar(batchVariance, float64(count)/float64(count-1))
	}
	keep := OneMinus(momentum)
	meanVar.SetValueGraph(Add(Mul(keep, meanVar.ValueGraph(g)), Mul(momentum, batchMean)))
	varianceVar.SetValueGraph(Add(Mul(keep, varianceVar.ValueGraph(g)), Mul(momentum, batchVariance)))
}
