// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package blocks implements the learnable building blocks of SO-Net: point-wise
// (equivariant) layers on channels-first tensors, linear layers, 2D convolutions
// with nearest up-sampling, and the PointNet and PointResNet stacks built on them.
//
// Every block is "linear map, then optional batch normalization, then activation",
// configured by a Style. Blocks create their variables in the context scope they
// are given, so callers give each block its own scope.
package blocks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// Normalization values accepted by Style.
const (
	NormalizationBatch = "batch"
	NormalizationNone  = "none"
)

// Style configures what follows the linear map of a block.
type Style struct {
	Activation    activations.Type
	Normalization string

	// Momentum is the scalar batch normalization momentum, see MomentumSchedule.Graph.
	// If nil, DefaultMomentum is used.
	Momentum *Node
}

// Plain returns the style without activation nor normalization, used by output layers.
func (s Style) Plain() Style {
	return Style{Activation: activations.TypeNone, Normalization: NormalizationNone, Momentum: s.Momentum}
}

// finish applies normalization and activation to x, whose channels are on featureAxis.
func (s Style) finish(ctx *context.Context, x *Node, featureAxis int) *Node {
	switch s.Normalization {
	case NormalizationBatch:
		x = NewBatchNorm(ctx, x, featureAxis).Momentum(s.Momentum).Done()
	case NormalizationNone, "":
	default:
		exceptions.Panicf("unknown normalization %q, valid values are %q or %q",
			s.Normalization, NormalizationBatch, NormalizationNone)
	}
	return activations.Apply(s.Activation, x)
}

// ChannelsLast moves axis 1 of a channels-first tensor (batch, channels, ...) to the end.
func ChannelsLast(x *Node) *Node {
	if x.Rank() <= 2 {
		return x
	}
	permutation := make([]int, 0, x.Rank())
	permutation = append(permutation, 0)
	for axis := 2; axis < x.Rank(); axis++ {
		permutation = append(permutation, axis)
	}
	permutation = append(permutation, 1)
	return TransposeAllDims(x, permutation...)
}

// ChannelsFirst is the inverse of ChannelsLast.
func ChannelsFirst(x *Node) *Node {
	if x.Rank() <= 2 {
		return x
	}
	permutation := make([]int, 0, x.Rank())
	permutation = append(permutation, 0, x.Rank()-1)
	for axis := 1; axis < x.Rank()-1; axis++ {
		permutation = append(permutation, axis)
	}
	return TransposeAllDims(x, permutation...)
}

// pointwise is the channels-last core of Equivariant.
func pointwise(ctx *context.Context, x *Node, outputChannels int, style Style) *Node {
	x = layers.Dense(ctx, x, true, outputChannels)
	return style.finish(ctx, x, -1)
}

// Equivariant applies the same learned linear map to every position of a channels-first
// tensor shaped (batch, channels, ...), followed by the style's normalization and activation.
// It is the 1x1 convolution of point networks.
func Equivariant(ctx *context.Context, x *Node, outputChannels int, style Style) *Node {
	if x.Rank() < 2 {
		exceptions.Panicf("Equivariant: x must be shaped (batch, channels, ...), got %s", x.Shape())
	}
	return ChannelsFirst(pointwise(ctx, ChannelsLast(x), outputChannels, style))
}

// Linear is a fully connected layer on x shaped (batch, channels).
func Linear(ctx *context.Context, x *Node, outputChannels int, style Style) *Node {
	if x.Rank() != 2 {
		exceptions.Panicf("Linear: x must be shaped (batch, channels), got %s", x.Shape())
	}
	return pointwise(ctx, x, outputChannels, style)
}

// LinearOutput is a fully connected output layer whose bias is initialized uniformly in [-1, 1],
// with no normalization nor activation.
func LinearOutput(ctx *context.Context, x *Node, outputChannels int) *Node {
	if x.Rank() != 2 {
		exceptions.Panicf("LinearOutput: x must be shaped (batch, channels), got %s", x.Shape())
	}
	return uniformBias(ctx, layers.Dense(ctx, x, false, outputChannels))
}

// uniformBias adds a learned bias on the last axis, initialized uniformly in [-1, 1].
func uniformBias(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	dim := x.Shape().Dimensions[x.Rank()-1]
	biasVar := ctx.In("output_bias").
		WithInitializer(initializers.RandomUniformFn(ctx, -1, 1)).
		VariableWithShape("bias", shapes.Make(x.DType(), dim))
	return Add(x, ExpandLeftToRank(biasVar.ValueGraph(g), x.Rank()))
}

// Conv2D is a 2D convolution with "same" padding on channels-last images shaped
// (batch, height, width, channels), followed by the style's normalization and activation.
func Conv2D(ctx *context.Context, x *Node, outputChannels, kernelSize int, style Style) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("Conv2D: x must be shaped (batch, height, width, channels), got %s", x.Shape())
	}
	x = layers.Convolution(ctx, x).Channels(outputChannels).KernelSize(kernelSize).PadSame().Done()
	return style.finish(ctx, x, -1)
}

// ConvOutput is a 1x1 output convolution whose bias is initialized uniformly in [-1, 1],
// with no normalization nor activation.
func ConvOutput(ctx *context.Context, x *Node, outputChannels int) *Node {
	x = layers.Convolution(ctx, x).Channels(outputChannels).KernelSize(1).UseBias(false).Done()
	return uniformBias(ctx, x)
}

// Upsample2x doubles height and width of a channels-last image by nearest-neighbor repetition.
func Upsample2x(x *Node) *Node {
	if x.Rank() != 4 {
		exceptions.Panicf("Upsample2x: x must be shaped (batch, height, width, channels), got %s", x.Shape())
	}
	dims := x.Shape().Dimensions
	batch, height, width, channels := dims[0], dims[1], dims[2], dims[3]
	x = Reshape(x, batch, height, 1, width, 1, channels)
	x = BroadcastToDims(x, batch, height, 2, width, 2, channels)
	return Reshape(x, batch, 2*height, 2*width, channels)
}

// UpConv doubles the image resolution and applies a 3x3 Conv2D.
func UpConv(ctx *context.Context, x *Node, outputChannels int, style Style) *Node {
	return Conv2D(ctx, Upsample2x(x), outputChannels, 3, style)
}
