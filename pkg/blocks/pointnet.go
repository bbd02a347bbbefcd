// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package blocks

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

// PointNetConfig is a stack of point-wise layers on channels-first inputs shaped
// (batch, channels, ...). Create it with NewPointNet or NewPointResNet, set the
// style and call Done.
//
// E.g.: a 3-layer point network on points with normals:
//
//	features := blocks.NewPointNet(ctx.In("pointnet"), x, 64, 128, 256).
//		Style(style).
//		Done()
type PointNetConfig struct {
	ctx      *context.Context
	input    *Node
	channels []int
	style    Style
	residual bool
}

// NewPointNet creates a point network with one layer per element of channels,
// each followed by normalization and activation.
func NewPointNet(ctx *context.Context, x *Node, channels ...int) *PointNetConfig {
	if len(channels) == 0 {
		exceptions.Panicf("NewPointNet requires at least one layer")
	}
	return &PointNetConfig{ctx: ctx, input: x, channels: channels, style: Style{Normalization: NormalizationBatch}}
}

// NewPointResNet creates a point network where the last layer is fed with the
// concatenation of the outputs of the first layer and of the layer before the last.
// It requires at least 2 layers: with exactly 2, the last layer takes the first
// layer's output concatenated with itself.
func NewPointResNet(ctx *context.Context, x *Node, channels ...int) *PointNetConfig {
	if len(channels) < 2 {
		exceptions.Panicf("NewPointResNet requires at least 2 layers, got %d", len(channels))
	}
	pn := NewPointNet(ctx, x, channels...)
	pn.residual = true
	return pn
}

// Style sets normalization and activation used after every layer.
func (pn *PointNetConfig) Style(style Style) *PointNetConfig {
	pn.style = style
	return pn
}

// Done builds the layers and returns the output shaped (batch, channels[last], ...).
func (pn *PointNetConfig) Done() *Node {
	if pn.input.Rank() < 3 {
		exceptions.Panicf("point network input must be shaped (batch, channels, points...), got %s", pn.input.Shape())
	}
	x := ChannelsLast(pn.input)
	var first *Node
	last := len(pn.channels) - 1
	for ii, channels := range pn.channels {
		if ii == last && pn.residual {
			x = Concatenate([]*Node{first, x}, -1)
		}
		x = pointwise(pn.ctx.Inf("layer_%d", ii), x, channels, pn.style)
		if ii == 0 {
			first = x
		}
	}
	return ChannelsFirst(x)
}
