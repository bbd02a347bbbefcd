// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package heads

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/sonet/pkg/blocks"
	"github.com/gomlx/sonet/pkg/config"
	"github.com/gomlx/sonet/pkg/sonet"
	"github.com/pkg/errors"
)

// DecoderLinear decodes the global feature into output_fc_pc_num points with fully
// connected layers of widths 2P, 3P, 4P and a 3P output.
type DecoderLinear struct {
	cfg       *config.Config
	numPoints int
}

// NewDecoderLinear returns the linear decoder. It requires output_fc_pc_num > 0.
func NewDecoderLinear(cfg *config.Config) (*DecoderLinear, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid linear decoder configuration")
	}
	if cfg.OutputFCPCNum <= 0 {
		return nil, errors.Errorf("linear decoder requires %s > 0, got %d", config.ParamOutputFCPCNum, cfg.OutputFCPCNum)
	}
	return &DecoderLinear{cfg: cfg, numPoints: cfg.OutputFCPCNum}, nil
}

// Forward returns the decoded points shaped (batch, 3, output_fc_pc_num).
func (d *DecoderLinear) Forward(ctx *context.Context, feature *Node) *Node {
	checkFeature("linear decoder", feature, d.cfg.FeatureNum)
	style := sonet.StyleFor(d.cfg, feature.Graph(), nil)
	x := feature
	for ii, factor := range []int{2, 3, 4} {
		x = blocks.Linear(ctx.Inf("fc_%d", ii), x, factor*d.numPoints, style)
	}
	x = blocks.LinearOutput(ctx.In("output"), x, 3*d.numPoints)
	return Reshape(x, feature.Shape().Dimensions[0], 3, d.numPoints)
}

// Taps are the point clouds the convolutional decoder emits at three resolutions,
// each shaped (batch, 3, height*width).
type Taps struct {
	PC256, PC1024, PC4096 *Node
}

// DecoderConv decodes the global feature by up-sampling it from a 1x1 image to 64x64,
// projecting the 16x16, 32x32 and 64x64 images to point clouds.
type DecoderConv struct {
	cfg *config.Config
}

// NewDecoderConv returns the convolutional decoder. It requires feature_num divisible by 8.
func NewDecoderConv(cfg *config.Config) (*DecoderConv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid convolutional decoder configuration")
	}
	if cfg.FeatureNum%8 != 0 {
		return nil, errors.Errorf("convolutional decoder requires %s divisible by 8, got %d",
			config.ParamFeatureNum, cfg.FeatureNum)
	}
	return &DecoderConv{cfg: cfg}, nil
}

// upConvDivisors are the output widths of the up-sampling stages, as divisors of feature_num.
// Taps are taken after stages 3, 4 and 5.
var upConvDivisors = []int{1, 2, 4, 8, 8, 8}

// Forward returns all three taps.
func (d *DecoderConv) Forward(ctx *context.Context, feature *Node) *Taps {
	return d.forwardUntil(ctx, feature, 4096)
}

// forwardUntil builds the up-sampling stages only up to the tap with numPoints points.
func (d *DecoderConv) forwardUntil(ctx *context.Context, feature *Node, numPoints int) *Taps {
	cfg := d.cfg
	checkFeature("convolutional decoder", feature, cfg.FeatureNum)
	style := sonet.StyleFor(cfg, feature.Graph(), nil)
	taps := &Taps{}
	x := Reshape(feature, feature.Shape().Dimensions[0], 1, 1, cfg.FeatureNum)
	for ii, divisor := range upConvDivisors {
		x = blocks.UpConv(ctx.Inf("upconv_%d", ii), x, cfg.FeatureNum/divisor, style)
		var tap **Node
		switch ii {
		case 3:
			tap = &taps.PC256
		case 4:
			tap = &taps.PC1024
		case 5:
			tap = &taps.PC4096
		default:
			continue
		}
		*tap = ConvToPC(ctx.Inf("to_pc_%d", ii), x, style)
		if (*tap).Shape().Dimensions[2] >= numPoints {
			break
		}
	}
	return taps
}

// ConvToPC projects a channels-last image (batch, height, width, C) to a point cloud
// shaped (batch, 3, height*width): a 1x1 convolution with C channels and a 1x1 output
// convolution to 3 channels, with bias initialized uniformly in [-1, 1].
func ConvToPC(ctx *context.Context, x *Node, style blocks.Style) *Node {
	dims := x.Shape().Dimensions
	x = blocks.Conv2D(ctx.In("conv"), x, dims[3], 1, style)
	x = blocks.ConvOutput(ctx.In("output"), x, 3)
	x = blocks.ChannelsFirst(x)
	return Reshape(x, dims[0], 3, dims[1]*dims[2])
}

// Decoder combines DecoderLinear and DecoderConv per output_fc_pc_num and output_conv_pc_num.
type Decoder struct {
	cfg    *config.Config
	linear *DecoderLinear
	conv   *DecoderConv
}

// Reconstruction is the output of Decoder.
type Reconstruction struct {
	// Points is the decoded point cloud, the linear points followed by the convolutional ones,
	// shaped (batch, 3, output_fc_pc_num + output_conv_pc_num).
	Points *Node

	// Linear output, nil if output_fc_pc_num is 0.
	Linear *Node

	// Taps of the convolutional decoder, nil if output_conv_pc_num is 0. PC4096 is only
	// built if output_conv_pc_num is 4096.
	Taps *Taps
}

// NewDecoder returns the decoder for the configuration. It fails if both outputs are disabled
// or if output_conv_pc_num is not one of 0, 1024 or 4096.
func NewDecoder(cfg *config.Config) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid decoder configuration")
	}
	d := &Decoder{cfg: cfg}
	var err error
	if cfg.OutputFCPCNum > 0 {
		if d.linear, err = NewDecoderLinear(cfg); err != nil {
			return nil, err
		}
	}
	if cfg.OutputConvPCNum > 0 {
		if d.conv, err = NewDecoderConv(cfg); err != nil {
			return nil, err
		}
	}
	if d.linear == nil && d.conv == nil {
		return nil, errors.Errorf("decoder needs %s or %s > 0", config.ParamOutputFCPCNum, config.ParamOutputConvPCNum)
	}
	return d, nil
}

// Forward decodes the global feature (batch, feature_num).
func (d *Decoder) Forward(ctx *context.Context, feature *Node) *Reconstruction {
	r := &Reconstruction{}
	var parts []*Node
	if d.linear != nil {
		r.Linear = d.linear.Forward(ctx.In("linear"), feature)
		parts = append(parts, r.Linear)
	}
	if d.conv != nil {
		r.Taps = d.conv.forwardUntil(ctx.In("conv"), feature, d.cfg.OutputConvPCNum)
		switch d.cfg.OutputConvPCNum {
		case 1024:
			parts = append(parts, r.Taps.PC1024)
		case 4096:
			parts = append(parts, r.Taps.PC4096)
		default:
			exceptions.Panicf("unsupported %s=%d", config.ParamOutputConvPCNum, d.cfg.OutputConvPCNum)
		}
	}
	if len(parts) == 1 {
		r.Points = parts[0]
	} else {
		r.Points = Concatenate(parts, 2)
	}
	return r
}

func checkFeature(name string, feature *Node, featureNum int) {
	if feature.Rank() != 2 || feature.Shape().Dimensions[1] != featureNum {
		exceptions.Panicf("%s feature must be shaped (batch, %d), got %s", name, featureNum, feature.Shape())
	}
}
