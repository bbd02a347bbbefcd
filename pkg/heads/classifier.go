// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package heads implements the task heads on top of the SO-Net encoder: a shape
// Classifier, a per-point part Segmenter and the point cloud decoders used for
// auto-encoding (DecoderLinear, DecoderConv and their combination Decoder).
//
// Heads are created from the same configuration as the encoder and build their
// variables in the context scope they are given.
package heads

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/sonet/pkg/blocks"
	"github.com/gomlx/sonet/pkg/config"
	"github.com/gomlx/sonet/pkg/sonet"
	"github.com/pkg/errors"
)

// ClassifierChannels are the hidden widths of the Classifier.
var ClassifierChannels = []int{512, 256}

// Classifier maps the global feature to per-class scores (logits).
type Classifier struct {
	cfg *config.Config
}

// NewClassifier returns a Classifier for the configuration.
func NewClassifier(cfg *config.Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid classifier configuration")
	}
	return &Classifier{cfg: cfg}, nil
}

// Forward takes the global feature (batch, feature_num) and returns the scores (batch, classes).
// epoch drives the batch normalization momentum schedule and may be nil.
func (c *Classifier) Forward(ctx *context.Context, feature, epoch *Node) *Node {
	cfg := c.cfg
	if feature.Rank() != 2 || feature.Shape().Dimensions[1] != cfg.FeatureNum {
		exceptions.Panicf("classifier feature must be shaped (batch, %d), got %s", cfg.FeatureNum, feature.Shape())
	}
	style := sonet.StyleFor(cfg, feature.Graph(), epoch)
	x := feature
	for ii, channels := range ClassifierChannels {
		x = blocks.Linear(ctx.Inf("fc_%d", ii), x, channels, style)
		x = maybeDropout(ctx.Inf("dropout_%d", ii), cfg, x)
	}
	return blocks.Linear(ctx.In("scores"), x, cfg.Classes, style.Plain())
}

// maybeDropout applies dropout only when the configured rate is above config.DropoutThreshold.
// Dropout itself is a no-op outside training.
func maybeDropout(ctx *context.Context, cfg *config.Config, x *Node) *Node {
	if !cfg.UseDropout() {
		return x
	}
	return layers.DropoutStatic(ctx, x, cfg.Dropout)
}
