// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Context hyperparameter keys. They match the YAML keys.
const (
	ParamSurfaceNormal       = "surface_normal"
	ParamSOMK                = "som_k"
	ParamSOMKType            = "som_k_type"
	ParamK                   = "k"
	ParamNodeNum             = "node_num"
	ParamFeatureNum          = "feature_num"
	ParamClasses             = "classes"
	ParamCategories          = "categories"
	ParamDropout             = "dropout"
	ParamActivation          = "activation"
	ParamNormalization       = "normalization"
	ParamBNMomentum          = "bn_momentum"
	ParamBNMomentumDecay     = "bn_momentum_decay"
	ParamBNMomentumDecayStep = "bn_momentum_decay_step"
	ParamOutputFCPCNum       = "output_fc_pc_num"
	ParamOutputConvPCNum     = "output_conv_pc_num"
	ParamInputPCNum          = "input_pc_num"
	ParamBatchSize           = "batch_size"
	ParamKNNNoise            = "knn_noise"
	ParamSOMIterations       = "som_iterations"
	ParamSOMNeighborMetric   = "som_neighbor_metric"
	ParamSOMNeighborNum      = "som_neighbor_num"
)

// Params returns the configuration as context hyperparameters.
func (c *Config) Params() map[string]any {
	return map[string]any{
		ParamSurfaceNormal:       c.SurfaceNormal,
		ParamSOMK:                c.SOMK,
		ParamSOMKType:            c.SOMKType,
		ParamK:                   c.K,
		ParamNodeNum:             c.NodeNum,
		ParamFeatureNum:          c.FeatureNum,
		ParamClasses:             c.Classes,
		ParamCategories:          c.Categories,
		ParamDropout:             c.Dropout,
		ParamActivation:          c.Activation,
		ParamNormalization:       c.Normalization,
		ParamBNMomentum:          c.BNMomentum,
		ParamBNMomentumDecay:     c.BNMomentumDecay,
		ParamBNMomentumDecayStep: c.BNMomentumDecayStep,
		ParamOutputFCPCNum:       c.OutputFCPCNum,
		ParamOutputConvPCNum:     c.OutputConvPCNum,
		ParamInputPCNum:          c.InputPCNum,
		ParamBatchSize:           c.BatchSize,
		ParamKNNNoise:            c.KNNNoise,
		ParamSOMIterations:       c.SOMIterations,
		ParamSOMNeighborMetric:   c.SOMNeighborMetric,
		ParamSOMNeighborNum:      c.SOMNeighborNum,
	}
}

// SetContextParams stores the configuration as hyperparameters in the root scope of ctx,
// so they can be listed and overridden with ui/commandline settings.
func (c *Config) SetContextParams(ctx *context.Context) {
	ctx.InAbsPath(context.RootScope).SetParams(c.Params())
}

// FromContext reads the configuration back from the context hyperparameters.
// Parameters missing from the context take their Default value.
// The returned configuration is validated.
func FromContext(ctx *context.Context) (*Config, error) {
	d := Default()
	c := &Config{
		SurfaceNormal:       context.GetParamOr(ctx, ParamSurfaceNormal, d.SurfaceNormal),
		SOMK:                context.GetParamOr(ctx, ParamSOMK, d.SOMK),
		SOMKType:            context.GetParamOr(ctx, ParamSOMKType, d.SOMKType),
		K:                   context.GetParamOr(ctx, ParamK, d.K),
		NodeNum:             context.GetParamOr(ctx, ParamNodeNum, d.NodeNum),
		FeatureNum:          context.GetParamOr(ctx, ParamFeatureNum, d.FeatureNum),
		Classes:             context.GetParamOr(ctx, ParamClasses, d.Classes),
		Categories:          context.GetParamOr(ctx, ParamCategories, d.Categories),
		Dropout:             context.GetParamOr(ctx, ParamDropout, d.Dropout),
		Activation:          context.GetParamOr(ctx, ParamActivation, d.Activation),
		Normalization:       context.GetParamOr(ctx, ParamNormalization, d.Normalization),
		BNMomentum:          context.GetParamOr(ctx, ParamBNMomentum, d.BNMomentum),
		BNMomentumDecay:     context.GetParamOr(ctx, ParamBNMomentumDecay, d.BNMomentumDecay),
		BNMomentumDecayStep: context.GetParamOr(ctx, ParamBNMomentumDecayStep, d.BNMomentumDecayStep),
		OutputFCPCNum:       context.GetParamOr(ctx, ParamOutputFCPCNum, d.OutputFCPCNum),
		OutputConvPCNum:     context.GetParamOr(ctx, ParamOutputConvPCNum, d.OutputConvPCNum),
		InputPCNum:          context.GetParamOr(ctx, ParamInputPCNum, d.InputPCNum),
		BatchSize:           context.GetParamOr(ctx, ParamBatchSize, d.BatchSize),
		KNNNoise:            context.GetParamOr(ctx, ParamKNNNoise, d.KNNNoise),
		SOMIterations:       context.GetParamOr(ctx, ParamSOMIterations, d.SOMIterations),
		SOMNeighborMetric:   context.GetParamOr(ctx, ParamSOMNeighborMetric, d.SOMNeighborMetric),
		SOMNeighborNum:      context.GetParamOr(ctx, ParamSOMNeighborNum, d.SOMNeighborNum),
	}
	if err := c.Validate(); err != nil {
		return nil, errors.WithMessage(err, "configuration from context")
	}
	return c, nil
}
