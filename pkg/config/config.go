// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration surface of the SO-Net model: encoder
// variant selection, head sizes, normalization and the batch normalization
// momentum schedule.
//
// A Config is usually created with Default, optionally overlaid with a YAML file
// (Load) and with context hyperparameters (FromContext), and validated before any
// graph is built. Validate catches the combinations that would otherwise only fail
// deep inside graph construction, e.g. a node count that is not a perfect square.
package config

import (
	"io"
	"math"
	"os"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/sonet/pkg/som"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Center types for the neighborhood graph stage.
const (
	CenterTypeNode    = "center"
	CenterTypeAverage = "avg"
)

// Neighbor metrics for the host-side neighbor index.
const (
	MetricEuclidean = som.MetricEuclidean
	MetricGrid      = som.MetricGrid
)

// Config for the SO-Net encoder and its heads.
type Config struct {
	// SurfaceNormal enables the 3 extra per-point normal channels on input.
	SurfaceNormal bool `yaml:"surface_normal"`

	// SOMK is the number of neighbors of the graph stage over cluster nodes.
	// Values >= 2 enable the stage, anything lower selects the direct variant.
	SOMK int `yaml:"som_k"`

	// SOMKType selects how neighbors are decentered: CenterTypeNode or CenterTypeAverage.
	SOMKType string `yaml:"som_k_type"`

	// K is the number of clusters each point is assigned to (1, 2 or 3).
	K int `yaml:"k"`

	// NodeNum is the number of cluster nodes, it must be a perfect square.
	NodeNum int `yaml:"node_num"`

	FeatureNum int `yaml:"feature_num"`
	Classes    int `yaml:"classes"`

	// Categories is the width of the one-hot object category fed to the segmenter.
	Categories int `yaml:"categories"`

	// Dropout is only applied by the heads when it is larger than DropoutThreshold.
	Dropout float64 `yaml:"dropout"`

	Activation    string `yaml:"activation"`
	Normalization string `yaml:"normalization"`

	BNMomentum          float64 `yaml:"bn_momentum"`
	BNMomentumDecay     float64 `yaml:"bn_momentum_decay"`
	BNMomentumDecayStep int     `yaml:"bn_momentum_decay_step"`

	OutputFCPCNum   int `yaml:"output_fc_pc_num"`
	OutputConvPCNum int `yaml:"output_conv_pc_num"`
	InputPCNum      int `yaml:"input_pc_num"`
	BatchSize       int `yaml:"batch_size"`

	// KNNNoise is the standard deviation of the noise added to decentered neighbors
	// in the graph stage during training. 0 disables it.
	KNNNoise float64 `yaml:"knn_noise"`

	SOMIterations     int    `yaml:"som_iterations"`
	SOMNeighborMetric string `yaml:"som_neighbor_metric"`
	SOMNeighborNum    int    `yaml:"som_neighbor_num"`
}

// DropoutThreshold is the dropout rate at or below which heads skip dropout layers.
const DropoutThreshold = 0.1

// Default returns the configuration used for ModelNet40 classification.
func Default() *Config {
	return &Config{
		SurfaceNormal:       true,
		SOMK:                9,
		SOMKType:            CenterTypeNode,
		K:                   1,
		NodeNum:             64,
		FeatureNum:          1024,
		Classes:             40,
		Categories:          16,
		Dropout:             0.7,
		Activation:          "relu",
		Normalization:       "batch",
		BNMomentum:          0.1,
		BNMomentumDecay:     0.6,
		BNMomentumDecayStep: 0,
		OutputFCPCNum:       0,
		OutputConvPCNum:     1024,
		InputPCNum:          1024,
		BatchSize:           8,
		KNNNoise:            0,
		SOMIterations:       30,
		SOMNeighborMetric:   MetricEuclidean,
		SOMNeighborNum:      9,
	}
}

// Load reads a YAML file overlaid on Default and validates the result.
// Unknown keys are rejected, so typos don't silently fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read configuration %q", path)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "configuration %q", path)
	}
	return cfg, nil
}

// Parse decodes YAML contents overlaid on Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "invalid YAML")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// GraphStage returns whether the neighborhood graph stage over cluster nodes is enabled.
func (c *Config) GraphStage() bool {
	return c.SOMK >= 2
}

// InputChannels is the number of per-point channels fed to the first point network.
func (c *Config) InputChannels() int {
	if c.SurfaceNormal {
		return 6
	}
	return 3
}

// GridSide is the side of the square grid of cluster nodes.
func (c *Config) GridSide() int {
	return int(math.Round(math.Sqrt(float64(c.NodeNum))))
}

// UseDropout returns whether the heads insert dropout layers.
func (c *Config) UseDropout() bool {
	return c.Dropout > DropoutThreshold
}

// Validate returns an error describing the first invalid setting.
func (c *Config) Validate() error {
	if c.NodeNum <= 0 {
		return errors.Errorf("node_num must be > 0, got %d", c.NodeNum)
	}
	if side := c.GridSide(); side*side != c.NodeNum {
		return errors.Errorf("node_num must be a perfect square, got %d", c.NodeNum)
	}
	if c.K < 1 || c.K > 3 {
		return errors.Errorf("k must be 1, 2 or 3, got %d", c.K)
	}
	if c.K > c.NodeNum {
		return errors.Errorf("k=%d cannot be larger than node_num=%d", c.K, c.NodeNum)
	}
	if c.GraphStage() {
		if c.SOMK > c.NodeNum {
			return errors.Errorf("som_k=%d cannot be larger than node_num=%d", c.SOMK, c.NodeNum)
		}
		if c.SOMNeighborNum < c.SOMK || c.SOMNeighborNum > c.NodeNum {
			return errors.Errorf("som_neighbor_num=%d must be between som_k=%d and node_num=%d",
				c.SOMNeighborNum, c.SOMK, c.NodeNum)
		}
	}
	if c.SOMKType != CenterTypeNode && c.SOMKType != CenterTypeAverage {
		return errors.Errorf("som_k_type must be %q or %q, got %q", CenterTypeNode, CenterTypeAverage, c.SOMKType)
	}
	if c.SOMNeighborMetric != MetricEuclidean && c.SOMNeighborMetric != MetricGrid {
		return errors.Errorf("som_neighbor_metric must be %q or %q, got %q", MetricEuclidean, MetricGrid, c.SOMNeighborMetric)
	}
	for _, field := range []struct {
		name  string
		value int
	}{
		{"feature_num", c.FeatureNum},
		{"classes", c.Classes},
		{"categories", c.Categories},
		{"input_pc_num", c.InputPCNum},
		{"batch_size", c.BatchSize},
	} {
		if field.value <= 0 {
			return errors.Errorf("%s must be > 0, got %d", field.name, field.value)
		}
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0, 1), got %g", c.Dropout)
	}
	if _, err := activations.TypeString(c.Activation); err != nil {
		return errors.Wrapf(err, "invalid activation %q", c.Activation)
	}
	if c.Normalization != "batch" && c.Normalization != "none" {
		return errors.Errorf("normalization must be \"batch\" or \"none\", got %q", c.Normalization)
	}
	if c.BNMomentum <= 0 || c.BNMomentum > 1 {
		return errors.Errorf("bn_momentum must be in (0, 1], got %g", c.BNMomentum)
	}
	if c.BNMomentumDecay <= 0 || c.BNMomentumDecay > 1 {
		return errors.Errorf("bn_momentum_decay must be in (0, 1], got %g", c.BNMomentumDecay)
	}
	if c.BNMomentumDecayStep < 0 {
		return errors.Errorf("bn_momentum_decay_step must be >= 0, got %d", c.BNMomentumDecayStep)
	}
	if c.OutputFCPCNum < 0 {
		return errors.Errorf("output_fc_pc_num must be >= 0, got %d", c.OutputFCPCNum)
	}
	switch c.OutputConvPCNum {
	case 0, 1024, 4096:
	default:
		return errors.Errorf("output_conv_pc_num must be 0, 1024 or 4096, got %d", c.OutputConvPCNum)
	}
	if c.OutputFCPCNum == 0 && c.OutputConvPCNum == 0 {
		return errors.New("output_fc_pc_num and output_conv_pc_num cannot both be 0")
	}
	if c.OutputConvPCNum > 0 && c.FeatureNum%8 != 0 {
		return errors.Errorf("feature_num must be divisible by 8 for the convolutional decoder, got %d", c.FeatureNum)
	}
	if c.KNNNoise < 0 {
		return errors.Errorf("knn_noise must be >= 0, got %g", c.KNNNoise)
	}
	if c.SOMIterations < 0 {
		return errors.Errorf("som_iterations must be >= 0, got %d", c.SOMIterations)
	}
	return nil
}
