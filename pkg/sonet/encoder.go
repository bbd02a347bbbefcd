// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sonet implements the SO-Net point cloud encoder.
//
// The encoder clusters the points around self-organizing map nodes (som.QueryTopK),
// encodes every point relative to its cluster center with a PointResNet, max-pools
// the point features per cluster, optionally mixes neighboring clusters with a
// ClusterGraph stage, and encodes the clusters into one global feature vector.
// The intermediate values are returned in Outputs, for the heads in package heads.
//
// Tensors are channels-first: points are shaped (batch, 3, N), cluster features
// (batch, C, M). Points are replicated K times (see som.Assignment), so per-point
// intermediates are shaped (batch, C, K*N).
package sonet

import (
	"fmt"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/sonet/pkg/blocks"
	"github.com/gomlx/sonet/pkg/config"
	"github.com/gomlx/sonet/pkg/som"
	"github.com/pkg/errors"
)

// Layer widths of the encoder stages.
var (
	FirstChannels       = []int{64, 128, 256, 384}
	DirectFinalChannels = []int{512, 512, 768} // Followed by feature_num.
	GraphFinalChannels  = []int{768}           // Followed by feature_num.
)

// Variant of the encoder, fixed at construction from the configuration.
type Variant int

const (
	// VariantDirect encodes the pooled clusters with a PointResNet.
	VariantDirect Variant = iota

	// VariantGraph inserts the ClusterGraph stage before a PointNet.
	VariantGraph
)

func (v Variant) String() string {
	switch v {
	case VariantDirect:
		return "direct"
	case VariantGraph:
		return "graph"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

// Inputs of the encoder forward pass.
type Inputs struct {
	// Points shaped (batch, 3, N).
	Points *Node

	// Normals shaped (batch, 3, N), required if the configuration enables surface normals.
	Normals *Node

	// SeedCenters are the SOM nodes, shaped (batch, 3, node_num).
	SeedCenters *Node

	// NeighborIndex (batch, node_num, >= som_k), int32, used by the graph variant.
	// If nil the neighbors are computed in-graph.
	NeighborIndex *Node

	// Epoch is an optional scalar driving the batch normalization momentum schedule.
	Epoch *Node
}

// Outputs of the encoder, including the intermediates used by the heads.
type Outputs struct {
	Assignment *som.Assignment

	// ClusterCenters are the recomputed cluster means, (batch, 3, M).
	ClusterCenters *Node

	// PointCenters holds the cluster center of each replica, (batch, 3, K*N).
	PointCenters *Node

	// Points and Normals replicated K times, (batch, 3, K*N). Normals is nil without surface normals.
	Points, Normals *Node

	// Decentered replicas, (batch, 3, K*N).
	Decentered *Node

	// FirstFeatures are the per-replica features of the first PointResNet, (batch, 384, K*N).
	FirstFeatures *Node

	// FirstPooled are FirstFeatures max-pooled per cluster, (batch, 384, M).
	FirstPooled *Node

	// GraphCenters are the neighborhood reference centers of the ClusterGraph stage, (batch, 3, M),
	// nil for VariantDirect. They equal ClusterCenters unless the neighborhoods are centered on their average.
	GraphCenters *Node

	// GraphFeatures are the ClusterGraph outputs, (batch, 512, M), nil for VariantDirect.
	GraphFeatures *Node

	// ClusterFeatures are the final per-cluster features, (batch, feature_num, M).
	ClusterFeatures *Node

	// Feature is the global feature, (batch, feature_num).
	Feature *Node

	// Style used by the encoder blocks, including the scheduled momentum, for the heads to share.
	Style blocks.Style
}

// Encoder is the SO-Net encoder. Create it with NewEncoder.
type Encoder struct {
	cfg     *config.Config
	variant Variant
}

// NewEncoder validates the configuration and returns the encoder for it.
func NewEncoder(cfg *config.Config) (*Encoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid encoder configuration")
	}
	e := &Encoder{cfg: cfg, variant: VariantDirect}
	if cfg.GraphStage() {
		e.variant = VariantGraph
	}
	return e, nil
}

// Config returns the encoder configuration.
func (e *Encoder) Config() *config.Config { return e.cfg }

// Variant returns the encoder variant selected by the configuration.
func (e *Encoder) Variant() Variant { return e.variant }

// StyleFor returns the block style of the configuration, with the momentum
// scheduled for epoch (which may be nil).
func StyleFor(cfg *config.Config, g *Graph, epoch *Node) blocks.Style {
	schedule := blocks.NewMomentumSchedule(cfg.BNMomentum, cfg.BNMomentumDecay, cfg.BNMomentumDecayStep)
	return blocks.Style{
		Activation:    activations.FromName(cfg.Activation),
		Normalization: cfg.Normalization,
		Momentum:      schedule.Graph(g, epoch),
	}
}

// Forward builds the encoder graph. It panics with an exception on invalid input shapes.
func (e *Encoder) Forward(ctx *context.Context, in Inputs) *Outputs {
	cfg := e.cfg
	points := in.Points
	if points == nil || points.Rank() != 3 || points.Shape().Dimensions[1] != 3 {
		exceptions.Panicf("encoder points must be shaped (batch, 3, numPoints), got %v", shapeOf(points))
	}
	if points.Shape().Dimensions[2] != cfg.InputPCNum {
		exceptions.Panicf("encoder configured for %d input points, got points shaped %s", cfg.InputPCNum, points.Shape())
	}
	if in.SeedCenters == nil || !in.SeedCenters.Shape().Equal(withDim(points, 2, cfg.NodeNum)) {
		exceptions.Panicf("encoder seed centers must be shaped (%d, 3, %d), got %v",
			points.Shape().Dimensions[0], cfg.NodeNum, shapeOf(in.SeedCenters))
	}
	if cfg.SurfaceNormal && (in.Normals == nil || !in.Normals.Shape().Equal(points.Shape())) {
		exceptions.Panicf("encoder configured with surface normals requires normals shaped %s, got %v",
			points.Shape(), shapeOf(in.Normals))
	}
	g := points.Graph()
	out := &Outputs{Style: StyleFor(cfg, g, in.Epoch)}
	style := out.Style

	out.Assignment = som.QueryTopK(points, in.SeedCenters, cfg.K)
	out.Points = Replicate(points, cfg.K)
	out.ClusterCenters, out.PointCenters = RecomputeCenters(out.Points, out.Assignment)
	out.Decentered = Decenter(out.Points, out.PointCenters)
	firstInput := out.Decentered
	if cfg.SurfaceNormal {
		out.Normals = Replicate(in.Normals, cfg.K)
		firstInput = Concatenate([]*Node{out.Decentered, out.Normals}, 1)
	}

	out.FirstFeatures = blocks.NewPointResNet(ctx.In("first_pointnet"), firstInput, FirstChannels...).
		Style(style).Done()
	out.FirstPooled = MaskedMax(out.FirstFeatures, out.Assignment)

	switch e.variant {
	case VariantGraph:
		stage := &ClusterGraph{K: cfg.SOMK, CenterType: cfg.SOMKType, Noise: cfg.KNNNoise, Style: style}
		out.GraphCenters, out.GraphFeatures = stage.Done(ctx.In("knn"), out.ClusterCenters, out.FirstPooled, in.NeighborIndex)
		x := Concatenate([]*Node{out.GraphCenters, out.GraphFeatures}, 1)
		channels := slices.Concat(GraphFinalChannels, []int{cfg.FeatureNum})
		out.ClusterFeatures = blocks.NewPointNet(ctx.In("final_pointnet"), x, channels...).Style(style).Done()
	default:
		x := Concatenate([]*Node{out.ClusterCenters, out.FirstPooled}, 1)
		channels := slices.Concat(DirectFinalChannels, []int{cfg.FeatureNum})
		out.ClusterFeatures = blocks.NewPointResNet(ctx.In("final_pointnet"), x, channels...).Style(style).Done()
	}
	out.Feature = ReduceMax(out.ClusterFeatures, 2)
	return out
}

func shapeOf(x *Node) any {
	if x == nil {
		return "nil"
	}
	return x.Shape()
}

func withDim(x *Node, axis, dim int) shapes.Shape {
	shape := x.Shape().Clone()
	shape.Dimensions[axis] = dim
	return shape
}
