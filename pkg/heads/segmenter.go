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

// Segmenter layer widths, before and after the replicas are averaged.
var (
	SegmenterReplicaChannels = []int{1024, 512, 256}
	SegmenterPointChannels   = []int{128}
)

// Segmenter scores every input point for each part class, fusing the encoder
// intermediates with the object category.
type Segmenter struct {
	cfg *config.Config
}

// NewSegmenter returns a Segmenter for the configuration.
func NewSegmenter(cfg *config.Config) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid segmenter configuration")
	}
	return &Segmenter{cfg: cfg}, nil
}

// InputChannels is the width of the per-replica tensor the Segmenter builds.
func (s *Segmenter) InputChannels() int {
	cfg := s.cfg
	channels := 3 + 3 + 3 + cfg.Categories + 2*sonet.FirstChannels[len(sonet.FirstChannels)-1] + 2*cfg.FeatureNum
	if cfg.SurfaceNormal {
		channels += 3
	}
	if cfg.GraphStage() {
		channels += sonet.GraphChannels[len(sonet.GraphChannels)-1]
	}
	return channels
}

// Forward takes the encoder outputs and the object category of each example, labels shaped
// (batch,) with values in [0, categories), and returns the scores shaped (batch, classes, N).
func (s *Segmenter) Forward(ctx *context.Context, enc *sonet.Outputs, labels *Node) *Node {
	cfg := s.cfg
	g := enc.Feature.Graph()
	dims := enc.Points.Shape().Dimensions
	batchSize, numReplicas := dims[0], dims[2]
	if labels.Rank() != 1 || labels.Shape().Dimensions[0] != batchSize {
		exceptions.Panicf("segmenter labels must be shaped (%d,), got %s", batchSize, labels.Shape())
	}
	dtype := enc.Points.DType()
	broadcast := func(x *Node) *Node {
		return BroadcastToDims(ExpandAxes(x, -1), batchSize, x.Shape().Dimensions[1], numReplicas)
	}

	parts := []*Node{enc.Decentered, enc.Points, enc.PointCenters}
	if cfg.SurfaceNormal {
		parts = append(parts, enc.Normals)
	}
	parts = append(parts,
		broadcast(OneHot(labels, cfg.Categories, dtype)),
		enc.FirstFeatures,
		sonet.GatherClusterFeatures(enc.FirstPooled, enc.Assignment))
	if enc.GraphFeatures != nil {
		parts = append(parts, sonet.GatherClusterFeatures(enc.GraphFeatures, enc.Assignment))
	}
	parts = append(parts,
		sonet.GatherClusterFeatures(enc.ClusterFeatures, enc.Assignment),
		broadcast(enc.Feature))
	x := Concatenate(parts, 1)
	if x.Shape().Dimensions[1] != s.InputChannels() {
		exceptions.Panicf("segmenter input has %d channels, expected %d: encoder and segmenter configurations differ",
			x.Shape().Dimensions[1], s.InputChannels())
	}

	style := sonet.StyleFor(cfg, g, nil)
	layer := 0
	for _, channels := range SegmenterReplicaChannels {
		x = blocks.Equivariant(ctx.Inf("layer_%d", layer), x, channels, style)
		layer++
	}
	x = AverageReplicas(x, cfg.K)
	for _, channels := range SegmenterPointChannels {
		x = blocks.Equivariant(ctx.Inf("layer_%d", layer), x, channels, style)
		x = maybeDropout(ctx.Inf("dropout_%d", layer), cfg, x)
		layer++
	}
	return blocks.Equivariant(ctx.In("scores"), x, cfg.Classes, style.Plain())
}

// AverageReplicas takes x shaped (batch, C, k*N), with replica r on positions [r*N, (r+1)*N),
// and returns the mean over the k replicas, shaped (batch, C, N). It is the identity for k=1.
func AverageReplicas(x *Node, k int) *Node {
	if k == 1 {
		return x
	}
	dims := x.Shape().Dimensions
	if x.Rank() != 3 || dims[2]%k != 0 {
		exceptions.Panicf("AverageReplicas: x must be shaped (batch, channels, %d*N), got %s", k, x.Shape())
	}
	x = Reshape(x, dims[0], dims[1], k, dims[2]/k)
	return ReduceMean(x, 2)
}
