// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sonet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/sonet/pkg/blocks"
	"github.com/gomlx/sonet/pkg/config"
	"github.com/gomlx/sonet/pkg/som"
)

// GraphChannels are the layer widths of the neighborhood graph stage.
var GraphChannels = []int{512, 512}

// ClusterGraph configures the neighborhood graph stage over cluster nodes: each node
// looks at its K nearest nodes, encodes their decentered positions together with
// their features with a shared point network, and max-pools over the neighbors.
type ClusterGraph struct {
	// K is the number of neighbors, including the node itself.
	K int

	// CenterType is config.CenterTypeNode (neighbors relative to the node) or
	// config.CenterTypeAverage (relative to the mean of the neighborhood).
	CenterType string

	// Noise is the standard deviation of Gaussian noise added to the decentered
	// neighbors during training. 0 disables it.
	Noise float64

	Style blocks.Style
}

// Done applies the stage to cluster centers (batch, 3, M) and cluster features (batch, C, M).
// It returns the reference center of each neighborhood, (batch, 3, M), and the pooled
// neighborhood features, (batch, 512, M). The reference center is the node itself for
// config.CenterTypeNode and the mean of its neighbors for config.CenterTypeAverage.
//
// neighborIndex, shaped (batch, M, K') with K' >= K, lists each node's neighbors nearest
// first; only the first K are used. If nil, the K nearest nodes are computed in-graph.
func (cg *ClusterGraph) Done(ctx *context.Context, centers, features, neighborIndex *Node) (outCenters, outFeatures *Node) {
	g := centers.Graph()
	if neighborIndex == nil {
		neighborIndex = som.KNearestNodes(centers, cg.K)
	} else {
		dims := neighborIndex.Shape().Dimensions
		if neighborIndex.Rank() != 3 || dims[1] != centers.Shape().Dimensions[2] || dims[2] < cg.K {
			exceptions.Panicf("neighbor index must be shaped (batch, %d, >=%d), got %s",
				centers.Shape().Dimensions[2], cg.K, neighborIndex.Shape())
		}
		if dims[2] > cg.K {
			neighborIndex = Slice(neighborIndex, AxisRange(), AxisRange(), AxisRange(0, cg.K))
		}
	}

	neighborCenters := gatherNeighbors(centers, neighborIndex)
	neighborFeatures := gatherNeighbors(features, neighborIndex)
	switch cg.CenterType {
	case config.CenterTypeNode:
		outCenters = centers
	case config.CenterTypeAverage:
		outCenters = StopGradient(ReduceMean(neighborCenters, 3))
	default:
		exceptions.Panicf("unknown neighborhood center type %q", cg.CenterType)
	}
	decentered := StopGradient(Sub(neighborCenters, ExpandAxes(outCenters, -1)))
	if cg.Noise > 0 && ctx.IsTraining(g) {
		decentered = Add(decentered, MulScalar(ctx.RandomNormal(g, decentered.Shape()), cg.Noise))
	}

	x := Concatenate([]*Node{decentered, neighborFeatures}, 1)
	x = blocks.NewPointNet(ctx, x, GraphChannels...).Style(cg.Style).Done()
	outFeatures = ReduceMax(x, 3)
	return
}

// gatherNeighbors takes x (batch, C, M) and the neighbor index (batch, M, K), and
// returns the neighbors' values shaped (batch, C, M, K).
func gatherNeighbors(x, neighborIndex *Node) *Node {
	dims := neighborIndex.Shape().Dimensions
	idx := BroadcastToDims(ExpandAxes(neighborIndex, 1), dims[0], x.Shape().Dimensions[1], dims[1], dims[2])
	return takeAlongLastAxis(x, idx)
}
