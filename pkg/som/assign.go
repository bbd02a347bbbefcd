// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package som

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
)

// Assignment of replicated points to SOM nodes, as returned by QueryTopK.
//
// Points are replicated K times along the point axis: row r*N+n holds replica r of
// point n, and it is assigned to the r-th nearest node of point n. All fields are
// stop-gradient values.
type Assignment struct {
	// K is the number of replicas (and nearest nodes) per point.
	K int

	// NumPoints is the number of physical points N.
	NumPoints int

	// Mask is shaped (batch, K*N, numNodes), one-hot per row.
	Mask *Node

	// MaskRowMax is shaped (batch, numNodes): 1 if any replica is assigned to the node, 0 if the node is empty.
	MaskRowMax *Node

	// MinIdx is shaped (batch, K*N), int32: the node each replica is assigned to.
	MinIdx *Node
}

// SquaredDistances returns the squared Euclidean distances between points (batch, 3, N)
// and nodes (batch, 3, M), shaped (batch, N, M).
func SquaredDistances(points, nodes *Node) *Node {
	diff := Sub(ExpandAxes(points, -1), ExpandAxes(nodes, 2))
	return ReduceSum(Square(diff), 1)
}

// QueryTopK assigns each point to its k nearest nodes.
//
// points are shaped (batch, 3, N) and nodes (batch, 3, M), with 1 <= k <= M.
// Distances ties are resolved in favor of the lower node index.
// It panics (with an exception) if the shapes are not compatible.
func QueryTopK(points, nodes *Node, k int) *Assignment {
	if points.Rank() != 3 || points.Shape().Dimensions[1] != 3 {
		exceptions.Panicf("QueryTopK: points must be shaped (batch, 3, numPoints), got %s", points.Shape())
	}
	if nodes.Rank() != 3 || nodes.Shape().Dimensions[1] != 3 || nodes.Shape().Dimensions[0] != points.Shape().Dimensions[0] {
		exceptions.Panicf("QueryTopK: nodes must be shaped (batch, 3, numNodes) matching points %s, got %s",
			points.Shape(), nodes.Shape())
	}
	g := points.Graph()
	batchSize, numPoints := points.Shape().Dimensions[0], points.Shape().Dimensions[2]
	numNodes := nodes.Shape().Dimensions[2]
	if k < 1 || k > numNodes {
		exceptions.Panicf("QueryTopK: k must be in [1, %d], got %d", numNodes, k)
	}

	dist := SquaredDistances(StopGradient(points), StopGradient(nodes))
	dims := []int{batchSize, numPoints, numNodes}
	nodeIota := Iota(g, shapes.Make(dtypes.Int32, dims...), 2)
	farAway := Infinity(g, dist.DType(), 1)
	masks := make([]*Node, 0, k)
	indices := make([]*Node, 0, k)
	for r := range k {
		idx := ArgMin(dist, 2, dtypes.Int32)
		selected := Equal(nodeIota, BroadcastToDims(ExpandAxes(idx, -1), dims...))
		masks = append(masks, ConvertDType(selected, points.DType()))
		indices = append(indices, idx)
		if r < k-1 {
			dist = Where(selected, BroadcastToDims(farAway, dims...), dist)
		}
	}
	mask := StopGradient(Concatenate(masks, 1))
	return &Assignment{
		K:          k,
		NumPoints:  numPoints,
		Mask:       mask,
		MaskRowMax: StopGradient(ReduceMax(mask, 1)),
		MinIdx:     StopGradient(Concatenate(indices, 1)),
	}
}

// KNearestNodes returns, for each node, the indices of its k nearest nodes (itself first
// unless another node shares its position), shaped (batch, M, k) int32.
// It is the in-graph counterpart of NeighborIndex with the Euclidean metric.
func KNearestNodes(nodes *Node, k int) *Node {
	numNodes := nodes.Shape().Dimensions[2]
	if k < 1 || k > numNodes {
		exceptions.Panicf("KNearestNodes: k must be in [1, %d], got %d", numNodes, k)
	}
	g := nodes.Graph()
	dist := SquaredDistances(StopGradient(nodes), StopGradient(nodes))
	dims := dist.Shape().Dimensions
	nodeIota := Iota(g, shapes.Make(dtypes.Int32, dims...), 2)
	farAway := BroadcastToDims(Infinity(g, dist.DType(), 1), dims...)
	indices := make([]*Node, 0, k)
	for r := range k {
		idx := ArgMin(dist, 2, dtypes.Int32)
		indices = append(indices, ExpandAxes(idx, -1))
		if r < k-1 {
			selected := Equal(nodeIota, BroadcastToDims(ExpandAxes(idx, -1), dims...))
			dist = Where(selected, farAway, dist)
		}
	}
	return StopGradient(Concatenate(indices, 2))
}
