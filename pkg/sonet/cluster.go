// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sonet

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sonet/pkg/som"
)

// clusterCountEpsilon keeps the mean of empty clusters finite (and zero).
const clusterCountEpsilon = 1e-5

// Replicate concatenates k copies of x (batch, channels, N) on the last axis,
// matching the replica layout of som.Assignment.
func Replicate(x *Node, k int) *Node {
	if k == 1 {
		return x
	}
	copies := make([]*Node, k)
	for i := range copies {
		copies[i] = x
	}
	return Concatenate(copies, -1)
}

// RecomputeCenters returns the mean of the replicated points assigned to each cluster,
// shaped (batch, 3, M), and for each replica the center of its cluster, shaped (batch, 3, K*N).
// Empty clusters get a zero center. Both are constants for the gradient.
func RecomputeCenters(points *Node, assignment *som.Assignment) (clusterCenters, pointCenters *Node) {
	sums := Einsum("bcn,bnm->bcm", points, assignment.Mask)
	counts := AddScalar(ReduceSum(assignment.Mask, 1), clusterCountEpsilon)
	clusterCenters = StopGradient(Div(sums, ExpandAxes(counts, 1)))
	pointCenters = StopGradient(Einsum("bcm,bnm->bcn", clusterCenters, assignment.Mask))
	return
}

// Decenter returns points relative to their cluster centers. No gradient flows through it.
func Decenter(points, pointCenters *Node) *Node {
	return StopGradient(Sub(points, pointCenters))
}

// takeAlongLastAxis gathers from x, shaped (batch, channels, L), the positions idx on the
// last axis; idx is shaped (batch, channels, ...) and so is the result.
//
// Gather indices can't have a higher rank than x, so trailing axes of idx are flattened
// for the gather and restored afterwards.
func takeAlongLastAxis(x, idx *Node) *Node {
	g := x.Graph()
	idx = ConvertDType(idx, dtypes.Int32)
	dims := idx.Shape().Dimensions
	if idx.Rank() < 3 || dims[0] != x.Shape().Dimensions[0] || dims[1] != x.Shape().Dimensions[1] {
		exceptions.Panicf("takeAlongLastAxis: index shaped %s doesn't match values shaped %s", idx.Shape(), x.Shape())
	}
	flatIdx := Reshape(idx, dims[0], dims[1], -1)
	shape := flatIdx.Shape()
	gathered := Gather(x, Stack([]*Node{Iota(g, shape, 0), Iota(g, shape, 1), flatIdx}, -1))
	return Reshape(gathered, dims...)
}

// MaskedMax pools features (batch, C, K*N) into the clusters, returning (batch, C, M).
//
// For each cluster and channel it selects the member with the largest value, the first
// one in replica order on ties, and gathers its feature, so the gradient flows only to
// the selected member. Empty clusters produce zeros.
func MaskedMax(features *Node, assignment *som.Assignment) *Node {
	mask := assignment.Mask
	if features.Rank() != 3 || features.Shape().Dimensions[2] != mask.Shape().Dimensions[1] {
		exceptions.Panicf("MaskedMax: features must be shaped (batch, channels, %d), got %s",
			mask.Shape().Dimensions[1], features.Shape())
	}
	g := features.Graph()
	dims := features.Shape().Dimensions
	fullDims := []int{dims[0], dims[1], dims[2], mask.Shape().Dimensions[2]}
	member := GreaterThan(BroadcastToDims(ExpandAxes(mask, 1), fullDims...), ScalarZero(g, mask.DType()))
	values := BroadcastToDims(ExpandAxes(StopGradient(features), -1), fullDims...)
	masked := Where(member, values, Infinity(g, features.DType(), -1))
	idx := ArgMax(masked, 2, dtypes.Int32)
	pooled := takeAlongLastAxis(features, idx)
	return Mul(pooled, ExpandAxes(assignment.MaskRowMax, 1))
}

// GatherClusterFeatures broadcasts cluster features (batch, C, M) back to the replicas,
// returning (batch, C, K*N) where each replica gets the features of its cluster.
func GatherClusterFeatures(features *Node, assignment *som.Assignment) *Node {
	dims := features.Shape().Dimensions
	numReplicas := assignment.MinIdx.Shape().Dimensions[1]
	idx := BroadcastToDims(ExpandAxes(assignment.MinIdx, 1), dims[0], dims[1], numReplicas)
	return takeAlongLastAxis(features, idx)
}
