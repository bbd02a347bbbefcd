// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package som

import (
	"cmp"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sonet/internal/workerspool"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Neighbor metrics accepted by NeighborIndex.
const (
	MetricEuclidean = "euclidean"
	MetricGrid      = "grid"
)

// NeighborIndex returns, for every node of every example, the indices of its k nearest
// nodes (itself included) in ascending distance, ties broken by the lower index.
//
// nodes is a float32 tensor shaped (batch, 3, numNodes); the result is int32 shaped
// (batch, numNodes, k). With MetricEuclidean the distance is between node positions,
// with MetricGrid it is the Manhattan distance on grid, which is the same for every example.
// Examples are processed in parallel.
func NeighborIndex(nodes *tensors.Tensor, grid Grid, k int, metric string) (*tensors.Tensor, error) {
	shape := nodes.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 3 || shape.Dimensions[1] != 3 {
		return nil, errors.Errorf("neighbor index expects float32 nodes shaped (batch, 3, numNodes), got %s", shape)
	}
	batchSize, numNodes := shape.Dimensions[0], shape.Dimensions[2]
	if numNodes != grid.Size() {
		return nil, errors.Errorf("nodes tensor has %d nodes, grid %dx%d has %d", numNodes, grid.Rows, grid.Cols, grid.Size())
	}
	if k < 1 || k > numNodes {
		return nil, errors.Errorf("number of neighbors must be in [1, %d], got %d", numNodes, k)
	}
	if metric != MetricEuclidean && metric != MetricGrid {
		return nil, errors.Errorf("unknown neighbor metric %q", metric)
	}

	flat := tensors.MustCopyFlatData[float32](nodes)
	out := make([]int32, batchSize*numNodes*k)
	pool := workerspool.New(0)
	for b := range batchSize {
		pool.WaitToStart(func() {
			cloud := CloudFromChannelsFirst(flat[b*3*numNodes:(b+1)*3*numNodes], numNodes)
			order := make([]int, numNodes)
			dist := make([]float64, numNodes)
			for i := range numNodes {
				for j := range numNodes {
					order[j] = j
					if metric == MetricGrid {
						dist[j] = float64(grid.Distance(i, j))
					} else {
						dist[j] = floats.Distance(cloud[i], cloud[j], 2)
					}
				}
				slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(dist[a], dist[b]) })
				row := out[(b*numNodes+i)*k : (b*numNodes+i+1)*k]
				for r := range k {
					row[r] = int32(order[r])
				}
			}
		})
	}
	pool.Wait()
	return tensors.FromFlatDataAndDimensions(out, batchSize, numNodes, k), nil
}
