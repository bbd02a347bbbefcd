// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package som

import (
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Trainer places SOM nodes on a point cloud with the batch SOM algorithm.
// Create it with NewTrainer, configure it and call Train or TrainBatch.
//
// Nodes start at evenly spaced samples of the cloud. Each round assigns every
// point to its best matching node and moves each node to the weighted mean of all
// points, weighted by a Gaussian of the grid distance between the node and the
// point's best matching node. The Gaussian radius decays geometrically from the
// initial to the final sigma over the rounds.
type Trainer struct {
	grid                Grid
	iterations          int
	sigmaInit, sigmaMin float64
	parallelism         int
}

// NewTrainer creates a Trainer for the given grid with defaults: 30 rounds and a
// neighborhood radius decaying from half the grid side to 0.5.
func NewTrainer(grid Grid) *Trainer {
	return &Trainer{
		grid:        grid,
		iterations:  30,
		sigmaInit:   math.Max(float64(max(grid.Rows, grid.Cols))/2, 0.5),
		sigmaMin:    0.5,
		parallelism: 8,
	}
}

// Iterations sets the number of batch rounds. 0 leaves the nodes at their initial samples.
func (tr *Trainer) Iterations(n int) *Trainer {
	tr.iterations = n
	return tr
}

// Sigma sets the initial and final radius of the grid neighborhood.
func (tr *Trainer) Sigma(initial, final float64) *Trainer {
	tr.sigmaInit = initial
	tr.sigmaMin = final
	return tr
}

// Parallelism sets how many examples TrainBatch trains concurrently.
func (tr *Trainer) Parallelism(n int) *Trainer {
	tr.parallelism = max(n, 1)
	return tr
}

// Train returns the grid nodes fitted to points. Each point is a 3-element slice.
func (tr *Trainer) Train(points [][]float64) ([][]float64, error) {
	numNodes := tr.grid.Size()
	if numNodes == 0 {
		return nil, errors.New("SOM trainer needs a non-empty grid")
	}
	if len(points) == 0 {
		return nil, errors.New("SOM trainer needs at least one point")
	}
	for i, p := range points {
		if len(p) != 3 {
			return nil, errors.Errorf("point #%d has %d coordinates, expected 3", i, len(p))
		}
	}

	nodes := make([][]float64, numNodes)
	for j := range nodes {
		nodes[j] = make([]float64, 3)
		copy(nodes[j], points[(j*len(points))/numNodes])
	}

	bmu := make([]int, len(points))
	numerator := make([]float64, 3)
	weights := make([]float64, numNodes)
	for round := range tr.iterations {
		sigma := tr.sigmaAt(round)
		for i, p := range points {
			bmu[i] = nearest(nodes, p)
		}
		for j := range nodes {
			for k := range numNodes {
				weights[k] = math.Exp(-tr.grid.SquaredDistance(j, k) / (2 * sigma * sigma))
			}
			for c := range numerator {
				numerator[c] = 0
			}
			var denominator float64
			for i, p := range points {
				w := weights[bmu[i]]
				floats.AddScaled(numerator, w, p)
				denominator += w
			}
			if denominator > 1e-12 {
				floats.ScaleTo(nodes[j], 1/denominator, numerator)
			}
		}
		klog.V(3).Infof("SOM round %d/%d: sigma=%.3f", round+1, tr.iterations, sigma)
	}
	return nodes, nil
}

func (tr *Trainer) sigmaAt(round int) float64 {
	if tr.iterations <= 1 || tr.sigmaInit <= 0 {
		return math.Max(tr.sigmaMin, 1e-3)
	}
	fraction := float64(round) / float64(tr.iterations-1)
	return tr.sigmaInit * math.Pow(tr.sigmaMin/tr.sigmaInit, fraction)
}

// nearest returns the index of the node closest to p, the lower index on ties.
func nearest(nodes [][]float64, p []float64) int {
	best, bestDist := 0, math.Inf(1)
	for j, node := range nodes {
		if d := floats.Distance(node, p, 2); d < bestDist {
			best, bestDist = j, d
		}
	}
	return best
}

// TrainBatch fits the grid nodes to every example of a float32 tensor shaped
// (batch, 3, numPoints) and returns the nodes shaped (batch, 3, numNodes).
func (tr *Trainer) TrainBatch(points *tensors.Tensor) (*tensors.Tensor, error) {
	shape := points.Shape()
	if shape.DType != dtypes.Float32 || shape.Rank() != 3 || shape.Dimensions[1] != 3 {
		return nil, errors.Errorf("SOM trainer expects float32 points shaped (batch, 3, numPoints), got %s", shape)
	}
	batchSize, numPoints := shape.Dimensions[0], shape.Dimensions[2]
	numNodes := tr.grid.Size()
	flat := tensors.MustCopyFlatData[float32](points)
	out := make([]float32, batchSize*3*numNodes)

	var g errgroup.Group
	g.SetLimit(tr.parallelism)
	for b := range batchSize {
		g.Go(func() error {
			cloud := CloudFromChannelsFirst(flat[b*3*numPoints:(b+1)*3*numPoints], numPoints)
			nodes, err := tr.Train(cloud)
			if err != nil {
				return errors.WithMessagef(err, "example #%d", b)
			}
			ChannelsFirstFromCloud(nodes, out[b*3*numNodes:(b+1)*3*numNodes])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("SOM trained %d examples: %d points -> %d nodes", batchSize, numPoints, numNodes)
	return tensors.FromFlatDataAndDimensions(out, batchSize, 3, numNodes), nil
}

// CloudFromChannelsFirst converts one example stored as (3, numPoints) into point-major slices.
func CloudFromChannelsFirst(flat []float32, numPoints int) [][]float64 {
	cloud := make([][]float64, numPoints)
	for n := range cloud {
		cloud[n] = []float64{float64(flat[n]), float64(flat[numPoints+n]), float64(flat[2*numPoints+n])}
	}
	return cloud
}

// ChannelsFirstFromCloud writes point-major slices into dst laid out as (3, len(cloud)).
func ChannelsFirstFromCloud(cloud [][]float64, dst []float32) {
	numPoints := len(cloud)
	for n, p := range cloud {
		for c := range 3 {
			dst[c*numPoints+n] = float32(p[c])
		}
	}
}
