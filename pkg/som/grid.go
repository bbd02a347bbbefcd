// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package som implements the self-organizing map used to cluster point clouds:
// the square Grid of nodes, a host-side batch trainer that places the nodes on a
// cloud, a host-side neighbor index over nodes, and QueryTopK, the graph
// operation that assigns every point to its k nearest nodes.
package som

import (
	"math"

	"github.com/pkg/errors"
)

// Grid is the square lattice the SOM nodes live on. Node i sits at row i/Cols, column i%Cols.
type Grid struct {
	Rows, Cols int
}

// NewGrid returns the square grid for nodeNum nodes.
// It fails if nodeNum is not a positive perfect square.
func NewGrid(nodeNum int) (Grid, error) {
	if nodeNum <= 0 {
		return Grid{}, errors.Errorf("number of SOM nodes must be > 0, got %d", nodeNum)
	}
	side := int(math.Round(math.Sqrt(float64(nodeNum))))
	if side*side != nodeNum {
		return Grid{}, errors.Errorf("number of SOM nodes must be a perfect square, got %d", nodeNum)
	}
	return Grid{Rows: side, Cols: side}, nil
}

// Size is the number of nodes in the grid.
func (g Grid) Size() int {
	return g.Rows * g.Cols
}

// Coord returns the row and column of node i.
func (g Grid) Coord(i int) (row, col int) {
	return i / g.Cols, i % g.Cols
}

// Distance is the Manhattan distance between nodes i and j on the grid.
func (g Grid) Distance(i, j int) int {
	ri, ci := g.Coord(i)
	rj, cj := g.Coord(j)
	return abs(ri-rj) + abs(ci-cj)
}

// SquaredDistance is the squared Euclidean distance between nodes i and j on the grid,
// used by the trainer's neighborhood function.
func (g Grid) SquaredDistance(i, j int) float64 {
	ri, ci := g.Coord(i)
	rj, cj := g.Coord(j)
	dr, dc := float64(ri-rj), float64(ci-cj)
	return dr*dr + dc*dc
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
