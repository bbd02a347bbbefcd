// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package synth samples synthetic point clouds with surface normals, shaped like the
// model inputs: points and normals as float32 tensors of shape (batch, 3, numPoints).
package synth

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Shape names.
const (
	Sphere = "sphere"
	Cube   = "cube"
	Torus  = "torus"
)

// Shapes lists the supported shape names, in label order.
var Shapes = []string{Sphere, Cube, Torus}

// Batch of sampled clouds.
type Batch struct {
	Points, Normals *tensors.Tensor

	// Labels holds the index in Shapes of each example.
	Labels []int32
}

// Sampler draws clouds reproducibly from a seed.
type Sampler struct {
	rng *rand.Rand
}

// NewSampler creates a Sampler seeded with seed.
func NewSampler(seed uint64) *Sampler {
	return &Sampler{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Batch samples batchSize clouds of numPoints points of the given shape.
// If shape is empty, each example picks a random shape.
func (s *Sampler) Batch(shape string, batchSize, numPoints int) (*Batch, error) {
	if batchSize <= 0 || numPoints <= 0 {
		return nil, errors.Errorf("batch size and number of points must be > 0, got %d and %d", batchSize, numPoints)
	}
	points := make([]float32, batchSize*3*numPoints)
	normals := make([]float32, batchSize*3*numPoints)
	labels := make([]int32, batchSize)
	for b := range batchSize {
		exampleShape := shape
		if exampleShape == "" {
			exampleShape = Shapes[s.rng.IntN(len(Shapes))]
		}
		label := -1
		for i, name := range Shapes {
			if name == exampleShape {
				label = i
			}
		}
		if label < 0 {
			return nil, errors.Errorf("unknown shape %q, valid shapes are %v", exampleShape, Shapes)
		}
		labels[b] = int32(label)
		offset := b * 3 * numPoints
		for n := range numPoints {
			p, normal := s.sample(exampleShape)
			for c := range 3 {
				points[offset+c*numPoints+n] = float32(p[c])
				normals[offset+c*numPoints+n] = float32(normal[c])
			}
		}
	}
	return &Batch{
		Points:  tensors.FromFlatDataAndDimensions(points, batchSize, 3, numPoints),
		Normals: tensors.FromFlatDataAndDimensions(normals, batchSize, 3, numPoints),
		Labels:  labels,
	}, nil
}

// sample returns one point on the surface of shape and its unit normal.
func (s *Sampler) sample(shape string) (point, normal []float64) {
	switch shape {
	case Cube:
		face := s.rng.IntN(6)
		axis, sign := face/2, float64(1-2*(face%2))
		point = []float64{2*s.rng.Float64() - 1, 2*s.rng.Float64() - 1, 2*s.rng.Float64() - 1}
		point[axis] = sign
		normal = make([]float64, 3)
		normal[axis] = sign
		floats.Scale(0.5, point)
	case Torus:
		const major, minor = 0.7, 0.3
		u, v := 2*math.Pi*s.rng.Float64(), 2*math.Pi*s.rng.Float64()
		normal = []float64{math.Cos(v) * math.Cos(u), math.Cos(v) * math.Sin(u), math.Sin(v)}
		point = []float64{major * math.Cos(u), major * math.Sin(u), 0}
		floats.AddScaled(point, minor, normal)
	default:
		normal = []float64{s.rng.NormFloat64(), s.rng.NormFloat64(), s.rng.NormFloat64()}
		if norm := floats.Norm(normal, 2); norm > 1e-12 {
			floats.Scale(1/norm, normal)
		} else {
			normal = []float64{0, 0, 1}
		}
		point = make([]float64, 3)
		copy(point, normal)
	}
	return
}
