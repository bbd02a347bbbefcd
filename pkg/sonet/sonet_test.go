// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sonet

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/sonet/internal/synth"
	"github.com/gomlx/sonet/pkg/config"
	"github.com/gomlx/sonet/pkg/som"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// lineCloud places points on the x-axis, shaped (1, 3, len(xs)).
func lineCloud(g *Graph, xs ...float32) *Node {
	return Const(g, [][][]float32{{xs, make([]float32, len(xs)), make([]float32, len(xs))}})
}

func TestRecomputeCenters(t *testing.T) {
	graphtest.RunTestGraphFn(t, "empty cluster", func(g *Graph) (inputs, outputs []*Node) {
		points := lineCloud(g, 0, 2, 10)
		nodes := lineCloud(g, 0, 10, 100)
		inputs = []*Node{points, nodes}
		assignment := som.QueryTopK(points, nodes, 1)
		clusterCenters, pointCenters := RecomputeCenters(points, assignment)
		outputs = []*Node{
			Slice(clusterCenters, AxisRange(), AxisElem(0)),
			Slice(pointCenters, AxisRange(), AxisElem(0)),
			Slice(Decenter(points, pointCenters), AxisRange(), AxisElem(0)),
		}
		return
	}, []any{
		[][][]float32{{{1, 10, 0}}},
		[][][]float32{{{1, 1, 10}}},
		[][][]float32{{{-1, 1, 0}}},
	}, 1e-3)
}

func TestDecenterStopsGradient(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Decenter gradient", func(g *Graph) (inputs, outputs []*Node) {
		points := lineCloud(g, 1, 2, 3)
		centers := lineCloud(g, 0, 0, 0)
		inputs = []*Node{points, centers}
		loss := ReduceAllSum(Square(Decenter(points, centers)))
		outputs = Gradient(loss, points, centers)
		return
	}, []any{
		[][][]float32{{{0, 0, 0}, {0, 0, 0}, {0, 0, 0}}},
		[][][]float32{{{0, 0, 0}, {0, 0, 0}, {0, 0, 0}}},
	}, -1)

	graphtest.RunTestGraphFn(t, "RecomputeCenters gradient", func(g *Graph) (inputs, outputs []*Node) {
		points := lineCloud(g, 0, 2, 10)
		nodes := lineCloud(g, 0, 10, 100)
		inputs = []*Node{points, nodes}
		clusterCenters, pointCenters := RecomputeCenters(points, som.QueryTopK(points, nodes, 1))
		loss := Add(ReduceAllSum(Square(clusterCenters)), ReduceAllSum(Square(pointCenters)))
		outputs = Gradient(loss, points)
		return
	}, []any{
		[][][]float32{{{0, 0, 0}, {0, 0, 0}, {0, 0, 0}}},
	}, -1)
}

func TestMaskedMax(t *testing.T) {
	graphtest.RunTestGraphFn(t, "first occurrence wins", func(g *Graph) (inputs, outputs []*Node) {
		points := lineCloud(g, 0, 0.1, 0.2, 10)
		nodes := lineCloud(g, 0, 10, 100)
		features := Const(g, [][][]float32{{{3, 5, 5, 1}, {-2, -1, -3, -4}}})
		inputs = []*Node{points, nodes, features}
		assignment := som.QueryTopK(points, nodes, 1)
		pooled := MaskedMax(features, assignment)
		outputs = []*Node{pooled, Gradient(ReduceAllSum(pooled), features)[0]}
		return
	}, []any{
		// Node 2 is empty and pools to zero.
		[][][]float32{{{5, 1, 0}, {-1, -4, 0}}},
		[][][]float32{{{0, 1, 0, 1}, {0, 1, 0, 1}}},
	}, -1)
}

func TestGatherClusterFeatures(t *testing.T) {
	graphtest.RunTestGraphFn(t, "GatherClusterFeatures", func(g *Graph) (inputs, outputs []*Node) {
		points := lineCloud(g, 0, 0.1, 10)
		nodes := lineCloud(g, 0, 10, 100)
		features := Const(g, [][][]float32{{{10, 20, 30}, {1, 2, 3}}})
		inputs = []*Node{points, nodes, features}
		assignment := som.QueryTopK(points, nodes, 2)
		outputs = []*Node{GatherClusterFeatures(features, assignment)}
		return
	}, []any{
		// Replica 0 goes to the nearest node, replica 1 to the second nearest.
		[][][]float32{{{10, 10, 20, 20, 20, 10}, {1, 1, 2, 2, 2, 1}}},
	}, -1)
}

func TestReplicate(t *testing.T) {
	graphtest.RunTestGraphFn(t, "Replicate", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][]float32{{{1, 2}}})
		inputs = []*Node{x}
		outputs = []*Node{Replicate(x, 1), Replicate(x, 3)}
		return
	}, []any{
		[][][]float32{{{1, 2}}},
		[][][]float32{{{1, 2, 1, 2, 1, 2}}},
	}, -1)
}

func TestGatherNeighbors(t *testing.T) {
	graphtest.RunTestGraphFn(t, "gatherNeighbors", func(g *Graph) (inputs, outputs []*Node) {
		features := Const(g, [][][]float32{{{10, 20, 30}, {1, 2, 3}}})
		index := Const(g, [][][]int32{{{0, 1}, {1, 0}, {2, 1}}})
		inputs = []*Node{features, index}
		outputs = []*Node{gatherNeighbors(features, index)}
		return
	}, []any{
		[][][][]float32{{
			{{10, 20}, {20, 10}, {30, 20}},
			{{1, 2}, {2, 1}, {3, 2}},
		}},
	}, -1)
}

func TestClusterGraphCenters(t *testing.T) {
	centers := [][][]float32{{{0, 1, 10}, {0, 2, 0}, {0, 0, 0}}}
	features := [][][]float32{{{1, 2, 3}, {4, 5, 6}}}
	index := [][][]int32{{{0, 1, 2}, {1, 0, 2}, {2, 1, 0}}}
	for _, tc := range []struct {
		centerType string
		want       [][][]float32
	}{
		{config.CenterTypeNode, centers},
		// Only the first 2 neighbors of each node are used.
		{config.CenterTypeAverage, [][][]float32{{{0.5, 0.5, 5.5}, {1, 1, 1}, {0, 0, 0}}}},
	} {
		t.Run(tc.centerType, func(t *testing.T) {
			backend := graphtest.BuildTestBackend()
			ctx := context.New()
			ctx.SetRNGStateFromSeed(42)
			outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, centers, features, index *Node) []*Node {
				stage := &ClusterGraph{K: 2, CenterType: tc.centerType, Style: StyleFor(config.Default(), centers.Graph(), nil)}
				outCenters, outFeatures := stage.Done(ctx, centers, features, index)
				return []*Node{outCenters, outFeatures}
			}, centers, features, index)
			got := outputs[0].Value().([][][]float32)
			for c := range 3 {
				assert.InDeltaSlice(t, tc.want[0][c], got[0][c], 1e-5)
			}
			assert.Equal(t, []int{1, 512, 3}, outputs[1].Shape().Dimensions)
			assertFinite(t, outputs[1])
		})
	}
}

// testBatch samples a batch and trains the SOM nodes for it.
func testBatch(t *testing.T, cfg *config.Config, batchSize, numPoints int) (batch *synth.Batch, nodes, neighbors *tensors.Tensor) {
	batch, err := synth.NewSampler(11).Batch("", batchSize, numPoints)
	require.NoError(t, err)
	grid, err := som.NewGrid(cfg.NodeNum)
	require.NoError(t, err)
	nodes, err = som.NewTrainer(grid).Iterations(5).TrainBatch(batch.Points)
	require.NoError(t, err)
	if cfg.GraphStage() {
		neighbors, err = som.NeighborIndex(nodes, grid, cfg.SOMNeighborNum, cfg.SOMNeighborMetric)
		require.NoError(t, err)
	}
	return
}

func assertFinite(t *testing.T, tensor *tensors.Tensor) {
	for i, v := range tensors.MustCopyFlatData[float32](tensor) {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("value #%d of tensor shaped %s is not finite: %f", i, tensor.Shape(), v)
		}
	}
}

func TestEncoderDirect(t *testing.T) {
	cfg := config.Default()
	cfg.SurfaceNormal = false
	cfg.SOMK = 0
	cfg.K = 1
	cfg.NodeNum = 64
	cfg.FeatureNum = 128
	encoder, err := NewEncoder(cfg)
	require.NoError(t, err)
	assert.Equal(t, VariantDirect, encoder.Variant())

	batch, nodes, _ := testBatch(t, cfg, 2, 1024)
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, points, seeds *Node) []*Node {
		out := encoder.Forward(ctx, Inputs{Points: points, SeedCenters: seeds})
		require.Nil(t, out.GraphFeatures)
		require.Nil(t, out.Normals)
		return []*Node{out.Feature, out.FirstPooled, out.ClusterFeatures, out.Decentered}
	}, batch.Points, nodes)
	assert.Equal(t, []int{2, 128}, outputs[0].Shape().Dimensions)
	assert.Equal(t, []int{2, 384, 64}, outputs[1].Shape().Dimensions)
	assert.Equal(t, []int{2, 128, 64}, outputs[2].Shape().Dimensions)
	assert.Equal(t, []int{2, 3, 1024}, outputs[3].Shape().Dimensions)
	for _, output := range outputs {
		assertFinite(t, output)
	}
}

func TestEncoderGraph(t *testing.T) {
	for _, centerType := range []string{config.CenterTypeNode, config.CenterTypeAverage} {
		t.Run(centerType, func(t *testing.T) {
			cfg := config.Default()
			cfg.K = 3
			cfg.InputPCNum = 128
			cfg.NodeNum = 16
			cfg.SOMK = 4
			cfg.SOMNeighborNum = 6
			cfg.SOMKType = centerType
			cfg.FeatureNum = 64
			cfg.KNNNoise = 0.01
			cfg.BNMomentumDecayStep = 2
			encoder, err := NewEncoder(cfg)
			require.NoError(t, err)
			assert.Equal(t, VariantGraph, encoder.Variant())

			batch, nodes, neighbors := testBatch(t, cfg, 2, 128)
			backend := graphtest.BuildTestBackend()
			ctx := context.New()
			ctx.SetRNGStateFromSeed(42)
			outputs := context.MustExecOnceN(backend, ctx,
				func(ctx *context.Context, points, normals, seeds, index, epoch *Node) []*Node {
					ctx.SetTraining(points.Graph(), true)
					out := encoder.Forward(ctx, Inputs{
						Points: points, Normals: normals, SeedCenters: seeds, NeighborIndex: index, Epoch: epoch})
					return []*Node{out.Feature, out.GraphFeatures, out.FirstFeatures, out.Normals, out.Assignment.Mask,
						out.GraphCenters, out.ClusterCenters}
				}, batch.Points, batch.Normals, nodes, neighbors, int32(3))
			assert.Equal(t, []int{2, 64}, outputs[0].Shape().Dimensions)
			assert.Equal(t, []int{2, 512, 16}, outputs[1].Shape().Dimensions)
			assert.Equal(t, []int{2, 384, 3 * 128}, outputs[2].Shape().Dimensions)
			assert.Equal(t, []int{2, 3, 3 * 128}, outputs[3].Shape().Dimensions)
			assert.Equal(t, []int{2, 3 * 128, 16}, outputs[4].Shape().Dimensions)
			assert.Equal(t, []int{2, 3, 16}, outputs[5].Shape().Dimensions)
			for _, output := range outputs {
				assertFinite(t, output)
			}
			graphCenters := tensors.MustCopyFlatData[float32](outputs[5])
			clusterCenters := tensors.MustCopyFlatData[float32](outputs[6])
			if centerType == config.CenterTypeNode {
				assert.Equal(t, clusterCenters, graphCenters)
			} else {
				assert.NotEqual(t, clusterCenters, graphCenters)
			}
		})
	}
}

func TestEncoderInGraphNeighbors(t *testing.T) {
	cfg := config.Default()
	cfg.InputPCNum = 64
	cfg.NodeNum = 16
	cfg.SOMK = 3
	cfg.FeatureNum = 32
	encoder, err := NewEncoder(cfg)
	require.NoError(t, err)
	batch, nodes, _ := testBatch(t, cfg, 1, 64)
	backend := graphtest.BuildTestBackend()
	feature := context.MustExecOnce(backend, context.New(), func(ctx *context.Context, points, normals, seeds *Node) *Node {
		return encoder.Forward(ctx, Inputs{Points: points, Normals: normals, SeedCenters: seeds}).Feature
	}, batch.Points, batch.Normals, nodes)
	assert.Equal(t, []int{1, 32}, feature.Shape().Dimensions)
	assertFinite(t, feature)
}

func TestEncoderPermutationInvariance(t *testing.T) {
	cfg := config.Default()
	cfg.InputPCNum = 100
	cfg.SOMK = 0
	cfg.NodeNum = 16
	cfg.FeatureNum = 32
	encoder, err := NewEncoder(cfg)
	require.NoError(t, err)
	batch, nodes, _ := testBatch(t, cfg, 1, 100)

	// Example 1 is example 0 with its points in reversed order.
	permute := func(x *tensors.Tensor) *tensors.Tensor {
		flat := tensors.MustCopyFlatData[float32](x)
		const n = 100
		out := make([]float32, 2*3*n)
		copy(out, flat)
		for c := range 3 {
			for i := range n {
				out[3*n+c*n+i] = flat[c*n+(n-1-i)]
			}
		}
		return tensors.FromFlatDataAndDimensions(out, 2, 3, n)
	}
	seeds := tensors.MustCopyFlatData[float32](nodes)
	seeds = append(seeds, seeds...)

	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	feature := context.MustExecOnce(backend, ctx, func(ctx *context.Context, points, normals, seeds *Node) *Node {
		return encoder.Forward(ctx, Inputs{Points: points, Normals: normals, SeedCenters: seeds}).Feature
	}, permute(batch.Points), permute(batch.Normals), tensors.FromFlatDataAndDimensions(seeds, 2, 3, 16))
	got := feature.Value().([][]float32)
	assert.InDeltaSlice(t, got[0], got[1], 1e-4)
}

func TestEncoderInvalidInputs(t *testing.T) {
	_, err := NewEncoder(&config.Config{NodeNum: 50})
	require.Error(t, err)

	cfg := config.Default()
	cfg.InputPCNum = 2
	cfg.NodeNum = 16
	cfg.SOMK = 0
	encoder, err := NewEncoder(cfg)
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()
	points := [][][]float32{{{0, 1}, {0, 1}, {0, 1}}}
	require.Panics(t, func() {
		// Surface normals are configured but missing.
		_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, points *Node) *Node {
			seeds := BroadcastToDims(ReduceAndKeep(points, ReduceMean, 2), 1, 3, 16)
			return encoder.Forward(ctx, Inputs{Points: points, SeedCenters: seeds}).Feature
		}, points)
	})
	require.Panics(t, func() {
		// Wrong number of seed centers.
		_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, points *Node) *Node {
			return encoder.Forward(ctx, Inputs{Points: points, Normals: points, SeedCenters: points}).Feature
		}, points)
	})
	require.Panics(t, func() {
		// Number of points differs from input_pc_num.
		_ = context.MustExecOnce(backend, context.New(), func(ctx *context.Context, points *Node) *Node {
			seeds := BroadcastToDims(ReduceAndKeep(points, ReduceMean, 2), 1, 3, 16)
			return encoder.Forward(ctx, Inputs{Points: points, Normals: points, SeedCenters: seeds}).Feature
		}, [][][]float32{{{0, 1, 2}, {0, 1, 2}, {0, 1, 2}}})
	})
}
