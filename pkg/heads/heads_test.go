// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package heads

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sonet/internal/synth"
	"github.com/gomlx/sonet/pkg/config"
	"github.com/gomlx/sonet/pkg/som"
	"github.com/gomlx/sonet/pkg/sonet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

// pseudoRandom returns deterministic values in [-1, 1] shaped by dimensions.
func pseudoRandom(g *Graph, dimensions ...int) *Node {
	return Sin(MulScalar(IotaFull(g, shapes.Make(dtypes.Float32, dimensions...)), 12.9898))
}

func assertFinite(t *testing.T, tensor *tensors.Tensor) {
	for i, v := range tensors.MustCopyFlatData[float32](tensor) {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("value #%d of tensor shaped %s is not finite: %f", i, tensor.Shape(), v)
		}
	}
}

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.InputPCNum = 64
	cfg.NodeNum = 16
	cfg.SOMK = 0
	cfg.FeatureNum = 32
	cfg.Classes = 5
	cfg.Categories = 4
	cfg.OutputConvPCNum = 0
	cfg.OutputFCPCNum = 8
	return cfg
}

func TestAverageReplicas(t *testing.T) {
	graphtest.RunTestGraphFn(t, "AverageReplicas", func(g *Graph) (inputs, outputs []*Node) {
		x := Const(g, [][][]float32{{{1, 2, 3, 5, 0, 1}}})
		inputs = []*Node{x}
		outputs = []*Node{AverageReplicas(x, 1), AverageReplicas(x, 2), AverageReplicas(x, 3)}
		return
	}, []any{
		[][][]float32{{{1, 2, 3, 5, 0, 1}}},
		// Replicas {1, 2, 3} and {5, 0, 1}.
		[][][]float32{{{3, 1, 2}}},
		// Replicas {1, 2}, {3, 5} and {0, 1}.
		[][][]float32{{{4.0 / 3, 8.0 / 3}}},
	}, 1e-5)
}

func TestClassifier(t *testing.T) {
	cfg := smallConfig()
	classifier, err := NewClassifier(cfg)
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()

	for _, training := range []bool{false, true} {
		ctx := context.New()
		ctx.SetRNGStateFromSeed(42)
		outputs := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, epoch *Node) []*Node {
			g := epoch.Graph()
			ctx.SetTraining(g, training)
			scores := classifier.Forward(ctx, pseudoRandom(g, 2, cfg.FeatureNum), epoch)
			return []*Node{scores, ReduceSum(Softmax(scores), -1)}
		}, int32(1))
		assert.Equal(t, []int{2, cfg.Classes}, outputs[0].Shape().Dimensions)
		assertFinite(t, outputs[0])
		assert.InDeltaSlice(t, []float32{1, 1}, outputs[1].Value(), 1e-5)
	}

	_, err = NewClassifier(&config.Config{NodeNum: 50})
	require.Error(t, err)
}

func TestSegmenter(t *testing.T) {
	for _, k := range []int{1, 2} {
		for _, somK := range []int{0, 3} {
			cfg := smallConfig()
			cfg.K = k
			cfg.SOMK = somK
			encoder, err := sonet.NewEncoder(cfg)
			require.NoError(t, err)
			segmenter, err := NewSegmenter(cfg)
			require.NoError(t, err)

			const numPoints = 64
			batch, err := synth.NewSampler(7).Batch("", 2, numPoints)
			require.NoError(t, err)
			grid, err := som.NewGrid(cfg.NodeNum)
			require.NoError(t, err)
			nodes, err := som.NewTrainer(grid).Iterations(3).TrainBatch(batch.Points)
			require.NoError(t, err)

			backend := graphtest.BuildTestBackend()
			scores := context.MustExecOnce(backend, context.New(),
				func(ctx *context.Context, points, normals, seeds, labels *Node) *Node {
					enc := encoder.Forward(ctx.In("encoder"), sonet.Inputs{Points: points, Normals: normals, SeedCenters: seeds})
					return segmenter.Forward(ctx.In("segmenter"), enc, labels)
				}, batch.Points, batch.Normals, nodes, []int32{0, 3})
			assert.Equal(t, []int{2, cfg.Classes, numPoints}, scores.Shape().Dimensions, "k=%d, som_k=%d", k, somK)
			assertFinite(t, scores)
		}
	}
}

func TestDecoderConvTaps(t *testing.T) {
	for _, featureNum := range []int{8, 16} {
		cfg := smallConfig()
		cfg.FeatureNum = featureNum
		cfg.OutputConvPCNum = 4096
		decoder, err := NewDecoderConv(cfg)
		require.NoError(t, err)
		backend := graphtest.BuildTestBackend()
		ctx := context.New()
		ctx.SetRNGStateFromSeed(42)
		taps := context.MustExecOnceN(backend, ctx, func(ctx *context.Context, g *Graph) []*Node {
			out := decoder.Forward(ctx, pseudoRandom(g, 2, featureNum))
			return []*Node{out.PC256, out.PC1024, out.PC4096}
		})
		assert.Equal(t, []int{2, 3, 256}, taps[0].Shape().Dimensions)
		assert.Equal(t, []int{2, 3, 1024}, taps[1].Shape().Dimensions)
		assert.Equal(t, []int{2, 3, 4096}, taps[2].Shape().Dimensions)
		for _, tap := range taps {
			assertFinite(t, tap)
		}
	}
}

func TestDecoderLinear(t *testing.T) {
	cfg := smallConfig()
	decoder, err := NewDecoderLinear(cfg)
	require.NoError(t, err)
	backend := graphtest.BuildTestBackend()
	ctx := context.New()
	ctx.SetRNGStateFromSeed(42)
	points := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
		return decoder.Forward(ctx, pseudoRandom(g, 2, cfg.FeatureNum))
	})
	assert.Equal(t, []int{2, 3, 8}, points.Shape().Dimensions)
	assertFinite(t, points)

	bias := ctx.InspectVariable("/output/output_bias", "bias")
	require.NotNil(t, bias)
	for _, v := range tensors.MustCopyFlatData[float32](bias.MustValue()) {
		assert.True(t, v >= -1 && v <= 1, "bias %f out of [-1, 1]", v)
	}

	cfg.OutputFCPCNum = 0
	_, err = NewDecoderLinear(cfg)
	require.Error(t, err)
}

func TestDecoder(t *testing.T) {
	testCases := []struct {
		fc, conv   int
		wantPoints int
		wantTaps   bool
		wantPC4096 bool
		wantLinear bool
	}{
		{fc: 8, conv: 0, wantPoints: 8, wantLinear: true},
		{fc: 0, conv: 1024, wantPoints: 1024, wantTaps: true},
		{fc: 8, conv: 1024, wantPoints: 1032, wantTaps: true, wantLinear: true},
		{fc: 0, conv: 4096, wantPoints: 4096, wantTaps: true, wantPC4096: true},
	}
	for _, tc := range testCases {
		cfg := smallConfig()
		cfg.FeatureNum = 8
		cfg.OutputFCPCNum = tc.fc
		cfg.OutputConvPCNum = tc.conv
		decoder, err := NewDecoder(cfg)
		require.NoError(t, err)
		backend := graphtest.BuildTestBackend()
		ctx := context.New()
		ctx.SetRNGStateFromSeed(42)
		points := context.MustExecOnce(backend, ctx, func(ctx *context.Context, g *Graph) *Node {
			r := decoder.Forward(ctx, pseudoRandom(g, 2, cfg.FeatureNum))
			assert.Equal(t, tc.wantLinear, r.Linear != nil)
			assert.Equal(t, tc.wantTaps, r.Taps != nil)
			if r.Taps != nil {
				assert.Equal(t, tc.wantPC4096, r.Taps.PC4096 != nil)
			}
			return r.Points
		})
		assert.Equal(t, []int{2, 3, tc.wantPoints}, points.Shape().Dimensions, "fc=%d, conv=%d", tc.fc, tc.conv)
		assertFinite(t, points)
	}

	for _, invalid := range [][2]int{{0, 0}, {0, 512}, {8, 2048}} {
		cfg := smallConfig()
		cfg.OutputFCPCNum, cfg.OutputConvPCNum = invalid[0], invalid[1]
		_, err := NewDecoder(cfg)
		require.Error(t, err, "fc=%d, conv=%d", invalid[0], invalid[1])
	}
	cfg := smallConfig()
	cfg.FeatureNum = 12
	cfg.OutputConvPCNum = 1024
	_, err := NewDecoder(cfg)
	require.Error(t, err)
}
