// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"slices"
	"time"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/sonet/internal/synth"
	"github.com/gomlx/sonet/pkg/config"
	"github.com/gomlx/sonet/pkg/heads"
	"github.com/gomlx/sonet/pkg/som"
	"github.com/gomlx/sonet/pkg/sonet"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// Heads selectable with -head.
const (
	HeadEncoder    = "encoder"
	HeadClassifier = "classifier"
	HeadSegmenter  = "segmenter"
	HeadDecoder    = "decoder"
)

// ValidHeads is the list of values accepted by -head.
var ValidHeads = []string{HeadEncoder, HeadClassifier, HeadSegmenter, HeadDecoder}

// options of one run, set from the flags.
type options struct {
	Shape       string
	Head        string
	NumBatches  int
	Training    bool
	Seed        uint64
	ProgressBar bool
}

// report summarizes a run.
type report struct {
	Variant     sonet.Variant
	Head        string
	Backend     string
	NumBatches  int
	NumPoints   int
	OutputShape shapes.Shape
	Elapsed     time.Duration
	Latencies   []time.Duration

	// EmptyClusters is the mean over the batches of the empty SOM nodes per example.
	EmptyClusters float64

	NumParams   int
	ParamsBytes uintptr
}

// MedianLatency of the batch executions.
func (r *report) MedianLatency() time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	sorted := slices.Clone(r.Latencies)
	slices.Sort(sorted)
	return sorted[len(sorted)/2]
}

// head builds the graph of the selected head on top of the encoder outputs.
type headFn func(ctx *context.Context, enc *sonet.Outputs, labels, epoch *Node) *Node

func newHead(cfg *config.Config, name string) (headFn, error) {
	switch name {
	case HeadEncoder:
		return func(_ *context.Context, enc *sonet.Outputs, _, _ *Node) *Node {
			return enc.Feature
		}, nil
	case HeadClassifier:
		classifier, err := heads.NewClassifier(cfg)
		if err != nil {
			return nil, err
		}
		return func(ctx *context.Context, enc *sonet.Outputs, _, epoch *Node) *Node {
			return classifier.Forward(ctx.In("classifier"), enc.Feature, epoch)
		}, nil
	case HeadSegmenter:
		if cfg.Categories < len(synth.Shapes) {
			return nil, errors.Errorf("segmenter needs %s >= %d to label the synthetic shapes, got %d",
				config.ParamCategories, len(synth.Shapes), cfg.Categories)
		}
		segmenter, err := heads.NewSegmenter(cfg)
		if err != nil {
			return nil, err
		}
		return func(ctx *context.Context, enc *sonet.Outputs, labels, _ *Node) *Node {
			return segmenter.Forward(ctx.In("segmenter"), enc, labels)
		}, nil
	case HeadDecoder:
		decoder, err := heads.NewDecoder(cfg)
		if err != nil {
			return nil, err
		}
		return func(ctx *context.Context, enc *sonet.Outputs, _, _ *Node) *Node {
			return decoder.Forward(ctx.In("decoder"), enc.Feature).Points
		}, nil
	}
	return nil, errors.Errorf("unknown head %q, valid values are %q", name, ValidHeads)
}

// run generates synthetic batches, trains their SOM nodes and runs them through the
// encoder and the selected head.
func run(backend backends.Backend, ctx *context.Context, cfg *config.Config, opts options, metrics *runMetrics) (*report, error) {
	encoder, err := sonet.NewEncoder(cfg)
	if err != nil {
		return nil, err
	}
	head, err := newHead(cfg, opts.Head)
	if err != nil {
		return nil, err
	}
	grid, err := som.NewGrid(cfg.NodeNum)
	if err != nil {
		return nil, err
	}
	trainer := som.NewTrainer(grid).Iterations(cfg.SOMIterations)
	sampler := synth.NewSampler(opts.Seed)

	// Inputs: points, normals, seed centers, labels, epoch and, for the graph variant, the neighbor index.
	exec, err := context.NewExec(backend, ctx, func(ctx *context.Context, inputs []*Node) []*Node {
		g := inputs[0].Graph()
		ctx.SetTraining(g, opts.Training)
		in := sonet.Inputs{Points: inputs[0], Normals: inputs[1], SeedCenters: inputs[2], Epoch: inputs[4]}
		if len(inputs) > 5 {
			in.NeighborIndex = inputs[5]
		}
		enc := encoder.Forward(ctx.In("encoder"), in)
		output := head(ctx, enc, inputs[3], inputs[4])
		emptyClusters := ReduceAllSum(OneMinus(enc.Assignment.MaskRowMax))
		emptyClusters = DivScalar(emptyClusters, float64(inputs[0].Shape().Dimensions[0]))
		return []*Node{output, emptyClusters}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create executor")
	}

	r := &report{
		Variant:    encoder.Variant(),
		Head:       opts.Head,
		Backend:    backend.Name(),
		NumBatches: opts.NumBatches,
		NumPoints:  cfg.InputPCNum,
	}
	var bar *progressbar.ProgressBar
	if opts.ProgressBar {
		bar = progressbar.NewOptions(opts.NumBatches,
			progressbar.OptionSetDescription(encoder.Variant().String()+"/"+opts.Head),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("batches"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
		)
	}
	start := time.Now()
	var emptySum float64
	for batchIdx := range opts.NumBatches {
		batch, err := sampler.Batch(opts.Shape, cfg.BatchSize, cfg.InputPCNum)
		if err != nil {
			return nil, err
		}
		somStart := time.Now()
		nodes, err := trainer.TrainBatch(batch.Points)
		if err != nil {
			return nil, errors.WithMessagef(err, "batch #%d", batchIdx)
		}
		args := []any{batch.Points, batch.Normals, nodes, batch.Labels, int32(batchIdx)}
		if cfg.GraphStage() {
			neighbors, err := som.NeighborIndex(nodes, grid, cfg.SOMNeighborNum, cfg.SOMNeighborMetric)
			if err != nil {
				return nil, errors.WithMessagef(err, "batch #%d", batchIdx)
			}
			args = append(args, neighbors)
		}
		metrics.SOMDuration.Observe(time.Since(somStart).Seconds())

		forwardStart := time.Now()
		output, emptyClusters, err := exec.Exec2(args...)
		if err != nil {
			return nil, errors.WithMessagef(err, "batch #%d", batchIdx)
		}
		latency := time.Since(forwardStart)
		r.Latencies = append(r.Latencies, latency)
		r.OutputShape = output.Shape()
		empty := float64(tensors.ToScalar[float32](emptyClusters))
		emptySum += empty
		metrics.ForwardDuration.Observe(latency.Seconds())
		metrics.EmptyClusters.Set(empty)
		metrics.Batches.WithLabelValues(opts.Head).Inc()
		klog.V(1).Infof("batch #%d: %s, %.1f empty clusters per example", batchIdx, latency, empty)
		output.FinalizeAll()
		emptyClusters.FinalizeAll()
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	r.Elapsed = time.Since(start)
	if opts.NumBatches > 0 {
		r.EmptyClusters = emptySum / float64(opts.NumBatches)
	}
	for v := range ctx.IterVariables() {
		r.NumParams += v.Shape().Size()
		r.ParamsBytes += v.Shape().Memory()
	}
	return r, nil
}
