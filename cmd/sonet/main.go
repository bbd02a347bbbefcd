// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// sonet runs synthetic point clouds through the SO-Net encoder and one of its heads.
//
// For each batch it samples point clouds (sphere, cube or torus), trains the SOM nodes
// on the host, and executes the encoder and head graph, reporting latency and cluster
// occupancy. The model hyperparameters come from the defaults, an optional YAML file
// (-config) and the -set flag, in this order.
//
// Example:
//
//	sonet -head=classifier -batches=10 -set="som_k=9;k=3" -metrics_addr=localhost:9090
package main

import (
	"flag"
	"fmt"
	"os"
	"slices"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/sonet/internal/synth"
	"github.com/gomlx/sonet/pkg/config"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig      = flag.String("config", "", "YAML file with the model configuration. Values set with -set take precedence.")
	flagShape       = flag.String("shape", "", fmt.Sprintf("Synthetic shape to sample, one of %v. If empty, a random shape per example.", synth.Shapes))
	flagHead        = flag.String("head", HeadClassifier, fmt.Sprintf("Head to run on top of the encoder, one of %v.", ValidHeads))
	flagBatches     = flag.Int("batches", 10, "Number of batches to run.")
	flagTrain       = flag.Bool("train", false, "Build the graph in training mode: batch statistics, dropout and neighbor noise.")
	flagSeed        = flag.Uint64("seed", 1, "Seed of the synthetic data sampler.")
	flagMetricsAddr = flag.String("metrics_addr", "", "If set, address to serve Prometheus metrics on, e.g. \"localhost:9090\".")
	flagVerbosity   = flag.Int("verbosity", 1, "Level of verbosity, the higher the more verbose.")
)

// createDefaultContext returns a context holding the default configuration as hyperparameters.
func createDefaultContext() *context.Context {
	ctx := context.New()
	must.M(ctx.ResetRNGState())
	config.Default().SetContextParams(ctx)
	return ctx
}

// loadConfig applies the -config file and the -set settings to ctx and returns the
// resulting configuration.
func loadConfig(ctx *context.Context, configPath, settings string) (*config.Config, error) {
	if configPath != "" {
		fileCfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		fileCfg.SetContextParams(ctx)
	}
	paramsSet, err := commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to parse -set")
	}
	klog.V(1).Infof("parameters set with -set: %v", paramsSet)
	return config.FromContext(ctx)
}

func main() {
	ctx := createDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	cfg := must.M1(loadConfig(ctx, *flagConfig, *settings))
	if !slices.Contains(ValidHeads, *flagHead) {
		klog.Fatalf("-head must be one of %v, got %q", ValidHeads, *flagHead)
	}
	if *flagVerbosity >= 2 {
		fmt.Println(commandline.SprintContextSettings(ctx))
	}

	metrics := newRunMetrics()
	if *flagMetricsAddr != "" {
		server := metrics.serve(*flagMetricsAddr)
		defer func() { _ = server.Close() }()
	}

	backend := backends.MustNew()
	if *flagVerbosity >= 1 {
		fmt.Printf("Backend %q:\t%s\n", backend.Name(), backend.Description())
	}
	output := termenv.NewOutput(os.Stdout)
	showProgress := *flagVerbosity >= 1 && output.Profile != termenv.Ascii
	if showProgress {
		output.HideCursor()
	}
	r, err := run(backend, ctx, cfg, options{
		Shape:       *flagShape,
		Head:        *flagHead,
		NumBatches:  *flagBatches,
		Training:    *flagTrain,
		Seed:        *flagSeed,
		ProgressBar: showProgress,
	}, metrics)
	if showProgress {
		output.ShowCursor()
		fmt.Println()
	}
	if err != nil {
		klog.Fatalf("run failed: %+v", err)
	}
	writeSummary(os.Stdout, output, r)
}
