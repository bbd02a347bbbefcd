// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

// runMetrics are the Prometheus collectors updated by run.
// Each instance has its own registry.
type runMetrics struct {
	registry *prometheus.Registry

	// Batches counts the forward passes, labeled by head.
	Batches *prometheus.CounterVec

	// ForwardDuration measures the graph execution time of one batch.
	ForwardDuration prometheus.Histogram

	// SOMDuration measures the host-side SOM training of one batch.
	SOMDuration prometheus.Histogram

	// EmptyClusters is the mean number of SOM nodes with no assigned point in the last batch.
	EmptyClusters prometheus.Gauge
}

func newRunMetrics() *runMetrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	return &runMetrics{
		registry: registry,
		Batches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sonet_batches_total",
			Help: "Number of batches run through the encoder and head",
		}, []string{"head"}),
		ForwardDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sonet_forward_duration_seconds",
			Help:    "Duration of the execution of one batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		SOMDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "sonet_som_duration_seconds",
			Help:    "Duration of training the SOM nodes of one batch",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5, 5},
		}),
		EmptyClusters: factory.NewGauge(prometheus.GaugeOpts{
			Name: "sonet_empty_clusters",
			Help: "Mean number of SOM nodes per example with no assigned point, in the last batch",
		}),
	}
}

// serve exposes the metrics on addr under /metrics, in the background.
func (m *runMetrics) serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			klog.Errorf("metrics server on %q failed: %+v", addr, err)
		}
	}()
	klog.Infof("serving Prometheus metrics on http://%s/metrics", addr)
	return server
}
