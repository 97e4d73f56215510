// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package uplink

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// requestsTotal counts uplink submissions by outcome.
	// Labels: status (success, failure, cached)
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "uplink",
		Name:      "requests_total",
		Help:      "Uplink submissions by outcome",
	}, []string{"status"})

	// retriesTotal counts individual failed attempts that were retried.
	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "uplink",
		Name:      "retries_total",
		Help:      "Failed uplink attempts that triggered a retry",
	})

	// requestLatency measures per-attempt latency.
	requestLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "edgegate",
		Subsystem: "uplink",
		Name:      "request_latency_seconds",
		Help:      "Uplink attempt latency in seconds",
		Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	// batchesTotal counts drained batches by outcome.
	// Labels: table, status (completed, failed)
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "uplink",
		Name:      "batches_total",
		Help:      "Buffer batches drained to the uplink",
	}, []string{"table", "status"})

	// compressionRatio tracks compressed/original size for compressed
	// batches.
	compressionRatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "edgegate",
		Subsystem: "uplink",
		Name:      "compression_ratio",
		Help:      "Compressed size divided by original size per compressed batch",
		Buckets:   []float64{0.05, 0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})

	// inflightBatches is the number of batches currently being delivered.
	inflightBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "edgegate",
		Subsystem: "uplink",
		Name:      "inflight_batches",
		Help:      "Batches currently in flight to the backend",
	})
)
