// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package distribution

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "distribution",
		Name:      "jobs_finished_total",
		Help:      "Distribution jobs reaching a terminal status.",
	}, []string{"status"})

	deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "distribution",
		Name:      "deliveries_total",
		Help:      "Delivery attempts, by method and outcome.",
	}, []string{"method", "outcome"})

	deliveryLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "edgegate",
		Subsystem: "distribution",
		Name:      "delivery_latency_seconds",
		Help:      "Wall time of individual delivery attempts.",
		Buckets:   prometheus.DefBuckets,
	})

	activeDeliveries = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "edgegate",
		Subsystem: "distribution",
		Name:      "active_deliveries",
		Help:      "Delivery attempts currently in flight.",
	})

	activeJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "edgegate",
		Subsystem: "distribution",
		Name:      "active_jobs",
		Help:      "Jobs not yet in a terminal status.",
	})
)
