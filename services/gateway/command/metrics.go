// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package command

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	commandsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "command",
		Name:      "enqueued_total",
		Help:      "Commands accepted into the queue, by command type.",
	}, []string{"type"})

	commandTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "command",
		Name:      "transitions_total",
		Help:      "Command status transitions.",
	}, []string{"from", "to"})

	commandsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "command",
		Name:      "expired_total",
		Help:      "Commands expired before execution.",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "edgegate",
		Subsystem: "command",
		Name:      "queue_depth",
		Help:      "Commands currently in a non-terminal state.",
	})

	executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "command",
		Name:      "executions_total",
		Help:      "Command execution attempts, by outcome.",
	}, []string{"type", "outcome"})

	executionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "edgegate",
		Subsystem: "command",
		Name:      "execution_duration_seconds",
		Help:      "Wall time of individual command executions.",
		Buckets:   prometheus.DefBuckets,
	})

	executingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "edgegate",
		Subsystem: "command",
		Name:      "executing",
		Help:      "Commands currently executing.",
	})
)
