// Copyright (C) 2025 Edgegate Systems (oss@edgegate.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// stateGauge encodes the connection state: 0 disconnected, 1
	// connecting, 2 connected.
	stateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "edgegate",
		Subsystem: "control",
		Name:      "connection_state",
		Help:      "Control channel state (0 disconnected, 1 connecting, 2 connected).",
	})

	reconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "control",
		Name:      "reconnects_total",
		Help:      "Connection attempts, by outcome.",
	}, []string{"outcome"})

	messagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "control",
		Name:      "messages_sent_total",
		Help:      "Messages written to the channel, by type.",
	}, []string{"type"})

	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "control",
		Name:      "messages_received_total",
		Help:      "Messages read from the channel, by type.",
	}, []string{"type"})

	outboundQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "edgegate",
		Subsystem: "control",
		Name:      "outbound_queue_depth",
		Help:      "Messages queued while the channel is offline.",
	})

	heartbeatsMissed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "edgegate",
		Subsystem: "control",
		Name:      "heartbeats_missed_total",
		Help:      "Heartbeats sent without a response before the next tick.",
	})
)

func recordState(s State) {
	switch s {
	case StateConnected:
		stateGauge.Set(2)
	case StateConnecting:
		stateGauge.Set(1)
	default:
		stateGauge.Set(0)
	}
}
