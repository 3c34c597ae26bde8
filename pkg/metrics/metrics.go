// Copyright (c) RemotiveLabs
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	// Bridge lifecycle metrics
	BridgesActive  *prometheus.GaugeVec
	BridgesStarted *prometheus.CounterVec
	BridgeStops    *prometheus.CounterVec

	// Forwarding metrics
	FramesForwarded   *prometheus.CounterVec
	FrameDecodeErrors *prometheus.CounterVec
	BackendErrors     *prometheus.CounterVec

	// Control metrics
	CommandsTotal *prometheus.CounterVec
}

// New creates a new Metrics instance registered with reg. A nil registerer
// uses the default registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "linbridge"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		BridgesActive: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "bridges_active",
				Help:      "Number of currently running bridges",
			},
			[]string{"driver"},
		),
		BridgesStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bridges_started_total",
				Help:      "Total number of bridge start attempts",
			},
			[]string{"driver", "status"},
		),
		BridgeStops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bridge_stops_total",
				Help:      "Total number of bridge stops by outcome",
			},
			[]string{"driver", "outcome"},
		),
		FramesForwarded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_forwarded_total",
				Help:      "Total number of frames forwarded",
			},
			[]string{"device", "direction"},
		),
		FrameDecodeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frame_decode_errors_total",
				Help:      "Total number of inbound wire packets dropped as malformed",
			},
			[]string{"device"},
		),
		BackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of backend operation failures",
			},
			[]string{"device", "op"},
		),
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of control commands processed",
			},
			[]string{"action", "status"},
		),
	}
}
