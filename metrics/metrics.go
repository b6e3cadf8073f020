// Copyright 2022 The wsrelay Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the Prometheus collectors of the relay
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Status label values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Registry metrics
var (
	// RegistryOperations counts connection record store operations
	RegistryOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrelay_registry_operations_total",
			Help: "Connection record store operations by backend, operation and status",
		},
		[]string{"backend", "operation", "status"},
	)

	// RegistryOperationDuration tracks connection record store latency in seconds
	RegistryOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wsrelay_registry_operation_duration_seconds",
			Help:    "Connection record store operation duration in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"backend", "operation"},
	)
)

// Connection lifecycle metrics
var (
	// ConnectionEvents counts connect / disconnect processing by status
	ConnectionEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrelay_connection_events_total",
			Help: "Connection lifecycle events by event type and status",
		},
		[]string{"event", "status"},
	)

	// LocalSessions current number of websocket sessions held by this instance
	LocalSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsrelay_local_sessions",
			Help: "Websocket sessions currently attached to this instance",
		},
	)
)

// Fan-out metrics
var (
	// Broadcasts counts broadcast operations by status
	Broadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrelay_broadcasts_total",
			Help: "Broadcast operations by status",
		},
		[]string{"status"},
	)

	// BroadcastDuration tracks the time to complete all deliveries of one broadcast
	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wsrelay_broadcast_duration_seconds",
			Help:    "Broadcast duration from scan to last delivery completion in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Deliveries counts per-recipient delivery outcomes
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrelay_deliveries_total",
			Help: "Per-recipient delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	// StaleRecordsRemoved counts connection records removed after a gone delivery
	StaleRecordsRemoved = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wsrelay_stale_records_removed_total",
			Help: "Connection records removed because the connection was found gone",
		},
	)
)

// StatusOf map an operation error to a status label
func StatusOf(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// ObserveRegistryOp record one connection record store operation
func ObserveRegistryOp(backend, operation string, started time.Time, err error) {
	RegistryOperations.WithLabelValues(backend, operation, StatusOf(err)).Inc()
	RegistryOperationDuration.WithLabelValues(backend, operation).Observe(
		time.Since(started).Seconds(),
	)
}
