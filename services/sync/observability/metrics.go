// Copyright (C) 2025 Quillside Labs (oss@quillside.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability provides metrics and instrumentation for the
// sync service.
//
// # Description
//
// This package implements Prometheus metrics for monitoring the
// collaboration plane. Metrics include:
//   - Connection and session gauges
//   - Inbound message counters (by event type)
//   - Broadcast fanout counters
//   - Conflict and eviction counters
//   - Change-apply latency histograms
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal
// locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "quillsync"

// Subsystem for collaboration plane metrics
const syncSubsystem = "sync"

// SyncMetrics holds all Prometheus metrics for the collaboration plane.
//
// # Description
//
// Provides counters, histograms, and gauges for monitoring connection
// churn, session activity, and change throughput. Initialize once at
// startup via InitMetrics().
//
// # Thread Safety
//
// All operations are thread-safe.
type SyncMetrics struct {
	// ActiveConnections tracks currently open websocket connections.
	ActiveConnections prometheus.Gauge

	// ActiveSessions tracks live document sessions.
	ActiveSessions prometheus.Gauge

	// InboundMessagesTotal counts inbound client messages by event type.
	// Labels: type (authenticate, join_document, document_change, ...)
	InboundMessagesTotal *prometheus.CounterVec

	// BroadcastsTotal counts fanout deliveries by outbound event type.
	// Labels: type (document_change, user_joined, cursor_position, ...)
	BroadcastsTotal *prometheus.CounterVec

	// ConflictsTotal counts version-mismatch merges.
	ConflictsTotal prometheus.Counter

	// ApplyDurationSeconds measures document change apply latency.
	ApplyDurationSeconds prometheus.Histogram

	// DisconnectsTotal counts connection teardowns by reason.
	// Labels: reason (client_close, stale, ping_failed, overflow, admin_kick)
	DisconnectsTotal *prometheus.CounterVec

	// RateLimitedTotal counts messages rejected by the per-connection
	// rate limiter.
	RateLimitedTotal prometheus.Counter

	// ErrorsTotal counts targeted error events by wire code.
	// Labels: code (malformed_message, document_mismatch, ...)
	ErrorsTotal *prometheus.CounterVec
}

// DefaultMetrics is the singleton instance of SyncMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *SyncMetrics

// InitMetrics initializes the default metrics instance.
//
// # Description
//
// Creates and registers all Prometheus metrics. Should be called once
// at application startup.
//
// # Outputs
//
//   - *SyncMetrics: The initialized metrics instance.
//
// # Limitations
//
//   - Panics if called twice (duplicate registration).
func InitMetrics() *SyncMetrics {
	DefaultMetrics = &SyncMetrics{
		ActiveConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "active_connections",
				Help:      "Number of currently open websocket connections",
			},
		),

		ActiveSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "active_sessions",
				Help:      "Number of live document sessions",
			},
		),

		InboundMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "inbound_messages_total",
				Help:      "Total inbound client messages by event type",
			},
			[]string{"type"},
		),

		BroadcastsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "broadcasts_total",
				Help:      "Total fanout deliveries by outbound event type",
			},
			[]string{"type"},
		),

		ConflictsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "conflicts_total",
				Help:      "Total version-mismatch merges",
			},
		),

		ApplyDurationSeconds: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "apply_duration_seconds",
				Help:      "Document change apply latency in seconds",
				Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
		),

		DisconnectsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "disconnects_total",
				Help:      "Total connection teardowns by reason",
			},
			[]string{"reason"},
		),

		RateLimitedTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "rate_limited_total",
				Help:      "Total messages rejected by the per-connection rate limiter",
			},
		),

		ErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: syncSubsystem,
				Name:      "errors_total",
				Help:      "Total targeted error events by wire code",
			},
			[]string{"code"},
		),
	}

	return DefaultMetrics
}

// =============================================================================
// Disconnect Reasons
// =============================================================================

// DisconnectReason labels why a connection was torn down.
type DisconnectReason string

const (
	// ReasonClientClose indicates the client closed the channel.
	ReasonClientClose DisconnectReason = "client_close"

	// ReasonStale indicates eviction by the liveness sweep.
	ReasonStale DisconnectReason = "stale"

	// ReasonPingFailed indicates a broken transport found by heartbeat.
	ReasonPingFailed DisconnectReason = "ping_failed"

	// ReasonOverflow indicates the outbound queue overflowed.
	ReasonOverflow DisconnectReason = "overflow"

	// ReasonAdminKick indicates a forced disconnect via the admin API.
	ReasonAdminKick DisconnectReason = "admin_kick"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordInbound counts a decoded (or attempted) inbound message.
func (m *SyncMetrics) RecordInbound(eventType string) {
	m.InboundMessagesTotal.WithLabelValues(eventType).Inc()
}

// RecordBroadcast counts delivered fanout copies for an event type.
func (m *SyncMetrics) RecordBroadcast(eventType string, delivered int) {
	m.BroadcastsTotal.WithLabelValues(eventType).Add(float64(delivered))
}

// RecordDisconnect counts a connection teardown.
func (m *SyncMetrics) RecordDisconnect(reason DisconnectReason) {
	m.DisconnectsTotal.WithLabelValues(string(reason)).Inc()
}

// RecordError counts a targeted error event by wire code.
func (m *SyncMetrics) RecordError(code string) {
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// ObserveApply records one change apply latency.
func (m *SyncMetrics) ObserveApply(seconds float64) {
	m.ApplyDurationSeconds.Observe(seconds)
}
