// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the bot service.
//
// # Description
//
// Metrics cover the three paths through the service:
//   - Inbound events accepted or rejected by POST /events
//   - Message pipeline runs (count, duration, in flight)
//   - Delivery attempts and wellness cycles
//
// Node-level latency is recorded separately through the OpenTelemetry meter
// in the pipeline package.
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
// Every Record method is a no-op on a nil *Metrics.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "voyagebot"

// Subsystems
const (
	eventsSubsystem   = "events"
	pipelineSubsystem = "pipeline"
	deliverySubsystem = "delivery"
	wellnessSubsystem = "wellness"
)

// Event statuses.
const (
	EventAccepted = "accepted"
	EventInvalid  = "invalid"
	EventDropped  = "dropped"
)

// Run and cycle statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Metrics holds all Prometheus metrics for the bot service.
//
// # Fields
//
//   - EventsTotal: Inbound events by status
//   - PipelineRunsTotal: Finished pipeline runs by pipeline and status
//   - PipelineDurationSeconds: Run duration by pipeline
//   - PipelineInFlight: Runs currently executing
//   - DeliveryAttemptsTotal: Send attempts by label and result
//   - WellnessCyclesTotal: Wellness generate-and-post cycles by status and content type
type Metrics struct {
	// EventsTotal counts inbound events.
	// Labels: status (accepted, invalid, dropped)
	EventsTotal *prometheus.CounterVec

	// PipelineRunsTotal counts finished runs.
	// Labels: pipeline, status (success, error)
	PipelineRunsTotal *prometheus.CounterVec

	// PipelineDurationSeconds measures run duration.
	// Labels: pipeline
	PipelineDurationSeconds *prometheus.HistogramVec

	// PipelineInFlight tracks runs that have started but not finished.
	PipelineInFlight prometheus.Gauge

	// DeliveryAttemptsTotal counts individual send attempts.
	// Labels: label (message, wellness content), result (success, error)
	DeliveryAttemptsTotal *prometheus.CounterVec

	// WellnessCyclesTotal counts wellness cycles.
	// Labels: status (success, error), content_type
	WellnessCyclesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics on reg.
//
// # Description
//
// Pass prometheus.DefaultRegisterer in production so promhttp.Handler()
// exposes them. Tests pass a fresh prometheus.NewRegistry().
//
// # Limitations
//
//   - Panics if called twice with the same registerer (duplicate registration).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: eventsSubsystem,
				Name:      "received_total",
				Help:      "Total inbound chat events by status",
			},
			[]string{"status"},
		),

		PipelineRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "runs_total",
				Help:      "Total pipeline runs by pipeline and status",
			},
			[]string{"pipeline", "status"},
		),

		PipelineDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "run_duration_seconds",
				Help:      "Pipeline run duration in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"pipeline"},
		),

		PipelineInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "runs_in_flight",
				Help:      "Number of pipeline runs currently executing",
			},
		),

		DeliveryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: deliverySubsystem,
				Name:      "attempts_total",
				Help:      "Total send attempts by payload label and result",
			},
			[]string{"label", "result"},
		),

		WellnessCyclesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: wellnessSubsystem,
				Name:      "cycles_total",
				Help:      "Total wellness cycles by status and content type",
			},
			[]string{"status", "content_type"},
		),
	}
}

// =============================================================================
// Recording Helpers
// =============================================================================

// RecordEvent counts one inbound event.
func (m *Metrics) RecordEvent(status string) {
	if m == nil {
		return
	}
	m.EventsTotal.WithLabelValues(status).Inc()
}

// StartRun marks a run as in flight and returns the function that records
// its completion.
//
// # Examples
//
//	done := metrics.StartRun("message")
//	_, err := p.Run(ctx, ev)
//	done(err)
func (m *Metrics) StartRun(pipeline string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	start := time.Now()
	m.PipelineInFlight.Inc()
	return func(err error) {
		m.PipelineInFlight.Dec()
		status := StatusSuccess
		if err != nil {
			status = StatusError
		}
		m.PipelineRunsTotal.WithLabelValues(pipeline, status).Inc()
		m.PipelineDurationSeconds.WithLabelValues(pipeline).Observe(time.Since(start).Seconds())
	}
}

// RecordDeliveryAttempt counts one send attempt. Its signature matches
// delivery.Observer.
func (m *Metrics) RecordDeliveryAttempt(label string, _ int, err error) {
	if m == nil {
		return
	}
	result := StatusSuccess
	if err != nil {
		result = StatusError
	}
	m.DeliveryAttemptsTotal.WithLabelValues(label, result).Inc()
}

// RecordWellnessCycle counts one wellness cycle.
func (m *Metrics) RecordWellnessCycle(success bool, contentType string) {
	if m == nil {
		return
	}
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	if contentType == "" {
		contentType = "unknown"
	}
	m.WellnessCyclesTotal.WithLabelValues(status, contentType).Inc()
}
