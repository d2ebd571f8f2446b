// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for MeterGate.
//
// # Description
//
// Metrics cover the accumulation engine (created, folded, abstained),
// store commit conflicts, degraded merge sources, authorization outcomes,
// audit fan-out failures, verifier latency, background ingestion, and HTTP
// request latency.
//
// All recording methods are nil-safe: a nil *Metrics records nothing, so
// components can be built without metrics in tests.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "metergate"

// AccumulateOutcome labels metergate_usage_accumulate_total.
type AccumulateOutcome string

const (
	OutcomeCreated   AccumulateOutcome = "created"
	OutcomeFolded    AccumulateOutcome = "folded"
	OutcomeAbstained AccumulateOutcome = "abstained"
	OutcomeError     AccumulateOutcome = "error"
)

// Metrics holds every MeterGate collector.
type Metrics struct {
	// AccumulateTotal counts accumulate attempts.
	// Labels: outcome (created, folded, abstained, error)
	AccumulateTotal *prometheus.CounterVec

	// StoreConflictsTotal counts lost optimistic commit races.
	StoreConflictsTotal prometheus.Counter

	// SourceDegradedTotal counts auxiliary sources that failed a merge read.
	// Labels: source
	SourceDegradedTotal *prometheus.CounterVec

	// AuthorizeTotal counts authorization requests.
	// Labels: result (approval, refusal, or an error kind)
	AuthorizeTotal *prometheus.CounterVec

	// AuditSinkErrorsTotal counts audit entries the sink failed to publish.
	AuditSinkErrorsTotal prometheus.Counter

	// VerifierDurationSeconds measures verifier round trips.
	// Labels: status (success, error)
	VerifierDurationSeconds *prometheus.HistogramVec

	// IngestTotal counts background ingestion events.
	// Labels: source (sampler, mqtt), outcome (accepted, skipped, rejected, error)
	IngestTotal *prometheus.CounterVec

	// ResetsTotal counts administrative resets.
	// Labels: status (success, error)
	ResetsTotal *prometheus.CounterVec

	// HTTPRequestDurationSeconds measures request handling time.
	// Labels: route, method, status
	HTTPRequestDurationSeconds *prometheus.HistogramVec
}

// NewMetrics creates and registers all collectors on reg.
//
// # Inputs
//
//   - reg: Registerer to use. Pass prometheus.NewRegistry() in tests to
//     avoid duplicate registration on the default registry.
//
// # Limitations
//
//   - Panics if called twice with the same registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		AccumulateTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "usage",
				Name:      "accumulate_total",
				Help:      "Accumulate attempts by outcome",
			},
			[]string{"outcome"},
		),

		StoreConflictsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "store",
				Name:      "txn_conflicts_total",
				Help:      "Optimistic transaction commits that lost a race and were retried",
			},
		),

		SourceDegradedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "usage",
				Name:      "source_degraded_total",
				Help:      "Auxiliary usage sources that failed and were read as empty",
			},
			[]string{"source"},
		),

		AuthorizeTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "access",
				Name:      "authorize_total",
				Help:      "Authorization requests by result",
			},
			[]string{"result"},
		),

		AuditSinkErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "access",
				Name:      "audit_sink_errors_total",
				Help:      "Audit entries the external sink failed to publish",
			},
		),

		VerifierDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "access",
				Name:      "verifier_duration_seconds",
				Help:      "Verifier round trip time in seconds",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"status"},
		),

		IngestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "ingest",
				Name:      "events_total",
				Help:      "Background ingestion events by source and outcome",
			},
			[]string{"source", "outcome"},
		),

		ResetsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "admin",
				Name:      "resets_total",
				Help:      "Administrative usage resets by status",
			},
			[]string{"status"},
		),

		HTTPRequestDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request handling time in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method", "status"},
		),
	}
}

// =============================================================================
// Helper Methods
// =============================================================================

// RecordAccumulate counts one accumulate attempt.
func (m *Metrics) RecordAccumulate(outcome AccumulateOutcome) {
	if m == nil {
		return
	}
	m.AccumulateTotal.WithLabelValues(string(outcome)).Inc()
}

// RecordConflict counts one lost commit race.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.StoreConflictsTotal.Inc()
}

// RecordDegraded counts an auxiliary source read as empty.
func (m *Metrics) RecordDegraded(source string) {
	if m == nil {
		return
	}
	m.SourceDegradedTotal.WithLabelValues(source).Inc()
}

// RecordAuthorize counts one authorization request by result.
func (m *Metrics) RecordAuthorize(result string) {
	if m == nil {
		return
	}
	m.AuthorizeTotal.WithLabelValues(result).Inc()
}

// RecordAuditSinkError counts one failed audit publish.
func (m *Metrics) RecordAuditSinkError() {
	if m == nil {
		return
	}
	m.AuditSinkErrorsTotal.Inc()
}

// RecordVerifier observes one verifier round trip.
func (m *Metrics) RecordVerifier(d time.Duration, success bool) {
	if m == nil {
		return
	}
	m.VerifierDurationSeconds.WithLabelValues(statusLabel(success)).Observe(d.Seconds())
}

// RecordIngest counts one background ingestion event.
func (m *Metrics) RecordIngest(source, outcome string) {
	if m == nil {
		return
	}
	m.IngestTotal.WithLabelValues(source, outcome).Inc()
}

// RecordReset counts one administrative reset.
func (m *Metrics) RecordReset(success bool) {
	if m == nil {
		return
	}
	m.ResetsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordHTTP observes one handled request.
func (m *Metrics) RecordHTTP(route, method, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDurationSeconds.WithLabelValues(route, method, status).Observe(d.Seconds())
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
