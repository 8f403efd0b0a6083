// metrics.go: Prometheus metrics and OpenTelemetry tracing for the supervisor
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const metricsNamespace = "supervisor"

// Metrics holds the Prometheus collectors of a supervisor instance.
//
// Every method is safe on a nil receiver so components can be built without
// metrics in tests.
type Metrics struct {
	healthChecks     *prometheus.CounterVec
	healthScore      *prometheus.GaugeVec
	checkDuration    *prometheus.HistogramVec
	recoveryAttempts *prometheus.CounterVec
	backupOps        *prometheus.CounterVec
	backupBytes      *prometheus.GaugeVec
	events           *prometheus.CounterVec
	mirrorFailures   prometheus.Counter
	monitored        prometheus.Gauge
	alertsQueued     prometheus.Gauge
	apiCalls         *prometheus.CounterVec
	apiErrors        *prometheus.CounterVec
	apiLatency       *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg. A nil reg uses a
// private registry.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "health_checks_total",
			Help:      "Health checks run, by extension and resulting status.",
		}, []string{"extension", "status"}),
		healthScore: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "health_score",
			Help:      "Latest health score per extension.",
		}, []string{"extension"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "health_check_duration_seconds",
			Help:      "Duration of a full health check.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"extension"}),
		recoveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "recovery_attempts_total",
			Help:      "Recovery actions executed, by extension, action type and outcome.",
		}, []string{"extension", "action", "outcome"}),
		backupOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "backup_operations_total",
			Help:      "Backup and restore operations, by operation and outcome.",
		}, []string{"operation", "outcome"}),
		backupBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "backup_last_size_bytes",
			Help:      "Size of the newest backup archive per extension.",
		}, []string{"extension"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lifecycle_events_total",
			Help:      "Lifecycle events appended, by type and success.",
		}, []string{"type", "success"}),
		mirrorFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "event_mirror_failures_total",
			Help:      "Lifecycle events that could not be written to a durable store.",
		}),
		monitored: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "monitored_extensions",
			Help:      "Extensions with an active monitoring loop.",
		}),
		alertsQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "alerts_queued",
			Help:      "Operator alerts waiting to be drained.",
		}),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "extension_api_calls_total",
			Help:      "Calls served by extension endpoints, by extension, endpoint and status code.",
		}, []string{"extension", "endpoint", "status"}),
		apiErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "extension_api_errors_total",
			Help:      "Extension endpoint calls that failed or answered with a 4xx or 5xx status.",
		}, []string{"extension", "endpoint"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "extension_api_latency_seconds",
			Help:      "Latency of extension endpoint calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"extension", "endpoint"}),
	}

	for _, c := range []prometheus.Collector{
		m.healthChecks, m.healthScore, m.checkDuration, m.recoveryAttempts,
		m.backupOps, m.backupBytes, m.events, m.mirrorFailures, m.monitored, m.alertsQueued,
		m.apiCalls, m.apiErrors, m.apiLatency,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) recordHealth(h ExtensionHealth, took time.Duration) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(h.Extension, h.Status.String()).Inc()
	m.healthScore.WithLabelValues(h.Extension).Set(h.Score)
	m.checkDuration.WithLabelValues(h.Extension).Observe(took.Seconds())
}

func (m *Metrics) forgetExtension(name string) {
	if m == nil {
		return
	}
	m.healthScore.DeleteLabelValues(name)
	m.checkDuration.DeleteLabelValues(name)
	m.apiLatency.DeletePartialMatch(prometheus.Labels{"extension": name})
}

// RecordAPICall counts one call to an extension endpoint. Hosts call it from
// their request path. A status of 0 means the call failed before any response
// and counts as an error, as does any status of 400 or above.
func (m *Metrics) RecordAPICall(extension, endpoint string, status int, latency time.Duration) {
	if m == nil {
		return
	}
	m.apiCalls.WithLabelValues(extension, endpoint, strconv.Itoa(status)).Inc()
	m.apiLatency.WithLabelValues(extension, endpoint).Observe(latency.Seconds())
	if status == 0 || status >= 400 {
		m.apiErrors.WithLabelValues(extension, endpoint).Inc()
	}
}

func (m *Metrics) recordRecovery(extension string, action RecoveryActionType, ok bool) {
	if m == nil {
		return
	}
	m.recoveryAttempts.WithLabelValues(extension, string(action), outcomeLabel(ok)).Inc()
}

func (m *Metrics) recordBackupOp(op string, ok bool) {
	if m == nil {
		return
	}
	m.backupOps.WithLabelValues(op, outcomeLabel(ok)).Inc()
}

func (m *Metrics) recordBackupSize(extension string, size int64) {
	if m == nil {
		return
	}
	m.backupBytes.WithLabelValues(extension).Set(float64(size))
}

func (m *Metrics) recordEvent(ev LifecycleEvent) {
	if m == nil {
		return
	}
	success := "false"
	if ev.Success {
		success = "true"
	}
	m.events.WithLabelValues(string(ev.Type), success).Inc()
}

func (m *Metrics) recordMirrorFailure() {
	if m == nil {
		return
	}
	m.mirrorFailures.Inc()
}

func (m *Metrics) setMonitored(n int) {
	if m == nil {
		return
	}
	m.monitored.Set(float64(n))
}

func (m *Metrics) setAlertsQueued(n int64) {
	if m == nil {
		return
	}
	m.alertsQueued.Set(float64(n))
}

func outcomeLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// tracerOrNoop returns tracer, or a no-op tracer when nil.
func tracerOrNoop(tracer trace.Tracer) trace.Tracer {
	if tracer != nil {
		return tracer
	}
	return noop.NewTracerProvider().Tracer("github.com/agilira/go-supervisor")
}

// startSpan opens a span tagged with the extension name.
func startSpan(ctx context.Context, tracer trace.Tracer, name, extension string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("supervisor.extension", extension))
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
