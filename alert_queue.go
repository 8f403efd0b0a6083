// alert_queue.go: operator alert queue fed by the notify_admin recovery action
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

// Alert is a notification waiting for an operator.
type Alert struct {
	ID        string         `json:"id"`
	Extension string         `json:"extension"`
	Severity  AlertSeverity  `json:"severity"`
	Message   string         `json:"message"`
	Status    HealthStatus   `json:"status"`
	Score     float64        `json:"score"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// severityFor maps a health status to an alert severity.
func severityFor(status HealthStatus) AlertSeverity {
	switch status {
	case StatusCritical, StatusUnknown:
		return AlertCritical
	case StatusUnhealthy:
		return AlertWarning
	default:
		return AlertInfo
	}
}

// AlertQueue buffers alerts until they are drained or dispatched. Enqueue never
// blocks and never touches the extension process.
type AlertQueue struct {
	// mu orders Put calls so a requeue cannot interleave with Enqueue.
	mu      sync.Mutex
	q       *queue.Queue
	events  *EventLog
	metrics *Metrics
	logger  Logger
}

// NewAlertQueue creates a queue. sizeHint only preallocates.
func NewAlertQueue(sizeHint int64, events *EventLog, metrics *Metrics, logger Logger) *AlertQueue {
	if sizeHint <= 0 {
		sizeHint = 64
	}
	return &AlertQueue{
		q:       queue.New(sizeHint),
		events:  events,
		metrics: metrics,
		logger:  NewLogger(logger).With("component", "alert_queue"),
	}
}

// Enqueue adds an alert, filling in ID and CreatedAt when empty.
func (a *AlertQueue) Enqueue(alert Alert) error {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = timecache.CachedTime()
	}
	if alert.Severity == "" {
		alert.Severity = severityFor(alert.Status)
	}
	a.mu.Lock()
	err := a.q.Put(alert)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	a.metrics.setAlertsQueued(a.q.Len())

	if a.events != nil {
		a.events.Append(LifecycleEvent{
			Extension: alert.Extension,
			Type:      EventAlertRaised,
			Actor:     backupActorSystem,
			Success:   true,
			Details: map[string]any{
				"alert_id": alert.ID,
				"severity": string(alert.Severity),
				"message":  alert.Message,
			},
		})
	}
	a.logger.Warn("Alert raised",
		"extension", alert.Extension,
		"severity", string(alert.Severity),
		"message", alert.Message)
	return nil
}

// Len returns the number of queued alerts.
func (a *AlertQueue) Len() int64 {
	return a.q.Len()
}

// Drain removes and returns up to limit queued alerts in arrival order. limit <= 0
// drains everything currently queued. It never blocks.
func (a *AlertQueue) Drain(limit int64) []Alert {
	n := a.q.Len()
	if limit > 0 && limit < n {
		n = limit
	}
	if n == 0 {
		return nil
	}
	items, err := a.q.Poll(n, time.Millisecond)
	if err != nil {
		return nil
	}
	out := make([]Alert, 0, len(items))
	for _, it := range items {
		if alert, ok := it.(Alert); ok {
			out = append(out, alert)
		}
	}
	a.metrics.setAlertsQueued(a.q.Len())
	return out
}

// Dispatch drains the queue into sink and stops at the first alert the sink
// rejects. That alert and the ones after it go back ahead of anything enqueued
// meanwhile, so arrival order survives a failed dispatch.
func (a *AlertQueue) Dispatch(ctx context.Context, sink AlertSink) (int, error) {
	sent := 0
	pending := a.Drain(0)
	for i, alert := range pending {
		if err := sink.SendAlert(ctx, alert); err != nil {
			a.requeue(pending[i:])
			return sent, err
		}
		sent++
	}
	return sent, nil
}

// requeue puts alerts back at the head of the queue.
func (a *AlertQueue) requeue(alerts []Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()

	newer := a.Drain(0)
	items := make([]interface{}, 0, len(alerts)+len(newer))
	for _, alert := range alerts {
		items = append(items, alert)
	}
	for _, alert := range newer {
		items = append(items, alert)
	}
	if err := a.q.Put(items...); err != nil {
		a.logger.Error("Failed to requeue undelivered alerts", "alerts", len(items), "error", err)
	}
	a.metrics.setAlertsQueued(a.q.Len())
}

// Close disposes the queue and returns the alerts that were never drained.
func (a *AlertQueue) Close() []Alert {
	items := a.q.Dispose()
	out := make([]Alert, 0, len(items))
	for _, it := range items {
		if alert, ok := it.(Alert); ok {
			out = append(out, alert)
		}
	}
	return out
}
