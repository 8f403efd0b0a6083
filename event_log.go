// event_log.go: append-only lifecycle event log
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

const (
	defaultMaxEvents    = 10000
	defaultMirrorBuffer = 1024
	mirrorRetries       = 3
	mirrorWriteTimeout  = 5 * time.Second
)

// EventLogConfig configures an EventLog.
type EventLogConfig struct {
	// MaxEvents bounds the in-memory window. Older events survive only in the
	// durable stores.
	MaxEvents int

	// MirrorBuffer is the number of events queued for the stores before new
	// events are dropped from the mirror.
	MirrorBuffer int

	Stores  []EventStore
	Logger  Logger
	Metrics *Metrics
}

// EventFilter selects events in Query. Zero fields match everything.
type EventFilter struct {
	Extension     string
	Types         []EventType
	Since         time.Time
	Until         time.Time
	CorrelationID string
	Success       *bool

	// Limit keeps only the newest matches when positive.
	Limit int
}

func (f EventFilter) matches(ev LifecycleEvent) bool {
	if f.Extension != "" && ev.Extension != f.Extension {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	if f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID {
		return false
	}
	if f.Success != nil && ev.Success != *f.Success {
		return false
	}
	return true
}

// EventLog is the audit trail every supervisor component writes to.
//
// Events are never mutated once appended. Each event receives a sequence number
// under the log lock, so the in-memory order, the order seen by subscribers and
// the order written to the stores all agree.
type EventLog struct {
	mu          sync.RWMutex
	events      []LifecycleEvent
	seq         uint64
	maxEvents   int
	subscribers []func(LifecycleEvent)

	stores  []EventStore
	mirror  chan LifecycleEvent
	closed  bool
	done    chan struct{}
	logger  Logger
	metrics *Metrics
}

// NewEventLog creates a log and starts its mirror goroutine when stores are set.
func NewEventLog(cfg EventLogConfig) *EventLog {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = defaultMaxEvents
	}
	if cfg.MirrorBuffer <= 0 {
		cfg.MirrorBuffer = defaultMirrorBuffer
	}

	l := &EventLog{
		events:    make([]LifecycleEvent, 0, 64),
		maxEvents: cfg.MaxEvents,
		stores:    cfg.Stores,
		done:      make(chan struct{}),
		logger:    NewLogger(cfg.Logger).With("component", "event_log"),
		metrics:   cfg.Metrics,
	}

	if len(l.stores) > 0 {
		l.mirror = make(chan LifecycleEvent, cfg.MirrorBuffer)
		go l.mirrorLoop()
	} else {
		close(l.done)
	}
	return l
}

// Append records an event and returns it with ID, Sequence and Timestamp set.
// Caller supplied IDs and timestamps are kept. Appending to a nil log is a no-op.
func (l *EventLog) Append(ev LifecycleEvent) LifecycleEvent {
	if l == nil {
		return ev
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = timecache.CachedTime()
	}

	l.mu.Lock()
	l.seq++
	ev.Sequence = l.seq
	l.events = append(l.events, ev)
	if over := len(l.events) - l.maxEvents; over > 0 {
		// Copy down so the backing array does not grow without bound.
		copy(l.events, l.events[over:])
		l.events = l.events[:l.maxEvents]
	}
	if l.mirror != nil && !l.closed {
		select {
		case l.mirror <- ev:
		default:
			l.logger.Warn("Event mirror buffer full, event not persisted",
				"event_id", ev.ID, "type", string(ev.Type), "extension", ev.Extension)
		}
	}
	subs := make([]func(LifecycleEvent), len(l.subscribers))
	copy(subs, l.subscribers)
	l.mu.Unlock()

	l.metrics.recordEvent(ev)

	for _, fn := range subs {
		l.notify(fn, ev)
	}
	return ev
}

func (l *EventLog) notify(fn func(LifecycleEvent), ev LifecycleEvent) {
	defer withStackRecover(l.logger)()
	fn(ev)
}

// Subscribe registers fn to be called synchronously for every appended event.
func (l *EventLog) Subscribe(fn func(LifecycleEvent)) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.subscribers = append(l.subscribers, fn)
	l.mu.Unlock()
}

// Query returns matching events in sequence order.
func (l *EventLog) Query(filter EventFilter) []LifecycleEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]LifecycleEvent, 0)
	for _, ev := range l.events {
		if filter.matches(ev) {
			out = append(out, ev)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

// Recent returns the newest n events of an extension, oldest first. An empty
// extension selects events of every extension.
func (l *EventLog) Recent(extension string, n int) []LifecycleEvent {
	return l.Query(EventFilter{Extension: extension, Limit: n})
}

// Len returns the number of events held in memory.
func (l *EventLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// LastSequence returns the sequence number of the newest event.
func (l *EventLog) LastSequence() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

func (l *EventLog) mirrorLoop() {
	defer close(l.done)
	defer withStackRecover(l.logger)()

	for ev := range l.mirror {
		for _, store := range l.stores {
			l.persist(store, ev)
		}
	}
}

func (l *EventLog) persist(store EventStore, ev LifecycleEvent) {
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorWriteTimeout)
		defer cancel()
		return store.AppendEvent(ctx, ev)
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), mirrorRetries)
	if err := backoff.Retry(op, policy); err != nil {
		l.metrics.recordMirrorFailure()
		l.logger.Warn("Failed to persist lifecycle event",
			"event_id", ev.ID,
			"type", string(ev.Type),
			"error", NewEventStoreError("append", err).Error())
	}
}

// Close stops mirroring, waits for queued events to reach the stores and closes
// them. The in-memory log stays readable and appendable.
func (l *EventLog) Close(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	if l.mirror != nil {
		close(l.mirror)
	}
	l.mu.Unlock()

	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var firstErr error
	for _, store := range l.stores {
		if err := store.Close(); err != nil && firstErr == nil {
			firstErr = NewEventStoreError("close", err)
		}
	}
	return firstErr
}
