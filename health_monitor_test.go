// health_monitor_test.go: tests for monitoring loops, health checks and recovery dispatch
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(t *testing.T, ctrl ProcessController, sampler ResourceSampler, trigger RecoveryTrigger, events *EventLog) *HealthMonitor {
	t.Helper()
	m, err := NewHealthMonitor(HealthMonitorConfig{
		Controller: ctrl,
		Sampler:    sampler,
		Recovery:   trigger,
		Events:     events,
		Logger:     NewTestLogger(),
		Defaults:   quickHealthConfig(3, 2),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func TestHealthMonitor_HighCPUTriggersRecoveryOnce(t *testing.T) {
	ctrl := newMockController(t)
	ctrl.add(t, "search-indexer", true)
	sampler := &fakeSampler{}
	sampler.set(95, 40)
	trigger := newRecordingTrigger()
	events := NewEventLog(EventLogConfig{})

	m := newTestMonitor(t, ctrl, sampler, trigger, events)
	l, err := m.newLoop("search-indexer", quickHealthConfig(3, 1))
	require.NoError(t, err)
	defer l.cancel()

	m.cycle(l)
	m.cycle(l)
	assert.Equal(t, StatusUnhealthy, m.GetHealth("search-indexer").Status)
	assert.InDelta(t, 60.0, m.GetHealth("search-indexer").Score, 1e-9)
	assert.Equal(t, 0, trigger.count("search-indexer"))

	m.cycle(l)
	assert.Eventually(t, func() bool { return trigger.count("search-indexer") == 1 },
		2*time.Second, 10*time.Millisecond)

	// Two more failures are not enough for a second trigger.
	m.cycle(l)
	m.cycle(l)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, trigger.count("search-indexer"))

	failed := eventsOf(events, "search-indexer", EventHealthCheckFailed)
	assert.Len(t, failed, 5)
	for _, ev := range failed {
		assert.False(t, ev.Success)
		assert.NotEmpty(t, ev.Error)
		assert.Equal(t, "unhealthy", ev.Details["status"])
	}
}

func TestHealthMonitor_RecoveryManagerEmitsInitiated(t *testing.T) {
	ctrl := newMockController(t)
	ctrl.add(t, "search-indexer", true)
	sampler := &fakeSampler{}
	sampler.set(95, 40)
	events := NewEventLog(EventLogConfig{})

	m := newTestMonitor(t, ctrl, sampler, nil, events)
	rm := NewRecoveryManager(RecoveryManagerConfig{Controller: ctrl, Events: events, Monitor: m})
	m.SetRecovery(rm)

	l, err := m.newLoop("search-indexer", quickHealthConfig(3, 1))
	require.NoError(t, err)
	defer l.cancel()

	for i := 0; i < 3; i++ {
		m.cycle(l)
	}

	assert.Eventually(t, func() bool {
		return len(eventsOf(events, "search-indexer", EventRecoveryCompleted)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	initiated := eventsOf(events, "search-indexer", EventRecoveryInitiated)
	require.Len(t, initiated, 1)
	assert.Equal(t, "default-restart", initiated[0].Details["action_id"])
	assert.Equal(t, "unhealthy", initiated[0].Details["health_status"])
	assert.Equal(t, 1, ctrl.count("restart", "search-indexer"))
	assert.Len(t, eventsOf(events, "search-indexer", EventRestarted), 1)
}

func TestHealthMonitor_RecoveryInProgressDropsTrigger(t *testing.T) {
	ctrl := newMockController(t)
	ctrl.add(t, "search-indexer", true)
	sampler := &fakeSampler{}
	sampler.set(95, 40)
	trigger := newRecordingTrigger()

	m := newTestMonitor(t, ctrl, sampler, trigger, nil)
	l, err := m.newLoop("search-indexer", quickHealthConfig(1, 1))
	require.NoError(t, err)
	defer l.cancel()

	l.recovering.Store(true)
	m.cycle(l)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, trigger.count("search-indexer"))

	l.recovering.Store(false)
	m.cycle(l)
	assert.Eventually(t, func() bool { return trigger.count("search-indexer") == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestHealthMonitor_PassedEventAtSuccessThreshold(t *testing.T) {
	ctrl := newMockController(t)
	ctrl.add(t, "search-indexer", true)
	sampler := &fakeSampler{}
	sampler.set(10, 40)
	events := NewEventLog(EventLogConfig{})

	m := newTestMonitor(t, ctrl, sampler, nil, events)
	l, err := m.newLoop("search-indexer", quickHealthConfig(3, 2))
	require.NoError(t, err)
	defer l.cancel()

	m.cycle(l)
	assert.Empty(t, eventsOf(events, "search-indexer", EventHealthCheckPassed))
	m.cycle(l)
	m.cycle(l)

	passed := eventsOf(events, "search-indexer", EventHealthCheckPassed)
	require.Len(t, passed, 1)
	assert.Equal(t, "healthy", passed[0].Details["status"])
	assert.Equal(t, StatusHealthy, m.GetHealth("search-indexer").Status)
}

func TestHealthMonitor_StartIsIdempotentAndStopDropsHealth(t *testing.T) {
	ctrl := newMockController(t)
	ctrl.add(t, "search-indexer", true)
	sampler := &fakeSampler{}
	sampler.set(10, 40)
	events := NewEventLog(EventLogConfig{})
	m := newTestMonitor(t, ctrl, sampler, nil, events)

	cfg := quickHealthConfig(3, 1)
	cfg.Interval = 10 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, m.StartMonitoring(ctx, "search-indexer", cfg))
	require.NoError(t, m.StartMonitoring(ctx, "search-indexer", cfg))
	assert.True(t, m.IsMonitoring("search-indexer"))
	assert.Equal(t, []string{"search-indexer"}, m.MonitoredExtensions())
	assert.Len(t, eventsOf(events, "search-indexer", EventMonitoringStarted), 1)

	assert.Eventually(t, func() bool {
		return m.GetHealth("search-indexer").Status == StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, m.StopMonitoring(ctx, "search-indexer"))
	assert.False(t, m.IsMonitoring("search-indexer"))
	assert.Equal(t, StatusUnknown, m.GetHealth("search-indexer").Status)
	assert.Empty(t, m.AllHealth())
	assert.Equal(t, PhaseIdle, m.Phase("search-indexer"))
	assert.Len(t, eventsOf(events, "search-indexer", EventMonitoringStopped), 1)

	// Stopping again is a no-op.
	require.NoError(t, m.StopMonitoring(ctx, "search-indexer"))
	assert.Len(t, eventsOf(events, "search-indexer", EventMonitoringStopped), 1)
}

func TestHealthMonitor_StopTimeoutKeepsSingleLoop(t *testing.T) {
	ctrl := newMockController(t)
	ctrl.add(t, "search-indexer", true)
	sampler := &fakeSampler{}
	sampler.set(10, 40)
	events := NewEventLog(EventLogConfig{})
	m := newTestMonitor(t, ctrl, sampler, nil, events)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m.RegisterHealthCallback(func(ExtensionHealth) {
		once.Do(func() { close(entered) })
		<-release
	})

	cfg := quickHealthConfig(3, 1)
	cfg.Interval = 10 * time.Millisecond
	ctx := context.Background()
	require.NoError(t, m.StartMonitoring(ctx, "search-indexer", cfg))

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("health callback never ran")
	}

	expired, cancel := context.WithCancel(ctx)
	cancel()
	err := m.StopMonitoring(expired, "search-indexer")
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, m.IsMonitoring("search-indexer"), "loop keeps its entry until it exits")

	err = m.StartMonitoring(expired, "search-indexer", cfg)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, eventsOf(events, "search-indexer", EventMonitoringStarted), 1)

	restarted := make(chan error, 1)
	go func() { restarted <- m.StartMonitoring(ctx, "search-indexer", cfg) }()

	close(release)
	select {
	case err := <-restarted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("StartMonitoring did not return after the old loop exited")
	}

	assert.Equal(t, []string{"search-indexer"}, m.MonitoredExtensions())
	assert.Len(t, eventsOf(events, "search-indexer", EventMonitoringStarted), 2)
	assert.Eventually(t, func() bool {
		return len(eventsOf(events, "search-indexer", EventMonitoringStopped)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, m.IsMonitoring("search-indexer"))
}

func TestHealthMonitor_StartRejectsBadInput(t *testing.T) {
	m := newTestMonitor(t, newMockController(t), nil, nil, nil)

	err := m.StartMonitoring(context.Background(), "../escape", quickHealthConfig(3, 1))
	assert.True(t, HasErrorCode(err, ErrCodeInvalidName))

	cfg := quickHealthConfig(3, 1)
	cfg.CustomChecks = []CheckSpec{{Name: "queue", Type: CheckCustom}}
	err = m.StartMonitoring(context.Background(), "search-indexer", cfg)
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))
	assert.False(t, m.IsMonitoring("search-indexer"))

	assert.True(t, HasErrorCode(m.ValidateConfig(cfg), ErrCodeConfigValidationError))
	assert.NoError(t, m.ValidateConfig(quickHealthConfig(3, 1)))
}

func TestHealthMonitor_CheckHealthFailureModes(t *testing.T) {
	ctx := context.Background()

	t.Run("missing process is critical", func(t *testing.T) {
		m := newTestMonitor(t, newMockController(t), &fakeSampler{}, nil, nil)
		h := m.CheckHealth(ctx, "ghost")
		assert.Equal(t, StatusCritical, h.Status)
		assert.Equal(t, 0.0, h.Score)
		assert.NotEmpty(t, h.LastError)
	})

	t.Run("sampler not found is critical", func(t *testing.T) {
		ctrl := newMockController(t)
		ctrl.add(t, "search-indexer", true)
		sampler := &fakeSampler{err: NewExtensionNotFoundError("")}
		m := newTestMonitor(t, ctrl, sampler, nil, nil)
		assert.Equal(t, StatusCritical, m.CheckHealth(ctx, "search-indexer").Status)
	})

	t.Run("controller failure is unknown", func(t *testing.T) {
		ctrl := newMockController(t)
		ctrl.add(t, "search-indexer", true)
		ctrl.infoErr = errors.New("process table unavailable")
		m := newTestMonitor(t, ctrl, &fakeSampler{}, nil, nil)
		h := m.CheckHealth(ctx, "search-indexer")
		assert.Equal(t, StatusUnknown, h.Status)
		assert.Contains(t, h.LastError, "process table unavailable")
	})

	t.Run("panicking sampler is unknown", func(t *testing.T) {
		ctrl := newMockController(t)
		ctrl.add(t, "search-indexer", true)
		m := newTestMonitor(t, ctrl, &fakeSampler{panic: true}, nil, nil)
		h := m.CheckHealth(ctx, "search-indexer")
		assert.Equal(t, StatusUnknown, h.Status)
		assert.Contains(t, h.LastError, "panicked")
	})

	t.Run("slow sampler times out as unknown", func(t *testing.T) {
		ctrl := newMockController(t)
		ctrl.add(t, "search-indexer", true)
		m, err := NewHealthMonitor(HealthMonitorConfig{
			Controller: ctrl,
			Sampler:    &fakeSampler{block: true},
			Defaults:   HealthCheckConfig{Timeout: 50 * time.Millisecond},
		})
		require.NoError(t, err)
		defer func() { _ = m.Shutdown(context.Background()) }()

		h := m.CheckHealth(ctx, "search-indexer")
		assert.Equal(t, StatusUnknown, h.Status)
		assert.NotEmpty(t, h.LastError)
	})

	t.Run("no controller is unknown", func(t *testing.T) {
		m := newTestMonitor(t, nil, nil, nil, nil)
		assert.Equal(t, StatusUnknown, m.CheckHealth(ctx, "search-indexer").Status)
	})
}

func TestHealthMonitor_ProbesLowerTheScore(t *testing.T) {
	ctrl := newMockController(t)
	ctrl.add(t, "search-indexer", true)
	sampler := &fakeSampler{}
	sampler.set(10, 40)
	m := newTestMonitor(t, ctrl, sampler, nil, nil)

	m.RegisterCustomCheck("queue-depth", func(context.Context, string) error {
		return errors.New("queue depth 12000")
	})
	cfg := quickHealthConfig(3, 1)
	cfg.CustomChecks = []CheckSpec{
		{Name: "alive", Type: CheckPing},
		{Name: "queue-depth", Type: CheckCustom},
	}
	require.NoError(t, m.StartMonitoring(context.Background(), "search-indexer", cfg))

	h := m.CheckHealth(context.Background(), "search-indexer")
	assert.Equal(t, 65.0, h.Score)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.NotEmpty(t, h.LastError)
	assert.Equal(t, 1, h.Metrics["failing_probes"])
	probes, ok := h.Metrics["probes"].(map[string]string)
	require.True(t, ok)
	assert.Equal(t, "ok", probes["alive"])
	assert.NotEqual(t, "ok", probes["queue-depth"])

	// CheckHealth never writes the cache.
	assert.Equal(t, StatusUnknown, m.GetHealth("search-indexer").Status)
}

func TestHealthMonitor_ErrorRateFromController(t *testing.T) {
	ctrl := newMockController(t)
	ctrl.add(t, "search-indexer", true)
	ctrl.requests, ctrl.errors = 100, 20
	m := newTestMonitor(t, ctrl, &fakeSampler{}, nil, nil)

	h := m.CheckHealth(context.Background(), "search-indexer")
	assert.InDelta(t, 0.2, h.ErrorRate, 1e-9)
	assert.Equal(t, 60.0, h.Score)
}

func TestHealthMonitor_UpdateConfigAppliesBeforeNextCheck(t *testing.T) {
	ctrl := newMockController(t)
	ctrl.add(t, "search-indexer", true)
	sampler := &fakeSampler{}
	sampler.set(95, 40)
	trigger := newRecordingTrigger()
	m := newTestMonitor(t, ctrl, sampler, trigger, nil)

	err := m.UpdateConfig("search-indexer", quickHealthConfig(1, 1))
	assert.True(t, HasErrorCode(err, ErrCodeExtensionNotFound))

	l, err := m.newLoop("search-indexer", quickHealthConfig(5, 1))
	require.NoError(t, err)
	defer l.cancel()
	m.loops.Set("search-indexer", l)

	m.cycle(l)
	assert.Equal(t, 0, trigger.count("search-indexer"))

	require.NoError(t, m.UpdateConfig("search-indexer", quickHealthConfig(1, 1)))
	m.cycle(l)
	assert.Equal(t, 1, l.settings.Load().cfg.FailureThreshold)
	assert.Eventually(t, func() bool { return trigger.count("search-indexer") == 1 },
		2*time.Second, 10*time.Millisecond)

	m.loops.Remove("search-indexer")
}

func TestHealthMonitor_Callbacks(t *testing.T) {
	ctrl := newMockController(t)
	ctrl.add(t, "search-indexer", true)
	m := newTestMonitor(t, ctrl, &fakeSampler{}, nil, nil)

	var mu sync.Mutex
	var seen []ExtensionHealth
	m.RegisterHealthCallback(func(ExtensionHealth) { panic("callback bug") })
	m.RegisterHealthCallback(func(h ExtensionHealth) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, h)
	})
	m.RegisterHealthCallback(nil)

	l, err := m.newLoop("search-indexer", quickHealthConfig(3, 1))
	require.NoError(t, err)
	defer l.cancel()
	m.cycle(l)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "search-indexer", seen[0].Extension)
}

func TestHealthMonitor_CancelledLoopDiscardsResult(t *testing.T) {
	ctrl := newMockController(t)
	ctrl.add(t, "search-indexer", true)
	m := newTestMonitor(t, ctrl, &fakeSampler{}, nil, nil)

	l, err := m.newLoop("search-indexer", quickHealthConfig(3, 1))
	require.NoError(t, err)
	l.cancel()
	m.cycle(l)

	_, cached := m.health.Get("search-indexer")
	assert.False(t, cached)
}

func TestHealthMonitor_ShutdownStopsEverything(t *testing.T) {
	ctrl := newMockController(t)
	ctrl.add(t, "search-indexer", true)
	ctrl.add(t, "thumbnailer", true)
	events := NewEventLog(EventLogConfig{})
	m, err := NewHealthMonitor(HealthMonitorConfig{Controller: ctrl, Sampler: &fakeSampler{}, Events: events})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, m.StartMonitoring(ctx, "search-indexer", quickHealthConfig(3, 1)))
	require.NoError(t, m.StartMonitoring(ctx, "thumbnailer", quickHealthConfig(3, 1)))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))
	assert.Empty(t, m.MonitoredExtensions())
	assert.Len(t, events.Query(EventFilter{Types: []EventType{EventMonitoringStopped}}), 2)

	err = m.StartMonitoring(ctx, "search-indexer", quickHealthConfig(3, 1))
	assert.True(t, HasErrorCode(err, ErrCodeOrchestratorClosed))
	require.NoError(t, m.Shutdown(shutdownCtx))
}
