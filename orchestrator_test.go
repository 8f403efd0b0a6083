// orchestrator_test.go: tests for component wiring, overviews and shutdown
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orchestratorFixture struct {
	o      *Orchestrator
	ctrl   *mockController
	hooks  *memHooks
	sink   *recordingSink
	store  *memoryStore
	logger *TestLogger
}

func newOrchestratorFixture(t *testing.T, mutate func(*SupervisorConfig)) *orchestratorFixture {
	t.Helper()
	f := &orchestratorFixture{
		ctrl:   newMockController(t),
		hooks:  newMemHooks(),
		sink:   &recordingSink{},
		store:  &memoryStore{},
		logger: NewTestLogger(),
	}
	f.ctrl.add(t, "search-indexer", true)

	cfg := DefaultSupervisorConfig()
	cfg.BackupRoot = filepath.Join(t.TempDir(), "backups")
	cfg.DefaultHealthCheck = quickHealthConfig(3, 2)
	if mutate != nil {
		mutate(&cfg)
	}

	o, err := New(Options{
		Config:     cfg,
		Controller: f.ctrl,
		Hooks:      f.hooks,
		AlertSink:  f.sink,
		Logger:     f.logger,
		Registerer: prometheus.NewRegistry(),
		Stores:     []EventStore{f.store},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = o.Shutdown(ctx)
	})
	f.o = o
	return f
}

func TestNew_Validation(t *testing.T) {
	cfg := DefaultSupervisorConfig()
	cfg.BackupRoot = t.TempDir()

	_, err := New(Options{Config: cfg})
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError), "controller is required")

	bad := cfg
	bad.LogLevel = "loud"
	_, err = New(Options{Config: bad, Controller: newMockController(t)})
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))

	dup := DefaultSupervisorConfig()
	dup.BackupRoot = t.TempDir()
	dup.Extensions["search-indexer"] = ExtensionPolicy{RecoveryActions: []RecoveryAction{
		{ID: "a", Type: ActionRestart, Enabled: true},
		{ID: "a", Type: ActionDisable, Enabled: true},
	}}
	_, err = New(Options{Config: dup, Controller: newMockController(t)})
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError), "duplicate action ids")

	reg := prometheus.NewRegistry()
	first, err := New(Options{Config: cfg, Controller: newMockController(t), Registerer: reg})
	require.NoError(t, err)
	defer func() { _ = first.Shutdown(context.Background()) }()
	_, err = New(Options{Config: cfg, Controller: newMockController(t), Registerer: reg})
	assert.Error(t, err, "metrics registered twice")
}

func TestOrchestrator_LoadAndUnloadExtension(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.o.LoadExtension(ctx, "search-indexer"))
	assert.True(t, f.o.Monitor().IsMonitoring("search-indexer"))
	assert.Len(t, eventsOf(f.o.Events(), "search-indexer", EventMonitoringStarted), 1)

	ov := f.o.GetExtensionOverview("search-indexer")
	assert.True(t, ov.Monitored)
	assert.Equal(t, StatusUnknown, ov.Health.Status)
	require.Len(t, ov.Actions, 1)
	assert.Equal(t, defaultActionID, ov.Actions[0].Action.ID)

	assert.True(t, HasErrorCode(f.o.LoadExtension(ctx, "../etc"), ErrCodeInvalidName))

	require.NoError(t, f.o.UnloadExtension(ctx, "search-indexer"))
	assert.False(t, f.o.Monitor().IsMonitoring("search-indexer"))
	assert.Len(t, eventsOf(f.o.Events(), "search-indexer", EventMonitoringStopped), 1)
	assert.NoError(t, f.o.UnloadExtension(ctx, "search-indexer"), "unloading twice is a no-op")
}

func TestOrchestrator_TriggerRecoveryDefaultRestart(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.ctrl.setRunning("search-indexer", false)

	res, err := f.o.TriggerRecovery(context.Background(), "search-indexer")
	require.NoError(t, err)
	assert.True(t, res.Attempted)
	assert.True(t, res.Success)
	assert.Equal(t, defaultActionID, res.Action.ID)
	assert.Equal(t, 1, f.ctrl.count("restart", "search-indexer"))
	assert.Len(t, eventsOf(f.o.Events(), "search-indexer", EventRecoveryCompleted), 1)

	_, err = f.o.TriggerRecovery(context.Background(), "a/b")
	assert.True(t, HasErrorCode(err, ErrCodeInvalidName))
}

func TestOrchestrator_NotifyAdminAndDispatch(t *testing.T) {
	f := newOrchestratorFixture(t, func(c *SupervisorConfig) {
		c.Extensions["search-indexer"] = ExtensionPolicy{RecoveryActions: []RecoveryAction{{
			ID:         "page",
			Type:       ActionNotifyAdmin,
			Enabled:    true,
			Parameters: map[string]any{"message": "indexer is down"},
		}}}
	})
	ctx := context.Background()

	res, err := f.o.TriggerRecovery(ctx, "search-indexer")
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, int64(1), f.o.Alerts().Len())
	assert.Equal(t, int64(1), f.o.GetSystemOverview().QueuedAlerts)

	sent, err := f.o.DispatchAlerts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	received := f.sink.received()
	require.Len(t, received, 1)
	assert.Equal(t, "search-indexer", received[0].Extension)
	assert.Equal(t, "indexer is down", received[0].Message)
	assert.Equal(t, int64(0), f.o.Alerts().Len())
}

func TestOrchestrator_DispatchWithoutSink(t *testing.T) {
	cfg := DefaultSupervisorConfig()
	cfg.BackupRoot = t.TempDir()
	o, err := New(Options{Config: cfg, Controller: newMockController(t)})
	require.NoError(t, err)
	defer func() { _ = o.Shutdown(context.Background()) }()

	_, err = o.DispatchAlerts(context.Background())
	assert.True(t, HasErrorCode(err, ErrCodeCollaboratorMissing))
}

func TestOrchestrator_Overviews(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.hooks.ImportConfig(ctx, "search-indexer", []byte(`{"shards":4}`)))

	require.NoError(t, f.o.LoadExtension(ctx, "search-indexer"))
	b, err := f.o.Backups().CreateBackup(ctx, "search-indexer", BackupOptions{
		Type: BackupFull, IncludeCode: true, IncludeConfig: true, IncludeData: true,
	})
	require.NoError(t, err)
	_, err = f.o.Backups().CreateSnapshot(ctx, "search-indexer")
	require.NoError(t, err)

	ov := f.o.GetExtensionOverview("search-indexer")
	require.Len(t, ov.RecentBackups, 1)
	assert.Equal(t, b.ID, ov.RecentBackups[0].ID)
	assert.Equal(t, 1, ov.Snapshots)
	assert.NotEmpty(t, ov.RecentEvents)
	assert.Empty(t, ov.ActiveJobs)

	sys := f.o.GetSystemOverview()
	assert.Equal(t, 1, sys.MonitoredExtensions)
	assert.Equal(t, 1, sys.StatusCounts[StatusUnknown.String()])
	assert.Equal(t, 1, sys.TotalBackups)
	assert.Equal(t, 1, sys.ValidBackups)
	assert.Equal(t, 1, sys.Snapshots)
	assert.Equal(t, f.o.Events().Len(), sys.Events)
	assert.Equal(t, f.o.Events().LastSequence(), sys.LastSequence)
	assert.Equal(t, 0, sys.ActiveJobs)

	require.NotNil(t, f.o.Metrics())
	f.o.Metrics().RecordAPICall("search-indexer", "/query", 500, 40*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.o.Metrics().apiErrors.WithLabelValues("search-indexer", "/query")))
}

func TestOrchestrator_ApplyConfig(t *testing.T) {
	f := newOrchestratorFixture(t, func(c *SupervisorConfig) {
		c.Extensions["search-indexer"] = ExtensionPolicy{RecoveryActions: []RecoveryAction{
			{ID: "page", Type: ActionNotifyAdmin, Enabled: true},
		}}
	})
	f.ctrl.add(t, "thumbnailer", true)
	ctx := context.Background()

	next := f.o.Config()
	next.LogLevel = "debug"
	next.Extensions = map[string]ExtensionPolicy{
		"thumbnailer": {
			AutoMonitor: true,
			RecoveryActions: []RecoveryAction{
				{ID: "flush", Type: ActionClearCache, Enabled: true, Priority: 1},
			},
		},
	}
	require.NoError(t, f.o.ApplyConfig(ctx, next))

	assert.Equal(t, "debug", f.o.Config().LogLevel)
	assert.True(t, f.o.Monitor().IsMonitoring("thumbnailer"))
	actions := f.o.Recovery().Actions("thumbnailer")
	require.Len(t, actions, 1)
	assert.Equal(t, "flush", actions[0].ID)

	removed := f.o.Recovery().Actions("search-indexer")
	require.Len(t, removed, 1)
	assert.Equal(t, defaultActionID, removed[0].ID, "dropped extension falls back to default restart")

	invalid := next
	invalid.LogLevel = "chatty"
	assert.True(t, HasErrorCode(f.o.ApplyConfig(ctx, invalid), ErrCodeConfigValidationError))
	assert.Equal(t, "debug", f.o.Config().LogLevel, "invalid configuration is not installed")

	require.NoError(t, f.o.Shutdown(ctx))
	assert.True(t, HasErrorCode(f.o.ApplyConfig(ctx, next), ErrCodeOrchestratorClosed))
}

func TestOrchestrator_ApplyConfigKeepsPreviousOnFailure(t *testing.T) {
	f := newOrchestratorFixture(t, func(c *SupervisorConfig) {
		c.Extensions["search-indexer"] = ExtensionPolicy{RecoveryActions: []RecoveryAction{
			{ID: "page", Type: ActionNotifyAdmin, Enabled: true},
		}}
	})
	f.ctrl.add(t, "thumbnailer", true)
	ctx := context.Background()
	require.Equal(t, "info", f.o.Config().LogLevel)

	tests := []struct {
		name   string
		policy ExtensionPolicy
	}{
		{
			name: "duplicate action ids",
			policy: ExtensionPolicy{RecoveryActions: []RecoveryAction{
				{ID: "dup", Type: ActionRestart, Enabled: true},
				{ID: "dup", Type: ActionDisable, Enabled: true},
			}},
		},
		{
			name: "unregistered custom check",
			policy: ExtensionPolicy{
				AutoMonitor: true,
				HealthCheck: &HealthCheckConfig{
					CustomChecks: []CheckSpec{{Name: "queue-depth", Type: CheckCustom}},
				},
				RecoveryActions: []RecoveryAction{{ID: "flush", Type: ActionClearCache, Enabled: true}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := f.o.Config()
			next.LogLevel = "debug"
			next.Extensions = map[string]ExtensionPolicy{"thumbnailer": tt.policy}

			err := f.o.ApplyConfig(ctx, next)
			require.Error(t, err)
			assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))

			assert.Equal(t, "info", f.o.Config().LogLevel, "previous configuration stays installed")
			assert.Contains(t, f.o.Config().Extensions, "search-indexer")
			assert.False(t, f.o.Monitor().IsMonitoring("thumbnailer"))
			assert.Equal(t, defaultActionID, f.o.Recovery().Actions("thumbnailer")[0].ID)
			actions := f.o.Recovery().Actions("search-indexer")
			require.Len(t, actions, 1)
			assert.Equal(t, "page", actions[0].ID)
		})
	}

	f.o.Monitor().RegisterCustomCheck("queue-depth", func(context.Context, string) error { return nil })
	next := f.o.Config()
	next.Extensions = map[string]ExtensionPolicy{"thumbnailer": tests[1].policy}
	require.NoError(t, f.o.ApplyConfig(ctx, next))
	assert.True(t, f.o.Monitor().IsMonitoring("thumbnailer"))
}

func TestOrchestrator_HealthHandler(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	handler := f.o.HealthHandler()

	get := func(path string) int {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, get("/live"))
	assert.Equal(t, http.StatusOK, get("/ready"))

	require.NoError(t, f.o.Shutdown(context.Background()))
	assert.Equal(t, http.StatusServiceUnavailable, get("/ready"))
	assert.Equal(t, http.StatusOK, get("/live"))
}

func TestOrchestrator_Shutdown(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.o.LoadExtension(ctx, "search-indexer"))

	require.NoError(t, f.o.Shutdown(ctx))
	assert.NoError(t, f.o.Shutdown(ctx), "second shutdown is a no-op")
	assert.False(t, f.o.Monitor().IsMonitoring("search-indexer"))
	assert.True(t, f.logger.HasMessage("INFO", "Supervisor shutdown complete"))

	f.store.mu.Lock()
	closed := f.store.closed
	f.store.mu.Unlock()
	assert.True(t, closed, "event stores are closed")
	assert.NotEmpty(t, f.store.snapshot(), "events were mirrored before close")

	assert.True(t, HasErrorCode(f.o.LoadExtension(ctx, "search-indexer"), ErrCodeOrchestratorClosed))
	_, err := f.o.TriggerRecovery(ctx, "search-indexer")
	assert.True(t, HasErrorCode(err, ErrCodeOrchestratorClosed))
}
