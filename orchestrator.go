// orchestrator.go: lifecycle orchestrator wiring monitor, recovery, backups and events
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

const (
	overviewBackups     = 5
	overviewEvents      = 20
	storeOpenTimeout    = 10 * time.Second
	maxHealthGoroutines = 10000
)

// Options wires an Orchestrator. Config and Controller are required; every other
// collaborator is optional and only needed by the recovery actions using it.
type Options struct {
	Config     SupervisorConfig
	Controller ProcessController
	Planner    MigrationPlanner
	Hooks      ComponentHooks
	Sampler    ResourceSampler
	AlertSink  AlertSink
	Cache      CacheController
	Scaler     ScaleController

	// Logger accepts anything NewLogger accepts.
	Logger any

	// Registerer receives the supervisor metrics. Nil disables metrics.
	Registerer prometheus.Registerer
	Tracer     trace.Tracer

	// Stores are durable event mirrors in addition to the configured one.
	Stores []EventStore
}

// ExtensionOverview is the per-extension query result.
type ExtensionOverview struct {
	Name          string            `json:"name"`
	Monitored     bool              `json:"monitored"`
	Phase         string            `json:"phase"`
	Health        ExtensionHealth   `json:"health"`
	RecentBackups []ExtensionBackup `json:"recent_backups"`
	Snapshots     int               `json:"snapshots"`
	RecentEvents  []LifecycleEvent  `json:"recent_events"`
	Actions       []ActionState     `json:"actions"`
	ActiveJobs    []BackupJob       `json:"active_jobs,omitempty"`
}

// SystemOverview aggregates every monitored extension.
type SystemOverview struct {
	MonitoredExtensions int            `json:"monitored_extensions"`
	StatusCounts        map[string]int `json:"status_counts"`
	AverageScore        float64        `json:"average_score"`
	TotalBackups        int            `json:"total_backups"`
	ValidBackups        int            `json:"valid_backups"`
	Snapshots           int            `json:"snapshots"`
	Events              int            `json:"events"`
	LastSequence        uint64         `json:"last_sequence"`
	QueuedAlerts        int64          `json:"queued_alerts"`
	ActiveJobs          int            `json:"active_jobs"`
	GeneratedAt         time.Time      `json:"generated_at"`
}

// Orchestrator owns the supervisor components and their lifetime. It holds no
// business state of its own: overviews are read from the components.
type Orchestrator struct {
	config  atomic.Pointer[SupervisorConfig]
	applyMu sync.Mutex

	events   *EventLog
	metrics  *Metrics
	jobs     *JobStore
	alerts   *AlertQueue
	backups  *BackupManager
	recovery *RecoveryManager
	monitor  *HealthMonitor

	alertSink AlertSink
	logger    Logger
	closed    atomic.Bool
}

// New builds and wires every component.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Controller == nil {
		return nil, NewConfigValidationError("a process controller is required")
	}

	logger := NewLogger(opts.Logger)

	var metrics *Metrics
	if opts.Registerer != nil {
		m, err := NewMetrics(opts.Registerer)
		if err != nil {
			return nil, fmt.Errorf("register supervisor metrics: %w", err)
		}
		metrics = m
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpenTimeout)
	stores, err := OpenEventStores(ctx, cfg.EventStore)
	cancel()
	if err != nil {
		return nil, err
	}
	stores = append(stores, opts.Stores...)

	o := &Orchestrator{
		alertSink: opts.AlertSink,
		logger:    logger.With("component", "orchestrator"),
		metrics:   metrics,
	}
	o.config.Store(&cfg)

	o.events = NewEventLog(EventLogConfig{
		MaxEvents: cfg.MaxEvents,
		Stores:    stores,
		Logger:    logger,
		Metrics:   metrics,
	})
	o.jobs = NewJobStore(cfg.MaxJobs)
	o.alerts = NewAlertQueue(0, o.events, metrics, logger)

	monitor, err := NewHealthMonitor(HealthMonitorConfig{
		Controller:      opts.Controller,
		Sampler:         opts.Sampler,
		Events:          o.events,
		Logger:          logger,
		Metrics:         metrics,
		Defaults:        cfg.DefaultHealthCheck,
		RecoveryWorkers: cfg.RecoveryWorkers,
	})
	if err != nil {
		o.closeEvents()
		return nil, err
	}
	o.monitor = monitor

	backups, err := NewBackupManager(BackupManagerConfig{
		Root:         cfg.BackupRoot,
		SnapshotRoot: cfg.SnapshotRoot,
		Controller:   opts.Controller,
		Hooks:        opts.Hooks,
		Health:       monitor,
		Events:       o.events,
		Jobs:         o.jobs,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       opts.Tracer,
	})
	if err != nil {
		_ = monitor.Shutdown(context.Background())
		o.closeEvents()
		return nil, err
	}
	o.backups = backups

	o.recovery = NewRecoveryManager(RecoveryManagerConfig{
		Controller: opts.Controller,
		Planner:    opts.Planner,
		Backups:    backups,
		Alerts:     o.alerts,
		Cache:      opts.Cache,
		Scaler:     opts.Scaler,
		Monitor:    monitor,
		Events:     o.events,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     opts.Tracer,
	})
	monitor.SetRecovery(o.recovery)

	for name, policy := range cfg.Extensions {
		if err := o.recovery.ConfigureActions(name, policy.RecoveryActions); err != nil {
			_ = o.Shutdown(context.Background())
			return nil, err
		}
	}

	o.logger.Info("Supervisor initialized",
		"backup_root", cfg.BackupRoot,
		"event_store", cfg.EventStore.Driver,
		"recovery_workers", cfg.RecoveryWorkers)
	return o, nil
}

func (o *Orchestrator) closeEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), storeOpenTimeout)
	defer cancel()
	_ = o.events.Close(ctx)
}

// Config returns the active configuration.
func (o *Orchestrator) Config() SupervisorConfig {
	return *o.config.Load()
}

// Events returns the lifecycle event log.
func (o *Orchestrator) Events() *EventLog { return o.events }

// Monitor returns the health monitor.
func (o *Orchestrator) Monitor() *HealthMonitor { return o.monitor }

// Recovery returns the recovery manager.
func (o *Orchestrator) Recovery() *RecoveryManager { return o.recovery }

// Backups returns the backup and snapshot manager.
func (o *Orchestrator) Backups() *BackupManager { return o.backups }

// Alerts returns the operator alert queue.
func (o *Orchestrator) Alerts() *AlertQueue { return o.alerts }

// Jobs returns the backup job store.
func (o *Orchestrator) Jobs() *JobStore { return o.jobs }

// Metrics returns the Prometheus collectors, or nil when none were configured.
func (o *Orchestrator) Metrics() *Metrics { return o.metrics }

// LoadExtension starts monitoring an extension with its configured policy and
// installs its recovery actions.
func (o *Orchestrator) LoadExtension(ctx context.Context, name string) error {
	if o.closed.Load() {
		return NewOrchestratorClosedError()
	}
	cfg := o.config.Load()
	if policy, ok := cfg.Extensions[name]; ok {
		if err := o.recovery.ConfigureActions(name, policy.RecoveryActions); err != nil {
			return err
		}
	}
	return o.monitor.StartMonitoring(ctx, name, cfg.HealthCheckFor(name))
}

// UnloadExtension stops monitoring an extension and forgets its recovery ledger.
func (o *Orchestrator) UnloadExtension(ctx context.Context, name string) error {
	if err := o.monitor.StopMonitoring(ctx, name); err != nil {
		return err
	}
	o.recovery.Forget(name)
	return nil
}

// TriggerRecovery runs one recovery attempt for an extension using its latest
// cached health.
func (o *Orchestrator) TriggerRecovery(ctx context.Context, name string) (RecoveryResult, error) {
	if o.closed.Load() {
		return RecoveryResult{}, NewOrchestratorClosedError()
	}
	if err := validateExtensionName(name); err != nil {
		return RecoveryResult{}, err
	}
	return o.recovery.TriggerRecovery(ctx, name, o.monitor.GetHealth(name)), nil
}

// DispatchAlerts sends every queued alert to the configured sink.
func (o *Orchestrator) DispatchAlerts(ctx context.Context) (int, error) {
	if o.alertSink == nil {
		return 0, NewCollaboratorMissingError("", ActionNotifyAdmin)
	}
	return o.alerts.Dispatch(ctx, o.alertSink)
}

// GetExtensionOverview returns the latest health, recent backups and recent
// events of an extension.
func (o *Orchestrator) GetExtensionOverview(name string) ExtensionOverview {
	ov := ExtensionOverview{
		Name:          name,
		Monitored:     o.monitor.IsMonitoring(name),
		Phase:         o.monitor.Phase(name).String(),
		Health:        o.monitor.GetHealth(name),
		RecentBackups: o.backups.ListBackups(BackupFilter{Extension: name, Limit: overviewBackups}),
		Snapshots:     len(o.backups.ListSnapshots(name)),
		RecentEvents:  o.events.Recent(name, overviewEvents),
		Actions:       o.recovery.ActionStates(name),
	}
	for _, job := range o.jobs.Active() {
		if job.Extension == name {
			ov.ActiveJobs = append(ov.ActiveJobs, job)
		}
	}
	return ov
}

// GetSystemOverview returns counts across all monitored extensions.
func (o *Orchestrator) GetSystemOverview() SystemOverview {
	ov := SystemOverview{
		StatusCounts: map[string]int{},
		GeneratedAt:  timecache.CachedTime(),
	}

	names := o.monitor.MonitoredExtensions()
	ov.MonitoredExtensions = len(names)
	var total float64
	for _, name := range names {
		h := o.monitor.GetHealth(name)
		ov.StatusCounts[h.Status.String()]++
		total += h.Score
	}
	if len(names) > 0 {
		ov.AverageScore = total / float64(len(names))
	}

	for _, b := range o.backups.ListBackups(BackupFilter{}) {
		ov.TotalBackups++
		if b.Valid {
			ov.ValidBackups++
		}
	}
	ov.Snapshots = len(o.backups.ListSnapshots(""))
	ov.Events = o.events.Len()
	ov.LastSequence = o.events.LastSequence()
	ov.QueuedAlerts = o.alerts.Len()
	ov.ActiveJobs = len(o.jobs.Active())
	return ov
}

// ApplyConfig installs a new configuration. Monitored extensions pick up their
// new health policy on their next check, recovery actions are replaced, and
// extensions marked auto_monitor start being monitored.
//
// The configuration is checked in full before anything changes. When applying
// still fails, the previous configuration is put back and returned as current.
func (o *Orchestrator) ApplyConfig(ctx context.Context, cfg SupervisorConfig) error {
	if o.closed.Load() {
		return NewOrchestratorClosedError()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return err
	}

	o.applyMu.Lock()
	defer o.applyMu.Unlock()

	if err := o.checkConfig(&cfg); err != nil {
		return err
	}

	prev := o.config.Swap(&cfg)
	started, err := o.applyPolicies(ctx, prev, &cfg)
	if err != nil {
		o.config.Store(prev)
		for _, name := range started {
			if stopErr := o.monitor.StopMonitoring(ctx, name); stopErr != nil {
				o.logger.Warn("Failed to stop monitoring during rollback", "extension", name, "error", stopErr)
			}
		}
		o.restorePolicies(&cfg, prev)
		o.logger.Warn("Configuration rejected, previous configuration kept", "error", err)
		return err
	}

	o.logger.Info("Configuration applied", "extensions", len(cfg.Extensions))
	return nil
}

// checkConfig dry-runs every step applyPolicies takes that can fail.
func (o *Orchestrator) checkConfig(cfg *SupervisorConfig) error {
	for _, name := range extensionNames(cfg) {
		policy := cfg.Extensions[name]
		if _, err := normalizeActions(name, policy.RecoveryActions); err != nil {
			return err
		}
		if policy.AutoMonitor || o.monitor.IsMonitoring(name) {
			if err := o.monitor.ValidateConfig(cfg.HealthCheckFor(name)); err != nil {
				return NewConfigValidationError(fmt.Sprintf("extension %s: %v", name, err))
			}
		}
	}
	for _, name := range o.monitor.MonitoredExtensions() {
		if _, ok := cfg.Extensions[name]; ok {
			continue
		}
		if err := o.monitor.ValidateConfig(cfg.HealthCheckFor(name)); err != nil {
			return NewConfigValidationError(fmt.Sprintf("extension %s: %v", name, err))
		}
	}
	return nil
}

// applyPolicies moves recovery actions and health policies from prev to cfg.
// It returns the extensions it started monitoring.
func (o *Orchestrator) applyPolicies(ctx context.Context, prev, cfg *SupervisorConfig) ([]string, error) {
	for name := range prev.Extensions {
		if _, still := cfg.Extensions[name]; !still {
			if err := o.recovery.ConfigureActions(name, nil); err != nil {
				return nil, err
			}
		}
	}

	var started []string
	for _, name := range extensionNames(cfg) {
		policy := cfg.Extensions[name]
		if err := o.recovery.ConfigureActions(name, policy.RecoveryActions); err != nil {
			return started, err
		}
		if policy.AutoMonitor && !o.monitor.IsMonitoring(name) {
			if err := o.monitor.StartMonitoring(ctx, name, cfg.HealthCheckFor(name)); err != nil {
				return started, err
			}
			started = append(started, name)
		}
	}

	for _, name := range o.monitor.MonitoredExtensions() {
		if err := o.monitor.UpdateConfig(name, cfg.HealthCheckFor(name)); err != nil {
			return started, err
		}
	}
	return started, nil
}

// restorePolicies puts the recovery actions and health policies of prev back
// after a failed apply of cfg. Failures are logged; prev was valid when it was
// installed.
func (o *Orchestrator) restorePolicies(cfg, prev *SupervisorConfig) {
	for name := range cfg.Extensions {
		if _, ok := prev.Extensions[name]; ok {
			continue
		}
		if err := o.recovery.ConfigureActions(name, nil); err != nil {
			o.logger.Warn("Failed to reset recovery actions", "extension", name, "error", err)
		}
	}
	for _, name := range extensionNames(prev) {
		if err := o.recovery.ConfigureActions(name, prev.Extensions[name].RecoveryActions); err != nil {
			o.logger.Warn("Failed to restore recovery actions", "extension", name, "error", err)
		}
	}
	for _, name := range o.monitor.MonitoredExtensions() {
		if err := o.monitor.UpdateConfig(name, prev.HealthCheckFor(name)); err != nil {
			o.logger.Warn("Failed to restore health policy", "extension", name, "error", err)
		}
	}
}

func extensionNames(cfg *SupervisorConfig) []string {
	names := make([]string, 0, len(cfg.Extensions))
	for name := range cfg.Extensions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// HealthHandler serves /live and /ready for the supervisor itself.
//
// Liveness fails when the process leaks goroutines. Readiness fails after
// Shutdown, when the backup root is unusable, or while any monitored extension is
// Critical.
func (o *Orchestrator) HealthHandler() http.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxHealthGoroutines))
	h.AddReadinessCheck("orchestrator", func() error {
		if o.closed.Load() {
			return NewOrchestratorClosedError()
		}
		return nil
	})
	h.AddReadinessCheck("backup-root", func() error {
		info, err := os.Stat(o.config.Load().BackupRoot)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("backup root is not a directory")
		}
		return nil
	})
	h.AddReadinessCheck("critical-extensions", func() error {
		var critical []string
		for _, name := range o.monitor.MonitoredExtensions() {
			if o.monitor.GetHealth(name).Status == StatusCritical {
				critical = append(critical, name)
			}
		}
		if len(critical) > 0 {
			return fmt.Errorf("critical extensions: %s", strings.Join(critical, ","))
		}
		return nil
	})
	return h
}

// Shutdown cancels every monitoring loop and waits for them, waits for running
// recovery attempts, and flushes the event log. Calling it twice is a no-op.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if !o.closed.CompareAndSwap(false, true) {
		return nil
	}
	o.logger.Info("Shutting down supervisor")

	var firstErr error
	if err := o.monitor.Shutdown(ctx); err != nil {
		firstErr = err
	}

	if left := o.alerts.Close(); len(left) > 0 {
		o.logger.Warn("Alerts discarded at shutdown", "count", len(left))
	}

	if err := o.events.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	o.logger.Info("Supervisor shutdown complete")
	return firstErr
}
