// health_monitor.go: per-extension health monitoring loops
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
)

const (
	defaultRecoveryWorkers = 4
	recoveryCallTimeout    = 5 * time.Minute
	monitorActor           = "monitor"
)

// RecoveryTrigger is the part of the recovery manager the monitor calls.
type RecoveryTrigger interface {
	TriggerRecovery(ctx context.Context, name string, health ExtensionHealth) RecoveryResult
}

// HealthCallback receives every new health result.
type HealthCallback func(ExtensionHealth)

// HealthMonitorConfig wires a HealthMonitor.
type HealthMonitorConfig struct {
	Controller ProcessController
	Sampler    ResourceSampler
	Recovery   RecoveryTrigger
	Events     *EventLog
	Logger     Logger
	Metrics    *Metrics

	// Defaults is the policy used by CheckHealth for extensions that are not
	// monitored.
	Defaults HealthCheckConfig

	// RecoveryWorkers bounds the recovery attempts running at once.
	RecoveryWorkers int
}

// loopSettings is the immutable policy of a loop together with the probes built
// from it.
type loopSettings struct {
	cfg    HealthCheckConfig
	checks []Check
}

type monitorLoop struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	settings atomic.Pointer[loopSettings]
	phase    atomic.Int32

	pendingMu sync.Mutex
	pending   *loopSettings

	// streak is touched only by the loop goroutine.
	streak     checkStreak
	recovering atomic.Bool
}

func (l *monitorLoop) setPhase(p MonitorPhase) { l.phase.Store(int32(p)) }

// HealthMonitor runs one monitoring loop per extension and caches the latest
// health of each.
//
// Every loop is the only writer of its extension's cache entry. A loop that is
// stopped while a check is in flight discards that check's result, and
// StopMonitoring removes the entry only after the loop has exited.
type HealthMonitor struct {
	loops   cmap.ConcurrentMap[string, *monitorLoop]
	health  cmap.ConcurrentMap[string, ExtensionHealth]
	customs cmap.ConcurrentMap[string, CustomCheckFunc]

	callbacksMu sync.RWMutex
	callbacks   []HealthCallback

	controller ProcessController
	sampler    ResourceSampler
	recovery   RecoveryTrigger
	events     *EventLog
	logger     Logger
	metrics    *Metrics
	defaults   HealthCheckConfig

	pool   *ants.Pool
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewHealthMonitor creates a monitor and its recovery worker pool.
func NewHealthMonitor(cfg HealthMonitorConfig) (*HealthMonitor, error) {
	workers := cfg.RecoveryWorkers
	if workers <= 0 {
		workers = defaultRecoveryWorkers
	}
	logger := NewLogger(cfg.Logger).With("component", "health_monitor")

	pool, err := ants.NewPool(workers,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p interface{}) {
			panicCount.Add(1)
			logger.Error("Panic recovered in recovery worker", "panic", p, "stack", string(captureStack()))
		}))
	if err != nil {
		return nil, fmt.Errorf("create recovery pool: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &HealthMonitor{
		loops:      cmap.New[*monitorLoop](),
		health:     cmap.New[ExtensionHealth](),
		customs:    cmap.New[CustomCheckFunc](),
		controller: cfg.Controller,
		sampler:    cfg.Sampler,
		recovery:   cfg.Recovery,
		events:     cfg.Events,
		logger:     logger,
		metrics:    cfg.Metrics,
		defaults:   cfg.Defaults.withDefaults(),
		pool:       pool,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// SetRecovery connects the recovery manager after construction.
func (m *HealthMonitor) SetRecovery(r RecoveryTrigger) {
	m.recovery = r
}

// RegisterCustomCheck makes fn available to "custom" check specs under name.
func (m *HealthMonitor) RegisterCustomCheck(name string, fn CustomCheckFunc) {
	if name == "" || fn == nil {
		return
	}
	m.customs.Set(name, fn)
}

// RegisterHealthCallback subscribes fn to every new health result.
func (m *HealthMonitor) RegisterHealthCallback(fn HealthCallback) {
	if fn == nil {
		return
	}
	m.callbacksMu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.callbacksMu.Unlock()
}

func (m *HealthMonitor) buildSettings(cfg HealthCheckConfig) (*loopSettings, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	customs := m.customs.Items()
	checks := make([]Check, 0, len(cfg.CustomChecks)+len(cfg.Checks))
	for _, spec := range cfg.CustomChecks {
		c, err := BuildCheck(spec, customs)
		if err != nil {
			closeChecks(checks)
			return nil, err
		}
		checks = append(checks, c)
	}
	checks = append(checks, cfg.Checks...)
	return &loopSettings{cfg: cfg, checks: checks}, nil
}

// ValidateConfig builds the checks of cfg and releases them again. It fails
// the way StartMonitoring and UpdateConfig would, e.g. on a custom check with
// nothing registered under its name.
func (m *HealthMonitor) ValidateConfig(cfg HealthCheckConfig) error {
	settings, err := m.buildSettings(cfg)
	if err != nil {
		return err
	}
	closeChecks(settings.checks)
	return nil
}

// newLoop builds a loop without starting it.
func (m *HealthMonitor) newLoop(name string, cfg HealthCheckConfig) (*monitorLoop, error) {
	settings, err := m.buildSettings(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(m.ctx)
	l := &monitorLoop{
		name:   name,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	l.settings.Store(settings)
	return l, nil
}

// StartMonitoring starts the loop of an extension. Starting an extension that is
// already monitored does nothing.
func (m *HealthMonitor) StartMonitoring(ctx context.Context, name string, cfg HealthCheckConfig) error {
	if m.closed.Load() {
		return NewOrchestratorClosedError()
	}
	if err := validateExtensionName(name); err != nil {
		return err
	}
	if prev, ok := m.loops.Get(name); ok {
		if prev.ctx.Err() == nil {
			return nil
		}
		// A stopped loop that has not exited yet still owns the name.
		select {
		case <-prev.done:
			m.finishStop(prev)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	l, err := m.newLoop(name, cfg)
	if err != nil {
		return err
	}
	if !m.loops.SetIfAbsent(name, l) {
		l.cancel()
		closeChecks(l.settings.Load().checks)
		return nil
	}

	go m.run(l)

	m.metrics.setMonitored(m.loops.Count())
	m.events.Append(LifecycleEvent{
		Extension: name,
		Type:      EventMonitoringStarted,
		Actor:     monitorActor,
		Success:   true,
		Details: map[string]any{
			"interval":          l.settings.Load().cfg.Interval.String(),
			"failure_threshold": l.settings.Load().cfg.FailureThreshold,
			"checks":            len(l.settings.Load().checks),
		},
	})
	m.logger.Info("Monitoring started", "extension", name)
	return nil
}

// StopMonitoring cancels the loop of an extension, waits for it to exit and drops
// its cached health. Stopping an extension that is not monitored does nothing.
//
// When ctx expires first the loop keeps its entry until it exits, so
// StartMonitoring cannot run a second loop beside it.
func (m *HealthMonitor) StopMonitoring(ctx context.Context, name string) error {
	l, ok := m.loops.Get(name)
	if !ok {
		return nil
	}
	l.cancel()

	select {
	case <-l.done:
	case <-ctx.Done():
		go func() {
			<-l.done
			m.finishStop(l)
		}()
		return ctx.Err()
	}
	m.finishStop(l)
	return nil
}

// finishStop drops an exited loop. Only the first caller for a loop emits the
// stopped event.
func (m *HealthMonitor) finishStop(l *monitorLoop) {
	removed := m.loops.RemoveCb(l.name, func(_ string, v *monitorLoop, exists bool) bool {
		return exists && v == l
	})
	if !removed {
		return
	}

	m.health.Remove(l.name)
	m.metrics.forgetExtension(l.name)
	m.metrics.setMonitored(m.loops.Count())
	m.events.Append(LifecycleEvent{
		Extension: l.name,
		Type:      EventMonitoringStopped,
		Actor:     monitorActor,
		Success:   true,
	})
	m.logger.Info("Monitoring stopped", "extension", l.name)
}

// UpdateConfig replaces the policy of a monitored extension. The loop picks it up
// before its next check.
func (m *HealthMonitor) UpdateConfig(name string, cfg HealthCheckConfig) error {
	l, ok := m.loops.Get(name)
	if !ok {
		return NewExtensionNotFoundError(name)
	}
	settings, err := m.buildSettings(cfg)
	if err != nil {
		return err
	}
	l.pendingMu.Lock()
	if l.pending != nil {
		closeChecks(l.pending.checks)
	}
	l.pending = settings
	l.pendingMu.Unlock()
	return nil
}

// IsMonitoring reports whether an extension has a running loop.
func (m *HealthMonitor) IsMonitoring(name string) bool {
	return m.loops.Has(name)
}

// MonitoredExtensions returns the names of all monitored extensions, sorted.
func (m *HealthMonitor) MonitoredExtensions() []string {
	names := m.loops.Keys()
	sort.Strings(names)
	return names
}

// Phase returns the state of the loop of an extension.
func (m *HealthMonitor) Phase(name string) MonitorPhase {
	l, ok := m.loops.Get(name)
	if !ok {
		return PhaseIdle
	}
	return MonitorPhase(l.phase.Load())
}

// GetHealth returns the latest health of an extension, or an Unknown result when
// it was never checked.
func (m *HealthMonitor) GetHealth(name string) ExtensionHealth {
	if h, ok := m.health.Get(name); ok {
		return h
	}
	return unknownHealth(name)
}

// AllHealth returns the latest health of every checked extension.
func (m *HealthMonitor) AllHealth() map[string]ExtensionHealth {
	return m.health.Items()
}

// CheckHealth runs one check now without touching the cache or the streaks. It
// uses the loop policy of a monitored extension and the default policy otherwise.
func (m *HealthMonitor) CheckHealth(ctx context.Context, name string) ExtensionHealth {
	if l, ok := m.loops.Get(name); ok {
		s := l.settings.Load()
		return m.runCheck(ctx, name, s.cfg, s.checks)
	}
	return m.runCheck(ctx, name, m.defaults, nil)
}

func (m *HealthMonitor) run(l *monitorLoop) {
	defer close(l.done)
	defer func() {
		closeChecks(l.settings.Load().checks)
		l.pendingMu.Lock()
		if l.pending != nil {
			closeChecks(l.pending.checks)
			l.pending = nil
		}
		l.pendingMu.Unlock()
		l.setPhase(PhaseIdle)
	}()

	timer := time.NewTimer(l.settings.Load().cfg.Interval)
	defer timer.Stop()

	for {
		l.setPhase(PhaseMonitoring)
		select {
		case <-l.ctx.Done():
			return
		case <-timer.C:
		}

		safeCall(func(r any, stack []byte) {
			m.logger.Error("Panic recovered in monitoring loop",
				"extension", l.name, "panic", r, "stack", string(stack))
		}, func() { m.cycle(l) })

		timer.Reset(l.settings.Load().cfg.Interval)
	}
}

// applyPending installs a policy queued by UpdateConfig.
func (l *monitorLoop) applyPending() {
	l.pendingMu.Lock()
	next := l.pending
	l.pending = nil
	l.pendingMu.Unlock()
	if next == nil {
		return
	}
	prev := l.settings.Swap(next)
	closeChecks(prev.checks)
	l.streak = checkStreak{}
}

// cycle runs one check and acts on its outcome.
func (m *HealthMonitor) cycle(l *monitorLoop) {
	l.applyPending()
	s := l.settings.Load()

	l.setPhase(PhaseCheckRunning)
	start := time.Now()
	h := m.runCheck(l.ctx, l.name, s.cfg, s.checks)
	if l.ctx.Err() != nil {
		return
	}
	m.health.Set(l.name, h)
	m.metrics.recordHealth(h, time.Since(start))
	l.setPhase(PhaseScored)

	out := transition(&l.streak, h.Status, s.cfg.SuccessThreshold, s.cfg.FailureThreshold)
	l.setPhase(out.phase)

	if out.emitPassed {
		m.events.Append(LifecycleEvent{
			Extension: l.name,
			Type:      EventHealthCheckPassed,
			Actor:     monitorActor,
			Success:   true,
			Details: map[string]any{
				"status": h.Status.String(),
				"score":  h.Score,
				"passes": s.cfg.SuccessThreshold,
			},
		})
	}
	if out.emitFailed {
		msg := h.LastError
		if msg == "" {
			msg = fmt.Sprintf("health status %s with score %.1f", h.Status, h.Score)
		}
		m.events.Append(LifecycleEvent{
			Extension: l.name,
			Type:      EventHealthCheckFailed,
			Actor:     monitorActor,
			Success:   false,
			Error:     msg,
			Details: map[string]any{
				"status":      h.Status.String(),
				"score":       h.Score,
				"cpu_percent": h.CPUPercent,
				"memory_mb":   h.MemoryMB,
				"error_rate":  h.ErrorRate,
			},
		})
		m.logger.Warn("Health check failed",
			"extension", l.name, "status", h.Status.String(), "score", h.Score)
	}

	m.notify(h)

	if out.triggerRecov {
		m.dispatchRecovery(l, h)
	}
	l.setPhase(PhaseIdle)
}

func (m *HealthMonitor) notify(h ExtensionHealth) {
	m.callbacksMu.RLock()
	cbs := make([]HealthCallback, len(m.callbacks))
	copy(cbs, m.callbacks)
	m.callbacksMu.RUnlock()

	for _, fn := range cbs {
		safeCall(func(r any, stack []byte) {
			m.logger.Error("Panic recovered in health callback",
				"extension", h.Extension, "panic", r, "stack", string(stack))
		}, func() { fn(h) })
	}
}

// dispatchRecovery hands the trigger to the worker pool and returns at once. A
// second trigger for an extension whose recovery is still running is dropped.
func (m *HealthMonitor) dispatchRecovery(l *monitorLoop, h ExtensionHealth) {
	if m.recovery == nil {
		m.logger.Warn("Failure threshold reached but no recovery manager is configured", "extension", l.name)
		return
	}
	if !l.recovering.CompareAndSwap(false, true) {
		m.logger.Info("Recovery already in progress, trigger dropped", "extension", l.name)
		return
	}

	name := l.name
	err := m.pool.Submit(func() {
		defer l.recovering.Store(false)
		ctx, cancel := context.WithTimeout(m.ctx, recoveryCallTimeout)
		defer cancel()
		m.recovery.TriggerRecovery(ctx, name, h)
	})
	if err != nil {
		l.recovering.Store(false)
		m.logger.Warn("Recovery trigger rejected by worker pool", "extension", name, "error", err)
	}
}

// runCheck executes the health check procedure. It never panics and never
// returns an error: every failure is folded into the returned health.
func (m *HealthMonitor) runCheck(parent context.Context, name string, cfg HealthCheckConfig, checks []Check) (h ExtensionHealth) {
	now := timecache.CachedTime()
	defer func() {
		if r := recover(); r != nil {
			panicCount.Add(1)
			h = ExtensionHealth{
				Extension: name,
				Status:    StatusUnknown,
				Score:     0,
				LastError: fmt.Sprintf("health check panicked: %v", r),
				Timestamp: now,
			}
		}
	}()

	ctx, cancel := context.WithTimeout(parent, cfg.Timeout)
	defer cancel()

	failed := func(status HealthStatus, err error) ExtensionHealth {
		return ExtensionHealth{
			Extension: name,
			Status:    status,
			Score:     0,
			LastError: err.Error(),
			Timestamp: now,
		}
	}

	if m.controller == nil {
		return failed(StatusUnknown, fmt.Errorf("no process controller configured"))
	}
	info, err := m.controller.Info(ctx, name)
	if err != nil {
		if HasErrorCode(err, ErrCodeExtensionNotFound) {
			return failed(StatusCritical, err)
		}
		return failed(StatusUnknown, err)
	}

	h = ExtensionHealth{
		Extension:    name,
		RestartCount: info.RestartCount,
		ErrorRate:    info.ErrorRate(),
		Timestamp:    now,
		Metrics: map[string]any{
			"pid":     info.ProcessID,
			"version": info.Version,
		},
	}

	if m.sampler != nil {
		dir, _ := m.controller.Directory(name)
		usage, err := m.sampler.Sample(ctx, info.ProcessID, dir)
		if err != nil {
			if HasErrorCode(err, ErrCodeExtensionNotFound) {
				return failed(StatusCritical, NewExtensionNotFoundError(name))
			}
			if ctx.Err() != nil {
				return failed(StatusUnknown, NewCheckTimeoutError(name, cfg.Timeout.String()))
			}
			return failed(StatusUnknown, err)
		}
		h.CPUPercent = usage.CPUPercent
		h.MemoryMB = usage.MemoryMB
		h.DiskPercent = usage.DiskPercent
		h.Uptime = usage.Uptime
		h.Metrics["open_files"] = usage.OpenFiles
	}

	env := probeEnv{extension: name, controller: m.controller}
	failing := 0
	probes := make(map[string]string, len(checks))
	for _, c := range checks {
		res := runProbe(ctx, env, c)
		switch res.kind {
		case CheckAPIEndpoint, CheckGRPCHealth, CheckDatabaseConnection:
			if res.latency > h.ResponseTime {
				h.ResponseTime = res.latency
			}
		}
		if res.err != nil {
			failing++
			probes[res.name] = res.err.Error()
			h.LastError = res.err.Error()
			m.logger.Debug("Health probe failed", "extension", name, "check", res.name, "error", res.err)
			continue
		}
		probes[res.name] = "ok"
	}
	if len(probes) > 0 {
		h.Metrics["probes"] = probes
	}
	h.Metrics["failing_probes"] = failing

	if ctx.Err() != nil && parent.Err() == nil {
		return failed(StatusUnknown, NewCheckTimeoutError(name, cfg.Timeout.String()))
	}

	h.Score = ScoreHealth(ScoreInput{
		CPUPercent:    h.CPUPercent,
		MemoryMB:      h.MemoryMB,
		ErrorRate:     h.ErrorRate,
		ResponseTime:  h.ResponseTime,
		FailingProbes: failing,
	}, cfg.Thresholds)
	h.Status = StatusForScore(h.Score)
	return h
}

// Shutdown stops every loop, then waits for running recovery attempts until ctx
// expires. Recovery attempts still running at that point are cancelled.
func (m *HealthMonitor) Shutdown(ctx context.Context) error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	var firstErr error
	for _, name := range m.loops.Keys() {
		if err := m.StopMonitoring(ctx, name); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	wait := recoveryCallTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = time.Until(deadline)
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	if err := m.pool.ReleaseTimeout(wait); err != nil {
		m.logger.Warn("Recovery workers still running at shutdown", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}
	m.cancel()
	return firstErr
}
