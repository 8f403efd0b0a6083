// config_watcher.go: hot reload of the supervisor configuration through Argus
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// ConfigApplier receives reloaded configurations. Orchestrator implements it.
type ConfigApplier interface {
	ApplyConfig(ctx context.Context, cfg SupervisorConfig) error
}

// ConfigWatcherOptions configures a ConfigWatcher.
type ConfigWatcherOptions struct {
	PollInterval time.Duration
	CacheTTL     time.Duration

	// ApplyTimeout bounds one ApplyConfig call.
	ApplyTimeout time.Duration

	// AuditConfig enables an argus audit trail of reloads.
	AuditConfig argus.AuditConfig

	ErrorHandler func(err error, path string)
}

// DefaultConfigWatcherOptions returns options suited to a file that changes
// rarely but should be picked up within seconds.
func DefaultConfigWatcherOptions() ConfigWatcherOptions {
	return ConfigWatcherOptions{
		PollInterval: 2 * time.Second,
		CacheTTL:     time.Second,
		ApplyTimeout: 30 * time.Second,
	}
}

// ConfigWatcher reloads the supervisor configuration file when it changes and
// hands every valid version to a ConfigApplier. Invalid versions are logged,
// audited and skipped; the previous configuration stays in effect.
type ConfigWatcher struct {
	applier     ConfigApplier
	path        string
	options     ConfigWatcherOptions
	watcher     *argus.Watcher
	auditLogger *argus.AuditLogger
	logger      Logger

	current atomic.Pointer[SupervisorConfig]
	reloads atomic.Int64

	mutex    sync.Mutex
	enabled  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewConfigWatcher creates a watcher for path. Nothing is read until Start.
func NewConfigWatcher(applier ConfigApplier, path string, options ConfigWatcherOptions, logger any) (*ConfigWatcher, error) {
	if applier == nil {
		return nil, NewConfigWatcherError("config applier is required", nil)
	}
	if path == "" {
		return nil, NewConfigWatcherError("config path is required", nil)
	}
	def := DefaultConfigWatcherOptions()
	if options.PollInterval <= 0 {
		options.PollInterval = def.PollInterval
	}
	if options.CacheTTL <= 0 {
		options.CacheTTL = def.CacheTTL
	}
	if options.ApplyTimeout <= 0 {
		options.ApplyTimeout = def.ApplyTimeout
	}

	internalLogger := NewLogger(logger).With("component", "config_watcher")

	var auditLogger *argus.AuditLogger
	if options.AuditConfig.Enabled {
		var err error
		auditLogger, err = argus.NewAuditLogger(options.AuditConfig)
		if err != nil {
			return nil, NewConfigWatcherError("failed to create audit logger", err)
		}
	}

	return &ConfigWatcher{
		applier:     applier,
		path:        path,
		options:     options,
		watcher:     argus.New(watcherArgusConfig(options, internalLogger)),
		auditLogger: auditLogger,
		logger:      internalLogger,
	}, nil
}

func watcherArgusConfig(options ConfigWatcherOptions, logger Logger) argus.Config {
	return argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      5,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, path string) {
			if options.ErrorHandler != nil {
				options.ErrorHandler(err, path)
				return
			}
			logger.Error("Config file watching error", "error", err, "file", path)
		},
	}
}

// Start loads and applies the file once, then watches it.
func (w *ConfigWatcher) Start(ctx context.Context) error {
	if w.stopped.Load() {
		return NewConfigWatcherError("config watcher has been stopped and cannot be restarted", nil)
	}
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.enabled.CompareAndSwap(false, true) {
		return NewConfigWatcherError("config watcher is already running", nil)
	}

	cfg, err := LoadSupervisorConfig(w.path)
	if err != nil {
		w.enabled.Store(false)
		return err
	}
	if err := w.applier.ApplyConfig(ctx, cfg); err != nil {
		w.enabled.Store(false)
		return NewConfigWatcherError("failed to apply initial configuration", err)
	}
	w.current.Store(&cfg)
	w.auditEvent("configuration_loaded", map[string]interface{}{
		"path":       w.path,
		"extensions": len(cfg.Extensions),
		"source":     "initial_load",
	})

	if err := w.watcher.Watch(w.path, w.handleChange); err != nil {
		w.enabled.Store(false)
		return NewConfigWatcherError("failed to watch config file", err)
	}
	if err := w.watcher.Start(); err != nil {
		w.enabled.Store(false)
		return NewConfigWatcherError("failed to start argus watcher", err)
	}

	w.logger.Info("Config watcher started", "path", w.path, "poll_interval", w.options.PollInterval)
	return nil
}

// Stop ends watching. A stopped watcher cannot be restarted.
func (w *ConfigWatcher) Stop() error {
	if w.stopped.Load() {
		return NewConfigWatcherError("config watcher is already stopped", nil)
	}

	var stopErr error
	w.stopOnce.Do(func() {
		w.mutex.Lock()
		defer w.mutex.Unlock()

		w.stopped.Store(true)
		if !w.enabled.CompareAndSwap(true, false) {
			return
		}
		if err := w.watcher.Stop(); err != nil {
			stopErr = NewConfigWatcherError("failed to stop argus watcher", err)
		}
		w.auditEvent("config_watcher_stopped", map[string]interface{}{
			"path":    w.path,
			"reloads": w.reloads.Load(),
		})
		if w.auditLogger != nil {
			if err := w.auditLogger.Close(); err != nil {
				w.logger.Warn("Failed to close audit logger", "error", err)
			}
		}
		w.logger.Info("Config watcher stopped", "path", w.path)
	})
	return stopErr
}

// IsRunning reports whether the watcher is active.
func (w *ConfigWatcher) IsRunning() bool {
	return w.enabled.Load() && !w.stopped.Load()
}

// Current returns the configuration applied last, or nil before Start.
func (w *ConfigWatcher) Current() *SupervisorConfig {
	return w.current.Load()
}

// Reloads returns the number of successful reloads since Start.
func (w *ConfigWatcher) Reloads() int64 {
	return w.reloads.Load()
}

func (w *ConfigWatcher) handleChange(event argus.ChangeEvent) {
	w.logger.Info("Config file change detected",
		"path", event.Path,
		"size", event.Size,
		"is_create", event.IsCreate,
		"is_delete", event.IsDelete,
		"is_modify", event.IsModify)

	if event.IsDelete {
		w.logger.Warn("Config file was deleted, keeping current configuration", "path", event.Path)
		w.auditEvent("config_file_deleted", map[string]interface{}{"path": event.Path})
		return
	}
	if err := w.reload(event.Path); err != nil {
		w.logger.Error("Config reload failed", "path", event.Path, "error", err)
	}
}

// reload loads, validates and applies the file at path.
func (w *ConfigWatcher) reload(path string) error {
	cfg, err := LoadSupervisorConfig(path)
	if err != nil {
		w.auditEvent("config_load_failed", map[string]interface{}{"path": path, "error": err.Error()})
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.options.ApplyTimeout)
	defer cancel()
	if err := w.applier.ApplyConfig(ctx, cfg); err != nil {
		w.auditEvent("config_apply_failed", map[string]interface{}{"path": path, "error": err.Error()})
		return NewConfigWatcherError("failed to apply configuration", err)
	}

	prev := w.current.Swap(&cfg)
	w.reloads.Add(1)
	w.auditEvent("configuration_changed", map[string]interface{}{
		"path":    path,
		"changes": configChanges(prev, &cfg),
	})
	w.logger.Info("Configuration reloaded", "path", path, "extensions", len(cfg.Extensions))
	return nil
}

// configChanges lists the top-level sections that differ between two versions.
func configChanges(prev, next *SupervisorConfig) []string {
	if prev == nil {
		return []string{"initial"}
	}
	var changes []string
	if prev.LogLevel != next.LogLevel {
		changes = append(changes, "log_level")
	}
	if prev.DefaultHealthCheck.Interval != next.DefaultHealthCheck.Interval ||
		prev.DefaultHealthCheck.Timeout != next.DefaultHealthCheck.Timeout ||
		prev.DefaultHealthCheck.FailureThreshold != next.DefaultHealthCheck.FailureThreshold ||
		prev.DefaultHealthCheck.SuccessThreshold != next.DefaultHealthCheck.SuccessThreshold ||
		prev.DefaultHealthCheck.Thresholds != next.DefaultHealthCheck.Thresholds {
		changes = append(changes, "default_health_check")
	}
	for name := range next.Extensions {
		if _, ok := prev.Extensions[name]; !ok {
			changes = append(changes, "extensions."+name+".added")
		}
	}
	for name := range prev.Extensions {
		if _, ok := next.Extensions[name]; !ok {
			changes = append(changes, "extensions."+name+".removed")
		}
	}
	if prev.EventStore != next.EventStore {
		changes = append(changes, "event_store")
	}
	sort.Strings(changes)
	return changes
}

func (w *ConfigWatcher) auditEvent(eventType string, context map[string]interface{}) {
	if w.auditLogger == nil {
		return
	}
	if context == nil {
		context = make(map[string]interface{})
	}
	context["component"] = "config_watcher"
	context["timestamp"] = time.Now().Format(time.RFC3339)
	context["pid"] = os.Getpid()
	w.auditLogger.LogSecurityEvent(eventType, "Supervisor configuration change", context)
}
