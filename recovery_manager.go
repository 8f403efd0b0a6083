// recovery_manager.go: priority ordered, cooldown gated recovery actions
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultActionID     = "default-restart"
	recoveryActor       = "recovery"
	defaultAlertMessage = "extension health crossed its failure threshold"
)

// RecoveryManagerConfig wires a RecoveryManager to its collaborators. Only the
// collaborators of the action types actually configured are required.
type RecoveryManagerConfig struct {
	Controller ProcessController
	Planner    MigrationPlanner
	Backups    *BackupManager
	Alerts     *AlertQueue
	Cache      CacheController
	Scaler     ScaleController
	Monitor    MonitoringStopper
	Events     *EventLog
	Logger     Logger
	Metrics    *Metrics
	Tracer     trace.Tracer

	// Now overrides the clock used for cooldowns.
	Now func() time.Time
}

// RecoveryResult reports what a TriggerRecovery call did.
type RecoveryResult struct {
	Extension     string         `json:"extension"`
	Attempted     bool           `json:"attempted"`
	Action        RecoveryAction `json:"action"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	ActionRetired bool           `json:"action_retired,omitempty"`
}

// ActionState is the runtime ledger of one configured action.
type ActionState struct {
	Action              RecoveryAction `json:"action"`
	LastAttempt         time.Time      `json:"last_attempt,omitempty"`
	Attempts            int            `json:"attempts"`
	ConsecutiveFailures int            `json:"consecutive_failures"`
	Retired             bool           `json:"retired"`
}

type actionLedger struct {
	lastAttempt         time.Time
	attempts            int
	consecutiveFailures int
	retired             bool
}

// RecoveryManager selects and runs at most one recovery action per trigger.
//
// Selection walks the actions in ascending priority and picks the first one that
// is enabled, not retired and out of its cooldown. A failing action is recorded
// and never followed by the next action in the same call; the monitor's failure
// threshold paces the next attempt.
type RecoveryManager struct {
	actions cmap.ConcurrentMap[string, []RecoveryAction]
	ledger  cmap.ConcurrentMap[string, actionLedger]
	locks   *KeyedMutex

	controller ProcessController
	planner    MigrationPlanner
	backups    *BackupManager
	alerts     *AlertQueue
	cache      CacheController
	scaler     ScaleController
	monitor    MonitoringStopper
	events     *EventLog
	logger     Logger
	metrics    *Metrics
	tracer     trace.Tracer
	now        func() time.Time
}

// NewRecoveryManager creates a recovery manager.
func NewRecoveryManager(cfg RecoveryManagerConfig) *RecoveryManager {
	now := cfg.Now
	if now == nil {
		now = timecache.CachedTime
	}
	return &RecoveryManager{
		actions:    cmap.New[[]RecoveryAction](),
		ledger:     cmap.New[actionLedger](),
		locks:      NewKeyedMutex(),
		controller: cfg.Controller,
		planner:    cfg.Planner,
		backups:    cfg.Backups,
		alerts:     cfg.Alerts,
		cache:      cfg.Cache,
		scaler:     cfg.Scaler,
		monitor:    cfg.Monitor,
		events:     cfg.Events,
		logger:     NewLogger(cfg.Logger).With("component", "recovery_manager"),
		metrics:    cfg.Metrics,
		tracer:     tracerOrNoop(cfg.Tracer),
		now:        now,
	}
}

// SetMonitor connects the monitor stopped by the disable action. It exists
// because the monitor and the recovery manager refer to each other.
func (r *RecoveryManager) SetMonitor(m MonitoringStopper) {
	r.monitor = m
}

func ledgerKey(extension, actionID string) string {
	return extension + "\x00" + actionID
}

func defaultRestart(name string) RecoveryAction {
	return RecoveryAction{
		ID:        defaultActionID,
		Extension: name,
		Type:      ActionRestart,
		Trigger:   "failure_threshold",
		Enabled:   true,
	}
}

// ConfigureActions replaces the actions of an extension. Ledger entries of actions
// that keep their ID survive, so reconfiguring does not reset cooldowns.
func (r *RecoveryManager) ConfigureActions(name string, actions []RecoveryAction) error {
	if err := validateExtensionName(name); err != nil {
		return err
	}
	sorted, err := normalizeActions(name, actions)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(sorted))
	for _, a := range sorted {
		seen[a.ID] = true
	}

	unlock := r.locks.Lock(name)
	defer unlock()

	if old, ok := r.actions.Get(name); ok {
		for _, a := range old {
			if !seen[a.ID] {
				r.ledger.Remove(ledgerKey(name, a.ID))
			}
		}
	}
	if len(sorted) == 0 {
		r.actions.Remove(name)
	} else {
		r.actions.Set(name, sorted)
	}
	r.logger.Debug("Recovery actions configured", "extension", name, "actions", len(sorted))
	return nil
}

// normalizeActions checks action types, fills default IDs, rejects duplicate
// IDs and sorts by priority. It does not touch any state.
func normalizeActions(name string, actions []RecoveryAction) ([]RecoveryAction, error) {
	sorted := make([]RecoveryAction, 0, len(actions))
	seen := make(map[string]bool, len(actions))
	for i, a := range actions {
		if !a.Type.Valid() {
			return nil, NewConfigValidationError(fmt.Sprintf("extension %s: unknown recovery action type %q", name, a.Type))
		}
		if a.ID == "" {
			a.ID = fmt.Sprintf("%s-%d", a.Type, i)
		}
		if seen[a.ID] {
			return nil, NewConfigValidationError(fmt.Sprintf("extension %s: duplicate recovery action id %q", name, a.ID))
		}
		seen[a.ID] = true
		a.Extension = name
		sorted = append(sorted, a)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return sorted, nil
}

// Actions returns the actions of an extension in priority order, or the default
// restart when none are configured.
func (r *RecoveryManager) Actions(name string) []RecoveryAction {
	if list, ok := r.actions.Get(name); ok && len(list) > 0 {
		out := make([]RecoveryAction, len(list))
		copy(out, list)
		return out
	}
	return []RecoveryAction{defaultRestart(name)}
}

// ActionStates returns the ledger of every action of an extension.
func (r *RecoveryManager) ActionStates(name string) []ActionState {
	actions := r.Actions(name)
	out := make([]ActionState, 0, len(actions))
	for _, a := range actions {
		l, _ := r.ledger.Get(ledgerKey(name, a.ID))
		out = append(out, ActionState{
			Action:              a,
			LastAttempt:         l.lastAttempt,
			Attempts:            l.attempts,
			ConsecutiveFailures: l.consecutiveFailures,
			Retired:             l.retired,
		})
	}
	return out
}

// ResetAction clears the ledger of an action, re-enabling it if it was retired.
func (r *RecoveryManager) ResetAction(name, actionID string) {
	unlock := r.locks.Lock(name)
	defer unlock()
	r.ledger.Remove(ledgerKey(name, actionID))
}

// Forget drops configuration and ledger of an extension.
func (r *RecoveryManager) Forget(name string) {
	unlock := r.locks.Lock(name)
	defer unlock()
	if list, ok := r.actions.Pop(name); ok {
		for _, a := range list {
			r.ledger.Remove(ledgerKey(name, a.ID))
		}
	}
	r.ledger.Remove(ledgerKey(name, defaultActionID))
}

// selectAction returns the first eligible action. The caller holds the lock.
func (r *RecoveryManager) selectAction(name string, now time.Time) (RecoveryAction, bool) {
	for _, a := range r.Actions(name) {
		if !a.Enabled {
			continue
		}
		l, _ := r.ledger.Get(ledgerKey(name, a.ID))
		if l.retired {
			continue
		}
		if !l.lastAttempt.IsZero() && now.Sub(l.lastAttempt) < a.Cooldown {
			continue
		}
		return a, true
	}
	return RecoveryAction{}, false
}

// TriggerRecovery performs at most one recovery attempt for an extension.
// Failures are recorded in the result and the event log, never returned.
func (r *RecoveryManager) TriggerRecovery(ctx context.Context, name string, health ExtensionHealth) RecoveryResult {
	result := RecoveryResult{Extension: name}

	unlock := r.locks.Lock(name)
	defer unlock()

	now := r.now()
	action, ok := r.selectAction(name, now)
	if !ok {
		r.logger.Info("No eligible recovery action", "extension", name, "status", health.Status.String())
		return result
	}

	result.Attempted = true
	result.Action = action
	result.CorrelationID = uuid.NewString()

	r.events.Append(LifecycleEvent{
		Extension:     name,
		Type:          EventRecoveryInitiated,
		Actor:         recoveryActor,
		Success:       true,
		CorrelationID: result.CorrelationID,
		Details: map[string]any{
			"action_id":     action.ID,
			"action_type":   string(action.Type),
			"priority":      action.Priority,
			"trigger":       action.Trigger,
			"health_status": health.Status.String(),
			"health_score":  health.Score,
			"last_error":    health.LastError,
		},
	})

	key := ledgerKey(name, action.ID)
	l, _ := r.ledger.Get(key)
	l.lastAttempt = now
	l.attempts++

	err := r.execute(ctx, name, action, health)

	details := map[string]any{
		"action_id":   action.ID,
		"action_type": string(action.Type),
		"attempt":     l.attempts,
	}
	if err == nil {
		l.consecutiveFailures = 0
		result.Success = true
	} else {
		l.consecutiveFailures++
		result.Error = err.Error()
		if action.MaxAttempts > 0 && l.consecutiveFailures >= action.MaxAttempts {
			l.retired = true
			result.ActionRetired = true
			details["action_retired"] = true
			r.logger.Warn("Recovery action retired after repeated failures",
				"extension", name,
				"action_id", action.ID,
				"failures", l.consecutiveFailures)
		}
	}
	r.ledger.Set(key, l)

	r.events.Append(LifecycleEvent{
		Extension:     name,
		Type:          EventRecoveryCompleted,
		Actor:         recoveryActor,
		Success:       err == nil,
		Error:         result.Error,
		CorrelationID: result.CorrelationID,
		Details:       details,
	})
	r.metrics.recordRecovery(name, action.Type, err == nil)

	if err != nil {
		r.logger.Error("Recovery action failed",
			"extension", name,
			"action_id", action.ID,
			"action_type", string(action.Type),
			"error", err)
	} else {
		r.logger.Info("Recovery action completed",
			"extension", name,
			"action_id", action.ID,
			"action_type", string(action.Type))
	}
	return result
}

// execute runs one action. A panic inside the action counts as its failure.
func (r *RecoveryManager) execute(ctx context.Context, name string, action RecoveryAction, health ExtensionHealth) (err error) {
	ctx, span := startSpan(ctx, r.tracer, "supervisor.recovery."+string(action.Type), name,
		attribute.String("supervisor.recovery.action_id", action.ID))
	defer func() { endSpan(span, err) }()

	defer func() {
		if rec := recover(); rec != nil {
			panicCount.Add(1)
			err = NewRecoveryActionError(name, action, fmt.Errorf("panic: %v", rec))
		}
	}()

	if cause := r.dispatch(ctx, name, action, health); cause != nil {
		return NewRecoveryActionError(name, action, cause)
	}
	return nil
}

func (r *RecoveryManager) dispatch(ctx context.Context, name string, action RecoveryAction, health ExtensionHealth) error {
	switch action.Type {
	case ActionRestart:
		if r.controller == nil {
			return NewCollaboratorMissingError(name, action.Type)
		}
		if err := r.controller.Restart(ctx, name); err != nil {
			return err
		}
		r.events.Append(LifecycleEvent{Extension: name, Type: EventRestarted, Actor: recoveryActor, Success: true})
		return nil

	case ActionRollback:
		return r.rollback(ctx, name)

	case ActionRestoreBackup:
		if r.backups == nil {
			return NewCollaboratorMissingError(name, action.Type)
		}
		backupID, _ := action.Parameters["backup_id"].(string)
		if backupID == "" {
			latest, err := r.backups.LatestValidBackup(name)
			if err != nil {
				return err
			}
			backupID = latest.ID
		}
		opts := FullRestore()
		opts.TargetExtension = name
		opts.Actor = recoveryActor
		return r.backups.RestoreBackup(ctx, backupID, opts)

	case ActionDisable:
		if r.controller == nil {
			return NewCollaboratorMissingError(name, action.Type)
		}
		if err := r.controller.Disable(ctx, name); err != nil {
			return err
		}
		r.events.Append(LifecycleEvent{Extension: name, Type: EventDisabled, Actor: recoveryActor, Success: true})
		if r.monitor != nil {
			if err := r.monitor.StopMonitoring(ctx, name); err != nil {
				r.logger.Warn("Failed to stop monitoring of disabled extension", "extension", name, "error", err)
			}
		}
		return nil

	case ActionNotifyAdmin:
		if r.alerts == nil {
			return NewCollaboratorMissingError(name, action.Type)
		}
		msg, _ := action.Parameters["message"].(string)
		if msg == "" {
			msg = defaultAlertMessage
		}
		alert := Alert{
			Extension: name,
			Message:   msg,
			Status:    health.Status,
			Score:     health.Score,
			Details:   map[string]any{"action_id": action.ID, "last_error": health.LastError},
		}
		if sev, ok := action.Parameters["severity"].(string); ok {
			alert.Severity = AlertSeverity(sev)
		}
		return r.alerts.Enqueue(alert)

	case ActionScaleDown:
		if r.scaler == nil {
			return NewCollaboratorMissingError(name, action.Type)
		}
		return r.scaler.ScaleDown(ctx, name, action.Parameters)

	case ActionClearCache:
		if r.cache == nil {
			return NewCollaboratorMissingError(name, action.Type)
		}
		return r.cache.ClearCache(ctx, name)

	default:
		return NewCollaboratorMissingError(name, action.Type)
	}
}

// rollback applies the planner's reverse migration under a snapshot. The
// snapshot is replayed if the planner fails and discarded if it succeeds.
func (r *RecoveryManager) rollback(ctx context.Context, name string) error {
	if r.planner == nil {
		return NewCollaboratorMissingError(name, ActionRollback)
	}

	var snapID string
	if r.backups != nil {
		snap, err := r.backups.CreateSnapshot(ctx, name)
		if err != nil {
			r.logger.Warn("Snapshot before rollback failed, continuing", "extension", name, "error", err)
		} else {
			snapID = snap.ID
		}
	}

	applied, err := r.planner.ApplyRollback(ctx, name)
	if err == nil && !applied {
		err = fmt.Errorf("no rollback plan available for %s", name)
	}
	if err != nil {
		if snapID != "" {
			if rbErr := r.backups.RestoreSnapshot(ctx, snapID); rbErr != nil {
				r.logger.Error("Failed to replay snapshot after rollback failure",
					"extension", name, "snapshot_id", snapID, "error", rbErr)
			}
			_ = r.backups.DiscardSnapshot(snapID)
		}
		return err
	}

	if snapID != "" {
		_ = r.backups.DiscardSnapshot(snapID)
	}
	r.events.Append(LifecycleEvent{Extension: name, Type: EventRolledBack, Actor: recoveryActor, Success: true})
	return nil
}
