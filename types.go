// types.go: Common data types shared by the monitor, recovery and backup subsystems
//
// This file contains the shared data models of the supervisor: health results,
// recovery actions, backup and snapshot records and lifecycle events. Keeping the
// records in one place keeps the three subsystems decoupled from each other.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// HealthStatus represents the health band an extension currently sits in.
//
// Status levels, from best to worst:
//   - StatusHealthy: score >= 90
//   - StatusDegraded: score >= 70, still serving normally
//   - StatusUnhealthy: score >= 30, recovery candidate
//   - StatusCritical: score < 30 or the process is gone
//   - StatusUnknown: the check itself failed or never ran
//
// Healthy and Degraded count as passed checks; everything else counts as failed.
type HealthStatus int

const (
	StatusUnknown HealthStatus = iota
	StatusHealthy
	StatusDegraded
	StatusUnhealthy
	StatusCritical
)

// String returns a human-readable representation of the health status.
func (s HealthStatus) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	case StatusCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Passed reports whether the status counts towards the success streak.
func (s HealthStatus) Passed() bool {
	return s == StatusHealthy || s == StatusDegraded
}

// MarshalText implements encoding.TextMarshaler.
func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *HealthStatus) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "healthy":
		*s = StatusHealthy
	case "degraded":
		*s = StatusDegraded
	case "unhealthy":
		*s = StatusUnhealthy
	case "critical":
		*s = StatusCritical
	case "unknown", "":
		*s = StatusUnknown
	default:
		return fmt.Errorf("unknown health status %q", string(text))
	}
	return nil
}

// ExtensionHealth is the result of one health check of one extension.
//
// A value is created by the health monitor on every check and never modified
// afterwards. The monitor caches only the latest value per extension; older
// results live on in the lifecycle event log.
type ExtensionHealth struct {
	Extension    string         `json:"extension"`
	Status       HealthStatus   `json:"status"`
	Score        float64        `json:"score"`
	CPUPercent   float64        `json:"cpu_percent"`
	MemoryMB     float64        `json:"memory_mb"`
	DiskPercent  float64        `json:"disk_percent"`
	ErrorRate    float64        `json:"error_rate"`
	ResponseTime time.Duration  `json:"response_time"`
	Uptime       time.Duration  `json:"uptime"`
	RestartCount int            `json:"restart_count"`
	LastError    string         `json:"last_error,omitempty"`
	Metrics      map[string]any `json:"metrics,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// unknownHealth is returned for extensions that were never checked.
func unknownHealth(name string) ExtensionHealth {
	return ExtensionHealth{
		Extension: name,
		Status:    StatusUnknown,
		Score:     0,
	}
}

// RecoveryActionType enumerates the remedies the recovery manager can apply.
type RecoveryActionType string

const (
	ActionRestart       RecoveryActionType = "restart"
	ActionRollback      RecoveryActionType = "rollback"
	ActionRestoreBackup RecoveryActionType = "restore_backup"
	ActionDisable       RecoveryActionType = "disable"
	ActionNotifyAdmin   RecoveryActionType = "notify_admin"
	ActionScaleDown     RecoveryActionType = "scale_down"
	ActionClearCache    RecoveryActionType = "clear_cache"
)

// Valid reports whether t names a known action type.
func (t RecoveryActionType) Valid() bool {
	switch t {
	case ActionRestart, ActionRollback, ActionRestoreBackup, ActionDisable,
		ActionNotifyAdmin, ActionScaleDown, ActionClearCache:
		return true
	}
	return false
}

// RecoveryAction is a configured remedy for one extension.
//
// Actions are tried in ascending Priority order and the first enabled action that
// is out of its cooldown wins. MaxAttempts <= 0 means the action is never disabled
// automatically.
//
// Example configuration:
//
//	action := RecoveryAction{
//	    ID:          "restart-indexer",
//	    Type:        ActionRestart,
//	    Trigger:     "status >= unhealthy",
//	    MaxAttempts: 3,
//	    Cooldown:    5 * time.Minute,
//	    Enabled:     true,
//	    Priority:    1,
//	}
type RecoveryAction struct {
	ID          string             `json:"id" yaml:"id"`
	Extension   string             `json:"extension,omitempty" yaml:"extension,omitempty"`
	Type        RecoveryActionType `json:"type" yaml:"type"`
	Trigger     string             `json:"trigger,omitempty" yaml:"trigger,omitempty"`
	Parameters  map[string]any     `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	MaxAttempts int                `json:"max_attempts" yaml:"max_attempts"`
	Cooldown    time.Duration      `json:"cooldown" yaml:"cooldown"`
	Enabled     bool               `json:"enabled" yaml:"enabled"`
	Priority    int                `json:"priority" yaml:"priority"`
}

// BackupType describes what a backup archive is expected to contain.
type BackupType string

const (
	BackupFull        BackupType = "full"
	BackupIncremental BackupType = "incremental"
	BackupConfigOnly  BackupType = "config_only"
)

// BackupComponents records which parts of an extension an archive holds.
type BackupComponents struct {
	Code   bool `json:"code"`
	Config bool `json:"config"`
	Data   bool `json:"data"`
}

// BackupManifest is written as manifest.json inside every archive and copied into
// the catalog record so the catalog can be queried without opening archives.
type BackupManifest struct {
	BackupID     string           `json:"backup_id"`
	Extension    string           `json:"extension"`
	Version      string           `json:"version"`
	Type         BackupType       `json:"type"`
	CreatedAt    time.Time        `json:"created_at"`
	Components   BackupComponents `json:"components"`
	BaseBackupID string           `json:"base_backup_id,omitempty"`
	Description  string           `json:"description,omitempty"`
}

// ExtensionBackup is the catalog record of a backup archive.
type ExtensionBackup struct {
	ID          string         `json:"id"`
	Extension   string         `json:"extension"`
	Version     string         `json:"version"`
	CreatedAt   time.Time      `json:"created_at"`
	Type        BackupType     `json:"type"`
	SizeBytes   int64          `json:"size_bytes"`
	Path        string         `json:"path"`
	Checksum    string         `json:"checksum"`
	Metadata    BackupManifest `json:"metadata"`
	Valid       bool           `json:"valid"`
	Description string         `json:"description,omitempty"`
}

// SnapshotState is the runtime state captured by a snapshot.
type SnapshotState struct {
	Running bool           `json:"running"`
	Status  HealthStatus   `json:"status"`
	Score   float64        `json:"score"`
	Metrics map[string]any `json:"metrics,omitempty"`
	Config  []byte         `json:"config,omitempty"`
	Data    []byte         `json:"data,omitempty"`
	HasCode bool           `json:"has_code"`
	// HasConfig and HasData record whether the component existed at capture
	// time, so an empty payload and a missing one replay differently.
	HasConfig bool `json:"has_config"`
	HasData   bool `json:"has_data"`
}

// ExtensionSnapshot is a lightweight state capture used as a rollback safety net.
type ExtensionSnapshot struct {
	ID           string        `json:"id"`
	Extension    string        `json:"extension"`
	Version      string        `json:"version"`
	CreatedAt    time.Time     `json:"created_at"`
	State        SnapshotState `json:"state"`
	DataChecksum string        `json:"data_checksum"`
	Path         string        `json:"path"`
}

// EventType names a lifecycle transition.
type EventType string

const (
	EventStarted           EventType = "started"
	EventStopped           EventType = "stopped"
	EventRestarted         EventType = "restarted"
	EventUpdated           EventType = "updated"
	EventRolledBack        EventType = "rolled_back"
	EventDisabled          EventType = "disabled"
	EventMonitoringStarted EventType = "monitoring_started"
	EventMonitoringStopped EventType = "monitoring_stopped"
	EventBackupCreated     EventType = "backup_created"
	EventBackupRestored    EventType = "backup_restored"
	EventBackupDeleted     EventType = "backup_deleted"
	EventBackupVerified    EventType = "backup_verified"
	EventSnapshotCreated   EventType = "snapshot_created"
	EventSnapshotRestored  EventType = "snapshot_restored"
	EventHealthCheckPassed EventType = "health_check_passed"
	EventHealthCheckFailed EventType = "health_check_failed"
	EventRecoveryInitiated EventType = "recovery_initiated"
	EventRecoveryCompleted EventType = "recovery_completed"
	EventAlertRaised       EventType = "alert_raised"
)

// LifecycleEvent is one append-only audit record.
//
// Sequence is assigned by the event log and is strictly increasing across the
// whole log, which gives a total order even when timestamps collide.
type LifecycleEvent struct {
	ID            string         `json:"id"`
	Sequence      uint64         `json:"sequence"`
	Extension     string         `json:"extension"`
	Type          EventType      `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Details       map[string]any `json:"details,omitempty"`
	Actor         string         `json:"actor,omitempty"`
	Success       bool           `json:"success"`
	Error         string         `json:"error,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// detailsJSON renders the details map for stores that keep it as text.
func (e LifecycleEvent) detailsJSON() string {
	if len(e.Details) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(e.Details)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

// ExtensionInfo is what the process collaborator knows about a running extension.
type ExtensionInfo struct {
	Name         string `json:"name"`
	Version      string `json:"version"`
	ProcessID    int32  `json:"process_id"`
	Status       string `json:"status"`
	RestartCount int    `json:"restart_count"`
	RequestCount int64  `json:"request_count"`
	ErrorCount   int64  `json:"error_count"`
}

// ErrorRate returns the share of failed requests, zero when nothing was served.
func (i ExtensionInfo) ErrorRate() float64 {
	if i.RequestCount <= 0 {
		return 0
	}
	return float64(i.ErrorCount) / float64(i.RequestCount)
}
