// backup_manager.go: checksummed extension backups with verified restore
//
// Backups live under <root>/<extension>/ as <id>.tar.gz with a <id>.json catalog
// record next to each archive. Writers only ever touch their own extension
// directory, so the root can be shared by concurrent operations on different
// extensions without a global lock.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	archiveExt        = ".tar.gz"
	catalogExt        = ".json"
	snapshotDirName   = ".snapshots"
	restartRetries    = 3
	stagingPrefix     = ".staging-"
	extractPrefix     = ".extract-"
	backupActorSystem = "system"
)

// HealthReader exposes the latest cached health of an extension.
type HealthReader interface {
	GetHealth(name string) ExtensionHealth
}

// BackupManagerConfig configures a BackupManager.
type BackupManagerConfig struct {
	// Root is the shared backup storage directory.
	Root string

	// SnapshotRoot defaults to <Root>/.snapshots.
	SnapshotRoot string

	Controller ProcessController
	Hooks      ComponentHooks
	Health     HealthReader
	Events     *EventLog
	Jobs       *JobStore
	Logger     Logger
	Metrics    *Metrics
	Tracer     trace.Tracer
}

// BackupOptions selects what CreateBackup captures.
type BackupOptions struct {
	Type          BackupType
	Description   string
	IncludeCode   bool
	IncludeConfig bool
	IncludeData   bool
	Actor         string
}

// RestoreOptions selects what RestoreBackup applies.
//
// Component flags are honoured literally: a component is restored only when it
// is both requested and present in the archive. A pre-restore snapshot is taken
// unless SkipSnapshot is set.
type RestoreOptions struct {
	// TargetExtension restores into a different extension than the one backed up.
	TargetExtension string

	RestoreCode   bool
	RestoreConfig bool
	RestoreData   bool

	SkipSnapshot bool

	// KeepSnapshot retains the pre-restore snapshot after a successful restore.
	KeepSnapshot bool

	Actor string
}

// FullRestore returns options restoring every component with a safety snapshot.
func FullRestore() RestoreOptions {
	return RestoreOptions{RestoreCode: true, RestoreConfig: true, RestoreData: true}
}

// BackupFilter selects backups in ListBackups. Zero fields match everything.
type BackupFilter struct {
	Extension string
	Type      BackupType
	ValidOnly bool
	Limit     int
}

// BackupManager creates, verifies and restores extension backups and snapshots.
type BackupManager struct {
	root         string
	snapshotRoot string

	controller ProcessController
	hooks      ComponentHooks
	health     HealthReader
	events     *EventLog
	jobs       *JobStore
	logger     Logger
	metrics    *Metrics
	tracer     trace.Tracer

	catalog   cmap.ConcurrentMap[string, ExtensionBackup]
	snapshots cmap.ConcurrentMap[string, ExtensionSnapshot]
	locks     *KeyedMutex

	now func() time.Time
}

// NewBackupManager creates the storage directories and loads the catalog records
// left by earlier runs.
func NewBackupManager(cfg BackupManagerConfig) (*BackupManager, error) {
	if cfg.Root == "" {
		return nil, NewConfigValidationError("backup root is required")
	}
	if cfg.SnapshotRoot == "" {
		cfg.SnapshotRoot = filepath.Join(cfg.Root, snapshotDirName)
	}
	if cfg.Hooks == nil {
		cfg.Hooks = noopHooks{}
	}

	m := &BackupManager{
		root:         cfg.Root,
		snapshotRoot: cfg.SnapshotRoot,
		controller:   cfg.Controller,
		hooks:        cfg.Hooks,
		health:       cfg.Health,
		events:       cfg.Events,
		jobs:         cfg.Jobs,
		logger:       NewLogger(cfg.Logger).With("component", "backup_manager"),
		metrics:      cfg.Metrics,
		tracer:       tracerOrNoop(cfg.Tracer),
		catalog:      cmap.New[ExtensionBackup](),
		snapshots:    cmap.New[ExtensionSnapshot](),
		locks:        NewKeyedMutex(),
		now:          timecache.CachedTime,
	}

	for _, dir := range []string{m.root, m.snapshotRoot} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, NewBackupFailedError("", err).WithContext("directory", dir)
		}
	}
	if err := m.loadCatalog(); err != nil {
		return nil, err
	}
	return m, nil
}

// loadCatalog reads every <root>/<extension>/<id>.json record.
func (m *BackupManager) loadCatalog() error {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return NewBackupFailedError("", err).WithContext("directory", m.root)
	}
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		records, err := filepath.Glob(filepath.Join(m.root, e.Name(), "*"+catalogExt))
		if err != nil {
			continue
		}
		for _, rec := range records {
			raw, err := os.ReadFile(rec) // #nosec G304 -- globbed below backup root
			if err != nil {
				m.logger.Warn("Skipping unreadable backup record", "path", rec, "error", err)
				continue
			}
			var b ExtensionBackup
			if err := json.Unmarshal(raw, &b); err != nil || b.ID == "" {
				m.logger.Warn("Skipping malformed backup record", "path", rec)
				continue
			}
			m.catalog.Set(b.ID, b)
		}
	}
	m.logger.Debug("Backup catalog loaded", "backups", m.catalog.Count())
	return nil
}

func (m *BackupManager) extensionDir(name string) string {
	return filepath.Join(m.root, name)
}

func (m *BackupManager) emit(ev LifecycleEvent) {
	if m.events != nil {
		m.events.Append(ev)
	}
}

func actorOr(actor string) string {
	if actor == "" {
		return backupActorSystem
	}
	return actor
}

// CreateBackup captures the selected components of an extension into a new
// checksummed archive.
func (m *BackupManager) CreateBackup(ctx context.Context, name string, opts BackupOptions) (backup ExtensionBackup, err error) {
	if err := validateExtensionName(name); err != nil {
		return ExtensionBackup{}, err
	}
	if opts.Type == "" {
		opts.Type = BackupFull
	}
	if opts.Type == BackupConfigOnly {
		opts.IncludeCode, opts.IncludeData, opts.IncludeConfig = false, false, true
	}

	ctx, span := startSpan(ctx, m.tracer, "supervisor.backup.create", name,
		attribute.String("supervisor.backup.type", string(opts.Type)))
	defer func() { endSpan(span, err) }()

	unlock := m.locks.Lock(name)
	defer unlock()

	jobID := m.jobs.Begin(JobBackup, name, "")
	defer func() { m.jobs.Finish(jobID, err) }()

	defer func() {
		m.metrics.recordBackupOp("create", err == nil)
		if err != nil {
			m.emit(LifecycleEvent{
				Extension: name,
				Type:      EventBackupCreated,
				Actor:     actorOr(opts.Actor),
				Success:   false,
				Error:     err.Error(),
				Details:   map[string]any{"type": string(opts.Type)},
			})
		}
	}()

	backup, err = m.createBackupLocked(ctx, name, opts)
	if err != nil {
		return ExtensionBackup{}, err
	}

	m.metrics.recordBackupSize(name, backup.SizeBytes)
	m.emit(LifecycleEvent{
		Extension: name,
		Type:      EventBackupCreated,
		Actor:     actorOr(opts.Actor),
		Success:   true,
		Details: map[string]any{
			"backup_id":  backup.ID,
			"type":       string(backup.Type),
			"size_bytes": backup.SizeBytes,
			"checksum":   backup.Checksum,
		},
	})
	m.logger.Info("Backup created",
		"extension", name,
		"backup_id", backup.ID,
		"type", string(backup.Type),
		"size_bytes", backup.SizeBytes)
	return backup, nil
}

func (m *BackupManager) createBackupLocked(ctx context.Context, name string, opts BackupOptions) (ExtensionBackup, error) {
	extDir := m.extensionDir(name)
	if err := os.MkdirAll(extDir, 0o750); err != nil {
		return ExtensionBackup{}, NewBackupFailedError(name, err)
	}
	staging, err := os.MkdirTemp(extDir, stagingPrefix)
	if err != nil {
		return ExtensionBackup{}, NewBackupFailedError(name, err)
	}
	defer func() { _ = os.RemoveAll(staging) }()

	manifest := BackupManifest{
		BackupID:    uuid.NewString(),
		Extension:   name,
		Version:     m.extensionVersion(ctx, name),
		Type:        opts.Type,
		CreatedAt:   m.now(),
		Description: opts.Description,
	}
	if opts.Type == BackupIncremental {
		if base, err := m.LatestValidBackup(name); err == nil {
			manifest.BaseBackupID = base.ID
		}
	}

	if opts.IncludeCode {
		if m.controller == nil {
			return ExtensionBackup{}, NewBackupFailedError(name, NewCollaboratorMissingError(name, ActionRestoreBackup))
		}
		codeDir, err := m.controller.Directory(name)
		if err != nil {
			return ExtensionBackup{}, NewBackupFailedError(name, err)
		}
		if err := copyTree(codeDir, filepath.Join(staging, codeDirName)); err != nil {
			return ExtensionBackup{}, NewBackupFailedError(name, err).WithContext("code_dir", codeDir)
		}
		manifest.Components.Code = true
	}
	if opts.IncludeConfig {
		payload, err := m.hooks.ExportConfig(ctx, name)
		if err != nil {
			return ExtensionBackup{}, NewBackupFailedError(name, err).WithContext("component", "config")
		}
		if err := os.WriteFile(filepath.Join(staging, configPayloadName), payload, 0o600); err != nil {
			return ExtensionBackup{}, NewBackupFailedError(name, err)
		}
		manifest.Components.Config = true
	}
	if opts.IncludeData {
		payload, err := m.hooks.ExportData(ctx, name)
		if err != nil {
			return ExtensionBackup{}, NewBackupFailedError(name, err).WithContext("component", "data")
		}
		if err := os.WriteFile(filepath.Join(staging, dataPayloadName), payload, 0o600); err != nil {
			return ExtensionBackup{}, NewBackupFailedError(name, err)
		}
		manifest.Components.Data = true
	}

	rawManifest, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return ExtensionBackup{}, NewBackupFailedError(name, err)
	}
	if err := os.WriteFile(filepath.Join(staging, manifestName), rawManifest, 0o600); err != nil {
		return ExtensionBackup{}, NewBackupFailedError(name, err)
	}

	archivePath := filepath.Join(extDir, manifest.BackupID+archiveExt)
	if err := writeArchive(staging, archivePath); err != nil {
		return ExtensionBackup{}, NewBackupFailedError(name, err)
	}

	checksum, size, err := fileChecksum(archivePath)
	if err != nil {
		_ = os.Remove(archivePath)
		return ExtensionBackup{}, NewBackupFailedError(name, err)
	}

	backup := ExtensionBackup{
		ID:          manifest.BackupID,
		Extension:   name,
		Version:     manifest.Version,
		CreatedAt:   manifest.CreatedAt,
		Type:        opts.Type,
		SizeBytes:   size,
		Path:        archivePath,
		Checksum:    checksum,
		Metadata:    manifest,
		Valid:       true,
		Description: opts.Description,
	}
	if err := m.writeRecord(backup); err != nil {
		_ = os.Remove(archivePath)
		return ExtensionBackup{}, NewBackupFailedError(name, err)
	}
	m.catalog.Set(backup.ID, backup)
	return backup, nil
}

// writeArchive packs dir into a temporary file and renames it into place, so a
// crash never leaves a truncated archive under its final name.
func writeArchive(dir, dst string) error {
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".archive-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := packDirectory(dir, tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, dst)
}

func (m *BackupManager) writeRecord(b ExtensionBackup) error {
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(m.extensionDir(b.Extension), b.ID+catalogExt)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (m *BackupManager) extensionVersion(ctx context.Context, name string) string {
	if m.controller == nil {
		return ""
	}
	info, err := m.controller.Info(ctx, name)
	if err != nil {
		m.logger.Debug("Extension info unavailable, version left empty", "extension", name, "error", err)
		return ""
	}
	return info.Version
}

// GetBackup returns a catalog record.
func (m *BackupManager) GetBackup(id string) (ExtensionBackup, error) {
	b, ok := m.catalog.Get(id)
	if !ok {
		return ExtensionBackup{}, NewBackupNotFoundError(id)
	}
	return b, nil
}

// ListBackups returns matching backups, newest first.
func (m *BackupManager) ListBackups(filter BackupFilter) []ExtensionBackup {
	out := make([]ExtensionBackup, 0)
	for _, b := range m.catalog.Items() {
		if filter.Extension != "" && b.Extension != filter.Extension {
			continue
		}
		if filter.Type != "" && b.Type != filter.Type {
			continue
		}
		if filter.ValidOnly && !b.Valid {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// LatestValidBackup returns the newest backup of an extension still marked valid.
func (m *BackupManager) LatestValidBackup(name string) (ExtensionBackup, error) {
	list := m.ListBackups(BackupFilter{Extension: name, ValidOnly: true, Limit: 1})
	if len(list) == 0 {
		return ExtensionBackup{}, NewNoBackupAvailableError(name)
	}
	return list[0], nil
}

// DeleteBackup removes an archive and its catalog record.
func (m *BackupManager) DeleteBackup(ctx context.Context, id string) error {
	b, err := m.GetBackup(id)
	if err != nil {
		return err
	}
	unlock := m.locks.Lock(b.Extension)
	defer unlock()

	var firstErr error
	for _, p := range []string{b.Path, filepath.Join(m.extensionDir(b.Extension), b.ID+catalogExt)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	m.catalog.Remove(id)
	m.metrics.recordBackupOp("delete", firstErr == nil)

	ev := LifecycleEvent{
		Extension: b.Extension,
		Type:      EventBackupDeleted,
		Actor:     backupActorSystem,
		Success:   firstErr == nil,
		Details:   map[string]any{"backup_id": id},
	}
	if firstErr != nil {
		ev.Error = firstErr.Error()
		m.emit(ev)
		return NewBackupFailedError(b.Extension, firstErr).WithContext("backup_id", id)
	}
	m.emit(ev)
	m.logger.Info("Backup deleted", "extension", b.Extension, "backup_id", id)
	return nil
}

// VerifyBackup recomputes the checksum of an archive. A mismatch marks the
// backup invalid and returns a BackupIntegrityError.
func (m *BackupManager) VerifyBackup(ctx context.Context, id string) error {
	b, err := m.GetBackup(id)
	if err != nil {
		return err
	}
	unlock := m.locks.Lock(b.Extension)
	defer unlock()
	return m.verifyLocked(b, "")
}

func (m *BackupManager) verifyLocked(b ExtensionBackup, actor string) error {
	actual, _, err := fileChecksum(b.Path)
	if err != nil {
		actual = "unreadable"
	}
	if err == nil && actual == b.Checksum {
		m.emit(LifecycleEvent{
			Extension: b.Extension,
			Type:      EventBackupVerified,
			Actor:     actorOr(actor),
			Success:   true,
			Details:   map[string]any{"backup_id": b.ID},
		})
		return nil
	}

	integrityErr := NewBackupIntegrityError(b.ID, b.Checksum, actual)
	if b.Valid {
		b.Valid = false
		m.catalog.Set(b.ID, b)
		if werr := m.writeRecord(b); werr != nil {
			m.logger.Warn("Failed to persist invalid backup flag", "backup_id", b.ID, "error", werr)
		}
	}
	m.metrics.recordBackupOp("verify", false)
	m.emit(LifecycleEvent{
		Extension: b.Extension,
		Type:      EventBackupVerified,
		Actor:     actorOr(actor),
		Success:   false,
		Error:     integrityErr.Error(),
		Details:   map[string]any{"backup_id": b.ID, "expected": b.Checksum, "actual": actual},
	})
	m.logger.Error("Backup failed integrity verification",
		"extension", b.Extension,
		"backup_id", b.ID,
		"expected", b.Checksum,
		"actual", actual)
	return integrityErr
}

// RestoreBackup applies a backup to an extension.
//
// The archive checksum is verified before anything is touched; a mismatch returns
// a BackupIntegrityError and leaves the extension alone. Any failure after that
// point rolls the extension back to the pre-restore snapshot, when one was taken,
// and returns a RestoreFailureError wrapping the cause.
func (m *BackupManager) RestoreBackup(ctx context.Context, id string, opts RestoreOptions) (err error) {
	backup, err := m.GetBackup(id)
	if err != nil {
		return err
	}
	target := opts.TargetExtension
	if target == "" {
		target = backup.Extension
	}
	if err := validateExtensionName(target); err != nil {
		return err
	}

	ctx, span := startSpan(ctx, m.tracer, "supervisor.backup.restore", target,
		attribute.String("supervisor.backup.id", id))
	defer func() { endSpan(span, err) }()

	jobID := m.jobs.Begin(JobRestore, target, id)
	defer func() {
		m.jobs.Finish(jobID, err)
		m.metrics.recordBackupOp("restore", err == nil)
	}()

	// Best effort: a failed snapshot is logged and the restore goes ahead.
	var snap *ExtensionSnapshot
	if !opts.SkipSnapshot {
		s, serr := m.CreateSnapshot(ctx, target)
		if serr != nil {
			m.logger.Warn("Pre-restore snapshot failed, continuing without rollback safety net",
				"extension", target, "backup_id", id, "error", serr)
		} else {
			snap = &s
		}
	}

	unlock := m.locks.Lock(target)
	defer unlock()

	if err := m.verifyLocked(backup, opts.Actor); err != nil {
		if snap != nil {
			m.discardSnapshot(snap.ID)
		}
		return err
	}

	applyErr := m.applyBackup(ctx, backup, target, opts)
	if applyErr != nil {
		rolledBack := false
		if snap != nil {
			if rbErr := m.restoreSnapshotLocked(ctx, *snap, opts.Actor); rbErr != nil {
				m.logger.Error("Rollback to pre-restore snapshot failed",
					"extension", target, "snapshot_id", snap.ID, "error", rbErr)
			} else {
				rolledBack = true
			}
		}
		restoreErr := NewRestoreFailureError(id, target, rolledBack, applyErr)
		m.emit(LifecycleEvent{
			Extension: target,
			Type:      EventBackupRestored,
			Actor:     actorOr(opts.Actor),
			Success:   false,
			Error:     restoreErr.Error(),
			Details:   map[string]any{"backup_id": id, "rolled_back": rolledBack},
		})
		m.logger.Error("Backup restore failed",
			"extension", target, "backup_id", id, "rolled_back", rolledBack, "error", applyErr)
		return restoreErr
	}

	if snap != nil && !opts.KeepSnapshot {
		m.discardSnapshot(snap.ID)
	}
	m.emit(LifecycleEvent{
		Extension: target,
		Type:      EventBackupRestored,
		Actor:     actorOr(opts.Actor),
		Success:   true,
		Details: map[string]any{
			"backup_id":      id,
			"source":         backup.Extension,
			"restore_code":   opts.RestoreCode,
			"restore_config": opts.RestoreConfig,
			"restore_data":   opts.RestoreData,
		},
	})
	m.logger.Info("Backup restored", "extension", target, "backup_id", id)
	return nil
}

// applyBackup performs the mutating part of a restore. The caller holds the lock.
func (m *BackupManager) applyBackup(ctx context.Context, backup ExtensionBackup, target string, opts RestoreOptions) error {
	wasRunning := false
	if m.controller != nil {
		running, err := m.controller.IsRunning(ctx, target)
		if err != nil && !HasErrorCode(err, ErrCodeExtensionNotFound) {
			return err
		}
		wasRunning = running
		if wasRunning {
			if err := m.controller.Stop(ctx, target); err != nil {
				return err
			}
		}
	}

	extDir := m.extensionDir(target)
	if err := os.MkdirAll(extDir, 0o750); err != nil {
		return err
	}
	workDir, err := os.MkdirTemp(extDir, extractPrefix)
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	if err := extractArchive(backup.Path, workDir); err != nil {
		return err
	}

	raw, err := os.ReadFile(filepath.Join(workDir, manifestName)) // #nosec G304 -- extracted below workDir
	if err != nil {
		return NewArchiveError("read manifest", err)
	}
	var manifest BackupManifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return NewArchiveError("parse manifest", err)
	}

	if opts.RestoreCode && manifest.Components.Code {
		if m.controller == nil {
			return NewCollaboratorMissingError(target, ActionRestoreBackup)
		}
		codeDir, err := m.controller.Directory(target)
		if err != nil {
			return err
		}
		if err := replaceDirectory(filepath.Join(workDir, codeDirName), codeDir); err != nil {
			return err
		}
	}
	if opts.RestoreConfig && manifest.Components.Config {
		payload, err := os.ReadFile(filepath.Join(workDir, configPayloadName)) // #nosec G304 -- extracted below workDir
		if err != nil {
			return NewArchiveError("read config payload", err)
		}
		if err := m.hooks.ImportConfig(ctx, target, payload); err != nil {
			return err
		}
	}
	if opts.RestoreData && manifest.Components.Data {
		payload, err := os.ReadFile(filepath.Join(workDir, dataPayloadName)) // #nosec G304 -- extracted below workDir
		if err != nil {
			return NewArchiveError("read data payload", err)
		}
		if err := m.hooks.ImportData(ctx, target, payload); err != nil {
			return err
		}
	}

	if wasRunning {
		return m.startWithRetry(ctx, target)
	}
	return nil
}

func (m *BackupManager) startWithRetry(ctx context.Context, name string) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), restartRetries), ctx)
	return backoff.Retry(func() error {
		return m.controller.Start(ctx, name)
	}, policy)
}
