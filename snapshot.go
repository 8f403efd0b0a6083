// snapshot.go: lightweight extension snapshots used as a rollback safety net
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

	"github.com/google/uuid"
	"github.com/valyala/bytebufferpool"
)

const snapshotStateName = "state.json"

// CreateSnapshot captures the running state, config, data and code of an
// extension. Snapshots are cheap and short lived; they are never verified the
// way backups are.
func (m *BackupManager) CreateSnapshot(ctx context.Context, name string) (snap ExtensionSnapshot, err error) {
	if err := validateExtensionName(name); err != nil {
		return ExtensionSnapshot{}, err
	}
	unlock := m.locks.Lock(name)
	defer unlock()

	jobID := m.jobs.Begin(JobSnapshot, name, "")
	defer func() { m.jobs.Finish(jobID, err) }()

	snap, err = m.createSnapshotLocked(ctx, name)
	if err != nil {
		m.emit(LifecycleEvent{
			Extension: name,
			Type:      EventSnapshotCreated,
			Actor:     backupActorSystem,
			Success:   false,
			Error:     err.Error(),
		})
		return ExtensionSnapshot{}, err
	}

	m.snapshots.Set(snap.ID, snap)
	m.emit(LifecycleEvent{
		Extension: name,
		Type:      EventSnapshotCreated,
		Actor:     backupActorSystem,
		Success:   true,
		Details:   map[string]any{"snapshot_id": snap.ID, "running": snap.State.Running},
	})
	m.logger.Debug("Snapshot created", "extension", name, "snapshot_id", snap.ID)
	return snap, nil
}

func (m *BackupManager) createSnapshotLocked(ctx context.Context, name string) (ExtensionSnapshot, error) {
	snap := ExtensionSnapshot{
		ID:        uuid.NewString(),
		Extension: name,
		Version:   m.extensionVersion(ctx, name),
		CreatedAt: m.now(),
	}
	snap.Path = filepath.Join(m.snapshotRoot, name, snap.ID)

	if m.health != nil {
		h := m.health.GetHealth(name)
		snap.State.Status = h.Status
		snap.State.Score = h.Score
		snap.State.Metrics = h.Metrics
	}

	var codeDir string
	if m.controller != nil {
		running, err := m.controller.IsRunning(ctx, name)
		if err != nil && !HasErrorCode(err, ErrCodeExtensionNotFound) {
			return ExtensionSnapshot{}, NewSnapshotFailedError(name, err)
		}
		snap.State.Running = running

		dir, err := m.controller.Directory(name)
		if err != nil {
			return ExtensionSnapshot{}, NewSnapshotFailedError(name, err)
		}
		codeDir = dir
	}

	config, err := m.hooks.ExportConfig(ctx, name)
	if err != nil {
		return ExtensionSnapshot{}, NewSnapshotFailedError(name, err).WithContext("component", "config")
	}
	data, err := m.hooks.ExportData(ctx, name)
	if err != nil {
		return ExtensionSnapshot{}, NewSnapshotFailedError(name, err).WithContext("component", "data")
	}
	snap.State.Config = config
	snap.State.Data = data
	snap.State.HasConfig = config != nil
	snap.State.HasData = data != nil
	snap.DataChecksum = bytesChecksum(data)

	if err := os.MkdirAll(snap.Path, 0o750); err != nil {
		return ExtensionSnapshot{}, NewSnapshotFailedError(name, err)
	}
	if codeDir != "" && dirExists(codeDir) {
		if err := copyTree(codeDir, filepath.Join(snap.Path, codeDirName)); err != nil {
			_ = os.RemoveAll(snap.Path)
			return ExtensionSnapshot{}, NewSnapshotFailedError(name, err)
		}
		snap.State.HasCode = true
	}

	if err := writeSnapshotState(snap); err != nil {
		_ = os.RemoveAll(snap.Path)
		return ExtensionSnapshot{}, NewSnapshotFailedError(name, err)
	}
	return snap, nil
}

func writeSnapshotState(snap ExtensionSnapshot) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(snap); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(snap.Path, snapshotStateName), buf.Bytes(), 0o600)
}

// GetSnapshot returns a snapshot by ID.
func (m *BackupManager) GetSnapshot(id string) (ExtensionSnapshot, error) {
	snap, ok := m.snapshots.Get(id)
	if !ok {
		return ExtensionSnapshot{}, NewSnapshotNotFoundError(id)
	}
	return snap, nil
}

// ListSnapshots returns the snapshots of an extension, newest first. An empty
// name lists every snapshot.
func (m *BackupManager) ListSnapshots(name string) []ExtensionSnapshot {
	out := make([]ExtensionSnapshot, 0)
	for _, s := range m.snapshots.Items() {
		if name == "" || s.Extension == name {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// RestoreSnapshot replays a snapshot onto its extension.
func (m *BackupManager) RestoreSnapshot(ctx context.Context, id string) (err error) {
	snap, err := m.GetSnapshot(id)
	if err != nil {
		return err
	}
	unlock := m.locks.Lock(snap.Extension)
	defer unlock()

	jobID := m.jobs.Begin(JobSnapshotRestore, snap.Extension, id)
	defer func() { m.jobs.Finish(jobID, err) }()

	return m.restoreSnapshotLocked(ctx, snap, "")
}

// restoreSnapshotLocked puts code, config, data and the running state back the
// way they were captured. The caller holds the extension lock.
func (m *BackupManager) restoreSnapshotLocked(ctx context.Context, snap ExtensionSnapshot, actor string) error {
	err := m.replaySnapshot(ctx, snap)
	ev := LifecycleEvent{
		Extension: snap.Extension,
		Type:      EventSnapshotRestored,
		Actor:     actorOr(actor),
		Success:   err == nil,
		Details:   map[string]any{"snapshot_id": snap.ID},
	}
	if err != nil {
		wrapped := NewSnapshotFailedError(snap.Extension, err).WithContext("snapshot_id", snap.ID)
		ev.Error = wrapped.Error()
		m.emit(ev)
		return wrapped
	}
	m.emit(ev)
	m.logger.Info("Snapshot restored", "extension", snap.Extension, "snapshot_id", snap.ID)
	return nil
}

func (m *BackupManager) replaySnapshot(ctx context.Context, snap ExtensionSnapshot) error {
	if got := bytesChecksum(snap.State.Data); got != snap.DataChecksum {
		m.logger.Warn("Snapshot data checksum differs from capture, replaying anyway",
			"snapshot_id", snap.ID, "expected", snap.DataChecksum, "actual", got)
	}

	if m.controller != nil {
		running, err := m.controller.IsRunning(ctx, snap.Extension)
		if err != nil && !HasErrorCode(err, ErrCodeExtensionNotFound) {
			return err
		}
		if running {
			if err := m.controller.Stop(ctx, snap.Extension); err != nil {
				return err
			}
		}

		codeDir, err := m.controller.Directory(snap.Extension)
		if err != nil {
			return err
		}
		if snap.State.HasCode {
			if err := replaceDirectory(filepath.Join(snap.Path, codeDirName), codeDir); err != nil {
				return err
			}
		} else if err := os.RemoveAll(codeDir); err != nil {
			return err
		}
	}

	// A component missing at capture time is removed again.
	var err error
	if snap.State.HasConfig {
		err = m.hooks.ImportConfig(ctx, snap.Extension, nonNil(snap.State.Config))
	} else {
		err = m.hooks.RemoveConfig(ctx, snap.Extension)
	}
	if err != nil {
		return err
	}
	if snap.State.HasData {
		err = m.hooks.ImportData(ctx, snap.Extension, nonNil(snap.State.Data))
	} else {
		err = m.hooks.RemoveData(ctx, snap.Extension)
	}
	if err != nil {
		return err
	}

	if m.controller != nil && snap.State.Running {
		return m.startWithRetry(ctx, snap.Extension)
	}
	return nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// DiscardSnapshot deletes a snapshot once the operation it guarded succeeded.
func (m *BackupManager) DiscardSnapshot(id string) error {
	if _, ok := m.snapshots.Get(id); !ok {
		return NewSnapshotNotFoundError(id)
	}
	m.discardSnapshot(id)
	return nil
}

func (m *BackupManager) discardSnapshot(id string) {
	snap, ok := m.snapshots.Pop(id)
	if !ok {
		return
	}
	if err := os.RemoveAll(snap.Path); err != nil {
		m.logger.Warn("Failed to remove snapshot directory", "snapshot_id", id, "error", err)
	}
}
