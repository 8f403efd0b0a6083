// collaborators.go: interfaces of the services the supervisor delegates to
//
// The supervisor never starts processes, parses manifests or plans migrations
// itself. It consumes those capabilities through the small interfaces below so
// hosts can plug in their own loader and tests can plug in fakes.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"context"
	"os"
	"path/filepath"
)

// ProcessController is the process-management service of the host.
type ProcessController interface {
	// IsRunning reports whether the extension process is alive.
	IsRunning(ctx context.Context, name string) (bool, error)

	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error

	// Disable stops the extension and prevents further automatic starts.
	Disable(ctx context.Context, name string) error

	// Info returns the runtime record of the extension. Implementations return
	// an error carrying ErrCodeExtensionNotFound when the extension is unknown.
	Info(ctx context.Context, name string) (ExtensionInfo, error)

	// Directory returns the installation directory holding the extension code.
	Directory(name string) (string, error)
}

// MigrationPlanner rolls an extension back to its previous version.
type MigrationPlanner interface {
	// ApplyRollback reports whether a rollback plan existed and was applied.
	ApplyRollback(ctx context.Context, name string) (bool, error)
}

// ComponentHooks exports and imports the config and data parts of a backup.
//
// Code is always handled by the backup manager as a directory tree; config and
// data are opaque payloads only the extension host understands. Export returns
// a nil payload when the component does not exist; Remove of a missing
// component is not an error.
type ComponentHooks interface {
	ExportConfig(ctx context.Context, name string) ([]byte, error)
	ImportConfig(ctx context.Context, name string, payload []byte) error
	RemoveConfig(ctx context.Context, name string) error
	ExportData(ctx context.Context, name string) ([]byte, error)
	ImportData(ctx context.Context, name string, payload []byte) error
	RemoveData(ctx context.Context, name string) error
}

// AlertSink receives operator notifications drained from the alert queue.
type AlertSink interface {
	SendAlert(ctx context.Context, alert Alert) error
}

// CacheController clears extension caches for the clear_cache action.
type CacheController interface {
	ClearCache(ctx context.Context, name string) error
}

// ScaleController reduces extension capacity for the scale_down action.
type ScaleController interface {
	ScaleDown(ctx context.Context, name string, params map[string]any) error
}

// EventStore is a durable mirror of the lifecycle event log.
type EventStore interface {
	AppendEvent(ctx context.Context, event LifecycleEvent) error
	Close() error
}

// MonitoringStopper lets the recovery manager end monitoring of a disabled extension.
type MonitoringStopper interface {
	StopMonitoring(ctx context.Context, name string) error
}

// noopHooks exports nothing and ignores imports.
type noopHooks struct{}

func (noopHooks) ExportConfig(context.Context, string) ([]byte, error) { return nil, nil }
func (noopHooks) ImportConfig(context.Context, string, []byte) error   { return nil }
func (noopHooks) RemoveConfig(context.Context, string) error           { return nil }
func (noopHooks) ExportData(context.Context, string) ([]byte, error)   { return nil, nil }
func (noopHooks) ImportData(context.Context, string, []byte) error     { return nil }
func (noopHooks) RemoveData(context.Context, string) error             { return nil }

// DirectoryHooks keeps config and data as plain files under root/<name>/.
//
// Config lives in config.json and data in data.bin. A missing file exports as
// a nil payload, an existing empty file as a non-nil empty one.
type DirectoryHooks struct {
	Root string
}

func (h DirectoryHooks) path(name, file string) (string, error) {
	if err := validateExtensionName(name); err != nil {
		return "", err
	}
	return filepath.Join(h.Root, name, file), nil
}

func (h DirectoryHooks) read(name, file string) ([]byte, error) {
	p, err := h.path(name, file)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(p) // #nosec G304 -- name validated above
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if raw == nil {
		raw = []byte{}
	}
	return raw, nil
}

func (h DirectoryHooks) remove(name, file string) error {
	p, err := h.path(name, file)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (h DirectoryHooks) write(name, file string, payload []byte) error {
	p, err := h.path(name, file)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	return os.WriteFile(p, payload, 0o600)
}

func (h DirectoryHooks) ExportConfig(_ context.Context, name string) ([]byte, error) {
	return h.read(name, configPayloadName)
}

func (h DirectoryHooks) ImportConfig(_ context.Context, name string, payload []byte) error {
	return h.write(name, configPayloadName, payload)
}

func (h DirectoryHooks) RemoveConfig(_ context.Context, name string) error {
	return h.remove(name, configPayloadName)
}

func (h DirectoryHooks) ExportData(_ context.Context, name string) ([]byte, error) {
	return h.read(name, dataPayloadName)
}

func (h DirectoryHooks) ImportData(_ context.Context, name string, payload []byte) error {
	return h.write(name, dataPayloadName, payload)
}

func (h DirectoryHooks) RemoveData(_ context.Context, name string) error {
	return h.remove(name, dataPayloadName)
}
