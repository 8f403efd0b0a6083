// errors.go: structured error definitions for the supervisor
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	stderrors "errors"

	"github.com/agilira/go-errors"
)

// Error codes for the supervisor
const (
	// Configuration errors (1700-1799)
	ErrCodeConfigNotFound        = "CONFIG_1701"
	ErrCodeConfigParseError      = "CONFIG_1702"
	ErrCodeConfigValidationError = "CONFIG_1703"
	ErrCodeConfigWatcherError    = "CONFIG_1704"

	// Health check errors (1600-1699)
	ErrCodeTransientCheck    = "HEALTH_1601"
	ErrCodeCheckTimeout      = "HEALTH_1602"
	ErrCodeExtensionNotFound = "HEALTH_1603"
	ErrCodeSamplingFailed    = "HEALTH_1604"
	ErrCodeUnsupportedCheck  = "HEALTH_1605"

	// Security errors (1800-1899)
	ErrCodePathTraversalError = "SECURITY_1804"
	ErrCodeInvalidName        = "SECURITY_1807"

	// Backup and snapshot errors (2100-2199)
	ErrCodeBackupIntegrity  = "BACKUP_2101"
	ErrCodeRestoreFailure   = "BACKUP_2102"
	ErrCodeBackupNotFound   = "BACKUP_2103"
	ErrCodeSnapshotNotFound = "BACKUP_2104"
	ErrCodeBackupFailed     = "BACKUP_2105"
	ErrCodeArchiveError     = "BACKUP_2106"
	ErrCodeSnapshotFailed   = "BACKUP_2107"

	// Recovery errors (2200-2299)
	ErrCodeRecoveryAction      = "RECOVERY_2201"
	ErrCodeCollaboratorMissing = "RECOVERY_2202"
	ErrCodeNoBackupAvailable   = "RECOVERY_2203"

	// Persistence errors (2300-2399)
	ErrCodeEventStore = "STORE_2301"

	// Lifecycle errors (2400-2499)
	ErrCodeOrchestratorClosed = "LIFECYCLE_2401"
)

// HasErrorCode reports whether err carries the given supervisor error code.
func HasErrorCode(err error, code string) bool {
	var goErr *errors.Error
	if stderrors.As(err, &goErr) {
		return string(goErr.Code) == code
	}
	return false
}

// Configuration error constructors

func NewConfigNotFoundError(path string) *errors.Error {
	return errors.New(ErrCodeConfigNotFound, "Configuration file not found").
		WithUserMessage("The configuration file could not be found").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeConfigParseError, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string) *errors.Error {
	return errors.New(ErrCodeConfigValidationError, "Configuration validation error: "+message).
		WithUserMessage("Configuration validation failed").
		WithSeverity("error")
}

func NewConfigWatcherError(message string, cause error) *errors.Error {
	var e *errors.Error
	if cause == nil {
		e = errors.New(ErrCodeConfigWatcherError, "Configuration watcher error: "+message)
	} else {
		e = errors.Wrap(cause, ErrCodeConfigWatcherError, "Configuration watcher error: "+message)
	}
	return e.WithUserMessage("Configuration monitoring failed").
		WithSeverity("error")
}

// Health check error constructors

// NewTransientCheckError reports a single failed probe. It never stops a loop.
func NewTransientCheckError(extension, check string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeTransientCheck, "Health probe failed").
		WithUserMessage("A health probe of the extension failed").
		WithContext("extension", extension).
		WithContext("check", check).
		WithSeverity("warning").
		AsRetryable()
}

func NewCheckPanicError(extension, check string, recovered any) *errors.Error {
	return errors.New(ErrCodeTransientCheck, "Health probe panicked").
		WithUserMessage("A health probe of the extension panicked").
		WithContext("extension", extension).
		WithContext("check", check).
		WithContext("panic", recovered).
		WithSeverity("warning")
}

func NewCheckTimeoutError(extension string, timeout any) *errors.Error {
	return errors.New(ErrCodeCheckTimeout, "Health check timeout").
		WithUserMessage("The health check exceeded its timeout").
		WithContext("extension", extension).
		WithContext("timeout", timeout).
		WithSeverity("warning").
		AsRetryable()
}

// NewExtensionNotFoundError reports a missing process. Monitoring maps it to Critical.
func NewExtensionNotFoundError(extension string) *errors.Error {
	return errors.New(ErrCodeExtensionNotFound, "Extension process not found").
		WithUserMessage("The extension process could not be found").
		WithContext("extension", extension).
		WithSeverity("error")
}

func NewSamplingError(extension string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeSamplingFailed, "Resource sampling failed").
		WithUserMessage("Failed to read resource usage of the extension").
		WithContext("extension", extension).
		WithSeverity("warning").
		AsRetryable()
}

func NewUnsupportedCheckError(name string, kind CheckKind) *errors.Error {
	return errors.New(ErrCodeUnsupportedCheck, "Unsupported health check type").
		WithUserMessage("The configured health check type is not supported").
		WithContext("check", name).
		WithContext("type", string(kind)).
		WithSeverity("error")
}

// Security error constructors

func NewPathTraversalError(path string) *errors.Error {
	return errors.New(ErrCodePathTraversalError, "Path traversal attempt detected").
		WithUserMessage("Invalid file path detected").
		WithContext("attempted_path", path).
		WithSeverity("error")
}

func NewInvalidNameError(name string) *errors.Error {
	return errors.New(ErrCodeInvalidName, "Invalid extension name").
		WithUserMessage("Extension names must be non-empty and must not contain path separators").
		WithContext("provided_name", name).
		WithSeverity("error")
}

// Backup and snapshot error constructors

// NewBackupIntegrityError reports a checksum mismatch. Restores abort before
// touching the running extension.
func NewBackupIntegrityError(backupID, expected, actual string) *errors.Error {
	return errors.New(ErrCodeBackupIntegrity, "Backup integrity check failed").
		WithUserMessage("The backup archive does not match its recorded checksum").
		WithContext("backup_id", backupID).
		WithContext("expected_checksum", expected).
		WithContext("actual_checksum", actual).
		WithSeverity("critical")
}

// NewRestoreFailureError wraps a failure that happened while applying a backup.
func NewRestoreFailureError(backupID, extension string, rolledBack bool, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeRestoreFailure, "Backup restore failed").
		WithUserMessage("Restoring the backup failed").
		WithContext("backup_id", backupID).
		WithContext("extension", extension).
		WithContext("rolled_back", rolledBack).
		WithSeverity("error")
}

func NewBackupNotFoundError(backupID string) *errors.Error {
	return errors.New(ErrCodeBackupNotFound, "Backup not found").
		WithUserMessage("The requested backup does not exist").
		WithContext("backup_id", backupID).
		WithSeverity("error")
}

func NewSnapshotNotFoundError(snapshotID string) *errors.Error {
	return errors.New(ErrCodeSnapshotNotFound, "Snapshot not found").
		WithUserMessage("The requested snapshot does not exist").
		WithContext("snapshot_id", snapshotID).
		WithSeverity("error")
}

func NewBackupFailedError(extension string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeBackupFailed, "Backup creation failed").
		WithUserMessage("Creating the backup failed").
		WithContext("extension", extension).
		WithSeverity("error")
}

func NewArchiveError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeArchiveError, "Archive error: "+message).
		WithUserMessage("Backup archive processing failed").
		WithSeverity("error")
}

func NewSnapshotFailedError(extension string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeSnapshotFailed, "Snapshot operation failed").
		WithUserMessage("Capturing or replaying the snapshot failed").
		WithContext("extension", extension).
		WithSeverity("error")
}

// Recovery error constructors

// NewRecoveryActionError wraps a failing action implementation. The recovery
// manager records it and never falls through to the next action.
func NewRecoveryActionError(extension string, action RecoveryAction, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeRecoveryAction, "Recovery action failed").
		WithUserMessage("The recovery action failed").
		WithContext("extension", extension).
		WithContext("action_id", action.ID).
		WithContext("action_type", string(action.Type)).
		WithSeverity("error")
}

func NewCollaboratorMissingError(extension string, actionType RecoveryActionType) *errors.Error {
	return errors.New(ErrCodeCollaboratorMissing, "No collaborator configured for action").
		WithUserMessage("The recovery action has no collaborator to delegate to").
		WithContext("extension", extension).
		WithContext("action_type", string(actionType)).
		WithSeverity("error")
}

func NewNoBackupAvailableError(extension string) *errors.Error {
	return errors.New(ErrCodeNoBackupAvailable, "No valid backup available").
		WithUserMessage("No valid backup exists for the extension").
		WithContext("extension", extension).
		WithSeverity("error")
}

// Persistence error constructors

func NewEventStoreError(message string, cause error) *errors.Error {
	return errors.Wrap(cause, ErrCodeEventStore, "Event store error: "+message).
		WithUserMessage("Persisting lifecycle events failed").
		WithSeverity("warning").
		AsRetryable()
}

// Lifecycle error constructors

func NewOrchestratorClosedError() *errors.Error {
	return errors.New(ErrCodeOrchestratorClosed, "Supervisor is shut down").
		WithUserMessage("The supervisor has been shut down").
		WithSeverity("error")
}
