// env_config.go: environment overrides and ${VAR} expansion for supervisor configuration
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// EnvPrefix is the prefix of every environment variable the supervisor reads.
const EnvPrefix = "SUPERVISOR_"

const maxEnvValueLength = 4096

var envVariablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// EnvConfigOptions controls ${VAR} expansion.
type EnvConfigOptions struct {
	// Prefix is tried before the bare variable name.
	Prefix string

	// FailOnMissing turns an unresolvable variable into an error instead of an
	// empty string.
	FailOnMissing bool

	// ValidateValues rejects values with null bytes, control characters or
	// excessive length.
	ValidateValues bool

	Defaults  map[string]string
	Overrides map[string]string
}

// DefaultEnvConfigOptions returns the options used by ApplyEnvOverrides.
func DefaultEnvConfigOptions() EnvConfigOptions {
	return EnvConfigOptions{
		Prefix:         EnvPrefix,
		ValidateValues: true,
		Defaults:       make(map[string]string),
		Overrides:      make(map[string]string),
	}
}

// ExpandEnvironmentVariables replaces ${VAR} and ${VAR:-default} placeholders.
//
// Resolution order for each placeholder:
//  1. the prefixed environment variable
//  2. the bare environment variable
//  3. options.Overrides
//  4. the inline default
//  5. options.Defaults
//
// Example:
//
//	dsn, err := ExpandEnvironmentVariables("${DB_USER:-root}@tcp(${DB_HOST:-127.0.0.1}:3306)/events", DefaultEnvConfigOptions())
func ExpandEnvironmentVariables(input string, options EnvConfigOptions) (string, error) {
	if input == "" || !strings.Contains(input, "${") {
		return input, nil
	}

	var firstErr error
	result := envVariablePattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVariablePattern.FindStringSubmatch(match)
		if len(sub) < 2 {
			return match
		}
		inlineDefault := ""
		if len(sub) >= 4 {
			inlineDefault = sub[3]
		}
		value, err := expandSingleEnvironmentVariable(sub[1], inlineDefault, options)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return match
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

func expandSingleEnvironmentVariable(varName, inlineDefault string, options EnvConfigOptions) (string, error) {
	prefixed := options.Prefix + varName
	if options.Prefix != "" {
		if value := os.Getenv(prefixed); value != "" {
			return validateAndSanitizeValue(value, options)
		}
	}
	if value := os.Getenv(varName); value != "" {
		return validateAndSanitizeValue(value, options)
	}
	if value, ok := options.Overrides[varName]; ok {
		return validateAndSanitizeValue(value, options)
	}
	if inlineDefault != "" {
		return validateAndSanitizeValue(inlineDefault, options)
	}
	if value, ok := options.Defaults[varName]; ok {
		return validateAndSanitizeValue(value, options)
	}
	if options.FailOnMissing {
		return "", NewConfigValidationError(fmt.Sprintf("required environment variable not found: %s (also tried %s)", varName, prefixed))
	}
	return "", nil
}

func validateAndSanitizeValue(value string, options EnvConfigOptions) (string, error) {
	if !options.ValidateValues {
		return value, nil
	}
	if strings.Contains(value, "\x00") {
		return "", NewConfigValidationError("environment variable value contains null byte")
	}
	if len(value) > maxEnvValueLength {
		return "", NewConfigValidationError(fmt.Sprintf("environment variable value too long: %d bytes (max %d)", len(value), maxEnvValueLength))
	}
	for i, r := range value {
		if r < 32 && r != '\t' && r != '\n' && r != '\r' {
			return "", NewConfigValidationError(fmt.Sprintf("environment variable contains control character at position %d", i))
		}
	}
	return value, nil
}

// LoadDotEnv loads KEY=VALUE files into the process environment. Variables that
// are already set win over the files. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	existing := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	if err := godotenv.Load(existing...); err != nil {
		return NewConfigParseError(strings.Join(existing, ","), err)
	}
	return nil
}

// ApplyEnvOverrides expands placeholders in path-like fields and then applies
// SUPERVISOR_* variables on top of the configuration.
//
// Recognized variables:
//
//	SUPERVISOR_LOG_LEVEL
//	SUPERVISOR_BACKUP_ROOT
//	SUPERVISOR_SNAPSHOT_ROOT
//	SUPERVISOR_MAX_EVENTS
//	SUPERVISOR_RECOVERY_WORKERS
//	SUPERVISOR_MAX_JOBS
//	SUPERVISOR_EVENT_STORE_DRIVER
//	SUPERVISOR_EVENT_STORE_DSN
//	SUPERVISOR_AUDIT_FILE
//	SUPERVISOR_HEALTH_INTERVAL
//	SUPERVISOR_HEALTH_TIMEOUT
//	SUPERVISOR_FAILURE_THRESHOLD
//	SUPERVISOR_SUCCESS_THRESHOLD
func ApplyEnvOverrides(cfg *SupervisorConfig) error {
	if cfg == nil {
		return NewConfigValidationError("configuration is nil")
	}
	opts := DefaultEnvConfigOptions()

	for _, field := range []*string{
		&cfg.BackupRoot,
		&cfg.SnapshotRoot,
		&cfg.EventStore.DSN,
		&cfg.EventStore.AuditFile,
	} {
		expanded, err := ExpandEnvironmentVariables(*field, opts)
		if err != nil {
			return err
		}
		*field = expanded
	}
	for name, policy := range cfg.Extensions {
		if policy.HealthCheck == nil {
			continue
		}
		for i := range policy.HealthCheck.CustomChecks {
			spec := &policy.HealthCheck.CustomChecks[i]
			for _, field := range []*string{&spec.Endpoint, &spec.DSN} {
				expanded, err := ExpandEnvironmentVariables(*field, opts)
				if err != nil {
					return NewConfigValidationError(fmt.Sprintf("extension %s: %v", name, err))
				}
				*field = expanded
			}
		}
	}

	stringVars := map[string]*string{
		"LOG_LEVEL":          &cfg.LogLevel,
		"BACKUP_ROOT":        &cfg.BackupRoot,
		"SNAPSHOT_ROOT":      &cfg.SnapshotRoot,
		"EVENT_STORE_DRIVER": &cfg.EventStore.Driver,
		"EVENT_STORE_DSN":    &cfg.EventStore.DSN,
		"AUDIT_FILE":         &cfg.EventStore.AuditFile,
	}
	for key, dst := range stringVars {
		if value, ok := lookupEnv(key); ok {
			clean, err := validateAndSanitizeValue(value, opts)
			if err != nil {
				return err
			}
			*dst = clean
		}
	}

	intVars := map[string]*int{
		"MAX_EVENTS":        &cfg.MaxEvents,
		"RECOVERY_WORKERS":  &cfg.RecoveryWorkers,
		"MAX_JOBS":          &cfg.MaxJobs,
		"FAILURE_THRESHOLD": &cfg.DefaultHealthCheck.FailureThreshold,
		"SUCCESS_THRESHOLD": &cfg.DefaultHealthCheck.SuccessThreshold,
	}
	for key, dst := range intVars {
		value, ok := lookupEnv(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return NewConfigValidationError(fmt.Sprintf("%s%s must be a non-negative integer, got %q", EnvPrefix, key, value))
		}
		*dst = n
	}

	durationVars := map[string]*time.Duration{
		"HEALTH_INTERVAL": &cfg.DefaultHealthCheck.Interval,
		"HEALTH_TIMEOUT":  &cfg.DefaultHealthCheck.Timeout,
	}
	for key, dst := range durationVars {
		value, ok := lookupEnv(key)
		if !ok {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil || d < 0 {
			return NewConfigValidationError(fmt.Sprintf("%s%s must be a duration, got %q", EnvPrefix, key, value))
		}
		*dst = d
	}
	return nil
}

func lookupEnv(key string) (string, bool) {
	value, ok := os.LookupEnv(EnvPrefix + key)
	if !ok || strings.TrimSpace(value) == "" {
		return "", false
	}
	return strings.TrimSpace(value), true
}
