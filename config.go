// config.go: supervisor configuration structures, defaults and loading
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/agilira/argus"
	"gopkg.in/yaml.v3"
)

// HealthCheckConfig is the monitoring policy of one extension.
//
// The loop waits Interval between checks and gives each check Timeout to finish.
// FailureThreshold consecutive failed checks trigger recovery; SuccessThreshold
// consecutive passed checks emit a single health_check_passed event.
//
// Example configuration:
//
//	hc := HealthCheckConfig{
//	    Interval:         30 * time.Second,
//	    Timeout:          10 * time.Second,
//	    FailureThreshold: 3,
//	    SuccessThreshold: 2,
//	    Thresholds:       DefaultHealthThresholds(),
//	    CustomChecks: []CheckSpec{
//	        {Name: "api", Type: CheckAPIEndpoint, Endpoint: "http://127.0.0.1:8080/health"},
//	    },
//	}
type HealthCheckConfig struct {
	Interval         time.Duration    `json:"interval" yaml:"interval"`
	Timeout          time.Duration    `json:"timeout" yaml:"timeout"`
	FailureThreshold int              `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int              `json:"success_threshold" yaml:"success_threshold"`
	Thresholds       HealthThresholds `json:"thresholds" yaml:"thresholds"`
	CustomChecks     []CheckSpec      `json:"custom_checks,omitempty" yaml:"custom_checks,omitempty"`

	// Checks are probes supplied in code. They run after CustomChecks.
	Checks []Check `json:"-" yaml:"-"`
}

// DefaultHealthCheckConfig returns the policy used when none is configured.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		Interval:         30 * time.Second,
		Timeout:          10 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Thresholds:       DefaultHealthThresholds(),
	}
}

// withDefaults fills zero fields from DefaultHealthCheckConfig.
func (c HealthCheckConfig) withDefaults() HealthCheckConfig {
	def := DefaultHealthCheckConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.Thresholds == (HealthThresholds{}) {
		c.Thresholds = def.Thresholds
	}
	return c
}

// Validate checks a health policy.
func (c HealthCheckConfig) Validate() error {
	if c.Interval < 0 || c.Timeout < 0 {
		return NewConfigValidationError("health check interval and timeout must not be negative")
	}
	if c.FailureThreshold < 0 || c.SuccessThreshold < 0 {
		return NewConfigValidationError("health check thresholds must not be negative")
	}
	t := c.Thresholds
	pairs := []struct {
		name              string
		warning, critical float64
	}{
		{"cpu", t.CPUWarning, t.CPUCritical},
		{"memory", t.MemoryWarningMB, t.MemoryCriticalMB},
		{"error_rate", t.ErrorRateWarning, t.ErrorRateCritical},
		{"response_time", t.ResponseTimeWarning.Seconds(), t.ResponseTimeCritical.Seconds()},
	}
	for _, p := range pairs {
		if p.warning < 0 || p.critical < 0 {
			return NewConfigValidationError(p.name + " thresholds must not be negative")
		}
		if p.warning > 0 && p.critical > 0 && p.warning > p.critical {
			return NewConfigValidationError(p.name + " warning threshold exceeds critical threshold")
		}
	}
	names := make(map[string]bool, len(c.CustomChecks))
	for _, spec := range c.CustomChecks {
		key := checkName(spec.Name, spec.Type)
		if names[key] {
			return NewConfigValidationError(fmt.Sprintf("duplicate custom check %q", key))
		}
		names[key] = true
	}
	return nil
}

// ExtensionPolicy is the per-extension section of the supervisor configuration.
type ExtensionPolicy struct {
	HealthCheck     *HealthCheckConfig `json:"health_check,omitempty" yaml:"health_check,omitempty"`
	RecoveryActions []RecoveryAction   `json:"recovery_actions,omitempty" yaml:"recovery_actions,omitempty"`

	// AutoMonitor starts monitoring when the configuration is applied.
	AutoMonitor bool `json:"auto_monitor" yaml:"auto_monitor"`
}

// EventStoreConfig selects the durable mirror of the event log.
//
// Supported drivers:
//   - "" or "memory": no durable mirror
//   - "sqlite": DSN is a file path or sqlite URI
//   - "mysql": DSN is a go-sql-driver DSN, accessed through gorm
type EventStoreConfig struct {
	Driver string `json:"driver" yaml:"driver"`
	DSN    string `json:"dsn,omitempty" yaml:"dsn,omitempty"`

	// AuditFile additionally writes every event to an argus audit trail.
	AuditFile string `json:"audit_file,omitempty" yaml:"audit_file,omitempty"`
}

// SupervisorConfig is the full supervisor configuration.
type SupervisorConfig struct {
	LogLevel string `json:"log_level" yaml:"log_level"`

	BackupRoot   string `json:"backup_root" yaml:"backup_root"`
	SnapshotRoot string `json:"snapshot_root,omitempty" yaml:"snapshot_root,omitempty"`

	// MaxEvents bounds the in-memory event log.
	MaxEvents int `json:"max_events" yaml:"max_events"`

	// RecoveryWorkers bounds concurrent recovery attempts across extensions.
	RecoveryWorkers int `json:"recovery_workers" yaml:"recovery_workers"`

	// MaxJobs bounds the number of finished backup jobs kept for inspection.
	MaxJobs int `json:"max_jobs" yaml:"max_jobs"`

	DefaultHealthCheck HealthCheckConfig          `json:"default_health_check" yaml:"default_health_check"`
	Extensions         map[string]ExtensionPolicy `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	EventStore         EventStoreConfig           `json:"event_store" yaml:"event_store"`

	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// DefaultSupervisorConfig returns a configuration usable as is.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		LogLevel:           "info",
		BackupRoot:         filepath.Join(os.TempDir(), "supervisor-backups"),
		MaxEvents:          defaultMaxEvents,
		RecoveryWorkers:    4,
		MaxJobs:            256,
		DefaultHealthCheck: DefaultHealthCheckConfig(),
		Extensions:         map[string]ExtensionPolicy{},
		EventStore:         EventStoreConfig{Driver: "memory"},
	}
}

// ApplyDefaults fills zero fields from DefaultSupervisorConfig.
func (c *SupervisorConfig) ApplyDefaults() {
	def := DefaultSupervisorConfig()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.BackupRoot == "" {
		c.BackupRoot = def.BackupRoot
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = def.MaxEvents
	}
	if c.RecoveryWorkers <= 0 {
		c.RecoveryWorkers = def.RecoveryWorkers
	}
	if c.MaxJobs <= 0 {
		c.MaxJobs = def.MaxJobs
	}
	c.DefaultHealthCheck = c.DefaultHealthCheck.withDefaults()
	if c.Extensions == nil {
		c.Extensions = map[string]ExtensionPolicy{}
	}
	if c.EventStore.Driver == "" {
		c.EventStore.Driver = def.EventStore.Driver
	}
}

// Validate checks the configuration.
func (c *SupervisorConfig) Validate() error {
	if c.BackupRoot == "" {
		return NewConfigValidationError("backup_root is required")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return NewConfigValidationError(fmt.Sprintf("unknown log level %q", c.LogLevel))
	}
	switch c.EventStore.Driver {
	case "", "memory":
	case "sqlite", "mysql":
		if c.EventStore.DSN == "" {
			return NewConfigValidationError("event_store.dsn is required for driver " + c.EventStore.Driver)
		}
	default:
		return NewConfigValidationError(fmt.Sprintf("unknown event store driver %q", c.EventStore.Driver))
	}
	if err := c.DefaultHealthCheck.Validate(); err != nil {
		return err
	}
	for name, policy := range c.Extensions {
		if err := validateExtensionName(name); err != nil {
			return err
		}
		if policy.HealthCheck != nil {
			if err := policy.HealthCheck.Validate(); err != nil {
				return NewConfigValidationError(fmt.Sprintf("extension %s: %v", name, err))
			}
		}
		for _, a := range policy.RecoveryActions {
			if !a.Type.Valid() {
				return NewConfigValidationError(fmt.Sprintf("extension %s: unknown recovery action type %q", name, a.Type))
			}
			if a.Cooldown < 0 {
				return NewConfigValidationError(fmt.Sprintf("extension %s: negative cooldown for action %s", name, a.ID))
			}
		}
	}
	return nil
}

// HealthCheckFor returns the effective health policy of an extension.
func (c *SupervisorConfig) HealthCheckFor(name string) HealthCheckConfig {
	if policy, ok := c.Extensions[name]; ok && policy.HealthCheck != nil {
		return policy.HealthCheck.withDefaults()
	}
	return c.DefaultHealthCheck.withDefaults()
}

// ToJSON renders the configuration as indented JSON.
func (c *SupervisorConfig) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// LoadSupervisorConfig reads a JSON or YAML configuration file, applies defaults,
// environment overrides and validation.
func LoadSupervisorConfig(path string) (SupervisorConfig, error) {
	cfg, err := parseSupervisorConfig(path)
	if err != nil {
		return SupervisorConfig{}, err
	}
	cfg.ApplyDefaults()
	if err := ApplyEnvOverrides(&cfg); err != nil {
		return SupervisorConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return SupervisorConfig{}, err
	}
	return cfg, nil
}

func parseSupervisorConfig(path string) (SupervisorConfig, error) {
	var cfg SupervisorConfig

	raw, err := os.ReadFile(path) // #nosec G304 -- operator supplied configuration path
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, NewConfigNotFoundError(path)
		}
		return cfg, NewConfigParseError(path, err)
	}

	switch argus.DetectFormat(path) {
	case argus.FormatYAML:
		err = yaml.Unmarshal(raw, &cfg)
	case argus.FormatJSON:
		err = json.Unmarshal(raw, &cfg)
	default:
		// Unknown extensions are tried as YAML, which also accepts JSON.
		err = yaml.Unmarshal(raw, &cfg)
	}
	if err != nil {
		return SupervisorConfig{}, NewConfigParseError(path, err)
	}
	return cfg, nil
}
