// env_config_test.go: tests for environment expansion and overrides
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package supervisor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvironmentVariables(t *testing.T) {
	t.Setenv("SUPERVISOR_DB_HOST", "db.internal")
	t.Setenv("DB_HOST", "ignored-because-prefixed-wins")
	t.Setenv("DB_USER", "supervisor")

	opts := DefaultEnvConfigOptions()
	opts.Overrides["DB_PORT"] = "3307"
	opts.Defaults["DB_NAME"] = "events"

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"no placeholders", "plain/path", "plain/path"},
		{"prefixed wins", "${DB_HOST}", "db.internal"},
		{"bare variable", "${DB_USER}", "supervisor"},
		{"override", "${DB_PORT}", "3307"},
		{"inline default", "${DB_TLS:-skip-verify}", "skip-verify"},
		{"options default", "${DB_NAME}", "events"},
		{"missing is empty", "x${NOT_SET_ANYWHERE}y", "xy"},
		{"mixed", "${DB_USER}@tcp(${DB_HOST}:${DB_PORT})/${DB_NAME}", "supervisor@tcp(db.internal:3307)/events"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExpandEnvironmentVariables(tt.input, opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpandEnvironmentVariables_Failures(t *testing.T) {
	opts := DefaultEnvConfigOptions()
	opts.FailOnMissing = true
	_, err := ExpandEnvironmentVariables("${NOT_SET_ANYWHERE}", opts)
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))

	t.Setenv("SUPERVISOR_BAD_VALUE", "line\x01break")
	_, err = ExpandEnvironmentVariables("${BAD_VALUE}", DefaultEnvConfigOptions())
	assert.True(t, HasErrorCode(err, ErrCodeConfigValidationError))

	t.Setenv("SUPERVISOR_HUGE_VALUE", strings.Repeat("a", maxEnvValueLength+1))
	_, err = ExpandEnvironmentVariables("${HUGE_VALUE}", DefaultEnvConfigOptions())
	assert.Error(t, err)

	lax := DefaultEnvConfigOptions()
	lax.ValidateValues = false
	got, err := ExpandEnvironmentVariables("${BAD_VALUE}", lax)
	require.NoError(t, err)
	assert.Equal(t, "line\x01break", got)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SUPERVISOR_LOG_LEVEL", " debug ")
	t.Setenv("SUPERVISOR_MAX_EVENTS", "42")
	t.Setenv("SUPERVISOR_HEALTH_INTERVAL", "45s")
	t.Setenv("SUPERVISOR_FAILURE_THRESHOLD", "5")
	t.Setenv("SUPERVISOR_EVENT_STORE_DRIVER", "sqlite")
	t.Setenv("DATA_DIR", "/srv/data")

	cfg := DefaultSupervisorConfig()
	cfg.EventStore.DSN = "${DATA_DIR}/events.db"
	cfg.Extensions["search-indexer"] = ExtensionPolicy{HealthCheck: &HealthCheckConfig{
		CustomChecks: []CheckSpec{{Name: "api", Type: CheckAPIEndpoint, Endpoint: "http://${API_HOST:-127.0.0.1}:9200/_health"}},
	}}

	require.NoError(t, ApplyEnvOverrides(&cfg))
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 42, cfg.MaxEvents)
	assert.Equal(t, 45*time.Second, cfg.DefaultHealthCheck.Interval)
	assert.Equal(t, 5, cfg.DefaultHealthCheck.FailureThreshold)
	assert.Equal(t, "sqlite", cfg.EventStore.Driver)
	assert.Equal(t, "/srv/data/events.db", cfg.EventStore.DSN)
	assert.Equal(t, "http://127.0.0.1:9200/_health", cfg.Extensions["search-indexer"].HealthCheck.CustomChecks[0].Endpoint)
}

func TestApplyEnvOverrides_RejectsBadNumbers(t *testing.T) {
	tests := map[string]string{
		"SUPERVISOR_MAX_EVENTS":      "many",
		"SUPERVISOR_MAX_JOBS":        "-3",
		"SUPERVISOR_HEALTH_TIMEOUT":  "soon",
		"SUPERVISOR_HEALTH_INTERVAL": "-1s",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			cfg := DefaultSupervisorConfig()
			assert.True(t, HasErrorCode(ApplyEnvOverrides(&cfg), ErrCodeConfigValidationError))
		})
	}

	assert.Error(t, ApplyEnvOverrides(nil))
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("SUPERVISOR_TEST_DOTENV=from-file\nSUPERVISOR_TEST_KEEP=from-file\n"), 0o600))

	t.Setenv("SUPERVISOR_TEST_KEEP", "from-env")
	t.Cleanup(func() { _ = os.Unsetenv("SUPERVISOR_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), envFile))
	assert.Equal(t, "from-file", os.Getenv("SUPERVISOR_TEST_DOTENV"))
	assert.Equal(t, "from-env", os.Getenv("SUPERVISOR_TEST_KEEP"), "existing variables win")

	assert.NoError(t, LoadDotEnv(filepath.Join(dir, "nope.env")))
}
