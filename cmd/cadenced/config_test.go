package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolate keeps the developer's .env and CADENCE_* variables out of the test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("CADENCE_ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	for _, k := range []string{"CADENCE_POLL_INTERVAL", "CADENCE_ADDR", "CADENCE_PORT", "CADENCE_STORE", "CADENCE_REDIS_ADDR", "CADENCE_RETENTION", "CADENCE_AUTH_TOKEN", "CADENCE_CONFIG", "CADENCE_DB_PATH", "CADENCE_MOCK", "CADENCE_TLS_CERT", "CADENCE_TLS_KEY"} {
		t.Setenv(k, "")
	}
}

func TestLoadConfig_PollIntervalValidation(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		envVars     map[string]string
		expectError bool
		errorSubstr string
	}{
		{
			name: "valid poll interval from flag",
			args: []string{"-poll-interval", "5s"},
		},
		{
			name:        "zero poll interval from flag",
			args:        []string{"-poll-interval", "0s"},
			expectError: true,
			errorSubstr: "poll interval must be positive",
		},
		{
			name:        "negative poll interval from flag",
			args:        []string{"-poll-interval", "-5s"},
			expectError: true,
			errorSubstr: "poll interval must be positive",
		},
		{
			name:    "valid poll interval from env",
			envVars: map[string]string{"CADENCE_POLL_INTERVAL": "5s"},
		},
		{
			name:        "zero poll interval from env",
			envVars:     map[string]string{"CADENCE_POLL_INTERVAL": "0s"},
			expectError: true,
			errorSubstr: "CADENCE_POLL_INTERVAL must be positive",
		},
		{
			name:        "invalid poll interval format from flag",
			args:        []string{"-poll-interval", "invalid"},
			expectError: true,
			errorSubstr: "invalid poll interval",
		},
		{
			name:        "invalid poll interval format from env",
			envVars:     map[string]string{"CADENCE_POLL_INTERVAL": "invalid"},
			expectError: true,
			errorSubstr: "invalid CADENCE_POLL_INTERVAL",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := LoadConfig(tt.args)

			if tt.expectError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorSubstr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 5*time.Second, cfg.PollInterval)
		})
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)

	cwd, _ := os.Getwd()
	assert.Equal(t, defaultAddr, cfg.Addr)
	assert.Equal(t, "sqlite", cfg.StoreKind)
	assert.Equal(t, filepath.Join(cwd, "cadence.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(cwd, "cadence.yaml"), cfg.ConfigPath)
	assert.Zero(t, cfg.PollInterval, "unset poll interval defers to the YAML file")
	assert.Equal(t, defaultRetention, cfg.Retention)
	assert.True(t, cfg.Watch)
	assert.False(t, cfg.Mock)
}

func TestLoadConfig_Store(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "memory", args: []string{"-store", "memory"}},
		{name: "redis", args: []string{"-store", "redis", "-redis-addr", "localhost:6379"}},
		{name: "redis without addr", args: []string{"-store", "redis"}, wantErr: "requires redis-addr"},
		{name: "unknown", args: []string{"-store", "bolt"}, wantErr: "unsupported store"},
		{name: "half tls", args: []string{"-tls-cert", "cert.pem"}, wantErr: "must be set together"},
		{name: "negative retention", args: []string{"-retention", "-1h"}, wantErr: "cannot be negative"},
		{name: "empty addr", args: []string{"-addr", " "}, wantErr: "addr cannot be empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := LoadConfig(tt.args)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig_EnvFile(t *testing.T) {
	isolate(t)
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envFile, []byte(strings.Join([]string{
		"CADENCE_PORT=9999",
		"NEWSAPI_KEY=news-key",
		"SOCIAL_TOKEN=social-token",
	}, "\n")), 0o600))
	t.Setenv("CADENCE_ENV_FILE", envFile)
	t.Setenv("NEWSAPI_KEY", "")
	t.Setenv("SOCIAL_TOKEN", "from-env")

	// godotenv does not override variables that are already set, and an
	// empty value counts as set, so clear it first.
	require.NoError(t, os.Unsetenv("NEWSAPI_KEY"))
	require.NoError(t, os.Unsetenv("CADENCE_PORT"))

	cfg, err := LoadConfig(nil)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9999", cfg.Addr)
	assert.Equal(t, "news-key", cfg.Keys.NewsAPI)
	assert.Equal(t, "from-env", cfg.Keys.SocialToken)
}
