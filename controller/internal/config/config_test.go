package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "./controller.db", cfg.DBPath)
	assert.Equal(t, 60*time.Second, cfg.ActiveThreshold)
	assert.Equal(t, 3, cfg.PollInterval)
	assert.Equal(t, "agent", cfg.Agent.Username)
	assert.False(t, cfg.Redis.Enabled)
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, []string{"nats://localhost:4222"}, cfg.NATS.URLs)
	assert.Empty(t, cfg.ConfigFile)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ACTIVE_THRESHOLD_SECONDS", "15")
	t.Setenv("ADMIN_PASSWORD_HASH", "$2a$10$abcdefghijklmnopqrstuu")
	t.Setenv("NATS_ENABLED", "true")
	t.Setenv("NATS_URLS", "nats://a:4222, nats://b:4222")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.ActiveThreshold)
	assert.Equal(t, "$2a$10$abcdefghijklmnopqrstuu", cfg.Admin.PasswordHash)
	assert.True(t, cfg.NATS.Enabled)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
}

func TestLoadDotEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("DB_PATH=/tmp/from-dotenv.db\n"), 0600))
	t.Cleanup(func() { os.Unsetenv("DB_PATH") })

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/from-dotenv.db", cfg.DBPath)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{name: "zero threshold", env: map[string]string{"ACTIVE_THRESHOLD_SECONDS": "0"}, wantErr: "ACTIVE_THRESHOLD_SECONDS"},
		{name: "zero poll interval", env: map[string]string{"POLL_INTERVAL_SECONDS": "0"}, wantErr: "POLL_INTERVAL_SECONDS"},
		{name: "nats without urls", env: map[string]string{"NATS_ENABLED": "true", "NATS_URLS": " "}, wantErr: "NATS_URLS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
