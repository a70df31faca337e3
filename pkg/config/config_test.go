package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBaseConfigDefaults(t *testing.T) {
	cfg := NewBaseConfig("quickbase", "quickbase")

	assert.Equal(t, "quickbase", cfg.Name)
	assert.Equal(t, "quickbase", cfg.Type)
	assert.Equal(t, 1000, cfg.Performance.BatchSize)
	assert.Equal(t, 10000, cfg.Performance.BufferSize)
	assert.Equal(t, 3, cfg.Reliability.RetryAttempts)
	assert.Equal(t, time.Second, cfg.Reliability.RetryDelay)
	assert.NotNil(t, cfg.Security.Credentials)
	assert.NoError(t, cfg.Validate())
}

func TestBaseConfigValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*BaseConfig)
		errorMsg string
	}{
		{name: "missing name", mutate: func(c *BaseConfig) { c.Name = "" }, errorMsg: "name is required"},
		{name: "missing type", mutate: func(c *BaseConfig) { c.Type = "" }, errorMsg: "type is required"},
		{name: "zero batch size", mutate: func(c *BaseConfig) { c.Performance.BatchSize = 0 }, errorMsg: "batch_size must be positive"},
		{name: "zero buffer size", mutate: func(c *BaseConfig) { c.Performance.BufferSize = 0 }, errorMsg: "buffer_size must be positive"},
		{name: "negative retries", mutate: func(c *BaseConfig) { c.Reliability.RetryAttempts = -1 }, errorMsg: "retry_attempts cannot be negative"},
		{name: "negative rate limit", mutate: func(c *BaseConfig) { c.Reliability.RateLimitPerSec = -1 }, errorMsg: "rate_limit_per_sec cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewBaseConfig("quickbase", "quickbase")
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errorMsg)
		})
	}
}

func TestLoadSubstitutesEnvVars(t *testing.T) {
	t.Setenv("QB_TEST_TOKEN", "token-from-env")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
name: quickbase
type: quickbase
security:
  credentials:
    qb_hostname: realm.quickbase.com
    qb_user_token: ${QB_TEST_TOKEN}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := NewBaseConfig("placeholder", "placeholder")
	require.NoError(t, Load(path, cfg))

	assert.Equal(t, "quickbase", cfg.Name)
	assert.Equal(t, "token-from-env", cfg.Security.Credentials["qb_user_token"])
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 1000, cfg.Performance.BatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	var cfg BaseConfig
	err := Load(filepath.Join(t.TempDir(), "missing.yaml"), &cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	original := NewBaseConfig("quickbase", "quickbase")
	original.Security.Credentials["qb_appid"] = "appid123"

	require.NoError(t, Save(path, original))

	loaded := &BaseConfig{}
	require.NoError(t, Load(path, loaded))
	assert.Equal(t, original.Name, loaded.Name)
	assert.Equal(t, "appid123", loaded.Security.Credentials["qb_appid"])
}
