package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/rewards-engine/rewards"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, 2*time.Second, cfg.Engine.LockTimeout)
	assert.Equal(t, 24*time.Hour, cfg.Engine.IdempotencyWindow)
	assert.Equal(t, int64(rewards.DefaultRegistrationBonus), cfg.Engine.RegistrationBonus)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
database:
  driver: postgres
  dsn: postgres://rewards@localhost/rewards?sslmode=disable
engine:
  lock_timeout: 500ms
  max_retries: 5
  idempotency_window: 1h
  registration_bonus: 0
scheduler:
  enabled: false
rules:
  - action: recycling
    name: Recycling
    unit: kg
    points_per_unit: "12.5"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.LockTimeout)
	assert.Equal(t, 5, cfg.Engine.MaxRetries)
	assert.Zero(t, cfg.Engine.RegistrationBonus)
	// Untouched sections keep their defaults
	assert.Equal(t, "text", cfg.Log.Format)

	opts := cfg.EngineOptions()
	assert.Equal(t, time.Hour, opts.IdempotencyWindow)

	rules, err := cfg.RuleSet()
	require.NoError(t, err)
	_, err = rules.Rule(rewards.ActionRegistration)
	assert.Error(t, err, "a zero bonus removes the registration rule")
	r, err := rules.Rule(rewards.ActionRecycling)
	require.NoError(t, err)
	assert.Equal(t, "12.5", r.PointsPerUnit.String())
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("REWARDS_PORT", "7070")
	t.Setenv("REWARDS_DB_DSN", "/tmp/other.db")
	t.Setenv("REWARDS_LOCK_TIMEOUT", "3s")
	t.Setenv("REWARDS_REDIS_ADDR", "redis:6379")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "/tmp/other.db", cfg.Database.DSN)
	assert.Equal(t, 3*time.Second, cfg.Engine.LockTimeout)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
}

func TestLoad_BadEnvironmentValue(t *testing.T) {
	t.Setenv("REWARDS_MAX_RETRIES", "many")

	_, err := Load("")
	assert.ErrorContains(t, err, "REWARDS_MAX_RETRIES")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"driver", func(c *Config) { c.Database.Driver = "mysql" }},
		{"dsn", func(c *Config) { c.Database.DSN = "" }},
		{"lock timeout", func(c *Config) { c.Engine.LockTimeout = 0 }},
		{"retries", func(c *Config) { c.Engine.MaxRetries = -1 }},
		{"bonus", func(c *Config) { c.Engine.RegistrationBonus = -5 }},
		{"cron", func(c *Config) { c.Scheduler.ReconcileSpec = "every now and then" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
		{"rules", func(c *Config) {
			c.Rules = []rewards.RuleSpec{{Action: "x", Name: "X", PointsPerUnit: "-1"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}
