package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Storage.Driver)
	assert.Equal(t, 5*time.Minute, cfg.Lifecycle.OfflineTimeout)
	assert.Equal(t, 2*time.Minute, cfg.Lifecycle.CommandTTL)
	assert.Equal(t, 60*time.Second, cfg.Lifecycle.HeartbeatInterval)
	assert.Equal(t, 2.0, cfg.Lifecycle.ClampMultiplier)
	assert.Equal(t, 65.0, cfg.Energy.IdlePowerWatts)
	assert.Equal(t, "@every 5m", cfg.Lifecycle.SweepSchedule)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "greenops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
energy:
  idle_power_watts: 45
lifecycle:
  command_ttl: 90s
operators:
  - id: alice
    token: s3cret
    role: admin
`), 0o600))

	t.Setenv("GREENOPS_LIFECYCLE_OFFLINE_TIMEOUT", "3m")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, 45.0, cfg.Energy.IdlePowerWatts)
	assert.Equal(t, 90*time.Second, cfg.Lifecycle.CommandTTL)
	assert.Equal(t, 3*time.Minute, cfg.Lifecycle.OfflineTimeout)
	require.Len(t, cfg.Operators, 1)
	assert.Equal(t, "admin", cfg.Operators[0].Role)
}

func TestValidateRejectsBadValues(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	require.NoError(t, Validate(&cfg))

	bad := cfg
	bad.Storage.Driver = "postgres"
	bad.Lifecycle.ClampMultiplier = 0.5
	bad.Lifecycle.SweepSchedule = "whenever"
	bad.Operators = []OperatorConfig{{ID: "bob", Token: "t", Role: "root"}}

	err := Validate(&bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn")
	assert.Contains(t, err.Error(), "clamp_multiplier")
	assert.Contains(t, err.Error(), "sweep_schedule")
	assert.Contains(t, err.Error(), "unknown role")
}
