package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.ServerHost)
	assert.Equal(t, 6733, cfg.ServerPort)
	assert.Equal(t, 2, cfg.SampleIntervalSeconds)
	assert.Equal(t, 2, cfg.SampleTimeoutSeconds)
	assert.Equal(t, 1800, cfg.HistoryCapacity)
	assert.Equal(t, "/", cfg.PrimaryMount)
	assert.Equal(t, 0, cfg.ProcessTimeoutSeconds)
	assert.Equal(t, 10, cfg.CancelGraceSeconds)
	assert.Contains(t, cfg.ExcludedFsTypes, "proc")
	assert.Contains(t, cfg.ExcludedFsTypes, "tmpfs")
	assert.Empty(t, cfg.ElevateCommand)
}

func TestLoadDefaultMaintenanceRecipes(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	update, ok := cfg.Maintenance["update"]
	require.True(t, ok)
	assert.True(t, update.RequireRoot)
	require.Len(t, update.Steps, 2)
	assert.Equal(t, []string{"apt", "update"}, update.Steps[0])
	assert.Equal(t, []string{"apt", "upgrade", "-y"}, update.Steps[1])

	cleanup, ok := cfg.Maintenance["cleanup"]
	require.True(t, ok)
	assert.True(t, cleanup.RequireRoot)
	assert.Len(t, cleanup.Steps, 3)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SYSWARD_SAMPLE_INTERVAL_SECONDS", "7")
	t.Setenv("SYSWARD_SERVER_PORT", "9000")
	t.Setenv("SYSWARD_ADMIN_USER", "operator")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.SampleIntervalSeconds)
	assert.Equal(t, 9000, cfg.ServerPort)
	assert.Equal(t, "operator", cfg.AdminUser)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("SYSWARD_SAMPLE_INTERVAL_SECONDS", "0")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sample_interval_seconds")
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load()
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.HistoryCapacity = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.ServerPort = 70000
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.PrimaryMount = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.CancelGraceSeconds = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Maintenance["broken"] = MaintenanceCommand{}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	cfg = base()
	cfg.Maintenance["empty-step"] = MaintenanceCommand{Steps: [][]string{{}}}
	assert.Error(t, cfg.Validate())
}
