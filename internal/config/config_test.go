package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFailsWithoutDSN(t *testing.T) {
	t.Setenv("UDSD_DATABASE_DSN", "")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.dsn")
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("UDSD_DATABASE_DSN", "postgres://localhost/udsd")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Core.SchedulerThreads)
	assert.Equal(t, 20*time.Second, cfg.Core.CacheCheckDelay)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.MetricsAddr)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "udsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  dsn: postgres://db/udsd
core:
  scheduler_threads: 7
  max_preparing_services: 42
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://db/udsd", cfg.Database.DSN)
	assert.Equal(t, 7, cfg.Core.SchedulerThreads)
	assert.Equal(t, 42, cfg.Core.MaxPreparingServices)
}

func TestLoadHonorsOriginalNamedEnvAlias(t *testing.T) {
	t.Setenv("UDSD_DATABASE_DSN", "postgres://localhost/udsd")
	t.Setenv("RESTRAINT_COUNT", "9")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Core.RestraintCount)
}

func TestValidateRejectsTooFewSchedulerThreads(t *testing.T) {
	cfg := &Config{Database: DatabaseConfig{DSN: "x"}, Core: CoreConfig{SchedulerThreads: 0, DelayedTasksThreads: 1, MaxLoginTries: 1}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scheduler_threads")
}
