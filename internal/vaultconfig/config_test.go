package vaultconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveDataDirDevelopmentFallsBackToCwd(t *testing.T) {
	t.Setenv("DATA_DIR", "")
	dir, err := ResolveDataDir(false)
	require.NoError(t, err)
	require.NotEmpty(t, dir)
}

func TestResolveDataDirReleaseRequiresEnv(t *testing.T) {
	t.Setenv("DATA_DIR", "")
	_, err := ResolveDataDir(true)
	require.ErrorIs(t, err, ErrDataDirRequired)
}

func TestResolveDataDirHonorsEnv(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/corevault-test")
	dir, err := ResolveDataDir(true)
	require.NoError(t, err)
	require.Equal(t, "/tmp/corevault-test", dir)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("DATA_DIR", "/tmp/corevault-test")
	t.Setenv("VAULT_DB_DSN", "")
	t.Setenv("VAULT_LOG_LEVEL", "")
	t.Setenv("VAULT_TASK_WORKERS", "")

	cfg, err := Load("", true)
	require.NoError(t, err)
	require.Equal(t, "/tmp/corevault-test", cfg.DataDir)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "/tmp/corevault-test/pending_jobs.bin", cfg.PendingJobsPath())
}
