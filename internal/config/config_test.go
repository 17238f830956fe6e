package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "server:\n  addr: \":9001\"\n"))
	require.NoError(t, err)

	require.Equal(t, ":9001", cfg.Server.Addr)
	require.Equal(t, "./data/autotask_engine.db", cfg.Storage.SQLitePath)
	require.Equal(t, float64(5), cfg.Limits.GlobalQPS)
	require.Equal(t, 1, cfg.Limits.BatchConcurrency)
	require.Contains(t, cfg.Provider.BusyCodes, "OP_PENDING")

	require.Equal(t, time.Second, cfg.Task.InterTaskDelay())
	require.Equal(t, 300*time.Millisecond, cfg.Task.Jitter())
	require.Equal(t, 5*time.Minute, cfg.Task.RetryCooldown())
	require.Equal(t, 5*time.Minute, cfg.Task.TokenTTL())
	require.Equal(t, time.Minute, cfg.Task.BatchRetention())
	require.Equal(t, 20*time.Second, cfg.Provider.Timeout())
}

func TestLoadOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
server:
  addr: ":8091"
task:
  interTaskDelayMs: 2500
  jitterMs: 100
  retryCooldownMs: 60000
  tokenTtlMs: 120000
  batchRetentionMs: 5000
provider:
  baseURL: "https://upstream.example.com"
  timeoutMs: 5000
  busyCodes: ["E_BUSY"]
limits:
  batchConcurrency: 4
`))
	require.NoError(t, err)

	require.Equal(t, 2500*time.Millisecond, cfg.Task.InterTaskDelay())
	require.Equal(t, 100*time.Millisecond, cfg.Task.Jitter())
	require.Equal(t, time.Minute, cfg.Task.RetryCooldown())
	require.Equal(t, 2*time.Minute, cfg.Task.TokenTTL())
	require.Equal(t, 5*time.Second, cfg.Task.BatchRetention())
	require.Equal(t, "https://upstream.example.com", cfg.Provider.BaseURL)
	require.Equal(t, 5*time.Second, cfg.Provider.Timeout())
	require.Equal(t, []string{"E_BUSY"}, cfg.Provider.BusyCodes)
	require.Equal(t, 4, cfg.Limits.BatchConcurrency)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [broken"))
	require.Error(t, err)
}
