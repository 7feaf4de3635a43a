package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "marketlake:\n  name: marketlake\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 5*time.Minute, cfg.Ingest.DedupWindow)
	require.Equal(t, 5*1024*1024, cfg.Bronze.MaxBytes)
	require.Equal(t, 30*time.Second, cfg.Bronze.MaxSeconds)
	require.Equal(t, 4, cfg.Transport.Retry.MaxAttempts)
}

func TestLoadConfigRejectsUnknownBackend(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: tape\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unsupported storage backend")
}

func TestLoadConfigFSBackendNeedsRoot(t *testing.T) {
	path := writeConfig(t, "storage:\n  backend: fs\n")
	_, err := LoadConfig(path)
	require.Error(t, err)
}

func TestDedupWindowPerVenueOverride(t *testing.T) {
	path := writeConfig(t, `
ingest:
  dedup_window: 5m
  venue_dedup_windows:
    binance: 1m
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, time.Minute, cfg.DedupWindowFor("binance"))
	require.Equal(t, time.Minute, cfg.DedupWindowFor("BINANCE"))
	require.Equal(t, 5*time.Minute, cfg.DedupWindowFor("kraken"))
}

func TestCredentialRefRequired(t *testing.T) {
	path := writeConfig(t, `
venues:
  binance:
    credentials:
      - scopes: [trade]
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
}
