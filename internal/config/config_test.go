package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("SERVER_ADDR", "")
	t.Setenv("DB_DSN", "")
	path := writeConfig(t, `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/peerswap"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, 24, cfg.Escrow.OfferTTLHours)
	require.Equal(t, 24, cfg.Escrow.LockTTLHours)
	require.Equal(t, 3, cfg.Escrow.LockWaitSeconds)
	require.Equal(t, int64(60), cfg.Worker.IntervalSeconds)
	require.Equal(t, 100, cfg.Worker.Batch)
	require.Equal(t, ":9100", cfg.Worker.MetricsAddr)
}

func TestLoadEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":8080"
db:
  dsn: "postgres://localhost/peerswap"
escrow:
  offer_ttl_hours: 12
`)
	t.Setenv("DB_DSN", "postgres://override/peerswap")
	t.Setenv("OFFER_TTL_HOURS", "6")
	t.Setenv("WORKER_INTERVAL_SECONDS", "15")
	t.Setenv("WORKER_METRICS_ADDR", ":9200")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres://override/peerswap", cfg.DB.DSN)
	require.Equal(t, 6, cfg.Escrow.OfferTTLHours)
	require.Equal(t, int64(15), cfg.Worker.IntervalSeconds)
	require.Equal(t, ":9200", cfg.Worker.MetricsAddr)
}

func TestLoadRejectsMissingRequiredFields(t *testing.T) {
	t.Setenv("SERVER_ADDR", "")
	t.Setenv("DB_DSN", "")
	path := writeConfig(t, `
server:
  addr: ""
db:
  dsn: "postgres://localhost/peerswap"
`)
	_, err := Load(path)
	require.Error(t, err)

	path = writeConfig(t, `
server:
  addr: ":8080"
`)
	_, err = Load(path)
	require.Error(t, err)
}
