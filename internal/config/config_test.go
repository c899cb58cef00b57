package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gatewayd.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, 30*time.Second, cfg.Billing.LockTTL)
	assert.Equal(t, int64(100_000_000), cfg.Billing.DailyCreditNoteCapMicro)
	assert.Equal(t, int64(100), cfg.Market.LotSize)
	assert.Equal(t, "0.02", cfg.Market.FeeRate)
	assert.Equal(t, "pebble", cfg.Snapshot.Backend)
	assert.Equal(t, filepath.Join("data", "wal"), cfg.WALDir())
	assert.Equal(t, filepath.Join("data", "history.db"), cfg.HistoryDSN())
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
data_dir = "/var/lib/gatewayd"

[store]
backend = "memory"

[market]
fee_rate = "0.01"
max_orders_per_hour = 50

[billing]
lock_ttl = "45s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "0.01", cfg.Market.FeeRate)
	assert.Equal(t, 50, cfg.Market.MaxOrdersPerHour)
	assert.Equal(t, 45*time.Second, cfg.Billing.LockTTL)
	assert.Equal(t, "/var/lib/gatewayd/wal", cfg.WALDir())
	assert.Equal(t, "/var/lib/gatewayd/events", cfg.EventDir())
	assert.Equal(t, path, cfg.ConfigPath())
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("GATEWAYD_LOG_LEVEL", "debug")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestValidationRejects(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad store backend",
			body: "[store]\nbackend = \"etcd\"\n",
			want: "store.backend",
		},
		{
			name: "bad fee rate",
			body: "[market]\nfee_rate = \"2%\"\n",
			want: "fee_rate",
		},
		{
			name: "fee rate over one",
			body: "[market]\nfee_rate = \"1.5\"\n",
			want: "fee_rate",
		},
		{
			name: "bad log level",
			body: "[log]\nlevel = \"trace\"\n",
			want: "log.level",
		},
		{
			name: "postgres without dsn",
			body: "[history]\ndriver = \"postgres\"\n",
			want: "history.dsn",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestProviderFallbackChains(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[providers.primary]
endpoint = "https://a.example.com"
fallback = "secondary"

[providers.secondary]
endpoint = "https://b.example.com"
`))
	require.NoError(t, err)
	assert.Equal(t, "secondary", cfg.Providers["primary"].Fallback)
}

func TestProviderFallbackCycleRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
[providers.a]
endpoint = "https://a.example.com"
fallback = "b"

[providers.b]
endpoint = "https://b.example.com"
fallback = "c"

[providers.c]
endpoint = "https://c.example.com"
fallback = "a"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestProviderUnknownFallbackRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
[providers.a]
endpoint = "https://a.example.com"
fallback = "ghost"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown provider")
}
