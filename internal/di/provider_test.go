package di

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oberonpay/gatewayd/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Store.Backend = "memory"
	cfg.Snapshot.Backend = "memory"
	cfg.History.Driver = "sqlite"
	cfg.History.DSN = filepath.Join(cfg.DataDir, "history.db")
	return cfg
}

func TestContainerResolvesLazily(t *testing.T) {
	c := New()
	built := 0
	c.RegisterBuilder("thing", func(c *Container) (any, error) {
		built++
		return "value", nil
	})

	assert.True(t, c.Has("thing"))
	assert.Equal(t, 0, built)

	v, err := c.Get("thing")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	_, err = c.Get("thing")
	require.NoError(t, err)
	assert.Equal(t, 1, built, "instances are cached")

	_, err = c.Get("missing")
	assert.Error(t, err)
}

func TestProviderWiresFullGraph(t *testing.T) {
	cfg := testConfig(t)
	p := NewProvider(New(), cfg)
	p.RegisterAll()

	machine, err := p.Billing()
	require.NoError(t, err)
	require.NotNil(t, machine)

	engine, err := p.Market()
	require.NoError(t, err)
	require.NotNil(t, engine)

	ledger, err := p.Credits()
	require.NoError(t, err)
	require.NotNil(t, ledger)

	// No facilitator URL configured means no client.
	fc, err := p.Facilitator()
	require.NoError(t, err)
	assert.Nil(t, fc)

	w, err := p.WAL()
	require.NoError(t, err)
	require.NoError(t, w.Close(context.Background()))

	repo, err := p.History()
	require.NoError(t, err)
	repo.Close()
}

func TestProviderSharesSingletons(t *testing.T) {
	cfg := testConfig(t)
	p := NewProvider(New(), cfg)
	p.RegisterAll()

	a, err := p.Store()
	require.NoError(t, err)
	b, err := p.Store()
	require.NoError(t, err)
	assert.Same(t, a, b)
}
