package service

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/cardscout/internal/config"
	"github.com/xkilldash9x/cardscout/internal/sandbox"
	"github.com/xkilldash9x/cardscout/internal/transport"
)

func TestCreate(t *testing.T) {
	t.Run("wires every component without a store", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		cfg.RuntimeCfg.Enabled = false

		c, err := NewComponentFactory(WithRegisterer(prometheus.NewRegistry())).
			Create(context.Background(), cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer c.Shutdown()

		assert.NotNil(t, c.Fetcher)
		assert.NotNil(t, c.Sampler)
		assert.NotNil(t, c.Chub)
		assert.NotNil(t, c.Catalog)
		assert.NotNil(t, c.Guard)
		assert.NotNil(t, c.Display)
		assert.Nil(t, c.Store)
		assert.Nil(t, c.DBPool)
		assert.IsType(t, sandbox.Disabled{}, c.Loader)
		assert.NotNil(t, c.httpClient, "the tuned client is built when none is injected")

		chain := c.Resolver.Resolve("chub")
		assert.Equal(t, []string{"corsproxy_io", "puter"}, chain.Names())
		assert.Same(t, transport.Direct, c.Resolver.Resolve("catalog")[0])
	})

	t.Run("configures a lazy runtime loader", func(t *testing.T) {
		cfg := config.NewDefaultConfig()

		c, err := NewComponentFactory(WithRegisterer(prometheus.NewRegistry())).
			Create(context.Background(), cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer c.Shutdown()

		loader, ok := c.Loader.(*sandbox.MemoLoader)
		require.True(t, ok)
		assert.False(t, loader.IsAvailable(), "nothing loads until first use")
		assert.NotNil(t, c.runtime)
	})

	t.Run("applies chain overrides", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		cfg.RuntimeCfg.Enabled = false
		cfg.ChainsCfg = map[string][]string{"chub": {"cors_lol", "direct"}}

		c, err := NewComponentFactory(WithRegisterer(prometheus.NewRegistry())).
			Create(context.Background(), cfg, zaptest.NewLogger(t))
		require.NoError(t, err)
		defer c.Shutdown()

		assert.Equal(t, []string{"cors_lol", "direct"}, c.Resolver.Resolve("chub").Names())
	})
}

func TestCreate_ValidationErrors(t *testing.T) {
	t.Run("unknown strategy in a chain", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		cfg.ChainsCfg = map[string][]string{"chub": {"carrier_pigeon"}}

		_, err := NewComponentFactory(WithRegisterer(prometheus.NewRegistry())).
			Create(context.Background(), cfg, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "chain resolver")
	})

	t.Run("relay shadowing a built-in transport", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		cfg.RelaysCfg["direct"] = config.RelayConfig{URLTemplate: "https://relay.test/?u={url}"}

		_, err := NewComponentFactory(WithRegisterer(prometheus.NewRegistry())).
			Create(context.Background(), cfg, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "strategy registry")
	})

	t.Run("unreachable database", func(t *testing.T) {
		cfg := config.NewDefaultConfig()
		cfg.RuntimeCfg.Enabled = false
		cfg.StoreCfg.URL = "postgres://nobody@127.0.0.1:1/none?connect_timeout=1"

		_, err := NewComponentFactory(WithRegisterer(prometheus.NewRegistry())).
			Create(context.Background(), cfg, zaptest.NewLogger(t))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database")
	})
}
