// File: internal/config/config_test.go
package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "cardscout", cfg.Logger().ServiceName)
	assert.Equal(t, 15*time.Second, cfg.Fetch().AttemptTimeout)
	assert.Equal(t, int64(32<<20), cfg.Fetch().MaxBodyBytes)
	assert.True(t, cfg.Runtime().Enabled)
	assert.Equal(t, "https://js.puter.com/v2/", cfg.Runtime().ScriptURL)
	assert.Equal(t, 30*time.Second, cfg.Runtime().InitTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Runtime().PollInterval)
	assert.Equal(t, 5, cfg.Sampler().MaxWalkDepth)
	assert.Equal(t, 10, cfg.Store().MaxRecentlyViewed)

	require.Contains(t, cfg.Relays(), "corsproxy_io")
	assert.Equal(t, "https://corsproxy.io/?url={url}", cfg.Relays()["corsproxy_io"].URLTemplate)
	require.Contains(t, cfg.Relays(), "cors_lol")

	assert.NoError(t, cfg.Validate(), "defaults must always validate")
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	t.Run("Core Validation", func(t *testing.T) {
		cfg := NewDefaultConfig()

		invalidTimeout := *cfg
		invalidTimeout.FetchCfg.AttemptTimeout = 0
		err := invalidTimeout.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "fetch.attempt_timeout must be a positive duration")

		invalidPageSize := *cfg
		invalidPageSize.SamplerCfg.DefaultPageSize = 0
		err = invalidPageSize.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "sampler.default_page_size must be a positive integer")

		emptyChain := *cfg
		emptyChain.ChainsCfg = map[string][]string{"chub": {}}
		err = emptyChain.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "chains.chub must list at least one strategy")
	})

	t.Run("Relay Validation", func(t *testing.T) {
		valid := RelayConfig{URLTemplate: "https://relay.example/?u={url}"}
		assert.NoError(t, valid.Validate())

		missingPlaceholder := RelayConfig{URLTemplate: "https://relay.example/"}
		err := missingPlaceholder.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "{url} placeholder")

		negativeRate := valid
		negativeRate.RateLimit = -1
		assert.Error(t, negativeRate.Validate())
	})

	t.Run("Runtime Validation", func(t *testing.T) {
		valid := NewDefaultConfig().Runtime()
		assert.NoError(t, valid.Validate())

		disabled := RuntimeConfig{Enabled: false}
		assert.NoError(t, disabled.Validate(), "a disabled runtime needs no further settings")

		missingScript := valid
		missingScript.ScriptURL = ""
		err := missingScript.Validate()
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "script_url is required")

		zeroPoll := valid
		zeroPoll.PollInterval = 0
		assert.Error(t, zeroPoll.Validate())
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		yamlBytes := []byte(`
fetch:
  attempt_timeout: 3s
chains:
  chub: [cors_lol, direct]
auth:
  chub:
    Authorization: "Bearer abc"
relays:
  my_relay:
    url_template: "https://relay.example/fetch?target={url}"
    rate_limit: 2.5
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 3*time.Second, cfg.Fetch().AttemptTimeout)
		assert.Equal(t, []string{"cors_lol", "direct"}, cfg.Chains()["chub"])
		// viper lowercases map keys; header canonicalization happens in the fetcher.
		assert.Equal(t, "Bearer abc", cfg.Auth()["chub"]["authorization"])
		assert.Equal(t, 2.5, cfg.Relays()["my_relay"].RateLimit)
		// Defaults survive next to file values.
		assert.Contains(t, cfg.Relays(), "corsproxy_io")
		assert.Equal(t, "info", cfg.Logger().Level)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		v.Set("store.max_recently_viewed", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "store.max_recently_viewed must be a positive integer")
	})

	t.Run("Environment Variable Binding", func(t *testing.T) {
		v := viper.New()
		SetDefaults(v)
		testDBURL := "postgres://envvar/cards"
		t.Setenv("CARDSCOUT_DATABASE_URL", testDBURL)

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, testDBURL, cfg.Store().URL)
	})

	t.Run("Home Directory Expansion", func(t *testing.T) {
		homedir.DisableCache = true
		t.Setenv("HOME", "/home/tester")
		v := viper.New()
		SetDefaults(v)
		v.Set("logger.log_file", "~/cardscout.log")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, "/home/tester/cardscout.log", cfg.Logger().LogFile)
	})
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()
	var iface Interface = cfg

	iface.SetRuntimeEnabled(false)
	iface.SetRuntimeHeadless(false)
	iface.SetFetchAttemptTimeout(2 * time.Second)
	iface.SetStoreURL("postgres://x/y")

	assert.False(t, cfg.Runtime().Enabled)
	assert.False(t, cfg.Runtime().Headless)
	assert.Equal(t, 2*time.Second, cfg.Fetch().AttemptTimeout)
	assert.Equal(t, "postgres://x/y", cfg.Store().URL)
}
