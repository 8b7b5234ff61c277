package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
)

func TestLoadRegistry_Defaults(t *testing.T) {
	cfg, err := LoadRegistry("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "./data", cfg.StoragePath)
	assert.Equal(t, int64(50<<20), cfg.MaxPluginSize)
	assert.False(t, cfg.RequireSignatures)
	assert.True(t, cfg.AllowUnsigned)
	assert.True(t, cfg.EnableOptimization)
	assert.Equal(t, "gzip", cfg.OptCompression)
	assert.Equal(t, 6, cfg.OptLevel)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, 1000, cfg.CacheSize)
	assert.Equal(t, 5*time.Second, cfg.RegexTimeout)
	assert.Equal(t, 1<<20, cfg.MaxContentSize)
	assert.Equal(t, 10000, cfg.MaxIterations)
}

func TestLoadRegistry_EnvironmentOverrides(t *testing.T) {
	t.Setenv("REGISTRY_LISTEN_ADDR", ":9090")
	t.Setenv("MAX_PLUGIN_SIZE", "1048576")
	t.Setenv("REQUIRE_PLUGIN_SIGNATURES", "true")
	t.Setenv("ALLOW_UNSIGNED_PLUGINS", "false")
	t.Setenv("TRUSTED_PLUGIN_KEYS", "/etc/pluginhub/keys.yaml")
	t.Setenv("BUNDLE_OPT_COMPRESSION", "brotli")
	t.Setenv("PLUGIN_VALIDATION_CACHE_SIZE", "250")

	cfg, err := LoadRegistry("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, int64(1<<20), cfg.MaxPluginSize)
	assert.True(t, cfg.RequireSignatures)
	assert.False(t, cfg.AllowUnsigned)
	assert.Equal(t, "/etc/pluginhub/keys.yaml", cfg.TrustedKeys)
	assert.Equal(t, "brotli", cfg.OptCompression)
	assert.Equal(t, 250, cfg.CacheSize)
}

func TestLoadRegistry_RegexTimeoutMilliseconds(t *testing.T) {
	t.Setenv("PLUGIN_REGEX_TIMEOUT_MS", "2500")

	cfg, err := LoadRegistry("")
	require.NoError(t, err)
	assert.Equal(t, 2500*time.Millisecond, cfg.RegexTimeout)
}

func TestLoadRegistry_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	doc := "listen_addr: \":7070\"\nstorage_path: /var/lib/pluginhub\nopt_level: 9\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	cfg, err := LoadRegistry(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, "/var/lib/pluginhub", cfg.StoragePath)
	assert.Equal(t, 9, cfg.OptLevel)
}

func TestLoadRegistry_MissingConfigFile(t *testing.T) {
	_, err := LoadRegistry("/nonexistent/registry.yaml")
	var cerr *apperrors.ConfigurationError
	assert.ErrorAs(t, err, &cerr)
}

func TestRegistryConfig_Validate(t *testing.T) {
	valid := func() *RegistryConfig {
		return &RegistryConfig{
			StoragePath:    "./data",
			MaxPluginSize:  1 << 20,
			CacheSize:      100,
			AllowUnsigned:  true,
			OptCompression: "gzip",
		}
	}

	tests := []struct {
		name   string
		mutate func(*RegistryConfig)
		field  string
	}{
		{"empty storage path", func(c *RegistryConfig) { c.StoragePath = "" }, "storage_path"},
		{"non-positive plugin size", func(c *RegistryConfig) { c.MaxPluginSize = 0 }, "max_plugin_size"},
		{"non-positive cache size", func(c *RegistryConfig) { c.CacheSize = -1 }, "cache_size"},
		{"unknown compression", func(c *RegistryConfig) { c.OptCompression = "zstd" }, "opt_compression"},
		{"signatures required without keys", func(c *RegistryConfig) {
			c.RequireSignatures = true
			c.AllowUnsigned = false
			c.TrustedKeys = ""
		}, "trusted_keys"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			var cerr *apperrors.ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	assert.NoError(t, valid().Validate())

	// Required signatures are fine once keys are configured.
	cfg := valid()
	cfg.RequireSignatures = true
	cfg.AllowUnsigned = false
	cfg.TrustedKeys = "/etc/keys.yaml"
	assert.NoError(t, cfg.Validate())
}

func TestLoadHost_Defaults(t *testing.T) {
	cfg, err := LoadHost("")
	require.NoError(t, err)

	assert.Equal(t, "./plugins", cfg.PluginsDir)
	assert.Equal(t, "batched", cfg.Strategy)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.LoadTimeout)
	assert.Equal(t, 30*time.Second, cfg.DependencyWait)
}

func TestLoadHost_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PLUGINS_DIR", "/srv/plugins")
	t.Setenv("PLUGIN_LOAD_STRATEGY", "parallel")
	t.Setenv("PLUGIN_LOAD_TIMEOUT", "45s")

	cfg, err := LoadHost("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/plugins", cfg.PluginsDir)
	assert.Equal(t, "parallel", cfg.Strategy)
	assert.Equal(t, 45*time.Second, cfg.LoadTimeout)
}

func TestHostConfig_Validate(t *testing.T) {
	t.Run("unknown strategy", func(t *testing.T) {
		t.Setenv("PLUGIN_LOAD_STRATEGY", "eager")
		_, err := LoadHost("")
		var cerr *apperrors.ConfigurationError
		require.ErrorAs(t, err, &cerr)
		assert.Contains(t, err.Error(), "strategy")
	})

	t.Run("non-positive batch size", func(t *testing.T) {
		t.Setenv("PLUGIN_BATCH_SIZE", "0")
		_, err := LoadHost("")
		var cerr *apperrors.ConfigurationError
		require.ErrorAs(t, err, &cerr)
		assert.Contains(t, err.Error(), "batch_size")
	})
}
