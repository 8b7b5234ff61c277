// Package config materializes the typed runtime configuration of the
// registry and the host from environment variables and optional config
// files, via viper.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/pluginhub-dev/pluginhub/internal/application/apperrors"
)

// RegistryConfig configures the registry process.
type RegistryConfig struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	DatabaseURL string `mapstructure:"database_url"` // empty selects the in-memory stores
	StoragePath string `mapstructure:"storage_path"`

	MaxPluginSize      int64  `mapstructure:"max_plugin_size"`
	RequireSignatures  bool   `mapstructure:"require_signatures"`
	AllowUnsigned      bool   `mapstructure:"allow_unsigned"`
	TrustedKeys        string `mapstructure:"trusted_keys"` // JSON array or YAML file path
	TrustPolicyFile    string `mapstructure:"trust_policy_file"`
	EnableOptimization bool   `mapstructure:"enable_optimization"`
	OptCompression     string `mapstructure:"opt_compression"`
	OptLevel           int    `mapstructure:"opt_level"`

	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`

	RegexTimeout   time.Duration `mapstructure:"regex_timeout"`
	MaxContentSize int           `mapstructure:"max_content_size"`
	MaxIterations  int           `mapstructure:"max_iterations"`
}

// HostConfig configures the host process.
type HostConfig struct {
	PluginsDir     string        `mapstructure:"plugins_dir"`
	Strategy       string        `mapstructure:"strategy"`
	BatchSize      int           `mapstructure:"batch_size"`
	LoadTimeout    time.Duration `mapstructure:"load_timeout"`
	DependencyWait time.Duration `mapstructure:"dependency_wait"`
}

// registryEnvBindings maps config keys to their environment variables.
var registryEnvBindings = map[string]string{
	"listen_addr":         "REGISTRY_LISTEN_ADDR",
	"database_url":        "REGISTRY_DATABASE_URL",
	"storage_path":        "REGISTRY_STORAGE_PATH",
	"max_plugin_size":     "MAX_PLUGIN_SIZE",
	"require_signatures":  "REQUIRE_PLUGIN_SIGNATURES",
	"allow_unsigned":      "ALLOW_UNSIGNED_PLUGINS",
	"trusted_keys":        "TRUSTED_PLUGIN_KEYS",
	"trust_policy_file":   "TRUST_POLICY_FILE",
	"enable_optimization": "ENABLE_BUNDLE_OPTIMIZATION",
	"opt_compression":     "BUNDLE_OPT_COMPRESSION",
	"opt_level":           "BUNDLE_OPT_LEVEL",
	"cache_ttl":           "PLUGIN_VALIDATION_CACHE_TTL",
	"cache_size":          "PLUGIN_VALIDATION_CACHE_SIZE",
	"regex_timeout_ms":    "PLUGIN_REGEX_TIMEOUT_MS",
	"max_content_size":    "PLUGIN_MAX_CONTENT_SIZE",
	"max_iterations":      "PLUGIN_MAX_ITERATIONS",
}

var hostEnvBindings = map[string]string{
	"plugins_dir":     "PLUGINS_DIR",
	"strategy":        "PLUGIN_LOAD_STRATEGY",
	"batch_size":      "PLUGIN_BATCH_SIZE",
	"load_timeout":    "PLUGIN_LOAD_TIMEOUT",
	"dependency_wait": "PLUGIN_DEPENDENCY_WAIT",
}

// LoadRegistry builds the registry configuration from the environment and
// an optional config file path.
func LoadRegistry(configFile string) (*RegistryConfig, error) {
	v := viper.New()

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("storage_path", "./data")
	v.SetDefault("max_plugin_size", int64(50<<20))
	v.SetDefault("require_signatures", false)
	v.SetDefault("allow_unsigned", true)
	v.SetDefault("enable_optimization", true)
	v.SetDefault("opt_compression", "gzip")
	v.SetDefault("opt_level", 6)
	v.SetDefault("cache_ttl", 24*time.Hour)
	v.SetDefault("cache_size", 1000)
	v.SetDefault("regex_timeout", 5*time.Second)
	v.SetDefault("max_content_size", 1<<20)
	v.SetDefault("max_iterations", 10000)

	for key, env := range registryEnvBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, apperrors.NewConfigurationError("env", "failed to bind "+env, err)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.NewConfigurationError("file", "failed to read config file", err)
		}
	}

	var cfg RegistryConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.NewConfigurationError("parse", "invalid registry configuration", err)
	}
	// The environment carries the regex timeout as a bare integer of
	// milliseconds, not a duration string.
	if ms := v.GetInt64("regex_timeout_ms"); ms > 0 {
		cfg.RegexTimeout = time.Duration(ms) * time.Millisecond
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces startup invariants; violations are fatal.
func (c *RegistryConfig) Validate() error {
	if c.StoragePath == "" {
		return apperrors.NewConfigurationError("storage_path", "storage path must be set", nil)
	}
	if c.MaxPluginSize <= 0 {
		return apperrors.NewConfigurationError("max_plugin_size", "max plugin size must be positive", nil)
	}
	if c.CacheSize <= 0 {
		return apperrors.NewConfigurationError("cache_size", "validation cache size must be positive", nil)
	}
	if c.RequireSignatures && !c.AllowUnsigned && c.TrustedKeys == "" {
		return apperrors.NewConfigurationError("trusted_keys",
			"signatures are required but no trusted keys are configured", nil)
	}
	switch c.OptCompression {
	case "gzip", "brotli", "deflate":
	default:
		return apperrors.NewConfigurationError("opt_compression",
			"compression must be one of gzip, brotli, deflate", nil)
	}
	return nil
}

// LoadHost builds the host configuration from the environment and an
// optional config file path.
func LoadHost(configFile string) (*HostConfig, error) {
	v := viper.New()

	v.SetDefault("plugins_dir", "./plugins")
	v.SetDefault("strategy", "batched")
	v.SetDefault("batch_size", 5)
	v.SetDefault("load_timeout", 30*time.Second)
	v.SetDefault("dependency_wait", 30*time.Second)

	for key, env := range hostEnvBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, apperrors.NewConfigurationError("env", "failed to bind "+env, err)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, apperrors.NewConfigurationError("file", "failed to read config file", err)
		}
	}

	var cfg HostConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, apperrors.NewConfigurationError("parse", "invalid host configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces host startup invariants.
func (c *HostConfig) Validate() error {
	if c.PluginsDir == "" {
		return apperrors.NewConfigurationError("plugins_dir", "plugins directory must be set", nil)
	}
	switch c.Strategy {
	case "serial", "parallel", "batched":
	default:
		return apperrors.NewConfigurationError("strategy",
			"strategy must be one of serial, parallel, batched", nil)
	}
	if c.BatchSize <= 0 {
		return apperrors.NewConfigurationError("batch_size", "batch size must be positive", nil)
	}
	return nil
}
