package config

import (
	"github.com/spf13/viper"
)

const (
	// DefaultDatabasePath is used when database.path is unset
	DefaultDatabasePath = "batchwatch.db"

	// DefaultDirPermissions for ~/.batchwatch
	DefaultDirPermissions = 0750

	// EnvPrefix is the prefix of every environment override
	EnvPrefix = "BATCHWATCH"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", DefaultDatabasePath)

	// Engine loop
	v.SetDefault("engine.max_concurrency", 10)
	v.SetDefault("engine.poll_batch_size", 50)
	v.SetDefault("engine.default_sleep_seconds", 5)
	v.SetDefault("engine.max_sleep_seconds", 60)
	v.SetDefault("engine.error_backoff_seconds", 5)
	v.SetDefault("engine.shutdown_grace_seconds", 30)
	v.SetDefault("engine.request_timeout_seconds", 30)
	v.SetDefault("engine.retention_days", 30)
	v.SetDefault("engine.purge_interval_minutes", 60)

	// Shared retry policy: 1s, 2s, 4s ... capped at 60s
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 60000)
	v.SetDefault("retry.multiplier", 2.0)

	// Job limits
	v.SetDefault("jobs.default_poll_interval_seconds", 120)
	v.SetDefault("jobs.min_poll_interval_seconds", 30)
	v.SetDefault("jobs.max_poll_interval_seconds", 3600)
	v.SetDefault("jobs.max_batches", 10)

	v.SetDefault("secrets.key", "")

	v.SetDefault("http.requests_per_second", 10.0)
	v.SetDefault("http.burst", 10)
	v.SetDefault("http.allow_private_networks", false)

	v.SetDefault("integrations.openai.base_url", "https://api.openai.com")
}

// BindSensitiveEnvVars explicitly binds sensitive configuration to environment variables
func BindSensitiveEnvVars(v *viper.Viper) {
	v.BindEnv("secrets.key", EnvPrefix+"_SECRET_KEY", EnvPrefix+"_SECRETS_KEY")
}

// DefaultSettings returns the default configuration as a nested map
func DefaultSettings() map[string]interface{} {
	v := viper.New()
	SetDefaults(v)
	return v.AllSettings()
}
