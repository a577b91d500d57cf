package config

import "time"

// Config represents the batchwatch configuration
type Config struct {
	Database     DatabaseConfig     `mapstructure:"database"`
	Engine       EngineConfig       `mapstructure:"engine"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Jobs         JobsConfig         `mapstructure:"jobs"`
	Secrets      SecretsConfig      `mapstructure:"secrets"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Integrations IntegrationsConfig `mapstructure:"integrations"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig configures the polling engine loop
type EngineConfig struct {
	MaxConcurrency        int `mapstructure:"max_concurrency"`         // in-flight outbound calls, process-wide (default: 10)
	PollBatchSize         int `mapstructure:"poll_batch_size"`         // due jobs fetched per iteration (default: 50)
	DefaultSleepSeconds   int `mapstructure:"default_sleep_seconds"`   // idle sleep when nothing is scheduled (default: 5)
	MaxSleepSeconds       int `mapstructure:"max_sleep_seconds"`       // cap on sleep until the next deadline (default: 60)
	ErrorBackoffSeconds   int `mapstructure:"error_backoff_seconds"`   // delay after a failed iteration (default: 5)
	ShutdownGraceSeconds  int `mapstructure:"shutdown_grace_seconds"`  // wait for in-flight work on shutdown (default: 30)
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"` // per outbound call (default: 30)
	RetentionDays         int `mapstructure:"retention_days"`          // 0 disables purging of finished jobs (default: 30)
	PurgeIntervalMinutes  int `mapstructure:"purge_interval_minutes"`  // how often retention runs (default: 60)
}

// RetryConfig configures the shared outbound retry policy
type RetryConfig struct {
	MaxAttempts    int     `mapstructure:"max_attempts"`
	InitialDelayMS int     `mapstructure:"initial_delay_ms"`
	MaxDelayMS     int     `mapstructure:"max_delay_ms"`
	Multiplier     float64 `mapstructure:"multiplier"`
}

// JobsConfig bounds what the management surface accepts for new jobs
type JobsConfig struct {
	DefaultPollIntervalSeconds int `mapstructure:"default_poll_interval_seconds"`
	MinPollIntervalSeconds     int `mapstructure:"min_poll_interval_seconds"`
	MaxPollIntervalSeconds     int `mapstructure:"max_poll_interval_seconds"`
	MaxBatches                 int `mapstructure:"max_batches"`
}

// SecretsConfig configures credential encryption
type SecretsConfig struct {
	Key string `mapstructure:"key"` // master key, usually from BATCHWATCH_SECRET_KEY
}

// HTTPConfig configures outbound HTTP clients
type HTTPConfig struct {
	RequestsPerSecond    float64 `mapstructure:"requests_per_second"` // per client; 0 = unlimited
	Burst                int     `mapstructure:"burst"`
	AllowPrivateNetworks bool    `mapstructure:"allow_private_networks"`
}

// IntegrationsConfig holds endpoints of the external systems
type IntegrationsConfig struct {
	OpenAI OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig configures the batch status provider
type OpenAIConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// DefaultSleep returns the idle sleep used when no deadline is pending
func (e EngineConfig) DefaultSleep() time.Duration { return seconds(e.DefaultSleepSeconds) }

// MaxSleep returns the cap applied to the sleep until the earliest deadline
func (e EngineConfig) MaxSleep() time.Duration { return seconds(e.MaxSleepSeconds) }

// ErrorBackoff returns the delay after an iteration-level persistence failure
func (e EngineConfig) ErrorBackoff() time.Duration { return seconds(e.ErrorBackoffSeconds) }

// ShutdownGrace returns how long shutdown waits for in-flight work
func (e EngineConfig) ShutdownGrace() time.Duration { return seconds(e.ShutdownGraceSeconds) }

// RequestTimeout returns the fixed timeout of each outbound call
func (e EngineConfig) RequestTimeout() time.Duration { return seconds(e.RequestTimeoutSeconds) }

// PurgeInterval returns how often retention housekeeping runs
func (e EngineConfig) PurgeInterval() time.Duration {
	return time.Duration(e.PurgeIntervalMinutes) * time.Minute
}

// InitialDelay returns the first backoff delay
func (r RetryConfig) InitialDelay() time.Duration {
	return time.Duration(r.InitialDelayMS) * time.Millisecond
}

// MaxDelay returns the backoff ceiling
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMS) * time.Millisecond
}

// GetDatabasePath returns the database path, falling back to the default
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return DefaultDatabasePath
	}
	return c.Database.Path
}
