package config

import "github.com/teranos/batchwatch/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	e := c.Engine
	if e.MaxConcurrency <= 0 {
		return errors.Newf("engine.max_concurrency must be > 0, got %d", e.MaxConcurrency)
	}
	if e.PollBatchSize <= 0 {
		return errors.Newf("engine.poll_batch_size must be > 0, got %d", e.PollBatchSize)
	}
	if e.DefaultSleepSeconds <= 0 {
		return errors.Newf("engine.default_sleep_seconds must be > 0, got %d", e.DefaultSleepSeconds)
	}
	if e.MaxSleepSeconds <= 0 {
		return errors.Newf("engine.max_sleep_seconds must be > 0, got %d", e.MaxSleepSeconds)
	}
	if e.ErrorBackoffSeconds <= 0 {
		return errors.Newf("engine.error_backoff_seconds must be > 0, got %d", e.ErrorBackoffSeconds)
	}
	// 0 = do not wait for in-flight work
	if e.ShutdownGraceSeconds < 0 {
		return errors.Newf("engine.shutdown_grace_seconds must be >= 0, got %d", e.ShutdownGraceSeconds)
	}
	if e.RequestTimeoutSeconds <= 0 {
		return errors.Newf("engine.request_timeout_seconds must be > 0, got %d", e.RequestTimeoutSeconds)
	}
	// 0 = keep finished jobs forever
	if e.RetentionDays < 0 {
		return errors.Newf("engine.retention_days must be >= 0, got %d", e.RetentionDays)
	}
	if e.RetentionDays > 0 && e.PurgeIntervalMinutes <= 0 {
		return errors.Newf("engine.purge_interval_minutes must be > 0 when retention is enabled, got %d", e.PurgeIntervalMinutes)
	}

	r := c.Retry
	if r.MaxAttempts < 1 {
		return errors.Newf("retry.max_attempts must be >= 1, got %d", r.MaxAttempts)
	}
	if r.InitialDelayMS < 0 || r.MaxDelayMS < 0 {
		return errors.New("retry delays must be >= 0")
	}
	if r.MaxDelayMS < r.InitialDelayMS {
		return errors.Newf("retry.max_delay_ms (%d) must be >= retry.initial_delay_ms (%d)", r.MaxDelayMS, r.InitialDelayMS)
	}
	if r.Multiplier < 1 {
		return errors.Newf("retry.multiplier must be >= 1, got %f", r.Multiplier)
	}

	j := c.Jobs
	if j.MinPollIntervalSeconds <= 0 {
		return errors.Newf("jobs.min_poll_interval_seconds must be > 0, got %d", j.MinPollIntervalSeconds)
	}
	if j.MaxPollIntervalSeconds < j.MinPollIntervalSeconds {
		return errors.Newf("jobs.max_poll_interval_seconds (%d) must be >= min (%d)", j.MaxPollIntervalSeconds, j.MinPollIntervalSeconds)
	}
	if j.DefaultPollIntervalSeconds < j.MinPollIntervalSeconds || j.DefaultPollIntervalSeconds > j.MaxPollIntervalSeconds {
		return errors.Newf("jobs.default_poll_interval_seconds must be within [%d, %d], got %d",
			j.MinPollIntervalSeconds, j.MaxPollIntervalSeconds, j.DefaultPollIntervalSeconds)
	}
	if j.MaxBatches <= 0 {
		return errors.Newf("jobs.max_batches must be > 0, got %d", j.MaxBatches)
	}

	if c.HTTP.RequestsPerSecond < 0 {
		return errors.Newf("http.requests_per_second must be >= 0, got %f", c.HTTP.RequestsPerSecond)
	}
	if c.HTTP.RequestsPerSecond > 0 && c.HTTP.Burst <= 0 {
		return errors.Newf("http.burst must be > 0 when rate limiting, got %d", c.HTTP.Burst)
	}

	if c.Integrations.OpenAI.BaseURL == "" {
		return errors.New("integrations.openai.base_url cannot be empty")
	}

	return nil
}
