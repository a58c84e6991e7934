package am

import "github.com/teranos/reportd/errors"

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database.path cannot be empty")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be in 1..65535, got %d", c.Server.Port)
	}

	// Zero workers would leave claimed executions pending forever
	if c.Pulse.Workers <= 0 {
		return errors.Newf("pulse.workers must be > 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.TickerIntervalSeconds <= 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be > 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.TickerIntervalSeconds > 60 {
		return errors.WithHint(
			errors.Newf("pulse.ticker_interval_seconds must be <= 60, got %d", c.Pulse.TickerIntervalSeconds),
			"a tick longer than a minute can skip per-minute cron fires")
	}
	if c.Pulse.ScanBatchSize <= 0 {
		return errors.Newf("pulse.scan_batch_size must be > 0, got %d", c.Pulse.ScanBatchSize)
	}
	if c.Pulse.ExecutionTimeoutSeconds <= 0 {
		return errors.Newf("pulse.execution_timeout_seconds must be > 0, got %d", c.Pulse.ExecutionTimeoutSeconds)
	}
	if c.Pulse.StaleThresholdSeconds <= c.Pulse.ExecutionTimeoutSeconds {
		return errors.WithHint(
			errors.Newf("pulse.stale_threshold_seconds (%d) must exceed pulse.execution_timeout_seconds (%d)",
				c.Pulse.StaleThresholdSeconds, c.Pulse.ExecutionTimeoutSeconds),
			"otherwise a restart can orphan executions that are still within their timeout")
	}

	r := c.Pulse.Retry
	if r.MaxAttempts < 1 {
		return errors.Newf("pulse.retry.max_attempts must be >= 1, got %d", r.MaxAttempts)
	}
	if r.BaseDelayMS < 0 {
		return errors.Newf("pulse.retry.base_delay_ms must be >= 0, got %d", r.BaseDelayMS)
	}
	if r.Multiplier < 1 {
		return errors.Newf("pulse.retry.multiplier must be >= 1, got %g", r.Multiplier)
	}
	if r.MaxDelayMS < 0 {
		return errors.Newf("pulse.retry.max_delay_ms must be >= 0, got %d", r.MaxDelayMS)
	}

	if c.Delivery.TimeoutSeconds <= 0 {
		return errors.Newf("delivery.timeout_seconds must be > 0, got %d", c.Delivery.TimeoutSeconds)
	}
	if c.Delivery.RatePerMinute < 0 {
		return errors.Newf("delivery.rate_per_minute must be >= 0, got %d", c.Delivery.RatePerMinute)
	}

	if c.Report.Command == "" {
		return errors.New("report.command cannot be empty")
	}
	return nil
}
