package am

import "github.com/teranos/ingestd/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Database.Store {
	case StoreSQLite, StoreMemory:
	default:
		return errors.Newf("database.store must be %q or %q, got %q", StoreSQLite, StoreMemory, c.Database.Store)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.Newf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	// 0 workers runs the scheduler without local execution
	if c.Pulse.Workers < 0 {
		return errors.Newf("pulse.workers must be >= 0, got %d", c.Pulse.Workers)
	}
	if c.Pulse.PollIntervalSeconds <= 0 {
		return errors.Newf("pulse.poll_interval_seconds must be > 0, got %d", c.Pulse.PollIntervalSeconds)
	}
	if c.Pulse.CancelCheckSeconds <= 0 {
		return errors.Newf("pulse.cancel_check_seconds must be > 0, got %d", c.Pulse.CancelCheckSeconds)
	}
	// 0 disables the ticker (no sweeping, no periodic instances)
	if c.Pulse.TickerIntervalSeconds < 0 {
		return errors.Newf("pulse.ticker_interval_seconds must be >= 0, got %d", c.Pulse.TickerIntervalSeconds)
	}
	if c.Pulse.ShutdownTimeoutSeconds < 0 {
		return errors.Newf("pulse.shutdown_timeout_seconds must be >= 0, got %d", c.Pulse.ShutdownTimeoutSeconds)
	}
	if c.Pulse.MaxRequestsPerMinute < 0 {
		return errors.Newf("pulse.max_requests_per_minute must be >= 0, got %d", c.Pulse.MaxRequestsPerMinute)
	}

	if c.Snapshot.ReprocessingDays < 0 {
		return errors.Newf("snapshot.reprocessing_days must be >= 0, got %d", c.Snapshot.ReprocessingDays)
	}

	return nil
}
