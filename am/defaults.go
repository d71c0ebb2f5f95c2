package am

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "ingestd.db")
	v.SetDefault("database.store", StoreSQLite)

	v.SetDefault("server.port", DefaultServerPort)
	v.SetDefault("server.allowed_origins", []string{
		"http://localhost",
		"http://127.0.0.1",
	})

	v.SetDefault("pulse.workers", 2)
	v.SetDefault("pulse.worker_id", "")
	v.SetDefault("pulse.poll_interval_seconds", 5)
	v.SetDefault("pulse.cancel_check_seconds", 2)
	v.SetDefault("pulse.ticker_interval_seconds", 30)
	v.SetDefault("pulse.shutdown_timeout_seconds", 30)
	v.SetDefault("pulse.scheduler_url", "")
	v.SetDefault("pulse.max_requests_per_minute", 60)
	v.SetDefault("pulse.event_buffer_size", 64)

	// Registered so AutomaticEnv can see them during Unmarshal
	v.SetDefault("snapshot.disabled_integrations", []string{})
	v.SetDefault("snapshot.disabled_tenants", []string{})
	v.SetDefault("snapshot.delete_tenants", []string{})
	v.SetDefault("snapshot.reprocessing_days", 0)

	v.SetDefault("github.token", "")
	v.SetDefault("github.base_url", "")
}

// BindSensitiveEnvVars binds values that are commonly provided without the INGESTD_ prefix
func BindSensitiveEnvVars(v *viper.Viper) {
	_ = v.BindEnv("github.token", "INGESTD_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("database.path", "INGESTD_DATABASE_PATH")
}

// normalize trims list entries and drops empty ones. Environment values arrive
// as a single comma separated string, so entries may carry stray spaces.
func (c *Config) normalize() {
	c.Snapshot.DisabledIntegrations = cleanList(c.Snapshot.DisabledIntegrations)
	c.Snapshot.DisabledTenants = cleanList(c.Snapshot.DisabledTenants)
	c.Snapshot.DeleteTenants = cleanList(c.Snapshot.DeleteTenants)
	c.Database.Store = strings.ToLower(strings.TrimSpace(c.Database.Store))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

// GetDatabasePath returns the configured database path
func (c *Config) GetDatabasePath() string {
	if c.Database.Path == "" {
		return "ingestd.db"
	}
	return c.Database.Path
}

// String returns a short summary of the config
func (c *Config) String() string {
	return fmt.Sprintf("Config{Database: %s (%s), Server: {Port: %d}, Pulse: {Workers: %d}}",
		c.Database.Path, c.Database.Store, c.Server.Port, c.Pulse.Workers)
}
