// Package am loads ingestd configuration.
//
// Sources are merged in precedence order (lowest first):
// /etc/ingestd/config.toml, ~/.ingestd/config.toml, the nearest ingestd.toml
// found walking up from the working directory, then INGESTD_* environment
// variables. The result is read once at startup and never reloaded.
package am

// Config represents the complete ingestd configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database" toml:"database"`
	Server   ServerConfig   `mapstructure:"server" toml:"server"`
	Pulse    PulseConfig    `mapstructure:"pulse" toml:"pulse"`
	Snapshot SnapshotConfig `mapstructure:"snapshot" toml:"snapshot"`
	GitHub   GitHubConfig   `mapstructure:"github" toml:"github"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path" toml:"path"`
	// Store selects the lease store backend: "sqlite" (durable) or "memory" (go-memdb, single node)
	Store string `mapstructure:"store" toml:"store"`
}

// ServerConfig configures the scheduler HTTP surface
type ServerConfig struct {
	Port           int      `mapstructure:"port" toml:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins" toml:"allowed_origins"`
}

// PulseConfig configures the scheduler ticker and the worker pool
type PulseConfig struct {
	Workers                int    `mapstructure:"workers" toml:"workers"`                                   // concurrent workers in this process (0 = scheduler only)
	WorkerID               string `mapstructure:"worker_id" toml:"worker_id"`                               // empty = hostname-derived
	PollIntervalSeconds    int    `mapstructure:"poll_interval_seconds" toml:"poll_interval_seconds"`       // how often idle workers ask for jobs
	CancelCheckSeconds     int    `mapstructure:"cancel_check_seconds" toml:"cancel_check_seconds"`         // how often running jobs look for a cancel request
	TickerIntervalSeconds  int    `mapstructure:"ticker_interval_seconds" toml:"ticker_interval_seconds"`   // sweep/promote/re-schedule cadence
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds" toml:"shutdown_timeout_seconds"` // grace period for running jobs on shutdown
	SchedulerURL           string `mapstructure:"scheduler_url" toml:"scheduler_url"`                       // remote scheduler for `ingestd worker`
	MaxRequestsPerMinute   int    `mapstructure:"max_requests_per_minute" toml:"max_requests_per_minute"`   // per data source, 0 = unlimited
	EventBufferSize        int    `mapstructure:"event_buffer_size" toml:"event_buffer_size"`               // per websocket subscriber
}

// SnapshotConfig configures snapshot writes and full reprocessing cadence.
// List values accept comma separated strings when set through the environment.
type SnapshotConfig struct {
	DisabledIntegrations []string `mapstructure:"disabled_integrations" toml:"disabled_integrations"`
	DisabledTenants      []string `mapstructure:"disabled_tenants" toml:"disabled_tenants"`
	DeleteTenants        []string `mapstructure:"delete_tenants" toml:"delete_tenants"`
	ReprocessingDays     int      `mapstructure:"reprocessing_days" toml:"reprocessing_days"` // 0 = never force a full pass
}

// GitHubConfig configures the issue tracker data source
type GitHubConfig struct {
	Token   string `mapstructure:"token" toml:"token"`
	BaseURL string `mapstructure:"base_url" toml:"base_url"` // empty = api.github.com
}

// Lease store backends
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// DefaultServerPort is the scheduler HTTP port when none is configured
const DefaultServerPort = 8740

// File system constants
const (
	DefaultDirPermissions  = 0755
	DefaultFilePermissions = 0644
)
