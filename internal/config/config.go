// Package config loads and validates capture service configuration via Viper.
package config

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server           ServerConfig        `mapstructure:"server"`
	Auth             AuthConfig          `mapstructure:"auth"`
	Database         DatabaseConfig      `mapstructure:"database"`
	Worker           WorkerConfig        `mapstructure:"worker"`
	Scoop            ScoopConfig         `mapstructure:"scoop"`
	Validation       ValidationConfig    `mapstructure:"validation"`
	CustomUserAgents []CustomAgentConfig `mapstructure:"custom_user_agents"`
	API              APIConfig           `mapstructure:"api"`
	Storage          StorageConfig       `mapstructure:"storage"`
	PubSub           PubSubConfig        `mapstructure:"pubsub"`
	RateLimit        RateLimitConfig     `mapstructure:"rate_limit"`
	Cleanup          CleanupConfig       `mapstructure:"cleanup"`
	Logging          LoggingConfig       `mapstructure:"logging"`
	Telemetry        TelemetryConfig     `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"api_keys"`
}

// DatabaseConfig controls access to the job store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	Migrate  bool   `mapstructure:"migrate"`
}

// WorkerConfig governs the supervisor pool.
type WorkerConfig struct {
	Concurrency        int           `mapstructure:"concurrency"`
	Ordinal            int           `mapstructure:"ordinal"`
	ProxyBasePort      int           `mapstructure:"proxy_base_port"`
	PortCheckTimeout   time.Duration `mapstructure:"port_check_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	PortBusyBackoff    time.Duration `mapstructure:"port_busy_backoff"`
	PortBusyMaxBackoff time.Duration `mapstructure:"port_busy_max_backoff"`
	SentinelPath       string        `mapstructure:"sentinel_path"`
	CallbackTimeout    time.Duration `mapstructure:"callback_timeout"`
}

// ScoopConfig describes how the external capture tool is invoked.
type ScoopConfig struct {
	Prefix                 string            `mapstructure:"prefix"`
	Command                []string          `mapstructure:"command"`
	Options                map[string]string `mapstructure:"options"`
	TimeoutFuse            time.Duration     `mapstructure:"timeout_fuse"`
	MaxArchiveSize         int64             `mapstructure:"max_archive_size"`
	VideoAttachmentDomains []string          `mapstructure:"video_attachment_domains"`
	TempDir                string            `mapstructure:"temp_dir"`
}

// ValidationConfig configures the pre-submission URL prober.
type ValidationConfig struct {
	Timeout        time.Duration     `mapstructure:"timeout"`
	ResolveTimeout time.Duration     `mapstructure:"resolve_timeout"`
	UserAgent      string            `mapstructure:"user_agent"`
	ExtraHeaders   map[string]string `mapstructure:"extra_headers"`
	StrictURL      bool              `mapstructure:"strict_url"`
	BlockedRanges  []string          `mapstructure:"blocked_ranges"`
	MaxRedirects   int               `mapstructure:"max_redirects"`
}

// CustomAgentConfig overrides user agents for hosts containing Domain.
type CustomAgentConfig struct {
	Domain        string `mapstructure:"domain"`
	ValidatorUA   string `mapstructure:"validator_ua"`
	ScoopUASuffix string `mapstructure:"scoop_ua_suffix"`
}

// APIConfig shapes the public API projections.
type APIConfig struct {
	Domain             string `mapstructure:"domain"`
	ExposeLogs         bool   `mapstructure:"expose_logs"`
	ExposeSummary      bool   `mapstructure:"expose_summary"`
	MaxPendingCaptures int    `mapstructure:"max_pending_captures"`
}

// StorageConfig selects where finished artifacts are mirrored.
type StorageConfig struct {
	// Backend is "none", "local", "gcs", or "memory".
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion events.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// RateLimitConfig guards capture submission per access key.
type RateLimitConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`
	Burst   int     `mapstructure:"burst"`
}

// CleanupConfig drives the housekeeping command.
type CleanupConfig struct {
	StaleStartedAfter          time.Duration `mapstructure:"stale_started_after"`
	TemporaryStorageExpiration time.Duration `mapstructure:"temporary_storage_expiration"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls span export.
type TelemetryConfig struct {
	// ProjectID enables export to Google Cloud Trace; empty keeps spans in process.
	ProjectID string `mapstructure:"project_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultBlockedRanges covers loopback, private, link-local, and other non-routable networks.
var DefaultBlockedRanges = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.migrate", true)
	v.SetDefault("worker.concurrency", 1)
	v.SetDefault("worker.ordinal", 0)
	v.SetDefault("worker.proxy_base_port", 9000)
	v.SetDefault("worker.port_check_timeout", time.Second)
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.port_busy_backoff", 500*time.Millisecond)
	v.SetDefault("worker.port_busy_max_backoff", 30*time.Second)
	v.SetDefault("worker.sentinel_path", "")
	v.SetDefault("worker.callback_timeout", 10*time.Second)
	v.SetDefault("scoop.prefix", "")
	v.SetDefault("scoop.command", []string{"npx", "scoop"})
	v.SetDefault("scoop.options", map[string]string{
		"--capture-timeout":             "45000",
		"--capture-video-as-attachment": "true",
		"--headless":                    "true",
	})
	v.SetDefault("scoop.timeout_fuse", 35*time.Second)
	v.SetDefault("scoop.max_archive_size", 200*1024*1024)
	v.SetDefault("scoop.temp_dir", "")
	v.SetDefault("validation.timeout", 7*time.Second)
	v.SetDefault("validation.resolve_timeout", 5*time.Second)
	v.SetDefault("validation.user_agent", "capture-service-validator/1.0")
	v.SetDefault("validation.strict_url", false)
	v.SetDefault("validation.blocked_ranges", DefaultBlockedRanges)
	v.SetDefault("validation.max_redirects", 30)
	v.SetDefault("api.domain", "http://localhost:8080")
	v.SetDefault("api.expose_logs", false)
	v.SetDefault("api.expose_summary", false)
	v.SetDefault("api.max_pending_captures", 200)
	v.SetDefault("storage.backend", "none")
	v.SetDefault("storage.prefix", "captures")
	v.SetDefault("rate_limit.enabled", false)
	v.SetDefault("rate_limit.rps", 1.0)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("cleanup.stale_started_after", time.Hour)
	v.SetDefault("cleanup.temporary_storage_expiration", 24*time.Hour)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.project_id", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 {
		return fmt.Errorf("auth.api_keys must be set when auth is enabled")
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not supported", c.Database.Driver)
	}
	if c.Worker.Concurrency <= 0 || c.Worker.Concurrency > 100 {
		return fmt.Errorf("worker.concurrency must be between 1 and 100")
	}
	if c.Worker.ProxyBasePort <= 0 {
		return fmt.Errorf("worker.proxy_base_port must be > 0")
	}
	if c.Worker.PollInterval <= 0 {
		return fmt.Errorf("worker.poll_interval must be > 0")
	}
	if len(c.Scoop.Command) == 0 {
		return fmt.Errorf("scoop.command must not be empty")
	}
	if _, err := c.Scoop.CaptureTimeout(); err != nil {
		return err
	}
	if c.Scoop.MaxArchiveSize <= 0 {
		return fmt.Errorf("scoop.max_archive_size must be > 0")
	}
	if c.Validation.Timeout <= 0 {
		return fmt.Errorf("validation.timeout must be > 0")
	}
	for _, raw := range c.Validation.BlockedRanges {
		if _, err := netip.ParsePrefix(raw); err != nil {
			return fmt.Errorf("validation.blocked_ranges: %w", err)
		}
	}
	for i, agent := range c.CustomUserAgents {
		if agent.Domain == "" {
			return fmt.Errorf("custom_user_agents[%d].domain must be set", i)
		}
	}
	switch c.Storage.Backend {
	case "", "none", "memory":
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.RateLimit.Enabled && (c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate_limit.rps and rate_limit.burst must be > 0 when enabled")
	}
	return nil
}

// CaptureTimeout returns the tool's own capture timeout, read from the
// --capture-timeout option in milliseconds.
func (s ScoopConfig) CaptureTimeout() (time.Duration, error) {
	raw, ok := s.Options["--capture-timeout"]
	if !ok {
		return 0, fmt.Errorf("scoop.options must define --capture-timeout")
	}
	ms, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("scoop.options --capture-timeout %q must be a positive number of milliseconds", raw)
	}
	return time.Duration(ms * float64(time.Millisecond)), nil
}

// HardTimeout is the wall-clock limit enforced on one capture subprocess.
func (s ScoopConfig) HardTimeout() time.Duration {
	timeout, err := s.CaptureTimeout()
	if err != nil {
		return s.TimeoutFuse
	}
	return timeout + s.TimeoutFuse
}
