// Package config provides configuration management for the kl agent server.
// It uses koanf v2 to load configuration from a YAML file and can write a
// configuration back out (used to generate a starting file).
//
// A missing or unreadable file is not fatal: Load still returns a fully
// defaulted Config together with the error so the caller can log it and
// carry on with the defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	goyaml "gopkg.in/yaml.v3"
)

// DefaultConfigPath is the default location for the server configuration file.
const DefaultConfigPath = "../conf/kl_server.yaml"

// Config holds the server configuration.
// Fields are tagged for both koanf (loading) and yaml (saving).
type Config struct {
	// ListenIP is the address the acceptor binds. Default: 0.0.0.0.
	ListenIP string `koanf:"listen_ip" yaml:"listen_ip"`

	// ListenPort is the TCP port the acceptor binds. Default: 9999.
	ListenPort int `koanf:"listen_port" yaml:"listen_port"`

	// LogPath is the log file; empty logs to stdout. Default: ../log/kl_server.
	LogPath string `koanf:"log_path" yaml:"log_path"`

	// LogMaxSizeMB rotates the log file once it reaches this size. Default: 500.
	LogMaxSizeMB int `koanf:"log_max_size_mb" yaml:"log_max_size_mb"`

	// LogLevel is one of "debug", "info", "warn", "error". Default: "info".
	LogLevel string `koanf:"log_level" yaml:"log_level"`

	// PollTimeoutMs bounds each socket read and each child output poll.
	// Default: 5000.
	PollTimeoutMs int `koanf:"poll_timeout_ms" yaml:"poll_timeout_ms"`

	// MaxFrameSize is the largest payload accepted from a client.
	// Default: 131072.
	MaxFrameSize int `koanf:"max_frame_size" yaml:"max_frame_size"`

	// ExitWaitMs is how long a finished relay waits for the child's exit
	// status before handing it to the reaper. Default: 3000.
	ExitWaitMs int `koanf:"exit_wait_ms" yaml:"exit_wait_ms"`

	// ReaperIntervalMs is the reaper sweep period. Default: 1000.
	ReaperIntervalMs int `koanf:"reaper_interval_ms" yaml:"reaper_interval_ms"`

	// Connection flags applied to every session.
	Daemon     bool `koanf:"daemon" yaml:"daemon"`
	NoChecksum bool `koanf:"no_checksum" yaml:"no_checksum"`
	KillChild  bool `koanf:"kill_child" yaml:"kill_child"`

	// JournalPath enables the command journal when set.
	JournalPath string `koanf:"journal_path" yaml:"journal_path"`

	// JournalMaxEntries is the journal retention. Default: 1000.
	JournalMaxEntries int `koanf:"journal_max_entries" yaml:"journal_max_entries"`

	// JournalPruneSchedule is a cron expression or descriptor.
	// Default: "@every 10m".
	JournalPruneSchedule string `koanf:"journal_prune_schedule" yaml:"journal_prune_schedule"`

	// MetricsAddr enables the Prometheus listener when set.
	MetricsAddr string `koanf:"metrics_addr" yaml:"metrics_addr"`
}

// Validation errors returned by Load.
var (
	ErrInvalidPort          = errors.New("listen_port must be between 1 and 65535")
	ErrInvalidListenIP      = errors.New("listen_ip is not an IP address")
	ErrInvalidTimeout       = errors.New("timeouts and intervals must be positive")
	ErrInvalidFrameSize     = errors.New("max_frame_size must be between 64 and 16777216")
	ErrInvalidRetention     = errors.New("journal_max_entries must be positive")
	ErrInvalidPruneSchedule = errors.New("journal_prune_schedule is not a valid schedule")
)

var scheduleParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Default returns a Config with every field defaulted.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// Load reads configuration from the specified YAML file path, applies
// defaults and validates the result. If the file cannot be read or parsed
// the returned Config holds the defaults and err describes the problem.
// A file that parses but fails validation returns a nil Config.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return Default(), fmt.Errorf("failed to load config from %s: %w", path, err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Default(), fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults sets default values for optional configuration fields.
func (c *Config) applyDefaults() {
	if c.ListenIP == "" {
		c.ListenIP = "0.0.0.0"
	}
	if c.ListenPort == 0 {
		c.ListenPort = 9999
	}
	if c.LogPath == "" {
		c.LogPath = "../log/kl_server"
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = 500
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.PollTimeoutMs == 0 {
		c.PollTimeoutMs = 5000
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 131072
	}
	if c.ExitWaitMs == 0 {
		c.ExitWaitMs = 3000
	}
	if c.ReaperIntervalMs == 0 {
		c.ReaperIntervalMs = 1000
	}
	if c.JournalMaxEntries == 0 {
		c.JournalMaxEntries = 1000
	}
	if c.JournalPruneSchedule == "" {
		c.JournalPruneSchedule = "@every 10m"
	}
}

// validate checks that configuration values are usable.
func (c *Config) validate() error {
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return ErrInvalidPort
	}
	if net.ParseIP(c.ListenIP) == nil {
		return ErrInvalidListenIP
	}
	if c.PollTimeoutMs <= 0 || c.ExitWaitMs <= 0 || c.ReaperIntervalMs <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxFrameSize < 64 || c.MaxFrameSize > 16<<20 {
		return ErrInvalidFrameSize
	}
	if c.JournalMaxEntries <= 0 {
		return ErrInvalidRetention
	}
	if _, err := scheduleParser.Parse(c.JournalPruneSchedule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPruneSchedule, err)
	}
	return nil
}

// Validate re-checks the configuration after flag overrides.
func (c *Config) Validate() error {
	return c.validate()
}

// Save writes the configuration to the specified YAML file path with 0600
// permissions.
func Save(path string, cfg *Config) error {
	data, err := goyaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", path, err)
	}
	return nil
}

// Addr returns the listen address as host:port.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.ListenIP, strconv.Itoa(c.ListenPort))
}

// PollTimeout returns poll_timeout_ms as a duration.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMs) * time.Millisecond
}

// ExitWait returns exit_wait_ms as a duration.
func (c *Config) ExitWait() time.Duration {
	return time.Duration(c.ExitWaitMs) * time.Millisecond
}

// ReaperInterval returns reaper_interval_ms as a duration.
func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalMs) * time.Millisecond
}

// JournalEnabled reports whether a journal path is configured.
func (c *Config) JournalEnabled() bool {
	return c.JournalPath != ""
}
