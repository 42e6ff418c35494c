// Package config loads groupgate's configuration record from config.yaml
// with environment variable overrides applied on top.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DockerConfig configures the container runner's connection to the Docker
// Engine and the image/resource limits it applies to spawned agents.
type DockerConfig struct {
	Host         string `yaml:"host"`          // empty uses the Docker client's default (DOCKER_HOST / unix socket)
	Image        string `yaml:"image"`
	MemoryMB     int64  `yaml:"memory_mb"`
	CPUQuota     int64  `yaml:"cpu_quota"`
	Network      string `yaml:"network"`
	WorkspaceDir string `yaml:"workspace_dir"` // host root bind-mounted per-group
}

// TelegramConfig configures the Telegram reference channel adapter.
type TelegramConfig struct {
	Token      string  `yaml:"token"`
	Enabled    bool    `yaml:"enabled"`
	AllowedIDs []int64 `yaml:"allowed_ids"` // Telegram user IDs permitted to produce acted-upon messages
}

// ChannelsConfig holds per-channel-driver settings. Additional drivers are
// wired the same way: a named sub-struct plus an Enabled flag.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// APIKeyEntry is one accepted gateway API key.
type APIKeyEntry struct {
	Key         string `yaml:"key"`
	Description string `yaml:"description"`
}

// AuthConfig controls the gateway's API key middleware.
type AuthConfig struct {
	Enabled bool          `yaml:"enabled"`
	Keys    []APIKeyEntry `yaml:"keys"`
}

// CORSConfig controls the gateway's cross-origin access headers.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig controls the gateway's per-key token-bucket throttle.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

// GatewayConfig controls the read-only HTTP observability surface.
type GatewayConfig struct {
	Enabled   bool            `yaml:"enabled"`
	BindAddr  string          `yaml:"bind_addr"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Config is groupgate's single configuration record. Every duration field
// is expressed in YAML as a string ("30s") and exposed as a parsed
// time.Duration once normalize() runs at load time — no component re-parses
// a duration string.
type Config struct {
	HomeDir string `yaml:"-"`

	// Poll loop.
	PollIntervalRaw string `yaml:"poll_interval"`
	PollInterval    time.Duration `yaml:"-"`

	// Task scheduler tick.
	SchedulerPollIntervalRaw string `yaml:"scheduler_poll_interval"`
	SchedulerPollInterval    time.Duration `yaml:"-"`

	// Per-run idle timeout: stdin is closed after this long with no results.
	IdleTimeoutRaw string `yaml:"idle_timeout"`
	IdleTimeout    time.Duration `yaml:"-"`

	// Delay after a task's first `result` before CloseStdin (single-turn tasks).
	TaskCloseDelayRaw string `yaml:"task_close_delay"`
	TaskCloseDelay    time.Duration `yaml:"-"`

	// Bound on graceful shutdown drain.
	ShutdownDeadlineRaw string `yaml:"shutdown_deadline"`
	ShutdownDeadline    time.Duration `yaml:"-"`

	// IANA timezone name used to compute cron next-run occurrences.
	Timezone string `yaml:"timezone"`

	// Prefix a message must start with for non-main, trigger-requiring
	// groups to be dispatched (e.g. "@claw").
	TriggerPrefix string `yaml:"trigger_prefix"`

	// Folder name of the group designated "main".
	MainFolderName string `yaml:"main_folder_name"`

	// Root directory registered-group folders must resolve inside of.
	GroupsRoot string `yaml:"groups_root"`

	LogLevel string `yaml:"log_level"`
	BindAddr string `yaml:"bind_addr"`

	Docker   DockerConfig   `yaml:"docker"`
	Channels ChannelsConfig `yaml:"channels"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	DBPath   string         `yaml:"db_path"`

	// Credential proactive refresh tick.
	CredentialRefreshIntervalRaw string        `yaml:"credential_refresh_interval"`
	CredentialRefreshInterval    time.Duration `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the gateway's home directory: GROUPGATE_HOME override,
// falling back to ~/.groupgate.
func HomeDir() string {
	if override := os.Getenv("GROUPGATE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".groupgate"
	}
	return filepath.Join(home, ".groupgate")
}

func defaultConfig() Config {
	return Config{
		PollIntervalRaw:              "5s",
		SchedulerPollIntervalRaw:     "30s",
		IdleTimeoutRaw:               "20m",
		TaskCloseDelayRaw:            "3s",
		ShutdownDeadlineRaw:          "15s",
		Timezone:                     "UTC",
		TriggerPrefix:                "@claw",
		MainFolderName:               "main",
		LogLevel:                     "info",
		BindAddr:                     "127.0.0.1:18790",
		CredentialRefreshIntervalRaw: "10m",
		Docker: DockerConfig{
			Image:    "groupgate-agent:latest",
			MemoryMB: 1024,
			CPUQuota: 100000,
			Network:  "none",
		},
		Gateway: GatewayConfig{
			Enabled:  true,
			BindAddr: "127.0.0.1:18790",
		},
	}
}

// Load reads config.yaml from homeDir (creating no file if absent — an
// absent file yields defaults), applies environment overrides, and
// normalizes duration fields. It never writes to disk.
func Load(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	path := ConfigPath(homeDir)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := normalize(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GROUPGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GROUPGATE_BIND_ADDR"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("GROUPGATE_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("GROUPGATE_DOCKER_HOST"); v != "" {
		cfg.Docker.Host = v
	}
	if v := os.Getenv("GROUPGATE_DOCKER_IMAGE"); v != "" {
		cfg.Docker.Image = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.Channels.Telegram.Token = v
		cfg.Channels.Telegram.Enabled = true
	}
	if v := os.Getenv("GROUPGATE_TRIGGER_PREFIX"); v != "" {
		cfg.TriggerPrefix = v
	}
	if v := os.Getenv("GROUPGATE_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
}

// normalize parses every duration field once and fills in any zero-value
// duration from the default config, so a config.yaml that only sets a few
// fields never ends up with a zero poll interval busy-looping the router.
func normalize(cfg *Config) error {
	defaults := defaultConfig()

	durations := []struct {
		raw *string
		dst *time.Duration
		def string
	}{
		{&cfg.PollIntervalRaw, &cfg.PollInterval, defaults.PollIntervalRaw},
		{&cfg.SchedulerPollIntervalRaw, &cfg.SchedulerPollInterval, defaults.SchedulerPollIntervalRaw},
		{&cfg.IdleTimeoutRaw, &cfg.IdleTimeout, defaults.IdleTimeoutRaw},
		{&cfg.TaskCloseDelayRaw, &cfg.TaskCloseDelay, defaults.TaskCloseDelayRaw},
		{&cfg.ShutdownDeadlineRaw, &cfg.ShutdownDeadline, defaults.ShutdownDeadlineRaw},
		{&cfg.CredentialRefreshIntervalRaw, &cfg.CredentialRefreshInterval, defaults.CredentialRefreshIntervalRaw},
	}
	for _, d := range durations {
		if *d.raw == "" {
			*d.raw = d.def
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", *d.raw, err)
		}
		*d.dst = parsed
	}

	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}
	if cfg.MainFolderName == "" {
		cfg.MainFolderName = defaults.MainFolderName
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "groupgate.db")
	}
	if cfg.GroupsRoot == "" {
		cfg.GroupsRoot = filepath.Join(cfg.HomeDir, "groups")
	}
	return nil
}

// Fingerprint returns a stable hash of the effective config, used in
// startup logs to confirm which configuration a running instance loaded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "poll=%s|idle=%s|tz=%s|trigger=%s|main=%s|bind=%s",
		c.PollInterval, c.IdleTimeout, c.Timezone, c.TriggerPrefix, c.MainFolderName, c.BindAddr)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
