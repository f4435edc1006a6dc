// Package config provides runtime configuration for sysward.
// It uses Viper to load settings from files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// MaintenanceCommand is the execution recipe for one maintenance kind.
type MaintenanceCommand struct {
	// Steps are argv vectors run in order; the first failure stops the run.
	Steps [][]string `mapstructure:"steps"`
	// RequireRoot marks commands that only make sense with root privileges.
	RequireRoot bool `mapstructure:"require_root"`
}

// Config holds all runtime configuration for sysward.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	// ServerHost defaults to loopback: the display layer runs on the same box.
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	// ── Security ──────────────────────────────────────────────────────────────
	// JWTSecret: HS256 signing key for API tokens.
	// Change this in production — default is a random-looking placeholder.
	JWTSecret string `mapstructure:"jwt_secret"`
	// AdminUser / AdminPass: credentials for /api/login.
	AdminUser string `mapstructure:"admin_user"`
	AdminPass string `mapstructure:"admin_pass"`
	// AdminPassHash: bcrypt hash of the admin password. When set it wins over
	// admin_pass, which then never needs to appear in the config at all.
	AdminPassHash string `mapstructure:"admin_pass_hash"`

	// ── Sampling ──────────────────────────────────────────────────────────────
	SampleIntervalSeconds int `mapstructure:"sample_interval_seconds"`
	SampleTimeoutSeconds  int `mapstructure:"sample_timeout_seconds"`
	HistoryCapacity       int `mapstructure:"history_capacity"`
	// PrimaryMount is the filesystem whose usage feeds disk_used / disk_total.
	PrimaryMount string `mapstructure:"primary_mount"`

	// ── Disk inventory ────────────────────────────────────────────────────────
	ExcludedFsTypes []string `mapstructure:"excluded_fs_types"`

	// ── Maintenance ───────────────────────────────────────────────────────────
	// ElevateCommand is prepended to privileged steps when the daemon is not
	// running as root, e.g. ["sudo", "-n"]. Empty disables elevation.
	ElevateCommand []string `mapstructure:"elevate_command"`
	// ProcessTimeoutSeconds bounds a whole maintenance run; 0 = unlimited.
	ProcessTimeoutSeconds int `mapstructure:"process_timeout_seconds"`
	CancelGraceSeconds    int `mapstructure:"cancel_grace_period_seconds"`
	// Maintenance maps a task kind to its command recipe.
	Maintenance map[string]MaintenanceCommand `mapstructure:"maintenance"`
}

// Load reads config from file (./config.yaml or ~/.sysward/config.yaml)
// and falls back to smart defaults. Environment variables with prefix SYSWARD_
// override file values.
func Load() (*Config, error) {
	v := viper.New()

	// --- Smart Defaults ---
	v.SetDefault("server_host", "127.0.0.1")
	v.SetDefault("server_port", 6733)

	// Security defaults — MUST be overridden in production via config.yaml or env vars.
	v.SetDefault("jwt_secret", "SwD!p8#vQ3@zR6^nT1&kM9*eH4$wY7c")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")
	v.SetDefault("admin_pass_hash", "")

	v.SetDefault("sample_interval_seconds", 2)
	v.SetDefault("sample_timeout_seconds", 2)
	v.SetDefault("history_capacity", 1800) // one hour at the default cadence
	v.SetDefault("primary_mount", "/")

	v.SetDefault("excluded_fs_types", []string{
		"proc", "procfs", "sysfs", "devfs", "devtmpfs", "tmpfs",
		"overlay", "squashfs", "autofs", "cgroup", "cgroup2",
	})

	v.SetDefault("elevate_command", []string{})
	v.SetDefault("process_timeout_seconds", 0) // package upgrades legitimately run long
	v.SetDefault("cancel_grace_period_seconds", 10)

	// The stock recipes target apt systems; other distros override these in
	// config.yaml.
	v.SetDefault("maintenance", map[string]any{
		"update": map[string]any{
			"steps": [][]string{
				{"apt", "update"},
				{"apt", "upgrade", "-y"},
			},
			"require_root": true,
		},
		"cleanup": map[string]any{
			"steps": [][]string{
				{"apt", "clean"},
				{"apt", "autoremove", "-y"},
				{"sh", "-c", "rm -rf /tmp/*"},
			},
			"require_root": true,
		},
	})

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.sysward")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("SYSWARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that cannot run. Failures surface here, at
// startup, rather than at first use.
func (c *Config) Validate() error {
	if c.ServerPort < 1 || c.ServerPort > 65535 {
		return fmt.Errorf("server_port out of range: %d", c.ServerPort)
	}
	if c.SampleIntervalSeconds < 1 {
		return fmt.Errorf("sample_interval_seconds must be >= 1, got %d", c.SampleIntervalSeconds)
	}
	if c.SampleTimeoutSeconds < 1 {
		return fmt.Errorf("sample_timeout_seconds must be >= 1, got %d", c.SampleTimeoutSeconds)
	}
	if c.HistoryCapacity < 1 {
		return fmt.Errorf("history_capacity must be >= 1, got %d", c.HistoryCapacity)
	}
	if c.PrimaryMount == "" {
		return fmt.Errorf("primary_mount must not be empty")
	}
	if c.ProcessTimeoutSeconds < 0 {
		return fmt.Errorf("process_timeout_seconds must be >= 0, got %d", c.ProcessTimeoutSeconds)
	}
	if c.CancelGraceSeconds < 1 {
		return fmt.Errorf("cancel_grace_period_seconds must be >= 1, got %d", c.CancelGraceSeconds)
	}
	for kind, mc := range c.Maintenance {
		if len(mc.Steps) == 0 {
			return fmt.Errorf("maintenance.%s: no steps configured", kind)
		}
		for i, argv := range mc.Steps {
			if len(argv) == 0 {
				return fmt.Errorf("maintenance.%s: step %d is empty", kind, i)
			}
		}
	}
	return nil
}
