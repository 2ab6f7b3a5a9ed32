// Package config provides YAML configuration loading and validation for
// filemon. Every key can be overridden from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/filemonitor/filemon/internal/observer"
)

// DefaultListenAddr is where the control API listens when listen_addr is
// omitted.
const DefaultListenAddr = "127.0.0.1:7070"

// Config is the top-level configuration structure for filemon.
type Config struct {
	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level" env:"FILEMON_LOG_LEVEL"`

	// ListenAddr is the control API listen address. Defaults to
	// DefaultListenAddr.
	ListenAddr string `yaml:"listen_addr" env:"FILEMON_LISTEN_ADDR"`

	// Backend selects the observer: "auto", "inotify" or "fsnotify".
	// Defaults to "auto".
	Backend string `yaml:"backend" env:"FILEMON_BACKEND"`

	// MonitoredDir is the initial watch target offered to the UI when no
	// saved setting exists.
	MonitoredDir string `yaml:"monitored_dir" env:"FILEMON_MONITORED_DIR"`

	// SettingsPath is the SQLite file holding UI preferences. Defaults to
	// filemon/settings.db under the user config directory.
	SettingsPath string `yaml:"settings_path" env:"FILEMON_SETTINGS_PATH"`

	Notifications NotificationsConfig `yaml:"notifications"`
	Auth          AuthConfig          `yaml:"auth"`
}

// NotificationsConfig controls per-event alerts.
type NotificationsConfig struct {
	// Enabled is the initial notification permission.
	Enabled bool `yaml:"enabled" env:"FILEMON_NOTIFICATIONS_ENABLED"`
	// Ignore lists glob patterns of relative paths that never alert.
	Ignore []string `yaml:"ignore" env:"FILEMON_NOTIFICATIONS_IGNORE" env-separator:","`
	// Color enables coloured alert output.
	Color bool `yaml:"color" env:"FILEMON_NOTIFICATIONS_COLOR"`
}

// AuthConfig holds control API authentication settings.
type AuthConfig struct {
	// PublicKeyPath is a PEM RSA public key. When set, /api/v1 requires an
	// RS256 Bearer token.
	PublicKeyPath string `yaml:"public_key_path" env:"FILEMON_AUTH_PUBLIC_KEY_PATH"`
	// Token is the Bearer token CLI client commands send.
	Token string `yaml:"token" env:"FILEMON_AUTH_TOKEN"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// defaults, and validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
		}
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config: cannot read environment: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}

	return &cfg, nil
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.Backend == "" {
		cfg.Backend = string(observer.BackendAuto)
	}
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = defaultSettingsPath()
	}
}

func defaultSettingsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "filemon-settings.db"
	}
	return filepath.Join(dir, "filemon", "settings.db")
}

// validate checks enumerated fields and path shapes.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if _, err := observer.ParseBackend(cfg.Backend); err != nil {
		errs = append(errs, fmt.Errorf("backend %q must be one of: auto, inotify, fsnotify", cfg.Backend))
	}
	if cfg.MonitoredDir != "" && !filepath.IsAbs(cfg.MonitoredDir) {
		errs = append(errs, fmt.Errorf("monitored_dir %q must be an absolute path", cfg.MonitoredDir))
	}
	for i, p := range cfg.Notifications.Ignore {
		if p == "" {
			errs = append(errs, fmt.Errorf("notifications.ignore[%d]: pattern is empty", i))
		}
	}

	return errors.Join(errs...)
}
