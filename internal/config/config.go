// Package config loads the process-wide configuration (logging, admin server,
// hook wiring) and the per-project configuration record (context budget, search
// tuning, capability flags).
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// EnvHome overrides the process-wide home directory.
	EnvHome = "OFF_CONTEXT_HOME"
	// EnvLogLevel overrides Config.LogLevel.
	EnvLogLevel = "OFF_CONTEXT_LOG_LEVEL"

	// ConfigFileName is used for both the global and the project config.
	ConfigFileName = "config.yaml"

	DefaultAdminHost   = "127.0.0.1"
	DefaultAdminPort   = 8767
	DefaultHookCommand = "off-context hook"
	DefaultSettingsRel = ".claude/settings.local.json"
)

// Config is the process-wide configuration stored at <home>/config.yaml.
type Config struct {
	// Debug enables debug logging and gin debug mode.
	Debug bool `yaml:"debug" json:"debug"`

	// LogLevel is one of debug, info, warn, error, quiet. Empty means warn.
	LogLevel string `yaml:"log-level,omitempty" json:"log-level,omitempty"`

	// LoggingToFile routes diagnostics to <home>/logs instead of stderr.
	// nil means default (true).
	LoggingToFile *bool `yaml:"logging-to-file,omitempty" json:"logging-to-file,omitempty"`

	// LogsMaxTotalSizeMB caps the rotated log file size. <= 0 means 10.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb,omitempty" json:"logs-max-total-size-mb,omitempty"`

	// Admin configures the long-lived admin HTTP server.
	Admin AdminConfig `yaml:"admin" json:"admin"`

	// Hooks governs how projects are wired into the host tool.
	Hooks HookWiringConfig `yaml:"hooks" json:"hooks"`

	// Home is the directory the config was loaded from.
	Home string `yaml:"-" json:"-"`
}

// AdminConfig configures the admin HTTP server.
type AdminConfig struct {
	Host string `yaml:"host,omitempty" json:"host,omitempty"`
	Port int    `yaml:"port,omitempty" json:"port,omitempty"`
	// Metrics exposes /metrics. nil means default (true).
	Metrics *bool `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	// AllowOrigins lists CORS origins accepted by the API. Empty allows none.
	AllowOrigins []string `yaml:"allow-origins,omitempty" json:"allow-origins,omitempty"`
}

// HookWiringConfig describes the hook entries written into host settings.
type HookWiringConfig struct {
	// Command is the shell command the host runs for every hook event.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`
	// SettingsFile is the project-relative host settings file.
	SettingsFile string `yaml:"settings-file,omitempty" json:"settings-file,omitempty"`
	// Installed records that setup completed.
	Installed bool `yaml:"installed" json:"installed"`
}

// DefaultHome returns $OFF_CONTEXT_HOME or ~/.off-context.
func DefaultHome() string {
	if v := strings.TrimSpace(os.Getenv(EnvHome)); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".off-context"
	}
	return filepath.Join(home, ".off-context")
}

// LoadEnv applies <home>/.env without overriding variables already set.
func LoadEnv(home string) {
	path := filepath.Join(home, ".env")
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}

// LoadConfig reads the YAML file at path.
func LoadConfig(path string) (*Config, error) {
	return LoadConfigOptional(path, false)
}

// LoadConfigOptional reads the YAML file at path. When optional is set, a
// missing or unparsable file yields the defaults instead of an error.
func LoadConfigOptional(path string, optional bool) (*Config, error) {
	cfg := &Config{Home: filepath.Dir(path)}
	data, err := os.ReadFile(path)
	if err != nil {
		if optional {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			if optional {
				return &Config{Home: filepath.Dir(path)}, nil
			}
			return nil, fmt.Errorf("parse config %s: %w", path, errUnmarshal)
		}
	}
	cfg.Home = filepath.Dir(path)
	return cfg, nil
}

// LoadGlobal loads <home>/config.yaml, falling back to defaults, and applies
// environment overrides.
func LoadGlobal(home string) *Config {
	if home == "" {
		home = DefaultHome()
	}
	LoadEnv(home)
	cfg, _ := LoadConfigOptional(filepath.Join(home, ConfigFileName), true)
	cfg.Home = home
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

// SaveConfig writes cfg to <cfg.Home>/config.yaml.
func SaveConfig(cfg *Config) error {
	if cfg == nil || cfg.Home == "" {
		return errors.New("config: home directory not set")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return WriteFileAtomic(filepath.Join(cfg.Home, ConfigFileName), data, 0o644)
}

// IsLoggingToFile reports whether logs go to the rotated file.
func (c *Config) IsLoggingToFile() bool {
	if c == nil || c.LoggingToFile == nil {
		return true
	}
	return *c.LoggingToFile
}

// GetLogLevel returns the configured level, "debug" when Debug is set.
func (c *Config) GetLogLevel() string {
	if c == nil {
		return "warn"
	}
	if c.Debug {
		return "debug"
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		return "warn"
	}
	return c.LogLevel
}

// GetLogsMaxSizeMB returns the log size cap.
func (c *Config) GetLogsMaxSizeMB() int {
	if c == nil || c.LogsMaxTotalSizeMB <= 0 {
		return 10
	}
	return c.LogsMaxTotalSizeMB
}

// LogsDir returns <home>/logs.
func (c *Config) LogsDir() string {
	home := DefaultHome()
	if c != nil && c.Home != "" {
		home = c.Home
	}
	return filepath.Join(home, "logs")
}

// Addr returns host:port for the admin server.
func (a AdminConfig) Addr() string {
	host := strings.TrimSpace(a.Host)
	if host == "" {
		host = DefaultAdminHost
	}
	port := a.Port
	if port <= 0 {
		port = DefaultAdminPort
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// IsMetricsEnabled reports whether /metrics is served.
func (a AdminConfig) IsMetricsEnabled() bool {
	if a.Metrics == nil {
		return true
	}
	return *a.Metrics
}

// GetCommand returns the hook command line.
func (h HookWiringConfig) GetCommand() string {
	if strings.TrimSpace(h.Command) == "" {
		return DefaultHookCommand
	}
	return h.Command
}

// GetSettingsFile returns the project-relative host settings path.
func (h HookWiringConfig) GetSettingsFile() string {
	if strings.TrimSpace(h.SettingsFile) == "" {
		return DefaultSettingsRel
	}
	return filepath.FromSlash(h.SettingsFile)
}

// WriteFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err = tmp.Write(data); err == nil {
		err = tmp.Sync()
	}
	if errClose := tmp.Close(); err == nil {
		err = errClose
	}
	if err == nil {
		err = os.Chmod(tmpPath, perm)
	}
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
