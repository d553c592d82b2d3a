// Package hostconfig loads the installation-wide policy the plugin
// host runs under: enforcement level, data root, monitoring cadence,
// history retention, and default resource limits. It layers three file
// formats plus environment overrides, generalized from the teacher's
// own layered-override config approach (internal/domain/config/loader.go)
// onto this spec's single HostConfig document.
package hostconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/felixgeelhaar/pluginhost/internal/domain/capability"
	"github.com/felixgeelhaar/pluginhost/internal/domain/monitor"
	"github.com/felixgeelhaar/pluginhost/internal/domain/permission"
	"github.com/felixgeelhaar/pluginhost/internal/domain/sandbox"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// Config is the installation-wide policy a host reads once at startup
// and hands to the Plugin Manager's collaborators.
type Config struct {
	DataDir              string                  `yaml:"data_dir"`
	Enforcement          permission.EnforcementLevel `yaml:"enforcement"`
	MonitoringIntervalMS int64                   `yaml:"monitoring_interval_ms"`
	HistoryRetentionDays int                     `yaml:"history_retention_days"`
	DefaultNativeLimits  sandbox.NativeResourceLimits `yaml:"default_native_limits"`
	Limits               []monitor.ResourceLimit `yaml:"limits"`
	Security             capability.SecurityConfig `yaml:"security"`
}

// Default returns the configuration a freshly installed host runs
// under absent any file or environment overrides.
func Default() Config {
	return Config{
		DataDir:              defaultDataDir(),
		Enforcement:          permission.EnforcementNormal,
		MonitoringIntervalMS: 1000,
		HistoryRetentionDays: 7,
		DefaultNativeLimits:  sandbox.DefaultNativeResourceLimits(),
		Security:             capability.DefaultSecurityConfig(),
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pluginhost"
	}
	return filepath.Join(home, ".pluginhost")
}

// Load resolves a Config from, in ascending precedence: the built-in
// Default(), the YAML file at yamlPath (the primary format, per the
// teacher's convention of a structured file below env overrides), the
// legacy INI file at iniPath if present (a migration path for operators
// with a flat-file install, overriding the YAML defaults but never env
// vars), and finally the PLUGIN_HOST_DATA_DIR/PLUGIN_HOST_ENFORCEMENT
// environment variables, which always win. Either path may be empty,
// in which case that layer is skipped.
func Load(yamlPath, iniPath string) (Config, error) {
	cfg := Default()

	if yamlPath != "" {
		if err := applyYAML(&cfg, yamlPath); err != nil {
			return Config{}, err
		}
	}

	if iniPath != "" {
		if err := applyINI(&cfg, iniPath); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("hostconfig: reading %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("hostconfig: parsing %q: %w", path, err)
	}
	return nil
}

// applyINI reads the legacy preflight.ini-style flat profile: an
// [enforcement] section with a single "level" key and a [monitor]
// section with "interval_ms"/"retention_days", matching the sections
// operators migrating off the teacher's own .ini installs would already
// have on disk.
func applyINI(cfg *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("hostconfig: parsing legacy profile %q: %w", path, err)
	}

	if sec := file.Section("enforcement"); sec != nil {
		if level := sec.Key("level").String(); level != "" {
			cfg.Enforcement = permission.EnforcementLevel(level)
		}
	}
	if sec := file.Section("monitor"); sec != nil {
		if v := sec.Key("interval_ms").MustInt64(0); v > 0 {
			cfg.MonitoringIntervalMS = v
		}
		if v := sec.Key("retention_days").MustInt(0); v > 0 {
			cfg.HistoryRetentionDays = v
		}
	}
	if sec := file.Section("data"); sec != nil {
		if dir := sec.Key("dir").String(); dir != "" {
			cfg.DataDir = dir
		}
	}
	return nil
}

// applyEnv applies the two environment overrides named in the
// specification's §6 External Interfaces; these always take
// precedence over any file-based layer.
func applyEnv(cfg *Config) {
	if dir := os.Getenv("PLUGIN_HOST_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if level := os.Getenv("PLUGIN_HOST_ENFORCEMENT"); level != "" {
		cfg.Enforcement = permission.EnforcementLevel(level)
	}
}

// Validate rejects a configuration the Manager could not safely start
// with.
func (c Config) Validate() error {
	switch c.Enforcement {
	case permission.EnforcementStrict, permission.EnforcementNormal, permission.EnforcementPermissive:
	default:
		return fmt.Errorf("hostconfig: unknown enforcement level %q", c.Enforcement)
	}
	if c.MonitoringIntervalMS <= 0 {
		return fmt.Errorf("hostconfig: monitoring_interval_ms must be positive, got %d", c.MonitoringIntervalMS)
	}
	if c.HistoryRetentionDays <= 0 {
		return fmt.Errorf("hostconfig: history_retention_days must be positive, got %d", c.HistoryRetentionDays)
	}
	for _, l := range c.Limits {
		if err := l.Validate(); err != nil {
			return err
		}
	}
	if err := c.Security.Validate(); err != nil {
		return fmt.Errorf("hostconfig: %w", err)
	}
	return nil
}

// SecurityPolicy builds the content security policy the Permission
// Manager checks Command descriptors against, from the configured
// Security block's blocked capabilities and custom CSP rules.
func (c Config) SecurityPolicy() (*capability.CSP, error) {
	return c.Security.ToCSP()
}

// MonitorConfig adapts Config to the monitor.Config shape the Resource
// Monitor is constructed with.
func (c Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		MonitoringIntervalMS: c.MonitoringIntervalMS,
		HistoryRetentionDays: c.HistoryRetentionDays,
		Limits:               c.Limits,
	}
}

// MonitoringInterval returns MonitoringIntervalMS as a time.Duration.
func (c Config) MonitoringInterval() time.Duration {
	return time.Duration(c.MonitoringIntervalMS) * time.Millisecond
}
