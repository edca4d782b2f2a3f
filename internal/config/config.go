// Package config loads the poold daemon configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the configuration file is looked up.
const DefaultPath = "/etc/poold/poold.yaml"

// Config is the daemon configuration.
type Config struct {
	// BaseDir holds storage/ (pool configs) and storage/autostart/.
	BaseDir string `yaml:"base_dir"`
	// StateDir holds the definitions of active pools.
	StateDir string `yaml:"state_dir"`

	SysfsRoot   string `yaml:"sysfs_root"`
	ScsiIDPath  string `yaml:"scsi_id_path"`
	QemuImgPath string `yaml:"qemu_img_path"`

	// AllowProbe lets backing chain resolution probe images whose format
	// is not recorded.
	AllowProbe bool `yaml:"allow_probe"`

	MetricsAddress string `yaml:"metrics_address"`
	// RefreshInterval refreshes active pools periodically in serve mode.
	// Zero disables it.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	LibvirtSocket string `yaml:"libvirt_socket"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseDir:        "/etc/poold",
		StateDir:       "/run/poold/storage",
		SysfsRoot:      "/sys",
		ScsiIDPath:     "/lib/udev/scsi_id",
		QemuImgPath:    "qemu-img",
		MetricsAddress: ":9180",
		LogLevel:       "info",
		LogFormat:      "console",
		LibvirtSocket:  "/var/run/libvirt/libvirt-sock",
	}
}

// LoadFromFile reads the configuration at path over the defaults. A missing
// file yields the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Normalize trims whitespace and lowercases the logging settings.
func (c *Config) Normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	for _, p := range []*string{&c.BaseDir, &c.StateDir, &c.SysfsRoot} {
		*p = strings.TrimSpace(*p)
		if *p != "" {
			*p = filepath.Clean(*p)
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	dirs := []struct {
		name, value string
	}{
		{"base_dir", c.BaseDir},
		{"state_dir", c.StateDir},
		{"sysfs_root", c.SysfsRoot},
	}
	for _, d := range dirs {
		if d.value == "" {
			return fmt.Errorf("%s is required", d.name)
		}
		if !filepath.IsAbs(d.value) {
			return fmt.Errorf("%s must be an absolute path, got %q", d.name, d.value)
		}
	}

	if c.RefreshInterval < 0 {
		return fmt.Errorf("refresh_interval must be >= 0, got %s", c.RefreshInterval)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("log_format must be console or json, got %q", c.LogFormat)
	}

	if c.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddress); err != nil {
			return fmt.Errorf("invalid metrics_address %q: %w", c.MetricsAddress, err)
		}
	}
	return nil
}
