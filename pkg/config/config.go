// Package config loads and validates the flintfs configuration.
//
// Configuration sources (in order of precedence):
//  1. Environment variables (FLINTFS_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/flintfs/internal/bytesize"
	"github.com/marmos91/flintfs/pkg/flash"
	"github.com/marmos91/flintfs/pkg/ftl"
	"github.com/marmos91/flintfs/pkg/pfs"
)

// Config is the flintfs tool and embedding configuration.
type Config struct {
	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Device describes the flash part (or its image file).
	Device DeviceConfig `mapstructure:"device" yaml:"device"`

	// Regions are the flash address ranges given to the filesystem, in
	// ascending address order. Empty means the whole device.
	Regions []RegionConfig `mapstructure:"regions" yaml:"regions,omitempty"`

	// Storage tunes the filesystem.
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`

	// Metrics configures the Prometheus exposition endpoint.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output is where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// DeviceConfig describes the flash part backing the filesystem.
//
// Sizes accept human-readable values ("8MiB", "64KiB") as well as plain
// or hexadecimal byte counts ("0x220000").
type DeviceConfig struct {
	// Image is the path of the flash image file. Created blank (all
	// 0xFF) if it does not exist.
	Image string `mapstructure:"image" validate:"required" yaml:"image"`

	// Size is the total capacity of the part.
	Size bytesize.ByteSize `mapstructure:"size" validate:"required" yaml:"size"`

	// SectorSize is the bulk-erase unit. Default: 64KiB.
	SectorSize bytesize.ByteSize `mapstructure:"sector_size" yaml:"sector_size"`

	// SubsectorSize is the fine-erase unit the filesystem reclaims at.
	// Default: 4KiB.
	SubsectorSize bytesize.ByteSize `mapstructure:"subsector_size" yaml:"subsector_size"`
}

// RegionConfig is one flash address range handed to the filesystem.
type RegionConfig struct {
	// Start is the first byte of the region (inclusive).
	Start bytesize.ByteSize `mapstructure:"start" yaml:"start"`

	// End is one past the last byte of the region (exclusive).
	End bytesize.ByteSize `mapstructure:"end" validate:"required" yaml:"end"`
}

// StorageConfig tunes the filesystem.
type StorageConfig struct {
	// PrewarmBudget bounds how long a file creation may garbage-collect
	// before committing pages. Default: 500ms.
	PrewarmBudget time.Duration `mapstructure:"prewarm_budget" yaml:"prewarm_budget"`

	// GCSectorMaxUses bounds uses of one GC reservation before it
	// rotates. Default: 64.
	GCSectorMaxUses int `mapstructure:"gc_sector_max_uses" validate:"omitempty,min=1" yaml:"gc_sector_max_uses"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	// Enabled controls whether metrics collection is enabled.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Port is the HTTP port for the metrics endpoint. Default: 9090.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Geometry converts the device section to a flash geometry.
func (c *Config) Geometry() flash.Geometry {
	return flash.Geometry{
		Size:          c.Device.Size.Uint64(),
		SectorSize:    c.Device.SectorSize.Uint64(),
		SubsectorSize: c.Device.SubsectorSize.Uint64(),
	}
}

// FTLRegions converts the regions section to filesystem regions.
func (c *Config) FTLRegions() []ftl.Region {
	out := make([]ftl.Region, 0, len(c.Regions))
	for _, r := range c.Regions {
		out = append(out, ftl.Region{Start: r.Start.Uint64(), End: r.End.Uint64()})
	}
	return out
}

// StorageOptions converts the storage section to filesystem options.
// The metrics sink is the caller's concern.
func (c *Config) StorageOptions() pfs.Options {
	return pfs.Options{
		PrewarmBudget:   c.Storage.PrewarmBudget,
		GCSectorMaxUses: c.Storage.GCSectorMaxUses,
	}
}

// Load loads configuration from file, environment, and defaults.
// An empty configPath uses the default location; a missing file is not
// an error and yields the defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	found, err := readConfigFile(v)
	if err != nil {
		return nil, err
	}
	if !found {
		return GetDefaultConfig(), nil
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when the
// file is missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath == "" {
		if !DefaultConfigExists() {
			return nil, fmt.Errorf("no configuration file found at default location: %s\n\n"+
				"Please initialize a configuration file first:\n"+
				"  flintfs init\n\n"+
				"Or specify a custom config file:\n"+
				"  flintfs <command> --config /path/to/config.yaml",
				GetDefaultConfigPath())
		}
		configPath = GetDefaultConfigPath()
	} else if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s\n\n"+
			"Please create the configuration file:\n"+
			"  flintfs init --config %s",
			configPath, configPath)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// setupViper configures environment variables and config file search.
// Environment variables use the FLINTFS_ prefix and underscores, e.g.
// FLINTFS_LOGGING_LEVEL=DEBUG.
func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("FLINTFS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(getConfigDir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for the custom
// config value types (ByteSize and time.Duration).
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and integers to
// bytesize.ByteSize, so config files can use "8MiB", "0x220000" or
// plain byte counts.
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return bytesize.Parse(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			// YAML often deserializes numbers as float64.
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings like "500ms" to time.Duration.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory, preferring
// XDG_CONFIG_HOME, then ~/.config, then the current directory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "flintfs")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "flintfs")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists checks if a config file exists at the default
// location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path (exposed for
// the init command).
func GetConfigDir() string {
	return getConfigDir()
}
