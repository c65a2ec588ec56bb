package config

import (
	"time"

	"github.com/marmos91/flintfs/internal/bytesize"
)

// Default values for configuration sections.
const (
	DefaultLogLevel  = "INFO"
	DefaultLogFormat = "text"
	DefaultLogOutput = "stdout"

	DefaultSectorSize    = 64 * bytesize.KiB
	DefaultSubsectorSize = 4 * bytesize.KiB

	DefaultPrewarmBudget   = 500 * time.Millisecond
	DefaultGCSectorMaxUses = 64

	DefaultMetricsPort = 9090
)

// ApplyDefaults fills in zero-valued fields with sensible defaults.
// Required fields (device image and size) are left alone for
// validation to reject.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	applyDeviceDefaults(&cfg.Device)
	applyRegionDefaults(cfg)
	applyStorageDefaults(&cfg.Storage)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(l *LoggingConfig) {
	if l.Level == "" {
		l.Level = DefaultLogLevel
	}
	if l.Format == "" {
		l.Format = DefaultLogFormat
	}
	if l.Output == "" {
		l.Output = DefaultLogOutput
	}
}

func applyDeviceDefaults(d *DeviceConfig) {
	if d.SectorSize == 0 {
		d.SectorSize = DefaultSectorSize
	}
	if d.SubsectorSize == 0 {
		d.SubsectorSize = DefaultSubsectorSize
	}
}

// applyRegionDefaults defaults the region list to the whole device.
func applyRegionDefaults(cfg *Config) {
	if len(cfg.Regions) == 0 && cfg.Device.Size > 0 {
		cfg.Regions = []RegionConfig{{Start: 0, End: cfg.Device.Size}}
	}
}

func applyStorageDefaults(s *StorageConfig) {
	if s.PrewarmBudget == 0 {
		s.PrewarmBudget = DefaultPrewarmBudget
	}
	if s.GCSectorMaxUses == 0 {
		s.GCSectorMaxUses = DefaultGCSectorMaxUses
	}
}

func applyMetricsDefaults(m *MetricsConfig) {
	if m.Port == 0 {
		m.Port = DefaultMetricsPort
	}
}

// GetDefaultConfig returns a configuration with all defaults applied
// and an 8MiB image in the config directory.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Device: DeviceConfig{
			Image: "flash.img",
			Size:  8 * bytesize.MiB,
		},
		Metrics: MetricsConfig{
			Enabled: false,
		},
	}
	ApplyDefaults(cfg)
	return cfg
}
