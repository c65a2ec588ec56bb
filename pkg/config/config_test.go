package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marmos91/flintfs/internal/bytesize"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
device:
  image: "flash.img"
  size: 8MiB
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected default level INFO, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Expected default format 'text', got %q", cfg.Logging.Format)
	}
	if cfg.Device.SectorSize != 64*bytesize.KiB {
		t.Errorf("Expected default sector_size 64KiB, got %s", cfg.Device.SectorSize)
	}
	if cfg.Device.SubsectorSize != 4*bytesize.KiB {
		t.Errorf("Expected default subsector_size 4KiB, got %s", cfg.Device.SubsectorSize)
	}
	if cfg.Storage.PrewarmBudget != 500*time.Millisecond {
		t.Errorf("Expected default prewarm_budget 500ms, got %v", cfg.Storage.PrewarmBudget)
	}
	if cfg.Storage.GCSectorMaxUses != 64 {
		t.Errorf("Expected default gc_sector_max_uses 64, got %d", cfg.Storage.GCSectorMaxUses)
	}
	if cfg.Metrics.Port != 9090 {
		t.Errorf("Expected default metrics port 9090, got %d", cfg.Metrics.Port)
	}

	// Regions default to the whole device.
	if len(cfg.Regions) != 1 {
		t.Fatalf("Expected one default region, got %d", len(cfg.Regions))
	}
	if cfg.Regions[0].Start != 0 || cfg.Regions[0].End != 8*bytesize.MiB {
		t.Errorf("Expected default region [0, 8MiB), got [%s, %s)", cfg.Regions[0].Start, cfg.Regions[0].End)
	}
}

func TestLoad_NoConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonexistent.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error when loading default config, got: %v", err)
	}
	if cfg == nil {
		t.Fatal("Expected default config to be returned")
	}
	if cfg.Device.Size != 8*bytesize.MiB {
		t.Errorf("Expected default device size 8MiB, got %s", cfg.Device.Size)
	}
}

func TestLoad_DecodeHooks(t *testing.T) {
	path := writeConfig(t, `
device:
  image: "flash.img"
  size: "0x200000"
  sector_size: 65536
  subsector_size: 4KiB

storage:
  prewarm_budget: 250ms
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Device.Size != 2*bytesize.MiB {
		t.Errorf("Expected hex size 2MiB, got %s", cfg.Device.Size)
	}
	if cfg.Device.SectorSize != 64*bytesize.KiB {
		t.Errorf("Expected integer sector_size 64KiB, got %s", cfg.Device.SectorSize)
	}
	if cfg.Storage.PrewarmBudget != 250*time.Millisecond {
		t.Errorf("Expected prewarm_budget 250ms, got %v", cfg.Storage.PrewarmBudget)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	// The key must appear in the file for viper to consider it; the
	// environment then overrides the file value.
	path := writeConfig(t, `
logging:
  level: "INFO"

device:
  image: "flash.img"
  size: 8MiB
`)

	t.Setenv("FLINTFS_LOGGING_LEVEL", "DEBUG")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("Expected env override DEBUG, got %q", cfg.Logging.Level)
	}
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	path := writeConfig(t, `
device:
  size: 8MiB
`)
	if _, err := Load(path); err == nil {
		t.Error("Expected error for missing device.image")
	}
}

func TestValidate_Geometry(t *testing.T) {
	base := func() *Config {
		cfg := &Config{
			Device: DeviceConfig{
				Image: "flash.img",
				Size:  8 * bytesize.MiB,
			},
		}
		ApplyDefaults(cfg)
		return cfg
	}

	cfg := base()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Expected valid config, got: %v", err)
	}

	cfg = base()
	cfg.Device.SubsectorSize = 1000
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for subsector_size not a page multiple")
	}

	cfg = base()
	cfg.Device.SectorSize = 6 * bytesize.KiB
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for sector_size not a subsector multiple")
	}

	cfg = base()
	cfg.Device.Size = 8*bytesize.MiB + 512
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for size not a sector multiple")
	}
}

func TestValidate_Regions(t *testing.T) {
	base := func(regions ...RegionConfig) *Config {
		cfg := &Config{
			Device: DeviceConfig{
				Image: "flash.img",
				Size:  8 * bytesize.MiB,
			},
			Regions: regions,
		}
		ApplyDefaults(cfg)
		return cfg
	}

	cfg := base(
		RegionConfig{Start: 0, End: 64 * bytesize.KiB},
		RegionConfig{Start: 128 * bytesize.KiB, End: 256 * bytesize.KiB},
	)
	if err := Validate(cfg); err != nil {
		t.Fatalf("Expected valid regions, got: %v", err)
	}

	cfg = base(RegionConfig{Start: 64 * bytesize.KiB, End: 32 * bytesize.KiB})
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for end before start")
	}

	cfg = base(RegionConfig{Start: 100, End: 64 * bytesize.KiB})
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for unaligned region start")
	}

	cfg = base(RegionConfig{Start: 0, End: 16 * bytesize.MiB})
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for region past device end")
	}

	cfg = base(
		RegionConfig{Start: 0, End: 128 * bytesize.KiB},
		RegionConfig{Start: 64 * bytesize.KiB, End: 256 * bytesize.KiB},
	)
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for overlapping regions")
	}

	cfg = base(RegionConfig{Start: 0, End: 4 * bytesize.KiB})
	if err := Validate(cfg); err == nil {
		t.Error("Expected error for single-subsector region set")
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := GetDefaultConfig()
	cfg.Device.Image = "/var/lib/flintfs/flash.img"
	cfg.Metrics.Enabled = true

	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to reload config: %v", err)
	}
	if loaded.Device.Image != cfg.Device.Image {
		t.Errorf("Expected image %q, got %q", cfg.Device.Image, loaded.Device.Image)
	}
	if !loaded.Metrics.Enabled {
		t.Error("Expected metrics to remain enabled")
	}
}

func TestConversionHelpers(t *testing.T) {
	cfg := &Config{
		Device: DeviceConfig{
			Image: "flash.img",
			Size:  1 * bytesize.MiB,
		},
		Storage: StorageConfig{
			PrewarmBudget:   100 * time.Millisecond,
			GCSectorMaxUses: 8,
		},
	}
	ApplyDefaults(cfg)

	geo := cfg.Geometry()
	if geo.Size != uint64(1*bytesize.MiB) || geo.SubsectorSize != 4096 {
		t.Errorf("Unexpected geometry: %+v", geo)
	}

	regions := cfg.FTLRegions()
	if len(regions) != 1 || regions[0].End != uint64(1*bytesize.MiB) {
		t.Errorf("Unexpected regions: %+v", regions)
	}

	opts := cfg.StorageOptions()
	if opts.PrewarmBudget != 100*time.Millisecond || opts.GCSectorMaxUses != 8 {
		t.Errorf("Unexpected storage options: %+v", opts)
	}
}
