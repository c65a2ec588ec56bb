package config

import (
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/marmos91/flintfs/internal/bytesize"
	"github.com/marmos91/flintfs/pkg/pfs"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// getValidator returns the shared validator instance.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the configuration for errors. Struct tags cover the
// per-field rules; geometry and region consistency is checked here.
func Validate(cfg *Config) error {
	if err := getValidator().Struct(cfg); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("invalid configuration: %s", formatValidationErrors(errs))
		}
		return err
	}

	if err := validateGeometry(&cfg.Device); err != nil {
		return err
	}
	return validateRegions(cfg)
}

func formatValidationErrors(errs validator.ValidationErrors) string {
	msg := ""
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += fmt.Sprintf("field %q failed on %q", e.Namespace(), e.Tag())
	}
	return msg
}

// validateGeometry enforces the size relations the flash layer assumes.
func validateGeometry(d *DeviceConfig) error {
	if d.SubsectorSize < bytesize.ByteSize(pfs.PageSize) || !d.SubsectorSize.IsMultipleOf(bytesize.ByteSize(pfs.PageSize)) {
		return fmt.Errorf("device.subsector_size %s must be a multiple of the %d byte page size", d.SubsectorSize, pfs.PageSize)
	}
	if !d.SectorSize.IsMultipleOf(d.SubsectorSize) {
		return fmt.Errorf("device.sector_size %s must be a multiple of subsector_size %s", d.SectorSize, d.SubsectorSize)
	}
	if !d.Size.IsMultipleOf(d.SectorSize) {
		return fmt.Errorf("device.size %s must be a multiple of sector_size %s", d.Size, d.SectorSize)
	}
	return nil
}

// validateRegions checks ordering, alignment and bounds of the region
// list. Regions must be subsector-aligned so the filesystem can erase
// them independently.
func validateRegions(cfg *Config) error {
	var prevEnd bytesize.ByteSize
	var total bytesize.ByteSize
	for i, r := range cfg.Regions {
		if r.End <= r.Start {
			return fmt.Errorf("regions[%d]: end %s must be greater than start %s", i, r.End, r.Start)
		}
		if !r.Start.IsMultipleOf(cfg.Device.SubsectorSize) || !r.End.IsMultipleOf(cfg.Device.SubsectorSize) {
			return fmt.Errorf("regions[%d]: bounds must be aligned to subsector_size %s", i, cfg.Device.SubsectorSize)
		}
		if r.End > cfg.Device.Size {
			return fmt.Errorf("regions[%d]: end %s exceeds device size %s", i, r.End, cfg.Device.Size)
		}
		if r.Start < prevEnd {
			return fmt.Errorf("regions[%d]: overlaps or is out of order with previous region", i)
		}
		prevEnd = r.End
		total += r.End - r.Start
	}
	if total > 0 && total < 2*cfg.Device.SubsectorSize {
		return fmt.Errorf("regions cover %s, need at least two subsectors (%s) for garbage collection", total, 2*cfg.Device.SubsectorSize)
	}
	return nil
}
