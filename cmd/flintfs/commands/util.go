package commands

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/marmos91/flintfs/internal/cli/output"
	"github.com/marmos91/flintfs/internal/logger"
	"github.com/marmos91/flintfs/pkg/config"
	"github.com/marmos91/flintfs/pkg/flash"
	"github.com/marmos91/flintfs/pkg/metrics"
	"github.com/marmos91/flintfs/pkg/pfs"
)

// openFilesystem loads configuration, opens the flash image and mounts
// the filesystem. The returned cleanup function syncs and closes the
// image and must be called even when the command fails afterwards.
func openFilesystem() (*pfs.Filesystem, func(), error) {
	cfg, err := config.MustLoad(cfgFile)
	if err != nil {
		return nil, nil, err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	// With metrics enabled the exposition endpoint serves for the
	// lifetime of the command, so scrapes during long formats and
	// collections see live counters.
	opts := cfg.StorageOptions()
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		opts.Metrics = metrics.NewStorageMetrics()
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler: metrics.Handler(),
		}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics listener failed", logger.KeyError, err)
			}
		}()
		logger.Info("metrics endpoint listening", "port", cfg.Metrics.Port)
	}

	dev, err := flash.OpenFileDevice(cfg.Device.Image, cfg.Geometry())
	if err != nil {
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
		return nil, nil, fmt.Errorf("failed to open flash image %s: %w", cfg.Device.Image, err)
	}
	cleanup := func() {
		if err := dev.Sync(); err != nil {
			logger.Error("image sync failed", logger.KeyError, err)
		}
		if err := dev.Close(); err != nil {
			logger.Error("image close failed", logger.KeyError, err)
		}
		if metricsSrv != nil {
			_ = metricsSrv.Close()
		}
	}

	fs, err := pfs.Mount(dev, cfg.FTLRegions(), opts)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to mount filesystem: %w", err)
	}
	return fs, cleanup, nil
}

// printOutput renders data in the format selected by the --output flag.
func printOutput(w io.Writer, data any) error {
	format, err := output.ParseFormat(outputFmt)
	if err != nil {
		return err
	}
	return output.Print(w, format, data)
}
