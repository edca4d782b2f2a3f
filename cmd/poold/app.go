package main

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jbweber/poold/internal/config"
	"github.com/jbweber/poold/internal/disk"
	"github.com/jbweber/poold/internal/metadata"
	"github.com/jbweber/poold/internal/output"
	"github.com/jbweber/poold/internal/scsi"
	"github.com/jbweber/poold/internal/storage"
	"github.com/jbweber/poold/internal/storagefile"
)

// app is the state shared by every command that touches storage.
type app struct {
	cfg *config.Config
	zl  *zap.Logger
	log logr.Logger
	drv *storage.Driver
}

// loadConfig reads the configuration file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the zap logger: JSON uses the production config and
// console the development one.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	var zc zap.Config
	if cfg.LogFormat == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	zc.ErrorOutputPaths = []string{"stderr"}

	zl, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return zl, nil
}

// newApp loads the configuration, wires the backends and initializes the
// driver from the persisted definitions.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	zl, err := newLogger(cfg)
	if err != nil {
		return nil, err
	}
	log := zapr.NewLogger(zl)

	store := metadata.New(cfg.BaseDir, cfg.StateDir, metadata.WithLogger(log.WithName("metadata")))
	if !readOnly {
		if err := store.EnsureDirs(); err != nil {
			return nil, err
		}
	}

	registry := storage.NewRegistry(
		disk.New(
			disk.WithLogger(log.WithName("dir")),
			disk.WithQemuImg(cfg.QemuImgPath),
		),
		scsi.New(
			scsi.WithLogger(log.WithName("scsi")),
			scsi.WithSysfsRoot(cfg.SysfsRoot),
			scsi.WithScsiID(cfg.ScsiIDPath),
		),
	)

	opts := []storage.Option{
		storage.WithLogger(log.WithName("storage")),
		storage.WithProbing(cfg.AllowProbe),
	}
	if readOnly {
		opts = append(opts, storage.WithAccessChecker(storage.ReadOnly))
	}
	if uid, gid, err := storagefile.HypervisorIDs(); err != nil {
		log.V(1).Info("inspecting backing chains as the daemon user", "error", err.Error())
	} else {
		opts = append(opts, storage.WithFileOwner(uid, gid))
	}

	drv := storage.New(registry, store, opts...)
	if err := drv.Init(ctx); err != nil {
		_ = zl.Sync()
		return nil, fmt.Errorf("failed to initialize storage driver: %w", err)
	}
	return &app{cfg: cfg, zl: zl, log: log, drv: drv}, nil
}

func (a *app) close() {
	a.drv.Cleanup()
	_ = a.zl.Sync()
}

// withApp runs fn against an initialized app.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}

// printWith formats a result with the --output formatter and prints it.
func printWith(cmd *cobra.Command, render func(output.Formatter) (string, error)) error {
	f, err := output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
	if err != nil {
		return err
	}
	result, err := render(f)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), result)
	return nil
}
