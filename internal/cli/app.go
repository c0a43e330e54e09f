package cli

import (
	"context"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vmx/internal/config"
	"github.com/jbweber/homelab/vmx/internal/datastore"
	"github.com/jbweber/homelab/vmx/internal/domain"
	"github.com/jbweber/homelab/vmx/internal/images"
	"github.com/jbweber/homelab/vmx/internal/invoke"
	"github.com/jbweber/homelab/vmx/internal/lifecycle"
	"github.com/jbweber/homelab/vmx/internal/qemu"
	"github.com/jbweber/homelab/vmx/internal/volumes"
)

// App wires the state store and managers for one CLI invocation.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Store    *datastore.Datastore
	Runner   invoke.Runner
	Machines *lifecycle.Manager
	Images   *images.Manager
	Volumes  *volumes.Manager
}

// NewApp opens the database under cfg and builds the managers on the host runner.
func NewApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	ds, err := datastore.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	runner := invoke.ExecRunner{}
	return Assemble(cfg, ds, runner, invoke.KillSignaler{Runner: runner}, logger), nil
}

// Assemble builds an App over an opened datastore. Tests use it with fakes.
func Assemble(cfg *config.Config, ds *datastore.Datastore, runner invoke.Runner, signaler invoke.Signaler, logger zerolog.Logger) *App {
	vols := volumes.NewManager(ds.Volumes, ds.Images, runner, cfg.VolumesDir, logger)
	imgs := images.NewManager(images.Deps{
		Images:  ds.Images,
		VMs:     ds.VMs,
		Volumes: ds.Volumes,
		Cleaner: vols,
		Runner:  runner,
		Logger:  logger,
	}, images.Config{
		Dir:         cfg.ImagesDir,
		Arch:        domain.HostArch(),
		OS:          cfg.RegistryOS,
		Description: cfg.RegistryDescription,
	})
	machines := lifecycle.NewManager(lifecycle.Deps{
		VMs:      ds.VMs,
		Images:   ds.Images,
		Volumes:  vols,
		Runner:   runner,
		Signaler: signaler,
		Logger:   logger,
	}, lifecycle.Config{
		Arch:         qemu.HostArch(runtime.GOARCH),
		GOOS:         runtime.GOOS,
		LogsDir:      cfg.LogsDir,
		FirmwareDir:  cfg.StateDir,
		FirmwareCode: cfg.FirmwareCode,
		FirmwareVars: cfg.FirmwareVars,
	})

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    ds,
		Runner:   runner,
		Machines: machines,
		Images:   imgs,
		Volumes:  vols,
	}
}

// Close releases the datastore
func (a *App) Close() error {
	return a.Store.Close()
}
