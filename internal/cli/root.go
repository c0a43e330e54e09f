// Package cli is the vmx command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/vmx/internal/config"
	"github.com/jbweber/homelab/vmx/internal/domain"
	"github.com/jbweber/homelab/vmx/internal/lifecycle"
	"github.com/jbweber/homelab/vmx/internal/observability"
	"github.com/jbweber/homelab/vmx/internal/repository"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// AppFactory builds the App a command runs against.
type AppFactory func(ctx context.Context) (*App, error)

// DefaultAppFactory loads configuration from the environment and opens the
// on-disk state store.
func DefaultAppFactory(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := observability.InitLogger("vmx", cfg.LogLevel)
	return NewApp(ctx, cfg, logger)
}

// env hands commands a lazily built App so commands like init never touch
// the database.
type env struct {
	factory AppFactory
	app     *App
}

func (e *env) App(cmd *cobra.Command) (*App, error) {
	if e.app != nil {
		return e.app, nil
	}
	app, err := e.factory(cmd.Context())
	if err != nil {
		return nil, err
	}
	e.app = app
	return app, nil
}

func (e *env) close() {
	if e.app != nil {
		_ = e.app.Close()
		e.app = nil
	}
}

// vmFlags are the machine settings shared by the root command, run and start
type vmFlags struct {
	cpu         string
	cpus        int
	memory      string
	bridge      string
	portForward string
	detach      bool
	volume      string
	install     bool
}

func (f *vmFlags) register(cmd *cobra.Command, withVolume bool) {
	flags := cmd.Flags()
	flags.StringVarP(&f.cpu, "cpu", "c", lifecycle.DefaultCPU, "Type of CPU to emulate")
	flags.IntVarP(&f.cpus, "cpus", "C", 2, "Number of CPU cores")
	flags.StringVarP(&f.memory, "memory", "m", lifecycle.DefaultMemory, "Amount of memory for the VM")
	flags.StringVarP(&f.bridge, "bridge", "b", "", "Name of the network bridge to use for networking (e.g., br0)")
	flags.StringVarP(&f.portForward, "port-forward", "p", "", "Port forwarding rules hostPort:guestPort, comma-separated")
	flags.BoolVarP(&f.detach, "detach", "d", false, "Run VM in the background and print VM name")
	if withVolume {
		flags.StringVarP(&f.volume, "volume", "v", "", "Volume to attach, created from the VM's image if missing")
	}
}

func (f *vmFlags) registerInstall(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.install, "install", false, "Persist disk changes; without it the VM runs with -snapshot unless a volume is attached")
}

func (f *vmFlags) mode() lifecycle.Mode {
	if f.detach {
		return lifecycle.Detached
	}
	return lifecycle.Foreground
}

// newRootCommand builds the command tree. Every subcommand gets its App from
// the returned env, which the caller closes once the command has run.
func newRootCommand(factory AppFactory) (*cobra.Command, *env) {
	e := &env{factory: factory}

	var (
		flags      vmFlags
		image      string
		diskFormat string
		size       string
		output     string
	)

	root := &cobra.Command{
		Use:   "vmx [path-to-iso | iso-url | image]",
		Short: "Manage and run headless VMs using QEMU",
		Long: `vmx runs headless QEMU virtual machines, keeps their state in a local
database and moves disk images to and from OCI registries with oras.

Without arguments it boots the VM described by ./vmconfig.toml.`,
		Version:       Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}

			var input string
			if len(args) == 1 {
				input = args[0]
				// A known image name runs like `vmx run`
				if _, err := app.Images.Get(cmd.Context(), input); err == nil {
					return runImage(cmd, app, input, flags, "")
				}
			}

			vmCfg, err := loadVMConfig(input != "")
			if err != nil {
				return err
			}
			req, detach := mergeVMConfig(cmd, vmCfg, flags, image, diskFormat, size)
			switch {
			case isISOURL(input):
				if req.ISOPath, err = downloadISO(cmd, app, input, output, req.DrivePath); err != nil {
					return err
				}
			case input != "":
				if !strings.HasSuffix(input, ".iso") {
					return fmt.Errorf("%s is neither a local image nor an .iso file: %w", input, domain.ErrInvalidArgument)
				}
				if _, err := os.Stat(input); err != nil {
					return err
				}
				req.ISOPath = input
			case isISOURL(vmCfg.VM.ISO):
				if req.ISOPath, err = downloadISO(cmd, app, vmCfg.VM.ISO, output, req.DrivePath); err != nil {
					return err
				}
			}

			// Once the system is installed the drive boots on its own
			if input == "" && req.ISOPath != "" {
				empty, err := driveIsEmpty(req.DrivePath)
				if err != nil {
					return err
				}
				if !empty {
					app.Logger.Info().Str("drive", req.DrivePath).Str("used", describeUsage(req.DrivePath)).Msg("drive is not empty, not attaching iso")
					req.ISOPath = ""
				}
			}

			vm, err := app.Machines.Create(cmd.Context(), req)
			if err != nil {
				return err
			}
			mode := lifecycle.Foreground
			if detach {
				mode = lifecycle.Detached
			}
			return startAndReport(cmd, app, vm.Name, lifecycle.Overrides{}, mode)
		},
	}

	flags.register(root, false)
	flags.registerInstall(root)
	root.Flags().StringVarP(&output, "output", "o", "", "Where to save a downloaded ISO, defaults to the URL's file name")
	root.Flags().StringVarP(&image, "image", "i", "", "Path to VM disk image, created if missing")
	root.Flags().StringVar(&diskFormat, "disk-format", "raw", "Disk image format (qcow2 or raw)")
	root.Flags().StringVarP(&size, "size", "s", lifecycle.DefaultDiskSize, "Size of the disk image to create if it doesn't exist")

	root.AddCommand(
		newInitCommand(),
		newRunCommand(e),
		newPsCommand(e),
		newStartCommand(e),
		newStopCommand(e),
		newRestartCommand(e),
		newRmCommand(e),
		newInspectCommand(e),
		newLogsCommand(e),
		newImagesCommand(e),
		newRmiCommand(e),
		newTagCommand(e),
		newPushCommand(e),
		newPullCommand(e),
		newLoginCommand(e),
		newLogoutCommand(e),
		newVolumesCommand(e),
		newVolumeCommand(e),
		newServeCommand(e),
	)
	return root, e
}

// Execute runs the command tree against the host with the process arguments.
func Execute(ctx context.Context) error {
	return Run(ctx, DefaultAppFactory, os.Args[1:])
}

// Run executes args against the App built by factory and releases it afterwards.
func Run(ctx context.Context, factory AppFactory, args []string) error {
	root, e := newRootCommand(factory)
	defer e.close()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}

// loadVMConfig reads ./vmconfig.toml. It is optional when the VM source was
// given on the command line.
func loadVMConfig(optional bool) (config.VMConfig, error) {
	cfg, err := config.ReadVMConfig(config.VMConfigFileName)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		if optional {
			return config.VMConfig{}, nil
		}
		return config.VMConfig{}, fmt.Errorf("no %s found, run `vmx init` first", config.VMConfigFileName)
	}
	return config.VMConfig{}, err
}

// mergeVMConfig layers flags the user set over the file over flag defaults.
func mergeVMConfig(cmd *cobra.Command, file config.VMConfig, flags vmFlags, image, diskFormat, size string) (lifecycle.CreateRequest, bool) {
	pick := func(name, flagValue, fileValue string) string {
		if cmd.Flags().Changed(name) || fileValue == "" {
			return flagValue
		}
		return fileValue
	}

	cpus := flags.cpus
	if !cmd.Flags().Changed("cpus") && file.VM.CPUs > 0 {
		cpus = file.VM.CPUs
	}
	detach := flags.detach || file.Options.Detach

	req := lifecycle.CreateRequest{
		CPU:          pick("cpu", flags.cpu, file.VM.CPU),
		CPUs:         cpus,
		Memory:       pick("memory", flags.memory, file.VM.Memory),
		DrivePath:    pick("image", image, file.VM.Image),
		DiskFormat:   pick("disk-format", diskFormat, file.VM.DiskFormat),
		DiskSize:     pick("size", size, file.VM.Size),
		Bridge:       pick("bridge", flags.bridge, file.Network.Bridge),
		PortForwards: domain.SplitPortForwards(pick("port-forward", flags.portForward, file.Network.PortForward)),
		Install:      flags.install,
	}
	if iso := file.VM.ISO; iso != "" && strings.HasSuffix(iso, ".iso") {
		if _, err := os.Stat(iso); err == nil {
			req.ISOPath = iso
		}
	}
	return req, detach
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a default VM configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteVMConfig(config.VMConfigFileName, config.DefaultVMConfig()); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "New VM configuration file created at ./%s\n", config.VMConfigFileName)
			fmt.Fprintln(out, "Edit it to customize your VM settings, then start the VM with:")
			fmt.Fprintln(out, "  vmx")
			return nil
		},
	}
}

// runImage creates a VM from image, pulling it first when it is not local, and starts it.
func runImage(cmd *cobra.Command, app *App, ref string, flags vmFlags, name string) error {
	ctx := cmd.Context()
	if _, err := app.Images.Get(ctx, ref); errors.Is(err, repository.ErrNotFound) {
		fmt.Fprintf(cmd.ErrOrStderr(), "Image %s not found locally, pulling\n", ref)
		if _, err := app.Images.Pull(ctx, ref); err != nil && !errors.Is(err, domain.ErrAlreadyPulled) {
			return err
		}
	} else if err != nil {
		return err
	}

	vm, err := app.Machines.Create(ctx, lifecycle.CreateRequest{
		Name:         name,
		Image:        ref,
		Volume:       flags.volume,
		Bridge:       flags.bridge,
		Memory:       flags.memory,
		CPUs:         flags.cpus,
		CPU:          flags.cpu,
		PortForwards: domain.SplitPortForwards(flags.portForward),
		Install:      flags.install,
	})
	if err != nil {
		return err
	}
	return startAndReport(cmd, app, vm.Name, lifecycle.Overrides{}, flags.mode())
}

// startAndReport starts ref and prints the VM name when detached. A
// foreground engine exiting non-zero becomes the command's error.
func startAndReport(cmd *cobra.Command, app *App, ref string, ov lifecycle.Overrides, mode lifecycle.Mode) error {
	if mode == lifecycle.Foreground {
		app.Machines.Stdin = cmd.InOrStdin()
		app.Machines.Stdout = cmd.OutOrStdout()
		app.Machines.Stderr = cmd.ErrOrStderr()
	}
	res, err := app.Machines.Start(cmd.Context(), ref, ov, mode)
	if err != nil {
		return err
	}
	if mode == lifecycle.Detached {
		fmt.Fprintln(cmd.OutOrStdout(), res.VM.Name)
		return nil
	}
	if res.ExitCode != 0 {
		return &ExitCodeError{Code: res.ExitCode}
	}
	return nil
}

// ExitCodeError carries a VM engine exit status out of the command tree.
type ExitCodeError struct {
	Code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("vm exited with code %d", e.Code)
}
