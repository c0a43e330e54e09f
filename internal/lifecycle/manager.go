// Package lifecycle supervises VM engine processes and keeps their recorded
// state in step: create, start (foreground or detached), stop, restart, remove.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vmx/internal/domain"
	"github.com/jbweber/homelab/vmx/internal/invoke"
	"github.com/jbweber/homelab/vmx/internal/observability"
	"github.com/jbweber/homelab/vmx/internal/qemu"
	"github.com/jbweber/homelab/vmx/internal/repository"
)

// Defaults applied by Create.
const (
	DefaultMemory   = "2G"
	DefaultCPUs     = 8
	DefaultCPU      = "host"
	DefaultDiskSize = "20G"
)

// Timing defaults. Tests shrink them on the Manager.
const (
	DefaultGracePeriod = 3 * time.Second
	DefaultSettleDelay = 2 * time.Second
	DefaultBootDelay   = 2 * time.Second
	DefaultBootInput   = "1\n"
)

// Mode selects how Start supervises the engine.
type Mode int

const (
	// Foreground inherits stdio and waits for the engine to exit.
	Foreground Mode = iota
	// Detached logs to a file and returns once the engine is booting.
	Detached
)

func (m Mode) String() string {
	if m == Detached {
		return "detached"
	}
	return "foreground"
}

// VolumeProvisioner is the part of the volume manager lifecycle depends on.
type VolumeProvisioner interface {
	Get(ctx context.Context, ref string) (domain.Volume, error)
	CreateIfMissing(ctx context.Context, name string, base domain.Image, size string) (domain.Volume, error)
}

// Config holds host facts and directories.
type Config struct {
	Arch        string // qemu.ArchAarch64 or qemu.ArchX86_64
	GOOS        string
	LogsDir     string
	FirmwareDir string // where per-VM pflash vars copies are written
	// FirmwareCode and FirmwareVars locate the aarch64 UEFI images
	FirmwareCode string
	FirmwareVars string
}

// Deps are the collaborators of a Manager.
type Deps struct {
	VMs      repository.VMRepository
	Images   repository.ImageRepository
	Volumes  VolumeProvisioner
	Runner   invoke.Runner
	Signaler invoke.Signaler
	Logger   zerolog.Logger
}

// CreateRequest describes a new VM. Either Image or one of ISOPath/DrivePath is required.
type CreateRequest struct {
	Name         string
	Image        string
	ISOPath      string
	DrivePath    string
	DiskFormat   string
	Bridge       string
	Memory       string
	CPUs         int
	CPU          string
	DiskSize     string
	PortForwards []string
	Volume       string
	// Install keeps disk writes. Without it, and without a volume, the engine
	// runs with -snapshot so the backing disk is never modified.
	Install bool
}

// Overrides replace recorded settings on start. Zero values leave a setting alone.
type Overrides struct {
	CPU          string
	CPUs         int
	Memory       string
	PortForwards []string
	DrivePath    string
	DiskFormat   string
	Bridge       string
	DiskSize     string
	Volume       string
}

// StartResult is returned by Start and Restart.
type StartResult struct {
	VM domain.VM
	// ExitCode is the engine's exit status in Foreground mode
	ExitCode int
	// LogPath is set in Detached mode
	LogPath string
	// Command is the engine invocation, for display
	Command string
}

// Manager implements the VM lifecycle.
type Manager struct {
	vms      repository.VMRepository
	images   repository.ImageRepository
	volumes  VolumeProvisioner
	runner   invoke.Runner
	signaler invoke.Signaler
	cfg      Config
	logger   zerolog.Logger

	GracePeriod time.Duration
	SettleDelay time.Duration
	BootDelay   time.Duration
	BootInput   string

	// Stdio for Foreground starts
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a lifecycle manager with the default timings
func NewManager(deps Deps, cfg Config) *Manager {
	return &Manager{
		vms:         deps.VMs,
		images:      deps.Images,
		volumes:     deps.Volumes,
		runner:      deps.Runner,
		signaler:    deps.Signaler,
		cfg:         cfg,
		logger:      deps.Logger.With().Str("component", "lifecycle").Logger(),
		GracePeriod: DefaultGracePeriod,
		SettleDelay: DefaultSettleDelay,
		BootDelay:   DefaultBootDelay,
		BootInput:   DefaultBootInput,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
		locks:       make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex serializing transitions of one VM
func (m *Manager) lock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// List returns RUNNING VMs, or every VM when all is set.
func (m *Manager) List(ctx context.Context, all bool) ([]domain.VM, error) {
	if all {
		return m.vms.FindAll(ctx)
	}
	return m.vms.FindByStatus(ctx, domain.StatusRunning)
}

// Get looks a VM up by name or id.
func (m *Manager) Get(ctx context.Context, ref string) (domain.VM, error) {
	return m.vms.FindByRef(ctx, ref)
}

// LogPath returns the file detached starts of ref write to.
func (m *Manager) LogPath(ctx context.Context, ref string) (string, error) {
	vm, err := m.vms.FindByRef(ctx, ref)
	if err != nil {
		return "", err
	}
	return m.logPath(vm), nil
}

func (m *Manager) logPath(vm domain.VM) string {
	return filepath.Join(m.cfg.LogsDir, vm.Name+".log")
}

// Create records a new STOPPED VM.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (vm domain.VM, err error) {
	start := time.Now()
	defer func() { observability.RecordLifecycle("create", time.Since(start), err) }()

	if err := validateSettings(req.Memory, req.DiskSize, req.PortForwards); err != nil {
		return domain.VM{}, err
	}
	if req.Name != "" && !namePattern.MatchString(req.Name) {
		return domain.VM{}, fmt.Errorf("vm name %q: %w", req.Name, domain.ErrInvalidArgument)
	}

	vm = domain.VM{
		Name:        req.Name,
		Bridge:      req.Bridge,
		Memory:      orDefault(req.Memory, DefaultMemory),
		CPUs:        req.CPUs,
		CPU:         orDefault(req.CPU, DefaultCPU),
		DiskSize:    orDefault(req.DiskSize, DefaultDiskSize),
		DrivePath:   req.DrivePath,
		DiskFormat:  req.DiskFormat,
		ISOPath:     req.ISOPath,
		PortForward: strings.Join(req.PortForwards, ","),
		Status:      domain.StatusStopped,
	}
	if vm.CPUs <= 0 {
		vm.CPUs = DefaultCPUs
	}

	switch {
	case req.Image != "":
		image, err := m.images.FindByRef(ctx, req.Image)
		if err != nil {
			return domain.VM{}, err
		}
		vm.Version = image.Tag
		vm.DrivePath = image.Path
		vm.DiskFormat = orDefault(image.Format, "raw")

		if req.Volume != "" {
			vol, err := m.volumes.CreateIfMissing(ctx, req.Volume, image, "")
			if err != nil {
				return domain.VM{}, err
			}
			vm.Volume = vol.Name
			vm.DrivePath = vol.Path
			vm.DiskFormat = "qcow2"
		}
	case req.ISOPath != "" || req.DrivePath != "":
		vm.DiskFormat = orDefault(vm.DiskFormat, "raw")
		if req.Volume != "" {
			return domain.VM{}, fmt.Errorf("a volume needs a base image: %w", domain.ErrInvalidArgument)
		}
		if err := m.ensureDrive(ctx, vm); err != nil {
			return domain.VM{}, err
		}
	default:
		return domain.VM{}, fmt.Errorf("an image, iso or drive path is required: %w", domain.ErrInvalidArgument)
	}
	vm.Snapshot = !req.Install && vm.Volume == ""

	if vm.MACAddress, err = randomMAC(); err != nil {
		return domain.VM{}, err
	}

	if vm.Name != "" {
		vm, err = m.vms.Create(ctx, vm)
	} else {
		vm, err = m.createWithRandomName(ctx, vm)
	}
	if err != nil {
		return domain.VM{}, err
	}

	m.logger.Info().Str("vm", vm.Name).Str("id", vm.ID).Str("drive", vm.DrivePath).Msg("vm created")
	return vm, nil
}

// ensureDrive creates an empty disk at the VM's drive path when none exists
func (m *Manager) ensureDrive(ctx context.Context, vm domain.VM) error {
	if vm.DrivePath == "" {
		return nil
	}
	if _, err := os.Stat(vm.DrivePath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to stat drive: %w", err)
	}

	if dir := filepath.Dir(vm.DrivePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create drive directory: %w", err)
		}
	}
	_, err := m.runner.Run(ctx, invoke.Command{
		Name: "qemu-img",
		Args: []string{"create", "-f", vm.DiskFormat, vm.DrivePath, vm.DiskSize},
	})
	if err != nil {
		return fmt.Errorf("failed to create drive %s: %w", vm.DrivePath, err)
	}
	m.logger.Info().Str("drive", vm.DrivePath).Str("size", vm.DiskSize).Msg("drive created")
	return nil
}

// createWithRandomName retries on name collisions
func (m *Manager) createWithRandomName(ctx context.Context, vm domain.VM) (domain.VM, error) {
	var err error
	for range 10 {
		vm.Name = randomName()
		var created domain.VM
		created, err = m.vms.Create(ctx, vm)
		if err == nil {
			return created, nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return domain.VM{}, err
		}
	}
	return domain.VM{}, err
}

// Start launches the engine for ref. A RUNNING VM fails with domain.ErrAlreadyRunning
// and is left untouched. In Foreground mode the call returns once the engine exits;
// a non-zero exit is reported in StartResult.ExitCode, not as an error.
func (m *Manager) Start(ctx context.Context, ref string, ov Overrides, mode Mode) (res StartResult, err error) {
	start := time.Now()
	defer func() { observability.RecordLifecycle("start", time.Since(start), err) }()

	found, err := m.vms.FindByRef(ctx, ref)
	if err != nil {
		return StartResult{}, err
	}

	l := m.lock(found.ID)
	l.Lock()
	locked := true
	unlock := func() {
		if locked {
			locked = false
			l.Unlock()
		}
	}
	defer unlock()

	// Re-read under the lock; another caller may have started it meanwhile
	vm, err := m.vms.FindByID(ctx, found.ID)
	if err != nil {
		return StartResult{}, err
	}
	if vm.IsRunning() {
		return StartResult{VM: vm}, fmt.Errorf("vm %s (pid %d): %w", vm.Name, vm.PID, domain.ErrAlreadyRunning)
	}

	vm, err = m.applyOverrides(ctx, vm, ov)
	if err != nil {
		return StartResult{}, err
	}

	cmd, err := m.engineCommand(vm)
	if err != nil {
		return StartResult{}, err
	}
	res.Command = cmd.String()

	if mode == Detached {
		return m.startDetached(ctx, vm, cmd, res, unlock)
	}
	return m.startForeground(ctx, vm, cmd, res, unlock)
}

func (m *Manager) engineCommand(vm domain.VM) (invoke.Command, error) {
	fw, err := qemu.PrepareFirmware(m.cfg.Arch, m.cfg.FirmwareCode, m.cfg.FirmwareVars, m.cfg.FirmwareDir, vm.Name)
	if err != nil {
		return invoke.Command{}, err
	}
	args := qemu.BuildArgs(qemu.Config{Arch: m.cfg.Arch, GOOS: m.cfg.GOOS, VM: vm, Firmware: fw})
	return invoke.Command{
		Name:     qemu.Binary(m.cfg.Arch),
		Args:     args,
		Elevated: vm.Bridge != "",
	}, nil
}

func (m *Manager) startForeground(ctx context.Context, vm domain.VM, cmd invoke.Command, res StartResult, unlock func()) (StartResult, error) {
	cmd.Stdin, cmd.Stdout, cmd.Stderr = m.Stdin, m.Stdout, m.Stderr

	proc, err := m.runner.Start(ctx, cmd)
	if err != nil {
		return StartResult{}, err
	}
	pid := proc.Pid()
	if err := m.vms.UpdateStatus(ctx, vm.ID, domain.StatusRunning, pid); err != nil {
		m.abandon(ctx, vm, cmd, proc)
		return StartResult{}, err
	}
	unlock()
	m.logger.Info().Str("vm", vm.Name).Int("pid", pid).Str("mode", Foreground.String()).Msg("vm started")

	code, waitErr := proc.Wait()

	// The engine is gone whatever ctx says; record it
	if err := m.vms.UpdateStatus(context.WithoutCancel(ctx), vm.ID, domain.StatusStopped, pid); err != nil {
		return StartResult{}, err
	}
	if waitErr != nil {
		return StartResult{}, waitErr
	}
	m.logger.Info().Str("vm", vm.Name).Int("pid", pid).Int("exit_code", code).Msg("vm exited")

	res.ExitCode = code
	res.VM, err = m.vms.FindByID(ctx, vm.ID)
	return res, err
}

func (m *Manager) startDetached(ctx context.Context, vm domain.VM, cmd invoke.Command, res StartResult, unlock func()) (StartResult, error) {
	if err := os.MkdirAll(m.cfg.LogsDir, 0755); err != nil {
		return StartResult{}, fmt.Errorf("failed to create logs directory: %w", err)
	}
	res.LogPath = m.logPath(vm)
	logFile, err := os.OpenFile(res.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return StartResult{}, fmt.Errorf("failed to open log file: %w", err)
	}
	// The child keeps its own descriptor
	defer logFile.Close()

	cmd.Stdout, cmd.Stderr = logFile, logFile
	cmd.Detached = true
	cmd.OpenStdin = true

	proc, err := m.runner.Start(ctx, cmd)
	if err != nil {
		return StartResult{}, err
	}
	pid := proc.Pid()
	if err := m.vms.UpdateStatus(ctx, vm.ID, domain.StatusRunning, pid); err != nil {
		m.abandon(ctx, vm, cmd, proc)
		return StartResult{}, err
	}
	unlock()
	m.logger.Info().Str("vm", vm.Name).Int("pid", pid).Str("log", res.LogPath).Str("mode", Detached.String()).Msg("vm started")

	go m.reap(vm, proc)

	if stdin := proc.Stdin(); stdin != nil {
		if err := sleepCtx(ctx, m.BootDelay); err == nil {
			if _, err := io.WriteString(stdin, m.BootInput); err != nil {
				m.logger.Warn().Err(err).Str("vm", vm.Name).Msg("failed to send boot input")
			}
		}
		_ = stdin.Close()
	}

	res.VM, err = m.vms.FindByID(ctx, vm.ID)
	return res, err
}

// abandon kills an engine whose RUNNING record could not be written, so no
// process is left behind that the store does not know about.
func (m *Manager) abandon(ctx context.Context, vm domain.VM, cmd invoke.Command, proc invoke.Process) {
	logger := m.logger.With().Str("vm", vm.Name).Int("pid", proc.Pid()).Logger()
	logger.Warn().Msg("failed to record running vm, killing engine")
	if err := m.signaler.Signal(context.WithoutCancel(ctx), proc.Pid(), invoke.SignalKill, cmd.Elevated); err != nil {
		logger.Warn().Err(err).Msg("failed to kill engine")
	}
	if stdin := proc.Stdin(); stdin != nil {
		_ = stdin.Close()
	}
	if _, err := proc.Wait(); err != nil {
		logger.Warn().Err(err).Msg("failed to wait for engine")
	}
}

// reap waits for a detached engine. If the record still points at this
// process it is marked STOPPED.
func (m *Manager) reap(vm domain.VM, proc invoke.Process) {
	code, err := proc.Wait()
	logger := m.logger.With().Str("vm", vm.Name).Int("pid", proc.Pid()).Logger()
	if err != nil {
		logger.Warn().Err(err).Msg("failed to wait for detached vm")
		return
	}
	logger.Info().Int("exit_code", code).Msg("detached vm exited")

	l := m.lock(vm.ID)
	l.Lock()
	defer l.Unlock()

	ctx := context.Background()
	current, err := m.vms.FindByID(ctx, vm.ID)
	if err != nil || !current.IsRunning() || current.PID != proc.Pid() {
		return
	}
	if err := m.vms.UpdateStatus(ctx, vm.ID, domain.StatusStopped, current.PID); err != nil {
		logger.Warn().Err(err).Msg("failed to record vm exit")
	}
}

// applyOverrides overlays ov on vm, attaches a volume when one is named, and
// persists the result.
func (m *Manager) applyOverrides(ctx context.Context, vm domain.VM, ov Overrides) (domain.VM, error) {
	if err := validateSettings(ov.Memory, ov.DiskSize, ov.PortForwards); err != nil {
		return domain.VM{}, err
	}

	before := vm
	vm.CPU = orDefault(ov.CPU, vm.CPU)
	if ov.CPUs > 0 {
		vm.CPUs = ov.CPUs
	}
	vm.Memory = orDefault(ov.Memory, vm.Memory)
	if len(ov.PortForwards) > 0 {
		vm.PortForward = strings.Join(ov.PortForwards, ",")
	}
	vm.DrivePath = orDefault(ov.DrivePath, vm.DrivePath)
	vm.DiskFormat = orDefault(ov.DiskFormat, vm.DiskFormat)
	vm.Bridge = orDefault(ov.Bridge, vm.Bridge)
	vm.DiskSize = orDefault(ov.DiskSize, vm.DiskSize)

	if ov.Volume != "" {
		vol, err := m.attachVolume(ctx, vm, ov.Volume)
		if err != nil {
			return domain.VM{}, err
		}
		vm.Volume = vol.Name
		vm.DrivePath = vol.Path
		vm.DiskFormat = "qcow2"
		vm.Snapshot = false
	}

	if vm == before {
		return vm, nil
	}
	return m.vms.Update(ctx, vm)
}

// attachVolume returns the named volume, creating it from the image behind the
// VM's current disk when it does not exist yet.
func (m *Manager) attachVolume(ctx context.Context, vm domain.VM, name string) (domain.Volume, error) {
	vol, err := m.volumes.Get(ctx, name)
	if err == nil {
		return vol, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return domain.Volume{}, err
	}

	if vm.DrivePath == "" {
		return domain.Volume{}, fmt.Errorf("vm %s has no disk to base volume %s on: %w", vm.Name, name, domain.ErrInvalidArgument)
	}
	base, err := m.baseImage(ctx, vm.DrivePath)
	if err != nil {
		return domain.Volume{}, err
	}
	return m.volumes.CreateIfMissing(ctx, name, base, "")
}

// baseImage finds the image stored at path, or the base image of the volume stored there.
func (m *Manager) baseImage(ctx context.Context, path string) (domain.Image, error) {
	image, err := m.images.FindByPath(ctx, path)
	if err == nil || !errors.Is(err, repository.ErrNotFound) {
		return image, err
	}
	vol, verr := m.volumes.Get(ctx, path)
	if verr != nil {
		return domain.Image{}, err
	}
	return m.images.FindByID(ctx, vol.BaseImageID)
}

// Stop terminates ref's engine: TERM, a grace period, then KILL if it is still
// alive or TERM could not be delivered. A STOPPED VM is returned unchanged.
func (m *Manager) Stop(ctx context.Context, ref string) (vm domain.VM, err error) {
	start := time.Now()
	defer func() { observability.RecordLifecycle("stop", time.Since(start), err) }()

	found, err := m.vms.FindByRef(ctx, ref)
	if err != nil {
		return domain.VM{}, err
	}

	l := m.lock(found.ID)
	l.Lock()
	defer l.Unlock()

	vm, err = m.vms.FindByID(ctx, found.ID)
	if err != nil {
		return domain.VM{}, err
	}
	if !vm.IsRunning() {
		return vm, nil
	}

	if err := m.terminate(ctx, vm); err != nil {
		return vm, err
	}

	if err := m.vms.UpdateStatus(ctx, vm.ID, domain.StatusStopped, vm.PID); err != nil {
		return domain.VM{}, err
	}
	m.logger.Info().Str("vm", vm.Name).Int("pid", vm.PID).Msg("vm stopped")
	return m.vms.FindByID(ctx, vm.ID)
}

func (m *Manager) terminate(ctx context.Context, vm domain.VM) error {
	elevated := vm.Bridge != ""
	logger := m.logger.With().Str("vm", vm.Name).Int("pid", vm.PID).Logger()

	if !m.signaler.Alive(vm.PID) {
		logger.Warn().Msg("engine process already gone")
		return nil
	}

	termErr := m.signaler.Signal(ctx, vm.PID, invoke.SignalTerm, elevated)
	if termErr == nil {
		if err := sleepCtx(ctx, m.GracePeriod); err != nil {
			return err
		}
		if !m.signaler.Alive(vm.PID) {
			return nil
		}
		logger.Warn().Dur("grace_period", m.GracePeriod).Msg("engine ignored TERM, sending KILL")
	} else {
		logger.Warn().Err(termErr).Msg("TERM failed, sending KILL")
	}

	if err := m.signaler.Signal(ctx, vm.PID, invoke.SignalKill, elevated); err != nil {
		return fmt.Errorf("vm %s (pid %d): %w", vm.Name, vm.PID, errors.Join(domain.ErrStopFailed, termErr, err))
	}
	return nil
}

// Restart stops ref, waits the settle delay and starts it detached. A failed
// stop aborts the restart.
func (m *Manager) Restart(ctx context.Context, ref string, ov Overrides) (res StartResult, err error) {
	start := time.Now()
	defer func() { observability.RecordLifecycle("restart", time.Since(start), err) }()

	vm, err := m.Stop(ctx, ref)
	if err != nil {
		return StartResult{}, err
	}
	if err := sleepCtx(ctx, m.SettleDelay); err != nil {
		return StartResult{}, err
	}
	return m.Start(ctx, vm.ID, ov, Detached)
}

// Remove deletes a STOPPED VM's record. Disk files are never touched.
func (m *Manager) Remove(ctx context.Context, ref string) (vm domain.VM, err error) {
	start := time.Now()
	defer func() { observability.RecordLifecycle("remove", time.Since(start), err) }()

	found, err := m.vms.FindByRef(ctx, ref)
	if err != nil {
		return domain.VM{}, err
	}

	l := m.lock(found.ID)
	l.Lock()
	defer l.Unlock()

	vm, err = m.vms.FindByID(ctx, found.ID)
	if err != nil {
		return domain.VM{}, err
	}
	if vm.IsRunning() {
		return vm, fmt.Errorf("vm %s: %w", vm.Name, domain.ErrRemoveRunningVM)
	}
	if err := m.vms.DeleteByID(ctx, vm.ID); err != nil {
		return domain.VM{}, err
	}

	m.mu.Lock()
	delete(m.locks, vm.ID)
	m.mu.Unlock()

	m.logger.Info().Str("vm", vm.Name).Msg("vm removed")
	return vm, nil
}

func validateSettings(memory, diskSize string, portForwards []string) error {
	if memory != "" {
		if err := domain.ValidateMemory(memory); err != nil {
			return err
		}
	}
	if diskSize != "" {
		if err := domain.ValidateSize(diskSize); err != nil {
			return err
		}
	}
	return domain.ValidatePortForwards(portForwards)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
