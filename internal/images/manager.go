// Package images keeps the local image catalog and moves images to and from
// an OCI registry through the oras client.
package images

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vmx/internal/domain"
	"github.com/jbweber/homelab/vmx/internal/invoke"
	"github.com/jbweber/homelab/vmx/internal/observability"
	"github.com/jbweber/homelab/vmx/internal/repository"
)

const archiveSuffix = ".tar.gz"

// Defaults for the annotations attached to pushed images.
const (
	DefaultOS          = "freebsd"
	DefaultDescription = "QEMU raw disk image of FreeBSD"
)

// VolumeCleaner removes overlay files of volumes dropped with their base image.
type VolumeCleaner interface {
	RemoveFile(vol domain.Volume)
}

// Config holds the per-host settings of the image manager.
type Config struct {
	Dir         string // where pulled images are extracted
	Arch        string // OCI architecture suffixed to pushed and pulled tags
	OS          string
	Description string
}

// Deps are the collaborators of a Manager.
type Deps struct {
	Images  repository.ImageRepository
	VMs     repository.VMRepository
	Volumes repository.VolumeRepository
	Cleaner VolumeCleaner
	Runner  invoke.Runner
	Logger  zerolog.Logger
}

// Manager implements tag, push, pull and the image catalog operations.
type Manager struct {
	images  repository.ImageRepository
	vms     repository.VMRepository
	volumes repository.VolumeRepository
	cleaner VolumeCleaner
	runner  invoke.Runner
	cfg     Config
	logger  zerolog.Logger

	// usage is DiskUsage, replaced in tests
	usage func(path string) (int64, error)
}

// NewManager creates an image manager
func NewManager(deps Deps, cfg Config) *Manager {
	if cfg.Arch == "" {
		cfg.Arch = domain.HostArch()
	}
	if cfg.OS == "" {
		cfg.OS = DefaultOS
	}
	if cfg.Description == "" {
		cfg.Description = DefaultDescription
	}
	return &Manager{
		images:  deps.Images,
		vms:     deps.VMs,
		volumes: deps.Volumes,
		cleaner: deps.Cleaner,
		runner:  deps.Runner,
		cfg:     cfg,
		logger:  deps.Logger.With().Str("component", "images").Logger(),
		usage:   DiskUsage,
	}
}

// Target returns the architecture-qualified registry reference for repository and tag.
func (m *Manager) Target(repository, tag string) string {
	return fmt.Sprintf("%s:%s-%s", domain.FormatRepository(repository), tag, m.cfg.Arch)
}

// List returns every local image.
func (m *Manager) List(ctx context.Context) ([]domain.Image, error) {
	return m.images.FindAll(ctx)
}

// Get looks an image up by repository[:tag], id or digest.
func (m *Manager) Get(ctx context.Context, ref string) (domain.Image, error) {
	return m.images.FindByRef(ctx, ref)
}

// Tag records a VM's disk as image ref. An existing image with the same
// repository and tag is updated in place.
func (m *Manager) Tag(ctx context.Context, vmRef, ref string) (domain.Image, error) {
	if err := domain.ValidateImageRef(ref); err != nil {
		return domain.Image{}, err
	}

	vm, err := m.vms.FindByRef(ctx, vmRef)
	if err != nil {
		return domain.Image{}, err
	}
	if vm.DrivePath == "" {
		return domain.Image{}, fmt.Errorf("vm %s has no disk to tag: %w", vm.Name, domain.ErrInvalidArgument)
	}

	size, err := m.usage(vm.DrivePath)
	if err != nil {
		return domain.Image{}, err
	}

	repo, tag := domain.ParseImageRef(ref)
	image, err := m.images.Upsert(ctx, domain.Image{
		Repository: repo,
		Tag:        tag,
		Size:       size,
		Path:       vm.DrivePath,
		Format:     vm.DiskFormat,
	})
	if err != nil {
		return domain.Image{}, err
	}

	m.logger.Info().Str("vm", vm.Name).Str("image", image.Reference()).Int64("size", size).Msg("image tagged")
	return image, nil
}

// Delete removes an image. Volumes based on it cascade in the store and their
// overlay files are removed on a best-effort basis; the image file itself is
// left alone since a tagged image shares the VM's live disk.
func (m *Manager) Delete(ctx context.Context, ref string) (domain.Image, error) {
	image, err := m.images.FindByRef(ctx, ref)
	if err != nil {
		return domain.Image{}, err
	}

	dependents, err := m.volumes.FindByBaseImage(ctx, image.ID)
	if err != nil {
		return domain.Image{}, err
	}

	if err := m.images.DeleteByID(ctx, image.ID); err != nil {
		return domain.Image{}, err
	}

	for _, vol := range dependents {
		m.logger.Warn().Str("image", image.Reference()).Str("volume", vol.Name).Msg("removing volume based on deleted image")
		if m.cleaner != nil {
			m.cleaner.RemoveFile(vol)
		}
	}

	m.logger.Info().Str("image", image.Reference()).Msg("image deleted")
	return image, nil
}

// Push archives the image file next to itself and uploads the archive under
// the architecture-qualified tag. The archive is removed whatever the outcome.
func (m *Manager) Push(ctx context.Context, ref string) (string, error) {
	target, err := m.push(ctx, ref)
	observability.RecordRegistry("push", err)
	return target, err
}

func (m *Manager) push(ctx context.Context, ref string) (string, error) {
	image, err := m.images.FindByRef(ctx, ref)
	if err != nil {
		return "", err
	}

	dir, base := filepath.Dir(image.Path), filepath.Base(image.Path)
	archive := image.Path + archiveSuffix
	defer m.removeArchive(archive)

	_, err = m.runner.Run(ctx, invoke.Command{
		Name: "tar",
		Args: []string{"-cSzf", archive, "-C", dir, base},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive image %s: %w", image.Reference(), err)
	}

	target := m.Target(image.Repository, image.Tag)
	_, err = m.runner.Run(ctx, invoke.Command{
		Name: "oras",
		Args: []string{
			"push", target,
			"--artifact-type", ocispec.MediaTypeImageLayer,
			"--annotation", annotationArchitecture + "=" + m.cfg.Arch,
			"--annotation", annotationOS + "=" + m.cfg.OS,
			"--annotation", ocispec.AnnotationDescription + "=" + m.cfg.Description,
			filepath.Base(archive),
		},
		Dir: dir,
	})
	if err != nil {
		return "", &domain.RegistryError{Op: "push", Ref: target, Err: err}
	}

	m.logger.Info().Str("image", image.Reference()).Str("target", target).Msg("image pushed")
	return target, nil
}

// Pull downloads ref unless an image with the remote layer digest is already
// present, in which case it returns domain.ErrAlreadyPulled without downloading.
func (m *Manager) Pull(ctx context.Context, ref string) (domain.Image, error) {
	image, err := m.pull(ctx, ref)
	observability.RecordRegistry("pull", err)
	return image, err
}

func (m *Manager) pull(ctx context.Context, ref string) (domain.Image, error) {
	if err := domain.ValidateImageRef(ref); err != nil {
		return domain.Image{}, err
	}
	repo, tag := domain.ParseImageRef(ref)
	target := m.Target(repo, tag)

	manifest, err := m.fetchManifest(ctx, target)
	if err != nil {
		return domain.Image{}, err
	}
	layer, err := layerDigest(target, manifest)
	if err != nil {
		return domain.Image{}, err
	}

	existing, err := m.images.FindByDigest(ctx, layer.String())
	switch {
	case err == nil:
		return existing, fmt.Errorf("%s (%s): %w", ref, layer, domain.ErrAlreadyPulled)
	case !errors.Is(err, repository.ErrNotFound):
		return domain.Image{}, err
	}

	if err := os.MkdirAll(m.cfg.Dir, 0755); err != nil {
		return domain.Image{}, fmt.Errorf("failed to create image directory: %w", err)
	}

	if _, err := m.runner.Run(ctx, invoke.Command{Name: "oras", Args: []string{"pull", target}, Dir: m.cfg.Dir}); err != nil {
		return domain.Image{}, &domain.RegistryError{Op: "pull", Ref: target, Err: err}
	}

	manifest, err = m.fetchManifest(ctx, target)
	if err != nil {
		return domain.Image{}, err
	}
	title, err := layerTitle(target, manifest)
	if err != nil {
		return domain.Image{}, err
	}

	archive := filepath.Join(m.cfg.Dir, filepath.Base(title))
	if _, err := os.Stat(archive); err != nil {
		return domain.Image{}, &domain.RegistryError{Op: "pull", Ref: target, Err: fmt.Errorf("archive not found: %w", err)}
	}

	if _, err := m.runner.Run(ctx, invoke.Command{Name: "tar", Args: []string{"-xSzf", archive, "-C", m.cfg.Dir}, Dir: m.cfg.Dir}); err != nil {
		return domain.Image{}, fmt.Errorf("failed to extract %s: %w", archive, err)
	}
	path := strings.TrimSuffix(archive, archiveSuffix)

	// The tag may have moved between the two lookups; the stored digest should
	// match what was actually downloaded.
	if fresh, err := m.fetchManifest(ctx, target); err != nil {
		m.logger.Warn().Err(err).Str("image", ref).Msg("failed to re-check digest, keeping the first one")
	} else if d, err := layerDigest(target, fresh); err == nil {
		layer = d
	}

	size, err := m.usage(path)
	if err != nil {
		return domain.Image{}, err
	}

	format := "raw"
	if strings.HasSuffix(path, ".qcow2") {
		format = "qcow2"
	}

	image, err := m.images.Upsert(ctx, domain.Image{
		Repository: repo,
		Tag:        tag,
		Size:       size,
		Path:       path,
		Format:     format,
		Digest:     layer.String(),
	})
	if err != nil {
		return domain.Image{}, err
	}

	m.removeArchive(archive)
	m.logger.Info().Str("image", image.Reference()).Str("digest", image.Digest).Msg("image pulled")
	return image, nil
}

// Login stores registry credentials, passing the password on stdin.
func (m *Manager) Login(ctx context.Context, registry, username, password string) error {
	if registry == "" || username == "" {
		return fmt.Errorf("registry and username are required: %w", domain.ErrInvalidArgument)
	}
	_, err := m.runner.Run(ctx, invoke.Command{
		Name:  "oras",
		Args:  []string{"login", "--username", username, "--password-stdin", registry},
		Stdin: strings.NewReader(password),
	})
	if err != nil {
		return &domain.RegistryError{Op: "login", Ref: registry, Err: err}
	}
	return nil
}

// Logout drops stored credentials for registry.
func (m *Manager) Logout(ctx context.Context, registry string) error {
	if registry == "" {
		return fmt.Errorf("registry is required: %w", domain.ErrInvalidArgument)
	}
	if _, err := m.runner.Run(ctx, invoke.Command{Name: "oras", Args: []string{"logout", registry}}); err != nil {
		return &domain.RegistryError{Op: "logout", Ref: registry, Err: err}
	}
	return nil
}

func (m *Manager) removeArchive(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Str("archive", path).Msg("failed to remove archive")
	}
}
