// Package volumes manages copy-on-write disks layered over images.
package volumes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/jbweber/homelab/vmx/internal/domain"
	"github.com/jbweber/homelab/vmx/internal/invoke"
	"github.com/jbweber/homelab/vmx/internal/repository"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

// Manager creates, lists and removes volumes. Overlay files live under Dir.
type Manager struct {
	volumes repository.VolumeRepository
	images  repository.ImageRepository
	runner  invoke.Runner
	dir     string
	logger  zerolog.Logger
}

// NewManager creates a volume manager writing overlays into dir
func NewManager(volumes repository.VolumeRepository, images repository.ImageRepository, runner invoke.Runner, dir string, logger zerolog.Logger) *Manager {
	return &Manager{
		volumes: volumes,
		images:  images,
		runner:  runner,
		dir:     dir,
		logger:  logger.With().Str("component", "volumes").Logger(),
	}
}

// Dir returns the directory holding overlay files.
func (m *Manager) Dir() string {
	return m.dir
}

// PathFor returns the overlay path used for a volume name.
func (m *Manager) PathFor(name string) string {
	return filepath.Join(m.dir, name+".qcow2")
}

// Create resolves imageRef and delegates to CreateIfMissing.
func (m *Manager) Create(ctx context.Context, name, imageRef, size string) (domain.Volume, error) {
	image, err := m.images.FindByRef(ctx, imageRef)
	if err != nil {
		return domain.Volume{}, err
	}
	return m.CreateIfMissing(ctx, name, image, size)
}

// CreateIfMissing returns the named volume, creating the overlay file and the
// record when either is absent. An existing record is returned unchanged.
func (m *Manager) CreateIfMissing(ctx context.Context, name string, base domain.Image, size string) (domain.Volume, error) {
	if !namePattern.MatchString(name) {
		return domain.Volume{}, fmt.Errorf("volume name %q: %w", name, domain.ErrInvalidArgument)
	}
	if size != "" {
		if err := domain.ValidateSize(size); err != nil {
			return domain.Volume{}, err
		}
	}

	existing, err := m.volumes.FindByName(ctx, name)
	switch {
	case err == nil:
	case errors.Is(err, repository.ErrNotFound):
		existing = domain.Volume{}
	default:
		return domain.Volume{}, err
	}

	path := m.PathFor(name)
	if existing.ID != "" && existing.Path != "" {
		path = existing.Path
	}

	if _, statErr := os.Stat(path); statErr != nil {
		if !os.IsNotExist(statErr) {
			return domain.Volume{}, fmt.Errorf("failed to stat volume %s: %w", path, statErr)
		}
		if err := m.createOverlay(ctx, path, base, size); err != nil {
			return domain.Volume{}, err
		}
	}

	if existing.ID != "" {
		return existing, nil
	}

	vol, err := m.volumes.Create(ctx, domain.Volume{
		Name:        name,
		BaseImageID: base.ID,
		Path:        path,
		Size:        size,
	})
	if err != nil {
		return domain.Volume{}, err
	}
	m.logger.Info().Str("volume", vol.Name).Str("image", base.Reference()).Str("path", vol.Path).Msg("volume created")
	return vol, nil
}

func (m *Manager) createOverlay(ctx context.Context, path string, base domain.Image, size string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create volume directory: %w", err)
	}

	format := base.Format
	if format == "" {
		format = "raw"
	}
	args := []string{"create", "-F", format, "-f", "qcow2", "-b", base.Path, path}
	if size != "" {
		args = append(args, size)
	}

	if _, err := m.runner.Run(ctx, invoke.Command{Name: "qemu-img", Args: args}); err != nil {
		return fmt.Errorf("failed to create volume overlay: %w", err)
	}
	return nil
}

// List returns every volume.
func (m *Manager) List(ctx context.Context) ([]domain.Volume, error) {
	return m.volumes.FindAll(ctx)
}

// Get looks a volume up by name, id or path.
func (m *Manager) Get(ctx context.Context, ref string) (domain.Volume, error) {
	return m.volumes.FindByRef(ctx, ref)
}

// Delete removes the record, then the overlay file on a best-effort basis.
func (m *Manager) Delete(ctx context.Context, ref string) (domain.Volume, error) {
	vol, err := m.volumes.FindByRef(ctx, ref)
	if err != nil {
		return domain.Volume{}, err
	}
	if err := m.volumes.DeleteByID(ctx, vol.ID); err != nil {
		return domain.Volume{}, err
	}
	m.RemoveFile(vol)
	m.logger.Info().Str("volume", vol.Name).Msg("volume deleted")
	return vol, nil
}

// RemoveFile deletes a volume's overlay when it lives under the volume
// directory. Failures are logged, not returned.
func (m *Manager) RemoveFile(vol domain.Volume) {
	rel, err := filepath.Rel(m.dir, vol.Path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		m.logger.Warn().Str("volume", vol.Name).Str("path", vol.Path).Msg("volume file outside volume directory, leaving it in place")
		return
	}
	if err := os.Remove(vol.Path); err != nil && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Str("volume", vol.Name).Str("path", vol.Path).Msg("failed to remove volume file")
	}
}
