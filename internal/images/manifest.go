package images

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/jbweber/homelab/vmx/internal/domain"
	"github.com/jbweber/homelab/vmx/internal/invoke"
)

// Annotation keys written on push that image-spec does not define constants for.
const (
	annotationArchitecture = "org.opencontainers.image.architecture"
	annotationOS           = "org.opencontainers.image.os"
)

var errNoLayers = errors.New("manifest has no layers")

// fetchManifest runs "oras manifest fetch" and decodes the result.
func (m *Manager) fetchManifest(ctx context.Context, target string) (ocispec.Manifest, error) {
	res, err := m.runner.Run(ctx, invoke.Command{Name: "oras", Args: []string{"manifest", "fetch", target}})
	if err != nil {
		return ocispec.Manifest{}, &domain.RegistryError{Op: "manifest fetch", Ref: target, Err: err}
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(res.Stdout, &manifest); err != nil {
		return ocispec.Manifest{}, &domain.RegistryError{Op: "manifest fetch", Ref: target, Err: fmt.Errorf("decode manifest: %w", err)}
	}
	if len(manifest.Layers) == 0 {
		return ocispec.Manifest{}, &domain.RegistryError{Op: "manifest fetch", Ref: target, Err: errNoLayers}
	}
	return manifest, nil
}

// layerDigest returns the validated digest of the first layer.
func layerDigest(target string, manifest ocispec.Manifest) (digest.Digest, error) {
	d := manifest.Layers[0].Digest
	if d == "" {
		return "", &domain.RegistryError{Op: "manifest fetch", Ref: target, Err: errors.New("first layer has no digest")}
	}
	if err := d.Validate(); err != nil {
		return "", &domain.RegistryError{Op: "manifest fetch", Ref: target, Err: err}
	}
	return d, nil
}

// layerTitle returns the file name the first layer was pushed under.
func layerTitle(target string, manifest ocispec.Manifest) (string, error) {
	title := manifest.Layers[0].Annotations[ocispec.AnnotationTitle]
	if title == "" {
		return "", &domain.RegistryError{Op: "pull", Ref: target, Err: fmt.Errorf("first layer has no %s annotation", ocispec.AnnotationTitle)}
	}
	return title, nil
}
