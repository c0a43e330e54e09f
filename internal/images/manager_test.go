package images

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbweber/homelab/vmx/internal/domain"
	"github.com/jbweber/homelab/vmx/internal/invoke"
	"github.com/jbweber/homelab/vmx/internal/repository"
	"github.com/jbweber/homelab/vmx/internal/testutil"
)

var (
	digestA = "sha256:" + strings.Repeat("a", 64)
	digestB = "sha256:" + strings.Repeat("b", 64)
)

type recordingCleaner struct {
	removed []string
}

func (c *recordingCleaner) RemoveFile(vol domain.Volume) {
	c.removed = append(c.removed, vol.Name)
}

type fixture struct {
	manager *Manager
	runner  *testutil.FakeRunner
	cleaner *recordingCleaner
	images  repository.ImageRepository
	vms     repository.VMRepository
	volumes repository.VolumeRepository
	dir     string
}

func setup(t *testing.T) fixture {
	t.Helper()
	db, cleanup := testutil.SetupTestDBWithMigrations(t, strings.ReplaceAll(t.Name(), "/", "_"))
	t.Cleanup(cleanup)

	f := fixture{
		runner:  testutil.NewFakeRunner(),
		cleaner: &recordingCleaner{},
		images:  repository.NewImageRepository(db),
		vms:     repository.NewVMRepository(db),
		volumes: repository.NewVolumeRepository(db),
		dir:     filepath.Join(t.TempDir(), "images"),
	}
	f.manager = NewManager(Deps{
		Images:  f.images,
		VMs:     f.vms,
		Volumes: f.volumes,
		Cleaner: f.cleaner,
		Runner:  f.runner,
		Logger:  zerolog.Nop(),
	}, Config{Dir: f.dir, Arch: "arm64"})
	f.manager.usage = func(string) (int64, error) { return 4096, nil }
	return f
}

func manifestJSON(digest, title string) string {
	annotations := ""
	if title != "" {
		annotations = fmt.Sprintf(`,"annotations":{"org.opencontainers.image.title":%q}`, title)
	}
	return fmt.Sprintf(`{"schemaVersion":2,"mediaType":"application/vnd.oci.image.manifest.v1+json",`+
		`"config":{"mediaType":"application/vnd.oci.empty.v1+json","digest":"sha256:44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a","size":2},`+
		`"layers":[{"mediaType":"application/vnd.oci.image.layer.v1.tar","digest":%q,"size":10%s}]}`, digest, annotations)
}

// scriptPull makes oras pull drop the archive and tar extract it, as the real tools would
func scriptPull(f fixture, archiveName string) {
	f.runner.On("oras pull", testutil.FakeResponse{Do: func(cmd invoke.Command) error {
		return os.WriteFile(filepath.Join(cmd.Dir, archiveName), []byte("archive"), 0644)
	}})
	f.runner.On("tar -xSzf", testutil.FakeResponse{Do: func(cmd invoke.Command) error {
		return os.WriteFile(strings.TrimSuffix(cmd.Args[1], ".tar.gz"), []byte("disk"), 0644)
	}})
}

func TestManager_Target(t *testing.T) {
	f := setup(t)
	assert.Equal(t, "docker.io/alpine:3.20-arm64", f.manager.Target("alpine", "3.20"))
	assert.Equal(t, "ghcr.io/acme/freebsd:14-arm64", f.manager.Target("ghcr.io/acme/freebsd", "14"))
}

func TestManager_Pull(t *testing.T) {
	f := setup(t)
	f.runner.On("oras manifest fetch", testutil.FakeResponse{Stdout: manifestJSON(digestA, "alpine.img.tar.gz")})
	scriptPull(f, "alpine.img.tar.gz")

	image, err := f.manager.Pull(context.Background(), "alpine:3.20")
	require.NoError(t, err)

	assert.Equal(t, "alpine", image.Repository)
	assert.Equal(t, "3.20", image.Tag)
	assert.Equal(t, digestA, image.Digest)
	assert.Equal(t, "raw", image.Format)
	assert.Equal(t, int64(4096), image.Size)
	assert.Equal(t, filepath.Join(f.dir, "alpine.img"), image.Path)
	assert.NoFileExists(t, filepath.Join(f.dir, "alpine.img.tar.gz"))

	pulls := f.runner.CallsMatching("oras pull")
	require.Len(t, pulls, 1)
	assert.Equal(t, []string{"pull", "docker.io/alpine:3.20-arm64"}, pulls[0].Args)
	assert.Equal(t, f.dir, pulls[0].Dir)
}

func TestManager_PullAlreadyPulled(t *testing.T) {
	f := setup(t)
	_, err := f.images.Upsert(context.Background(), domain.Image{Repository: "alpine", Tag: "3.20", Path: "/x.img", Digest: digestA})
	require.NoError(t, err)
	f.runner.On("oras manifest fetch", testutil.FakeResponse{Stdout: manifestJSON(digestA, "alpine.img.tar.gz")})

	_, err = f.manager.Pull(context.Background(), "alpine:3.20")
	assert.ErrorIs(t, err, domain.ErrAlreadyPulled)
	assert.Empty(t, f.runner.CallsMatching("oras pull"))
	assert.Empty(t, f.runner.CallsMatching("tar"))
}

func TestManager_PullQcow2AndMovedDigest(t *testing.T) {
	f := setup(t)
	f.runner.On("oras manifest fetch",
		testutil.FakeResponse{Stdout: manifestJSON(digestA, "freebsd.qcow2.tar.gz")},
		testutil.FakeResponse{Stdout: manifestJSON(digestA, "freebsd.qcow2.tar.gz")},
		testutil.FakeResponse{Stdout: manifestJSON(digestB, "freebsd.qcow2.tar.gz")},
	)
	scriptPull(f, "freebsd.qcow2.tar.gz")

	image, err := f.manager.Pull(context.Background(), "ghcr.io/acme/freebsd:14")
	require.NoError(t, err)
	assert.Equal(t, "qcow2", image.Format)
	assert.Equal(t, "ghcr.io/acme/freebsd", image.Repository)
	assert.Equal(t, digestB, image.Digest)
}

func TestManager_PullDigestRecheckFailureKeepsFirstDigest(t *testing.T) {
	f := setup(t)
	f.runner.On("oras manifest fetch",
		testutil.FakeResponse{Stdout: manifestJSON(digestA, "alpine.img.tar.gz")},
		testutil.FakeResponse{Stdout: manifestJSON(digestA, "alpine.img.tar.gz")},
		testutil.FakeResponse{ExitCode: 1, Stderr: "connection reset"},
	)
	scriptPull(f, "alpine.img.tar.gz")

	image, err := f.manager.Pull(context.Background(), "alpine")
	require.NoError(t, err)
	assert.Equal(t, digestA, image.Digest)
	assert.Equal(t, "latest", image.Tag)
}

func TestManager_PullMissingTitle(t *testing.T) {
	f := setup(t)
	f.runner.On("oras manifest fetch", testutil.FakeResponse{Stdout: manifestJSON(digestA, "")})
	scriptPull(f, "alpine.img.tar.gz")

	_, err := f.manager.Pull(context.Background(), "alpine:3.20")
	var regErr *domain.RegistryError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, "pull", regErr.Op)
	assert.Empty(t, f.runner.CallsMatching("tar"))

	_, err = f.images.FindByRepositoryTag(context.Background(), "alpine", "3.20")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestManager_PullManifestErrors(t *testing.T) {
	tests := []struct {
		name string
		resp testutil.FakeResponse
	}{
		{"fetch fails", testutil.FakeResponse{ExitCode: 1, Stderr: "unauthorized"}},
		{"not json", testutil.FakeResponse{Stdout: "<html>"}},
		{"no layers", testutil.FakeResponse{Stdout: `{"schemaVersion":2,"layers":[]}`}},
		{"bad digest", testutil.FakeResponse{Stdout: manifestJSON("sha256:short", "a.tar.gz")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			f.runner.On("oras manifest fetch", tt.resp)

			_, err := f.manager.Pull(context.Background(), "alpine:3.20")
			var regErr *domain.RegistryError
			assert.True(t, errors.As(err, &regErr))
			assert.Empty(t, f.runner.CallsMatching("oras pull"))
		})
	}
}

func TestManager_PullInvalidRef(t *testing.T) {
	f := setup(t)
	_, err := f.manager.Pull(context.Background(), "bad ref!")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Empty(t, f.runner.Calls())
}

func TestManager_Push(t *testing.T) {
	f := setup(t)
	imgDir := t.TempDir()
	path := filepath.Join(imgDir, "disk.img")
	_, err := f.images.Upsert(context.Background(), domain.Image{Repository: "ghcr.io/acme/freebsd", Tag: "14", Path: path, Format: "raw"})
	require.NoError(t, err)

	f.runner.On("tar -cSzf", testutil.FakeResponse{Do: func(cmd invoke.Command) error {
		return os.WriteFile(cmd.Args[1], []byte("archive"), 0644)
	}})

	target, err := f.manager.Push(context.Background(), "ghcr.io/acme/freebsd:14")
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/acme/freebsd:14-arm64", target)

	tars := f.runner.CallsMatching("tar")
	require.Len(t, tars, 1)
	assert.Equal(t, []string{"-cSzf", path + ".tar.gz", "-C", imgDir, "disk.img"}, tars[0].Args)

	pushes := f.runner.CallsMatching("oras push")
	require.Len(t, pushes, 1)
	assert.Equal(t, imgDir, pushes[0].Dir)
	assert.Equal(t, []string{
		"push", "ghcr.io/acme/freebsd:14-arm64",
		"--artifact-type", "application/vnd.oci.image.layer.v1.tar",
		"--annotation", "org.opencontainers.image.architecture=arm64",
		"--annotation", "org.opencontainers.image.os=freebsd",
		"--annotation", "org.opencontainers.image.description=QEMU raw disk image of FreeBSD",
		"disk.img.tar.gz",
	}, pushes[0].Args)

	assert.NoFileExists(t, path+".tar.gz")
}

func TestManager_PushFailureRemovesArchive(t *testing.T) {
	f := setup(t)
	path := filepath.Join(t.TempDir(), "disk.img")
	_, err := f.images.Upsert(context.Background(), domain.Image{Repository: "alpine", Path: path})
	require.NoError(t, err)

	f.runner.On("tar -cSzf", testutil.FakeResponse{Do: func(cmd invoke.Command) error {
		return os.WriteFile(cmd.Args[1], []byte("archive"), 0644)
	}})
	f.runner.On("oras push", testutil.FakeResponse{ExitCode: 1, Stderr: "denied"})

	_, err = f.manager.Push(context.Background(), "alpine")
	var regErr *domain.RegistryError
	require.True(t, errors.As(err, &regErr))
	assert.Equal(t, "docker.io/alpine:latest-arm64", regErr.Ref)
	assert.NoFileExists(t, path+".tar.gz")

	_, err = f.manager.Push(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestManager_Tag(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	vm, err := f.vms.Create(ctx, domain.VM{Name: "web1", MACAddress: "52:54:00:00:00:01", Memory: "2G", CPUs: 2, CPU: "host",
		DrivePath: "/volumes/web1.qcow2", DiskFormat: "qcow2", Status: domain.StatusStopped})
	require.NoError(t, err)

	image, err := f.manager.Tag(ctx, "web1", "ghcr.io/acme/web:v1")
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/acme/web", image.Repository)
	assert.Equal(t, "v1", image.Tag)
	assert.Equal(t, vm.DrivePath, image.Path)
	assert.Equal(t, "qcow2", image.Format)
	assert.Equal(t, int64(4096), image.Size)

	again, err := f.manager.Tag(ctx, vm.ID, "ghcr.io/acme/web:v1")
	require.NoError(t, err)
	assert.Equal(t, image.ID, again.ID)

	_, err = f.manager.Tag(ctx, "nope", "web:v1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestManager_TagWithoutDisk(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, err := f.vms.Create(ctx, domain.VM{Name: "iso-only", MACAddress: "52:54:00:00:00:02", Memory: "2G", CPUs: 2, CPU: "host", Status: domain.StatusStopped})
	require.NoError(t, err)

	_, err = f.manager.Tag(ctx, "iso-only", "web:v1")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestManager_DeleteCascades(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	image, err := f.images.Upsert(ctx, domain.Image{Repository: "alpine", Tag: "3.20", Path: "/images/alpine.img"})
	require.NoError(t, err)
	_, err = f.volumes.Create(ctx, domain.Volume{Name: "data", BaseImageID: image.ID, Path: "/volumes/data.qcow2"})
	require.NoError(t, err)

	deleted, err := f.manager.Delete(ctx, "alpine:3.20")
	require.NoError(t, err)
	assert.Equal(t, image.ID, deleted.ID)
	assert.Equal(t, []string{"data"}, f.cleaner.removed)

	_, err = f.volumes.FindByName(ctx, "data")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	_, err = f.manager.Get(ctx, "alpine:3.20")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestManager_LoginLogout(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	require.NoError(t, f.manager.Login(ctx, "ghcr.io", "octo", "s3cret"))
	logins := f.runner.CallsMatching("oras login")
	require.Len(t, logins, 1)
	assert.Equal(t, []string{"login", "--username", "octo", "--password-stdin", "ghcr.io"}, logins[0].Args)
	assert.Equal(t, "s3cret", f.runner.InputOf("oras login"))
	assert.NotContains(t, logins[0].String(), "s3cret")

	require.NoError(t, f.manager.Logout(ctx, "ghcr.io"))
	assert.Len(t, f.runner.CallsMatching("oras logout ghcr.io"), 1)

	f.runner.On("oras login", testutil.FakeResponse{ExitCode: 1, Stderr: "bad credentials"})
	var regErr *domain.RegistryError
	assert.True(t, errors.As(f.manager.Login(ctx, "ghcr.io", "octo", "wrong"), &regErr))

	assert.ErrorIs(t, f.manager.Login(ctx, "", "octo", "x"), domain.ErrInvalidArgument)
	assert.ErrorIs(t, f.manager.Logout(ctx, ""), domain.ErrInvalidArgument)
}

func TestDiskUsage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 8192), 0644))

	size, err := DiskUsage(path)
	require.NoError(t, err)
	assert.Greater(t, size, int64(0))

	_, err = DiskUsage(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
