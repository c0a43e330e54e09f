package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseImageRef(t *testing.T) {
	tests := []struct {
		ref      string
		wantRepo string
		wantTag  string
	}{
		{"alpine:3.20", "alpine", "3.20"},
		{"alpine", "alpine", "latest"},
		{"ghcr.io/acme/freebsd:14.3", "ghcr.io/acme/freebsd", "14.3"},
		{"localhost:5000/freebsd", "localhost:5000/freebsd", "latest"},
		{"localhost:5000/freebsd:dev", "localhost:5000/freebsd", "dev"},
		{"alpine:", "alpine", "latest"},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			repo, tag := ParseImageRef(tt.ref)
			assert.Equal(t, tt.wantRepo, repo)
			assert.Equal(t, tt.wantTag, tag)
		})
	}
}

func TestFormatRepository(t *testing.T) {
	assert.Equal(t, "docker.io/alpine", FormatRepository("alpine"))
	assert.Equal(t, "docker.io/acme/freebsd", FormatRepository("acme/freebsd"))
	assert.Equal(t, "ghcr.io/acme/freebsd", FormatRepository("ghcr.io/acme/freebsd"))
	assert.Equal(t, "localhost:5000/freebsd", FormatRepository("localhost:5000/freebsd"))
	assert.Equal(t, "localhost/freebsd", FormatRepository("localhost/freebsd"))
}

func TestArch(t *testing.T) {
	assert.Equal(t, "amd64", Arch("x86_64"))
	assert.Equal(t, "amd64", Arch("amd64"))
	assert.Equal(t, "arm64", Arch("aarch64"))
	assert.Equal(t, "riscv64", Arch("riscv64"))
}

func TestValidation(t *testing.T) {
	assert.NoError(t, ValidateMemory("2G"))
	assert.NoError(t, ValidateMemory("512M"))
	assert.ErrorIs(t, ValidateMemory("2GB"), ErrInvalidArgument)
	assert.ErrorIs(t, ValidateMemory(""), ErrInvalidArgument)

	assert.NoError(t, ValidateSize("1T"))
	assert.ErrorIs(t, ValidateSize("20"), ErrInvalidArgument)

	assert.NoError(t, ValidatePortForwards([]string{"8080:80", "2222:22"}))
	assert.NoError(t, ValidatePortForwards(nil))
	assert.ErrorIs(t, ValidatePortForwards([]string{"8080"}), ErrInvalidArgument)

	assert.NoError(t, ValidateImageRef("ghcr.io/acme/freebsd:14.3"))
	assert.NoError(t, ValidateImageRef("alpine"))
	assert.ErrorIs(t, ValidateImageRef("bad ref"), ErrInvalidArgument)
}

func TestSplitPortForwards(t *testing.T) {
	assert.Nil(t, SplitPortForwards(""))
	assert.Equal(t, []string{"8080:80", "2222:22"}, SplitPortForwards("8080:80, 2222:22,"))

	vm := VM{PortForward: "8080:80", Status: StatusRunning}
	assert.Equal(t, []string{"8080:80"}, vm.PortForwards())
	assert.True(t, vm.IsRunning())
}
