package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, "~/.vmx", cfg.StateDir)
	assert.Equal(t, "8890", cfg.APIPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.APIToken)
}

func TestLoad_Defaults(t *testing.T) {
	stateDir := t.TempDir()
	t.Setenv("VMX_STATE_DIR", stateDir)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, stateDir, cfg.StateDir)
	assert.Equal(t, filepath.Join(stateDir, "state.sqlite"), cfg.DBPath)
	assert.Equal(t, filepath.Join(stateDir, "logs"), cfg.LogsDir)
	assert.Equal(t, filepath.Join(stateDir, "images"), cfg.ImagesDir)
	assert.Equal(t, filepath.Join(stateDir, "volumes"), cfg.VolumesDir)
	assert.Equal(t, "8890", cfg.APIPort)
}

func TestLoad_FileAndEnv(t *testing.T) {
	stateDir := t.TempDir()
	t.Setenv("VMX_STATE_DIR", stateDir)
	t.Setenv("VMX_API_TOKEN", "s3cret")

	yaml := "api_port: \"9999\"\nlog_level: debug\nimages_dir: /srv/images\napi_token: from-file\n"
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9999", cfg.APIPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/srv/images", cfg.ImagesDir)
	assert.Equal(t, "s3cret", cfg.APIToken, "environment wins over the file")
}

func TestLoad_BrokenFile(t *testing.T) {
	stateDir := t.TempDir()
	t.Setenv("VMX_STATE_DIR", stateDir)
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "config.yaml"), []byte("api_port: [\n"), 0644))

	_, err := Load()
	assert.ErrorContains(t, err, "failed to read config")
}

func TestConfig_EnsureDirs(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), "state")
	cfg := NewConfig()
	cfg.StateDir = stateDir
	cfg.resolve()

	require.NoError(t, cfg.EnsureDirs())
	for _, dir := range []string{cfg.LogsDir, cfg.ImagesDir, cfg.VolumesDir} {
		assert.DirExists(t, dir)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	tests := []struct {
		in, want string
	}{
		{"~/test/path", filepath.Join(home, "test/path")},
		{"~", home},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"~user/path", "~user/path"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := expandPath(tt.in)
			assert.Equal(t, tt.want, got)
			assert.False(t, strings.HasPrefix(got, "~/"))
		})
	}
}
