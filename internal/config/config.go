// Package config resolves host paths and service settings from defaults, an
// optional config.yaml in the state directory and VMX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/jbweber/homelab/vmx/internal/qemu"
)

// EnvPrefix prefixes every environment override, e.g. VMX_API_TOKEN.
const EnvPrefix = "VMX"

// DefaultStateDir holds the database, logs, images and volumes.
const DefaultStateDir = "~/.vmx"

// Config holds all configuration for vmx
type Config struct {
	StateDir   string `mapstructure:"state_dir"`
	DBPath     string `mapstructure:"db_path"`
	LogsDir    string `mapstructure:"logs_dir"`
	ImagesDir  string `mapstructure:"images_dir"`
	VolumesDir string `mapstructure:"volumes_dir"`

	LogLevel string `mapstructure:"log_level"`

	APIPort  string `mapstructure:"api_port"`
	APIToken string `mapstructure:"api_token"`

	FirmwareCode string `mapstructure:"firmware_code"`
	FirmwareVars string `mapstructure:"firmware_vars"`

	// Annotations attached to pushed images
	RegistryOS          string `mapstructure:"registry_os"`
	RegistryDescription string `mapstructure:"registry_description"`
}

// NewConfig creates a new Config with default values. Directories left empty
// are derived from StateDir by Load.
func NewConfig() *Config {
	return &Config{
		StateDir:            DefaultStateDir,
		LogLevel:            "info",
		APIPort:             "8890",
		FirmwareCode:        qemu.DefaultFirmwareCode,
		FirmwareVars:        qemu.DefaultFirmwareVarsTmpl,
		RegistryOS:          "freebsd",
		RegistryDescription: "QEMU raw disk image of FreeBSD",
	}
}

// Load builds the configuration. A missing config.yaml is not an error.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	defaults := NewConfig()
	v.SetDefault("state_dir", defaults.StateDir)
	v.SetDefault("db_path", "")
	v.SetDefault("logs_dir", "")
	v.SetDefault("images_dir", "")
	v.SetDefault("volumes_dir", "")
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("api_port", defaults.APIPort)
	v.SetDefault("api_token", "")
	v.SetDefault("firmware_code", defaults.FirmwareCode)
	v.SetDefault("firmware_vars", defaults.FirmwareVars)
	v.SetDefault("registry_os", defaults.RegistryOS)
	v.SetDefault("registry_description", defaults.RegistryDescription)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	stateDir := expandPath(v.GetString("state_dir"))
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(stateDir)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.resolve()
	return cfg, nil
}

// resolve expands ~ and fills directories derived from StateDir
func (c *Config) resolve() {
	c.StateDir = expandPath(c.StateDir)
	derive := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.StateDir, name)
			return
		}
		*p = expandPath(*p)
	}
	derive(&c.DBPath, "state.sqlite")
	derive(&c.LogsDir, "logs")
	derive(&c.ImagesDir, "images")
	derive(&c.VolumesDir, "volumes")
}

// EnsureDirs creates the state directory tree.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.StateDir, c.LogsDir, c.ImagesDir, c.VolumesDir, filepath.Dir(c.DBPath)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Return original path if we can't get home dir
		return path
	}

	return filepath.Join(homeDir, strings.TrimPrefix(path[1:], "/"))
}
