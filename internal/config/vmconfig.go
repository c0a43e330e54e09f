package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// VMConfigFileName is the per-project file read by run and written by init.
const VMConfigFileName = "vmconfig.toml"

// VMConfig is the per-project VM definition. Every field is optional; command
// line flags take precedence over it.
type VMConfig struct {
	VM      VMSection      `toml:"vm"`
	Network NetworkSection `toml:"network"`
	Options OptionsSection `toml:"options"`
}

type VMSection struct {
	ISO        string `toml:"iso,omitempty"`
	CPU        string `toml:"cpu,omitempty"`
	CPUs       int    `toml:"cpus,omitempty"`
	Memory     string `toml:"memory,omitempty"`
	Image      string `toml:"image,omitempty"`
	DiskFormat string `toml:"disk_format,omitempty"`
	Size       string `toml:"size,omitempty"`
}

type NetworkSection struct {
	Bridge      string `toml:"bridge,omitempty"`
	PortForward string `toml:"port_forward,omitempty"`
}

type OptionsSection struct {
	Detach bool `toml:"detach"`
}

// DefaultVMConfig is what init writes.
func DefaultVMConfig() VMConfig {
	return VMConfig{
		VM: VMSection{
			CPU:    "host",
			CPUs:   2,
			Memory: "2G",
		},
		Network: NetworkSection{PortForward: "2222:22"},
	}
}

// ReadVMConfig parses path. Keys outside the known sections are rejected.
func ReadVMConfig(path string) (VMConfig, error) {
	var cfg VMConfig
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return VMConfig{}, fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return VMConfig{}, fmt.Errorf("config parse failed (%s): unknown key %s", path, undecoded[0])
	}
	switch cfg.VM.DiskFormat {
	case "", "raw", "qcow2":
	default:
		return VMConfig{}, fmt.Errorf("config parse failed (%s): disk_format must be raw or qcow2", path)
	}
	return cfg, nil
}

// WriteVMConfig writes cfg to path, refusing to replace an existing file.
func WriteVMConfig(path string, cfg VMConfig) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}
