package qemu

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Default locations of the edk2 images shipped with Homebrew's qemu.
const (
	DefaultFirmwareCode     = "/opt/homebrew/share/qemu/edk2-aarch64-code.fd"
	DefaultFirmwareVarsTmpl = "/opt/homebrew/share/qemu/edk2-arm-vars.fd"
)

// PrepareFirmware copies the vars template to <stateDir>/<name>-vars.fd, replacing any
// previous copy, and returns the pair to pass to BuildArgs. It returns nil for
// architectures that boot without pflash.
func PrepareFirmware(arch, code, varsTemplate, stateDir, name string) (*Firmware, error) {
	if arch != ArchAarch64 {
		return nil, nil
	}
	if _, err := os.Stat(code); err != nil {
		return nil, fmt.Errorf("firmware code image: %w", err)
	}

	vars := filepath.Join(stateDir, name+"-vars.fd")
	if err := copyFile(varsTemplate, vars); err != nil {
		return nil, fmt.Errorf("failed to copy firmware vars: %w", err)
	}
	return &Firmware{Code: code, Vars: vars}, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
