// Package qemu builds the engine command line for a VM.
package qemu

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jbweber/homelab/vmx/internal/domain"
)

// Architectures understood by Binary and BuildArgs.
const (
	ArchAarch64 = "aarch64"
	ArchX86_64  = "x86_64"
)

// Firmware is the UEFI pflash pair required on aarch64.
type Firmware struct {
	Code string // read-only code image
	Vars string // writable per-invocation vars copy
}

// Config is everything BuildArgs needs. It is derived from a VM record plus the host.
type Config struct {
	Arch     string // ArchAarch64 or ArchX86_64
	GOOS     string // host operating system, "darwin" selects hvf
	VM       domain.VM
	Firmware *Firmware
}

// Binary returns the engine executable for arch.
func Binary(arch string) string {
	if arch == ArchAarch64 {
		return "qemu-system-aarch64"
	}
	return "qemu-system-x86_64"
}

// HostArch maps a Go architecture to the engine architecture name.
func HostArch(goarch string) string {
	if goarch == "arm64" {
		return ArchAarch64
	}
	return ArchX86_64
}

// BuildArgs renders the argument list, without the binary. Identical input always
// yields identical output.
func BuildArgs(cfg Config) []string {
	vm := cfg.VM
	var args []string

	if cfg.GOOS == "darwin" {
		args = append(args, "-accel", "hvf")
	} else {
		args = append(args, "-enable-kvm")
	}
	if cfg.Arch == ArchAarch64 {
		args = append(args, "-machine", "virt,highmem=on")
	}

	args = append(args,
		"-cpu", vm.CPU,
		"-m", vm.Memory,
		"-smp", strconv.Itoa(vm.CPUs),
	)

	if strings.HasSuffix(vm.ISOPath, ".iso") {
		args = append(args, "-cdrom", vm.ISOPath)
	}

	args = append(args,
		"-netdev", Netdev(vm.Bridge, vm.PortForwards()),
		"-device", fmt.Sprintf("e1000,netdev=net0,mac=%s", vm.MACAddress),
	)
	if vm.Snapshot {
		args = append(args, "-snapshot")
	}
	args = append(args,
		"-nographic",
		"-monitor", "none",
		"-chardev", "stdio,id=con0,signal=off",
		"-serial", "chardev:con0",
	)

	if cfg.Arch == ArchAarch64 && cfg.Firmware != nil {
		args = append(args,
			"-drive", fmt.Sprintf("if=pflash,format=raw,file=%s,readonly=on", cfg.Firmware.Code),
			"-drive", fmt.Sprintf("if=pflash,format=raw,file=%s", cfg.Firmware.Vars),
		)
	}

	if vm.DrivePath != "" {
		args = append(args, "-drive", fmt.Sprintf("file=%s,format=%s,if=virtio", vm.DrivePath, vm.DiskFormat))
	}

	return args
}

// Netdev renders the -netdev value: a bridge when one is named, otherwise user-mode
// networking with one hostfwd entry per "host:guest" rule.
func Netdev(bridge string, portForwards []string) string {
	if bridge != "" {
		return "bridge,id=net0,br=" + bridge
	}
	parts := []string{"user", "id=net0"}
	for _, rule := range portForwards {
		host, guest, ok := strings.Cut(rule, ":")
		if !ok {
			continue
		}
		parts = append(parts, fmt.Sprintf("hostfwd=tcp::%s-:%s", host, guest))
	}
	return strings.Join(parts, ",")
}
