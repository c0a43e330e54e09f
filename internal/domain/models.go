package domain

import (
	"strings"
	"time"
)

// Status is the lifecycle status of a VM instance.
type Status string

const (
	StatusStopped Status = "STOPPED"
	StatusRunning Status = "RUNNING"
)

// VM represents a virtual machine instance tracked in the state store
type VM struct {
	ID          string    // Stable unique identifier
	Name        string    // Unique human name
	Bridge      string    // Host bridge name, empty for user-mode networking
	MACAddress  string    // Unique network MAC
	Memory      string    // Memory size, e.g. "2G"
	CPUs        int       // Core count
	CPU         string    // CPU model, e.g. "host"
	DiskSize    string    // Declared disk size, e.g. "20G"
	DrivePath   string    // Path of the boot disk
	DiskFormat  string    // raw or qcow2
	ISOPath     string    // Optional install media
	PortForward string    // Comma-joined "host:guest" TCP rules
	Version     string    // Engine/image version tag
	Status      Status    // STOPPED or RUNNING
	PID         int       // OS process id, last known value once stopped
	Volume      string    // Attached volume name (optional)
	Snapshot    bool      // Discard disk writes on exit; set for image-backed VMs without a volume
	CreatedAt   time.Time // When the record was created
	UpdatedAt   time.Time // When the record was last written
}

// IsRunning reports whether the record says the engine process is running.
func (v VM) IsRunning() bool {
	return v.Status == StatusRunning
}

// PortForwards splits the stored rule list.
func (v VM) PortForwards() []string {
	return SplitPortForwards(v.PortForward)
}

// SplitPortForwards splits a comma-joined rule list, dropping empty entries.
func SplitPortForwards(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var rules []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			rules = append(rules, r)
		}
	}
	return rules
}

// Image represents a local disk image keyed by repository and tag
type Image struct {
	ID         string    // Unique identifier
	Repository string    // Repository name, e.g. "ghcr.io/acme/freebsd"
	Tag        string    // Tag, "latest" when omitted
	Size       int64     // On-disk block usage in bytes
	Path       string    // Local file path
	Format     string    // raw or qcow2
	Digest     string    // Registry layer digest (optional)
	CreatedAt  time.Time // When the image was recorded
}

// Reference returns the repository:tag form.
func (i Image) Reference() string {
	return i.Repository + ":" + i.Tag
}

// Volume represents a copy-on-write disk backed by an image's file
type Volume struct {
	ID          string    // Unique identifier
	Name        string    // Unique volume name
	BaseImageID string    // Foreign key to Image
	Path        string    // Overlay file path
	Size        string    // Declared size, e.g. "20G" (optional)
	CreatedAt   time.Time // When the volume was created
}
