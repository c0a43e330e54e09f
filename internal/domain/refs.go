package domain

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"
)

// DefaultTag is used when an image reference carries no tag.
const DefaultTag = "latest"

// DefaultRegistry is prepended to repositories that name no registry host.
const DefaultRegistry = "docker.io"

var (
	memoryPattern      = regexp.MustCompile(`^\d+(M|G)$`)
	sizePattern        = regexp.MustCompile(`^\d+(M|G|T)$`)
	portForwardPattern = regexp.MustCompile(`^\d+:\d+$`)
	imageRefPattern    = regexp.MustCompile(`^([a-zA-Z0-9\-\.]+(:\d+)?/)?([a-zA-Z0-9\-\.]+/)*[a-zA-Z0-9\-\.]+(:[\w\.\-]+)?$`)
)

// ParseImageRef splits "repository[:tag]" into its parts. The tag separator is
// the last colon after the last slash so registry ports are kept in the repository.
func ParseImageRef(ref string) (repository, tag string) {
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		repository, tag = ref[:colon], ref[colon+1:]
	} else {
		repository = ref
	}
	if tag == "" {
		tag = DefaultTag
	}
	return repository, tag
}

// FormatRepository qualifies a repository with DefaultRegistry unless its first
// path segment already looks like a registry host.
func FormatRepository(repository string) string {
	first, _, found := strings.Cut(repository, "/")
	if found && (strings.Contains(first, ".") || strings.Contains(first, ":") || first == "localhost") {
		return repository
	}
	return DefaultRegistry + "/" + repository
}

// Arch maps a Go architecture name to the OCI platform name used in pushed tags.
func Arch(goarch string) string {
	switch goarch {
	case "amd64", "x86_64":
		return "amd64"
	case "arm64", "aarch64":
		return "arm64"
	default:
		return goarch
	}
}

// HostArch is Arch for the running binary.
func HostArch() string {
	return Arch(runtime.GOARCH)
}

// ValidateMemory checks a memory size such as "512M" or "2G".
func ValidateMemory(memory string) error {
	if !memoryPattern.MatchString(memory) {
		return fmt.Errorf("memory %q must look like 512M or 2G: %w", memory, ErrInvalidArgument)
	}
	return nil
}

// ValidateSize checks a disk size such as "20G" or "1T".
func ValidateSize(size string) error {
	if !sizePattern.MatchString(size) {
		return fmt.Errorf("size %q must look like 512M, 20G or 1T: %w", size, ErrInvalidArgument)
	}
	return nil
}

// ValidatePortForwards checks every "host:guest" rule.
func ValidatePortForwards(rules []string) error {
	for _, r := range rules {
		if !portForwardPattern.MatchString(r) {
			return fmt.Errorf("port forward %q must look like 8080:80: %w", r, ErrInvalidArgument)
		}
	}
	return nil
}

// ValidateImageRef checks a "[registry/]repository[:tag]" reference.
func ValidateImageRef(ref string) error {
	if !imageRefPattern.MatchString(ref) {
		return fmt.Errorf("image reference %q is malformed: %w", ref, ErrInvalidArgument)
	}
	return nil
}
