package images

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// DiskUsage returns the bytes allocated to path, counting 512-byte blocks so
// sparse disk images report what they occupy rather than their apparent size.
func DiskUsage(path string) (int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return 0, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	return int64(st.Blocks) * 512, nil
}
