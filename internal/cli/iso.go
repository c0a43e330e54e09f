package cli

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/vmx/internal/images"
	"github.com/jbweber/homelab/vmx/internal/invoke"
)

// emptyDriveThreshold is the allocated size below which a drive counts as
// freshly created, so the installer ISO is still attached.
const emptyDriveThreshold = 100 * 1024

// isISOURL reports whether s is an http(s) link to an .iso file.
func isISOURL(s string) bool {
	return (strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")) && strings.HasSuffix(s, ".iso")
}

// downloadISO fetches rawURL with curl into output, or into the URL's base
// name when output is empty. It returns the local path, or "" when drive
// already holds an installed system and the download is skipped.
func downloadISO(cmd *cobra.Command, app *App, rawURL, output, drive string) (string, error) {
	if output == "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return "", err
		}
		output = path.Base(u.Path)
	}
	errOut := cmd.ErrOrStderr()

	empty, err := driveIsEmpty(drive)
	if err != nil {
		return "", err
	}
	if !empty {
		fmt.Fprintf(errOut, "Drive image %s is not empty (%s used), skipping ISO download\n", drive, describeUsage(drive))
		return "", nil
	}

	if _, err := os.Stat(output); err == nil {
		fmt.Fprintf(errOut, "File %s already exists, skipping download\n", output)
		return output, nil
	}

	fmt.Fprintf(errOut, "Downloading ISO from %s\n", rawURL)
	if _, err := app.Runner.Run(cmd.Context(), invoke.Command{
		Name:   "curl",
		Args:   []string{"-L", "-o", output, rawURL},
		Stdout: cmd.OutOrStdout(),
		Stderr: errOut,
	}); err != nil {
		return "", fmt.Errorf("failed to download %s: %w", rawURL, err)
	}
	app.Logger.Info().Str("url", rawURL).Str("path", output).Msg("iso downloaded")
	return output, nil
}

// driveIsEmpty treats a missing drive as empty, and otherwise compares the
// blocks it occupies with emptyDriveThreshold.
func driveIsEmpty(drive string) (bool, error) {
	if drive == "" {
		return true, nil
	}
	used, err := images.DiskUsage(drive)
	if errors.Is(err, os.ErrNotExist) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if used >= emptyDriveThreshold {
		return false, nil
	}
	return true, nil
}

// describeUsage formats the space drive occupies for messages.
func describeUsage(drive string) string {
	used, err := images.DiskUsage(drive)
	if err != nil {
		return "unknown"
	}
	return humanize.IBytes(uint64(used))
}
