package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/vmx/internal/domain"
)

// newVolumesCommand is the top-level shorthand for `volume ls`.
func newVolumesCommand(e *env) *cobra.Command {
	cmd := newVolumeListCommand(e)
	cmd.Use = "volumes"
	cmd.Aliases = nil
	return cmd
}

func newVolumeCommand(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "volume",
		Short: "Manage copy-on-write volumes",
	}
	cmd.AddCommand(
		newVolumeListCommand(e),
		newVolumeCreateCommand(e),
		newVolumeRmCommand(e),
		newVolumeInspectCommand(e),
	)
	return cmd
}

func newVolumeListCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List volumes",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			vols, err := app.Volumes.List(cmd.Context())
			if err != nil {
				return err
			}
			return printVolumes(cmd.OutOrStdout(), vols, time.Now())
		},
	}
}

func printVolumes(out io.Writer, vols []domain.Volume, now time.Time) error {
	tw := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVOLUME ID\tBASE IMAGE\tSIZE\tCREATED")
	for _, vol := range vols {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			vol.Name,
			vol.ID,
			vol.BaseImageID,
			orDash(vol.Size),
			humanize.RelTime(vol.CreatedAt, now, "ago", "from now"),
		)
	}
	return tw.Flush()
}

func newVolumeCreateCommand(e *env) *cobra.Command {
	var size string
	cmd := &cobra.Command{
		Use:   "create <name> <image>",
		Short: "Create a volume backed by an image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			vol, err := app.Volumes.Create(cmd.Context(), args[0], args[1], size)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), vol.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&size, "size", "s", "", "Grow the volume to this size, e.g. 40G")
	return cmd
}

func newVolumeRmCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <volume>",
		Short: "Remove a volume",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			vol, err := app.Volumes.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Volume %s removed\n", vol.Name)
			return nil
		},
	}
}

func newVolumeInspectCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <volume>",
		Short: "Show a volume record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			vol, err := app.Volumes.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(vol)
		},
	}
}
