package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jbweber/homelab/vmx/internal/domain"
)

func newImagesCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List local images",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			imgs, err := app.Images.List(cmd.Context())
			if err != nil {
				return err
			}
			return printImages(cmd.OutOrStdout(), imgs, time.Now())
		},
	}
}

func printImages(out io.Writer, imgs []domain.Image, now time.Time) error {
	tw := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "REPOSITORY\tTAG\tIMAGE ID\tCREATED\tSIZE")
	for _, img := range imgs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			img.Repository,
			img.Tag,
			img.ID,
			humanize.RelTime(img.CreatedAt, now, "ago", "from now"),
			humanize.Bytes(uint64(max(img.Size, 0))),
		)
	}
	return tw.Flush()
}

func newRmiCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "rmi <image>",
		Short: "Remove an image and the volumes built on it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			img, err := app.Images.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Untagged: %s\nDeleted: %s\n", img.Reference(), img.ID)
			return nil
		},
	}
}

func newTagCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "tag <vm> <image>",
		Short: "Record a VM's disk as an image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			img, err := app.Images.Tag(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), img.ID)
			return nil
		},
	}
}

func newPushCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "push <image>",
		Short: "Push an image to an OCI registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			target, err := app.Images.Push(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pushed %s\n", target)
			return nil
		},
	}
}

func newPullCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "pull <image>",
		Short: "Pull an image from an OCI registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			img, err := app.Images.Pull(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pulled %s\nDigest: %s\n", img.Reference(), img.Digest)
			return nil
		},
	}
}

func newLoginCommand(e *env) *cobra.Command {
	var (
		username      string
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "login <registry>",
		Short: "Log in to an OCI registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			password, err := readPassword(cmd, passwordStdin)
			if err != nil {
				return err
			}
			if err := app.Images.Login(cmd.Context(), args[0], username, password); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Login Succeeded")
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "Registry username")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "Read the password from stdin")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

// readPassword prompts on a terminal and otherwise reads the first line of stdin.
func readPassword(cmd *cobra.Command, fromStdin bool) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && !fromStdin && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return "", fmt.Errorf("password is required: %w", domain.ErrInvalidArgument)
	}
	return password, nil
}

func newLogoutCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout <registry>",
		Short: "Log out of an OCI registry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			if err := app.Images.Logout(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removing login credentials for %s\n", args[0])
			return nil
		},
	}
}
