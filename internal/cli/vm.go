package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jbweber/homelab/vmx/internal/domain"
	"github.com/jbweber/homelab/vmx/internal/invoke"
	"github.com/jbweber/homelab/vmx/internal/lifecycle"
)

func newRunCommand(e *env) *cobra.Command {
	var (
		flags vmFlags
		name  string
	)
	cmd := &cobra.Command{
		Use:   "run <image>",
		Short: "Create and run a VM from an image, pulling it if needed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			return runImage(cmd, app, args[0], flags, name)
		},
	}
	flags.register(cmd, true)
	flags.registerInstall(cmd)
	cmd.Flags().StringVar(&name, "name", "", "Name of the VM, random when empty")
	return cmd
}

func newStartCommand(e *env) *cobra.Command {
	var flags vmFlags
	cmd := &cobra.Command{
		Use:   "start <vm>",
		Short: "Start a stopped VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			return startAndReport(cmd, app, args[0], overridesFromFlags(cmd, flags), flags.mode())
		},
	}
	flags.register(cmd, true)
	return cmd
}

// overridesFromFlags keeps only the settings the user set explicitly
func overridesFromFlags(cmd *cobra.Command, flags vmFlags) lifecycle.Overrides {
	var ov lifecycle.Overrides
	changed := cmd.Flags().Changed
	if changed("cpu") {
		ov.CPU = flags.cpu
	}
	if changed("cpus") {
		ov.CPUs = flags.cpus
	}
	if changed("memory") {
		ov.Memory = flags.memory
	}
	if changed("bridge") {
		ov.Bridge = flags.bridge
	}
	if changed("port-forward") {
		ov.PortForwards = domain.SplitPortForwards(flags.portForward)
	}
	if changed("volume") {
		ov.Volume = flags.volume
	}
	return ov
}

func newStopCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <vm>",
		Short: "Stop a running VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			vm, err := app.Machines.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Successfully stopped VM %s\n", vm.Name)
			return nil
		},
	}
}

func newRestartCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <vm>",
		Short: "Restart a VM in the background",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			res, err := app.Machines.Restart(cmd.Context(), args[0], lifecycle.Overrides{})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Successfully restarted VM %s\n", res.VM.Name)
			return nil
		},
	}
}

func newRmCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <vm>",
		Short: "Remove a stopped VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			vm, err := app.Machines.Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "VM %s removed successfully\n", vm.Name)
			return nil
		},
	}
}

func newPsCommand(e *env) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "ps",
		Short: "List running VMs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			vms, err := app.Machines.List(cmd.Context(), all)
			if err != nil {
				return err
			}
			return printVMs(cmd.OutOrStdout(), vms, time.Now())
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Show all VMs, including stopped ones")
	return cmd
}

func printVMs(out io.Writer, vms []domain.VM, now time.Time) error {
	tw := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVCPU\tMEMORY\tSTATUS\tPID\tBRIDGE\tPORTS\tCREATED")
	for _, vm := range vms {
		pid := ""
		if vm.IsRunning() {
			pid = fmt.Sprint(vm.PID)
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			vm.Name,
			vm.CPUs,
			vm.Memory,
			formatStatus(vm, now),
			pid,
			orDash(vm.Bridge),
			formatPorts(vm.PortForwards()),
			humanize.RelTime(vm.CreatedAt, now, "ago", "from now"),
		)
	}
	return tw.Flush()
}

func formatStatus(vm domain.VM, now time.Time) string {
	since := strings.TrimSpace(humanize.RelTime(vm.UpdatedAt, now, "", ""))
	if vm.IsRunning() {
		return "Up " + since
	}
	return "Exited " + since + " ago"
}

// formatPorts renders "2222:22" rules as "2222->22".
func formatPorts(rules []string) string {
	if len(rules) == 0 {
		return "-"
	}
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = strings.Replace(r, ":", "->", 1)
	}
	return strings.Join(out, ", ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newInspectCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <vm>",
		Short: "Show the stored record of a VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			vm, err := app.Machines.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(vm)
		},
	}
}

func newLogsCommand(e *env) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "logs <vm>",
		Short: "Show the console log of a detached VM",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := e.App(cmd)
			if err != nil {
				return err
			}
			path, err := app.Machines.LogPath(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if follow {
				_, err := app.Runner.Run(cmd.Context(), invoke.Command{
					Name:   "tail",
					Args:   []string{"-n", "100", "-f", path},
					Stdout: cmd.OutOrStdout(),
					Stderr: cmd.ErrOrStderr(),
				})
				return err
			}

			f, err := os.Open(path)
			if err != nil {
				return fmt.Errorf("no logs for %s: %w", args[0], err)
			}
			defer func() { _ = f.Close() }()
			_, err = io.Copy(cmd.OutOrStdout(), f)
			return err
		},
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	return cmd
}
