package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"
	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/isdmx/runbox/sandbox"
)

var (
	lsAll        bool
	gcMaxAge     float64
	gcDryRun     bool
	execWorkDir  string
	execTimeout  time.Duration
	rmContinueOn bool
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List sandboxes",
	Args:  cobra.NoArgs,
	RunE:  runLs,
}

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Remove sandboxes older than the configured age",
	Long: `Removes every managed sandbox created longer ago than --max-age-hours
(default: sandbox.gc_max_age_hours). With --dry-run, only prints them.`,
	Args: cobra.NoArgs,
	RunE: runGC,
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show container runtime information",
	Args:  cobra.NoArgs,
	RunE:  runInfo,
}

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "Show which language images are present",
	Args:  cobra.NoArgs,
	RunE:  runImages,
}

var rmCmd = &cobra.Command{
	Use:   "rm <sandbox-id>...",
	Short: "Remove sandboxes and their workspaces",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRm,
}

var execCmd = &cobra.Command{
	Use:   "exec <sandbox-id> -- <command>...",
	Short: "Run a command in a sandbox, starting it if needed",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runExec,
}

func init() {
	lsCmd.Flags().BoolVarP(&lsAll, "all", "a", false, "Include created and stopped sandboxes")
	gcCmd.Flags().Float64Var(&gcMaxAge, "max-age-hours", 0, "Age threshold in hours, fractions allowed (default: from config)")
	gcCmd.Flags().BoolVar(&gcDryRun, "dry-run", false, "Only print what would be removed")
	execCmd.Flags().StringVarP(&execWorkDir, "workdir", "w", "", "Working directory inside the sandbox")
	execCmd.Flags().DurationVar(&execTimeout, "timeout", 0, "Give up after this long (0 waits forever)")
	rmCmd.Flags().BoolVar(&rmContinueOn, "keep-going", false, "Continue with the next sandbox after a failure")

	rootCmd.AddCommand(lsCmd, gcCmd, infoCmd, imagesCmd, rmCmd, execCmd)
}

func runLs(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	sandboxes := e.manager.List(ctx, lsAll)
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), sandboxes)
	}
	if len(sandboxes) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No sandboxes found.")
		return nil
	}
	return writeSandboxTable(cmd.OutOrStdout(), sandboxes, time.Now())
}

func runGC(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	if gcMaxAge < 0 {
		return fmt.Errorf("--max-age-hours must not be negative, got %v", gcMaxAge)
	}
	maxAge := e.cfg.GCMaxAge()
	if gcMaxAge > 0 {
		maxAge = time.Duration(gcMaxAge * float64(time.Hour))
	}

	if gcDryRun {
		expired, err := e.manager.Expired(ctx, maxAge)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), expired)
		}
		now := time.Now()
		for _, c := range expired {
			fmt.Fprintf(cmd.OutOrStdout(), "would remove %s (%s, created %s ago)\n",
				c.ID, c.Name, units.HumanDuration(now.Sub(c.Created)))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d sandbox(es) older than %s\n", len(expired), maxAge)
		return nil
	}

	removed, err := e.manager.GarbageCollect(ctx, maxAge)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]int{"removed": removed})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d sandbox(es) older than %s\n", removed, maxAge)
	return nil
}

func runInfo(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	info, err := e.manager.RuntimeInfo(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), info)
	}
	return writeInfo(cmd.OutOrStdout(), info)
}

func runImages(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	images, err := e.manager.Images(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), images)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LANGUAGE\tIMAGE\tPRESENT")
	for _, img := range images {
		fmt.Fprintf(w, "%s\t%s\t%t\n", img.Language, img.Image, img.Present)
	}
	return w.Flush()
}

func runRm(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	var failed []string
	for _, id := range args {
		if err := e.manager.Remove(ctx, id); err != nil {
			if !rmContinueOn {
				return fmt.Errorf("failed to remove %s: %w", id, err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "failed to remove %s: %v\n", id, err)
			failed = append(failed, id)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", id)
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to remove %d sandbox(es): %s", len(failed), strings.Join(failed, ", "))
	}
	return nil
}

func runExec(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, execTimeout)
		defer cancel()
	}

	e, err := openEnv(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	res, err := sandbox.NewExecutor(e.log, e.manager).Execute(ctx, sandbox.ExecuteRequest{
		SandboxID:  args[0],
		Command:    shellquote.Join(args[1:]...),
		WorkingDir: execWorkDir,
	})
	if err != nil {
		return err
	}

	fmt.Fprint(cmd.OutOrStdout(), res.Stdout)
	fmt.Fprint(cmd.ErrOrStderr(), res.Stderr)
	if res.ExitCode != 0 {
		e.Close()
		os.Exit(res.ExitCode)
	}
	return nil
}

func writeSandboxTable(out io.Writer, sandboxes []sandbox.Sandbox, now time.Time) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLANGUAGE\tSTATUS\tCPU\tMEMORY\tAGE")
	for _, sb := range sandboxes {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			sb.ID, sb.Name, sb.Language, sb.Status,
			sb.Limits.CPU, units.BytesSize(float64(sb.Limits.MemoryBytes)),
			units.HumanDuration(now.Sub(sb.CreatedAt)))
	}
	return w.Flush()
}

func writeInfo(out io.Writer, info sandbox.RuntimeInfo) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Backend:\t%s\n", info.Backend)
	fmt.Fprintf(w, "Version:\t%s\n", info.Version)
	fmt.Fprintf(w, "OS/Arch:\t%s/%s\n", info.OperatingSystem, info.Architecture)
	fmt.Fprintf(w, "CPUs:\t%d\n", info.CPUs)
	fmt.Fprintf(w, "Memory:\t%s\n", units.BytesSize(float64(info.MemoryTotal)))
	fmt.Fprintf(w, "Containers:\t%d (%d running, %d stopped)\n", info.Containers, info.ContainersRunning, info.ContainersStopped)
	fmt.Fprintf(w, "Images:\t%d\n", info.Images)
	fmt.Fprintf(w, "Managed sandboxes:\t%d\n", info.ManagedSandboxes)
	return w.Flush()
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
