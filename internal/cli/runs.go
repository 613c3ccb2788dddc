package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/cogsmith/internal/engine"
	"github.com/roach88/cogsmith/internal/store"
)

// RunsOptions holds flags for the runs command.
type RunsOptions struct {
	*RootOptions
	Database string
	Limit    int
}

// NewRunsCommand creates the runs command.
func NewRunsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List past runs or show one run in detail",
		Long: `List runs recorded in the metadata database, most recent first.
With a run ID argument, show that run's full summary instead.

Example:
  cogsmith runs --db ./cogsmith.db
  cogsmith runs --db ./cogsmith.db 0195b2aa-7d51-7e3a-9f00-3c2a66b1d0f4`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openExistingStore(opts.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			if len(args) == 1 {
				return showRun(opts, st, args[0], cmd)
			}
			return listRuns(opts, st, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite metadata database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "max runs to list (0 = all)")

	return cmd
}

func listRuns(opts *RunsOptions, st *store.Store, cmd *cobra.Command) error {
	runs, err := st.ListRuns(cmd.Context(), opts.Limit)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if formatter.JSON() {
		data := make([]runSummaryData, 0, len(runs))
		for _, run := range runs {
			data = append(data, runResponse(run))
		}
		return formatter.Success(data)
	}

	if len(runs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
		return nil
	}
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "%-36s  %-20s  %-9s  %6s  %6s  %6s\n",
		"RUN", "STARTED", "STATE", "TOTAL", "OK", "FAILED")
	for _, run := range runs {
		state := "running"
		if run.Sealed() {
			state = "sealed"
		}
		fmt.Fprintf(w, "%-36s  %-20s  %-9s  %6d  %6d  %6d\n",
			run.ID,
			run.StartedAt.UTC().Format("2006-01-02 15:04:05"),
			state,
			run.Counts.Total,
			run.Counts.Succeeded+run.Counts.Unchanged+run.Counts.Duplicates,
			run.Counts.Failed,
		)
	}
	return nil
}

func showRun(opts *RunsOptions, st *store.Store, runID string, cmd *cobra.Command) error {
	run, err := st.GetRun(cmd.Context(), runID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load run", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if formatter.JSON() {
		return formatter.Success(runResponse(*run))
	}

	engine.WriteSummary(cmd.OutOrStdout(), *run)
	if run.ConfigSnapshot != "" && opts.Verbose {
		fmt.Fprintf(cmd.OutOrStdout(), "Config: %s\n", run.ConfigSnapshot)
	}
	return nil
}

// openExistingStore opens the metadata database for read-only style
// commands. Unlike convert, a missing database is an error here:
// inspecting history should never create an empty one.
func openExistingStore(path string) (*store.Store, error) {
	if path == "" {
		return nil, NewExitError(ExitCommandError, "database path is required (--db)")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, WrapExitError(ExitCommandError, fmt.Sprintf("database %s does not exist", path), err)
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}
