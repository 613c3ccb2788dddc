package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cogsmith/internal/record"
)

// FailuresOptions holds flags for the failures command.
type FailuresOptions struct {
	*RootOptions
	Database string
	RunID    string
	Path     string
	Limit    int
}

// NewFailuresCommand creates the failures command.
func NewFailuresCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FailuresOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "failures",
		Short: "Show the append-only conversion error log",
		Long: `Show failure events recorded across runs: one entry per failed
attempt, retried or not, with the classified failure kind.

Example:
  cogsmith failures --db ./cogsmith.db
  cogsmith failures --db ./cogsmith.db --run 0195b2aa-... --path /data/rasters/bad.tif`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openExistingStore(opts.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			events, err := st.ListFailures(cmd.Context(), opts.RunID, opts.Path, opts.Limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list failures", err)
			}
			return printFailures(opts, events, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite metadata database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "only failures from this run")
	cmd.Flags().StringVar(&opts.Path, "path", "", "only failures for this file")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "max events to show (0 = all)")

	return cmd
}

type failureData struct {
	Path       string `json:"path"`
	RunID      string `json:"run_id"`
	Attempt    int    `json:"attempt"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	OccurredAt string `json:"occurred_at"`
}

func printFailures(opts *FailuresOptions, events []record.FailureEvent, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if formatter.JSON() {
		data := make([]failureData, 0, len(events))
		for _, ev := range events {
			data = append(data, failureData{
				Path:       ev.Path,
				RunID:      ev.RunID,
				Attempt:    ev.Attempt,
				Kind:       ev.Kind,
				Message:    ev.Message,
				OccurredAt: ev.OccurredAt.UTC().Format(time.RFC3339Nano),
			})
		}
		return formatter.Success(data)
	}

	if len(events) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No failures recorded.")
		return nil
	}
	w := cmd.OutOrStdout()
	for _, ev := range events {
		fmt.Fprintf(w, "%s  attempt %d  [%s]  %s\n    %s\n",
			ev.OccurredAt.UTC().Format("2006-01-02 15:04:05"),
			ev.Attempt, ev.Kind, ev.Path, ev.Message)
	}
	return nil
}
