package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cogsmith/internal/record"
)

// StatusOptions holds flags for the status command.
type StatusOptions struct {
	*RootOptions
	Database string
	Status   string
	Limit    int
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "List tracked files by processing status",
		Long: `List file records from the metadata database, filtered by status.

Example:
  cogsmith status --db ./cogsmith.db --status failed
  cogsmith status --db ./cogsmith.db --status duplicate --limit 50`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := record.Status(opts.Status)
			if !status.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid status %q", opts.Status))
			}

			st, err := openExistingStore(opts.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ListByStatus(cmd.Context(), status, opts.Limit)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to list files", err)
			}
			return printFileRecords(opts, records, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite metadata database (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.Status, "status", "failed", "status to list (pending|processing|succeeded|failed|skipped|duplicate)")
	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "max records to show (0 = all)")

	return cmd
}

type fileData struct {
	Path            string `json:"path"`
	Status          string `json:"status"`
	ContentHash     string `json:"content_hash,omitempty"`
	OutputReference string `json:"output_reference,omitempty"`
	UploadReference string `json:"upload_reference,omitempty"`
	DuplicateOf     string `json:"duplicate_of,omitempty"`
	AttemptCount    int    `json:"attempt_count"`
	LastError       string `json:"last_error,omitempty"`
	LastErrorKind   string `json:"last_error_kind,omitempty"`
	LastRunID       string `json:"last_run_id,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

func printFileRecords(opts *StatusOptions, records []record.FileRecord, cmd *cobra.Command) error {
	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if formatter.JSON() {
		data := make([]fileData, 0, len(records))
		for _, rec := range records {
			data = append(data, fileData{
				Path:            rec.Path,
				Status:          string(rec.Status),
				ContentHash:     string(rec.ContentHash),
				OutputReference: rec.OutputReference,
				UploadReference: rec.UploadReference,
				DuplicateOf:     rec.DuplicateOf,
				AttemptCount:    rec.AttemptCount,
				LastError:       rec.LastError,
				LastErrorKind:   rec.LastErrorKind,
				LastRunID:       rec.LastRunID,
				UpdatedAt:       rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
			})
		}
		return formatter.Success(data)
	}

	if len(records) == 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "No files with status %q.\n", opts.Status)
		return nil
	}
	w := cmd.OutOrStdout()
	for _, rec := range records {
		switch rec.Status {
		case record.StatusFailed:
			fmt.Fprintf(w, "%s  attempts=%d  [%s]  %s\n", rec.Path, rec.AttemptCount, rec.LastErrorKind, rec.LastError)
		case record.StatusDuplicate:
			fmt.Fprintf(w, "%s  duplicate of %s\n", rec.Path, rec.DuplicateOf)
		case record.StatusSucceeded:
			fmt.Fprintf(w, "%s  -> %s\n", rec.Path, rec.OutputReference)
		default:
			fmt.Fprintf(w, "%s  %s\n", rec.Path, rec.LastError)
		}
	}
	return nil
}
