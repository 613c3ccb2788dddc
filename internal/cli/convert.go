package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cogsmith/internal/blob"
	"github.com/roach88/cogsmith/internal/convert"
	"github.com/roach88/cogsmith/internal/engine"
	"github.com/roach88/cogsmith/internal/record"
	"github.com/roach88/cogsmith/internal/store"
)

// ConvertOptions holds flags for the convert command.
type ConvertOptions struct {
	*RootOptions

	Database   string
	ConfigFile string
	InputRoot  string
	OutputDir  string

	Extensions   []string
	Exclude      []string
	MinSizeBytes int64
	MaxSizeBytes int64

	Workers       int
	MaxRetries    int
	BaseDelay     time.Duration
	Timeout       time.Duration
	MemoryLimitMB int

	Force            bool
	SkipProcessed    bool
	DetectDuplicates bool
	TrackChanges     bool
	PreserveLocal    bool

	// CreationOptions are KEY=VALUE pairs passed through to the
	// conversion binary.
	CreationOptions []string

	Upload UploadConfig

	// Converter overrides the conversion capability (for testing).
	// If nil, defaults to gdal_translate.
	Converter convert.Converter

	// RunIDs overrides run ID generation (for testing).
	// If nil, defaults to UUIDv7.
	RunIDs engine.RunIDGenerator
}

// NewConvertCommand creates the convert command.
func NewConvertCommand(rootOpts *RootOptions) *cobra.Command {
	return newConvertCommand(&ConvertOptions{RootOptions: rootOpts})
}

// newConvertCommand builds the command around pre-seeded options, so
// tests can inject a stub converter and fixed run IDs.
func newConvertCommand(opts *ConvertOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "convert [input-root]",
		Short: "Discover raster files and convert them to COGs",
		Long: `Discover raster files under the input root, convert new or changed
ones to Cloud-Optimized GeoTIFFs, and record every outcome in the
metadata database. Files whose content already converted are skipped
or recorded as duplicates, so re-running is cheap and idempotent.

Example:
  cogsmith convert --db ./cogsmith.db --output ./cogs /data/rasters
  cogsmith convert --config ./pipeline.yaml --force`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.InputRoot = args[0]
			}
			return runConvert(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite metadata database")
	cmd.Flags().StringVar(&opts.ConfigFile, "config", "", "YAML config file (flags override it)")
	cmd.Flags().StringVarP(&opts.OutputDir, "output", "o", "", "directory for converted artifacts")
	cmd.Flags().StringSliceVar(&opts.Extensions, "ext", []string{".tif", ".tiff", ".img", ".ecw", ".jp2", ".sid"}, "raster extensions to discover")
	cmd.Flags().StringSliceVar(&opts.Exclude, "exclude", nil, "glob patterns to exclude")
	cmd.Flags().Int64Var(&opts.MinSizeBytes, "min-size", 0, "skip files smaller than this many bytes")
	cmd.Flags().Int64Var(&opts.MaxSizeBytes, "max-size", 0, "skip files larger than this many bytes (0 = no limit)")
	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", engine.DefaultMaxWorkers, "max concurrent conversions")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", engine.DefaultMaxRetries, "conversion attempts per file")
	cmd.Flags().DurationVar(&opts.BaseDelay, "base-delay", engine.DefaultBaseDelay, "base delay for exponential retry backoff")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 0, "per-conversion timeout (0 = none)")
	cmd.Flags().IntVar(&opts.MemoryLimitMB, "memory-limit-mb", 0, "per-worker memory budget in MB (0 = none)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "reprocess every file regardless of history")
	cmd.Flags().BoolVar(&opts.SkipProcessed, "skip-processed", true, "reuse outcomes from earlier runs")
	cmd.Flags().BoolVar(&opts.DetectDuplicates, "detect-duplicates", true, "reuse output for content-identical files")
	cmd.Flags().BoolVar(&opts.TrackChanges, "track-changes", true, "skip hashing when size and mtime are unchanged")
	cmd.Flags().BoolVar(&opts.PreserveLocal, "preserve-local", false, "keep local artifacts after a successful upload")
	cmd.Flags().StringSliceVar(&opts.CreationOptions, "co", nil, "KEY=VALUE creation options passed to the converter")

	cmd.Flags().StringVar(&opts.Upload.Endpoint, "upload-endpoint", "", "S3-compatible endpoint URL for artifact upload")
	cmd.Flags().StringVar(&opts.Upload.AccessKey, "upload-access-key", "", "upload access key")
	cmd.Flags().StringVar(&opts.Upload.SecretKey, "upload-secret-key", "", "upload secret key")
	cmd.Flags().StringVar(&opts.Upload.Region, "upload-region", "", "upload region")
	cmd.Flags().BoolVar(&opts.Upload.UseSSL, "upload-ssl", false, "use TLS for uploads")
	cmd.Flags().StringVar(&opts.Upload.LocalDir, "upload-local-dir", "", "filesystem upload destination (instead of S3)")
	cmd.Flags().StringVar(&opts.Upload.Bucket, "upload-bucket", "", "destination bucket; empty disables upload")
	cmd.Flags().StringVar(&opts.Upload.Prefix, "upload-prefix", "", "key prefix for uploaded artifacts")
	cmd.Flags().Float64Var(&opts.Upload.RatePerSec, "upload-rate", 0, "max uploads per second (0 = unlimited)")

	return cmd
}

func runConvert(opts *ConvertOptions, cmd *cobra.Command) error {
	if opts.ConfigFile != "" {
		fc, err := LoadFileConfig(opts.ConfigFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid config file", err)
		}
		if err := applyFileConfig(opts, fc, cmd); err != nil {
			return WrapExitError(ExitCommandError, "invalid config file", err)
		}
	}

	if opts.InputRoot == "" {
		return NewExitError(ExitCommandError, "input root is required (argument or config input_root)")
	}
	if opts.OutputDir == "" {
		return NewExitError(ExitCommandError, "output directory is required (--output or config output_dir)")
	}
	if opts.Database == "" {
		return NewExitError(ExitCommandError, "database path is required (--db or config database)")
	}
	info, err := os.Stat(opts.InputRoot)
	if err != nil {
		return WrapExitError(ExitCommandError, "input root not readable", err)
	}
	if !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("input root %s is not a directory", opts.InputRoot))
	}

	params, err := parseCreationOptions(opts.CreationOptions)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid creation option", err)
	}

	slog.Info("opening database", "path", opts.Database)
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()

	conv := opts.Converter
	if conv == nil {
		conv = &convert.GDALConverter{Timeout: opts.Timeout}
	}

	engOpts := []engine.Option{}
	if opts.RunIDs != nil {
		engOpts = append(engOpts, engine.WithRunIDGenerator(opts.RunIDs))
	}
	uploader, err := buildUploader(opts.Upload)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid upload configuration", err)
	}
	if uploader != nil {
		engOpts = append(engOpts, engine.WithUploader(uploader))
	}

	eng := engine.New(st, conv, engine.Config{
		InputRoot:        opts.InputRoot,
		OutputDir:        opts.OutputDir,
		Extensions:       opts.Extensions,
		Exclude:          opts.Exclude,
		MinSizeBytes:     opts.MinSizeBytes,
		MaxSizeBytes:     opts.MaxSizeBytes,
		MaxWorkers:       opts.Workers,
		MaxRetries:       opts.MaxRetries,
		BaseDelay:        opts.BaseDelay,
		DetectDuplicates: opts.DetectDuplicates,
		TrackChanges:     opts.TrackChanges,
		SkipProcessed:    opts.SkipProcessed,
		Force:            opts.Force,
		MemoryLimitMB:    opts.MemoryLimitMB,
		ConvertParams:    params,
		PreserveLocal:    opts.PreserveLocal,
	}, engOpts...)

	// Graceful shutdown: first signal stops dispatch, in-flight
	// conversions finish and the run is sealed.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, finishing in-flight conversions", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	run, runErr := eng.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return WrapExitError(ExitCommandError, "run aborted", runErr)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose}
	if formatter.JSON() {
		if err := formatter.Success(runResponse(run)); err != nil {
			return err
		}
	} else {
		engine.WriteSummary(cmd.OutOrStdout(), run)
	}

	if run.Counts.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d conversion(s) failed", run.Counts.Failed))
	}
	return nil
}

// applyFileConfig fills options from the config file for every flag
// the user did not set explicitly.
func applyFileConfig(opts *ConvertOptions, fc *FileConfig, cmd *cobra.Command) error {
	changed := cmd.Flags().Changed

	if opts.InputRoot == "" && fc.InputRoot != "" {
		opts.InputRoot = fc.InputRoot
	}
	if !changed("output") && fc.OutputDir != "" {
		opts.OutputDir = fc.OutputDir
	}
	if !changed("db") && fc.Database != "" {
		opts.Database = fc.Database
	}
	if !changed("ext") && len(fc.Extensions) > 0 {
		opts.Extensions = fc.Extensions
	}
	if !changed("exclude") && len(fc.Exclude) > 0 {
		opts.Exclude = fc.Exclude
	}
	if !changed("min-size") && fc.MinSizeBytes > 0 {
		opts.MinSizeBytes = fc.MinSizeBytes
	}
	if !changed("max-size") && fc.MaxSizeBytes > 0 {
		opts.MaxSizeBytes = fc.MaxSizeBytes
	}
	if !changed("workers") && fc.Workers > 0 {
		opts.Workers = fc.Workers
	}
	if !changed("max-retries") && fc.MaxRetries > 0 {
		opts.MaxRetries = fc.MaxRetries
	}
	if !changed("memory-limit-mb") && fc.MemoryLimitMB > 0 {
		opts.MemoryLimitMB = fc.MemoryLimitMB
	}
	if !changed("base-delay") {
		if d, err := fc.baseDelay(); err != nil {
			return err
		} else if d > 0 {
			opts.BaseDelay = d
		}
	}
	if !changed("timeout") {
		if d, err := fc.timeout(); err != nil {
			return err
		} else if d > 0 {
			opts.Timeout = d
		}
	}
	if !changed("force") && fc.Force != nil {
		opts.Force = *fc.Force
	}
	if !changed("skip-processed") && fc.SkipProcessed != nil {
		opts.SkipProcessed = *fc.SkipProcessed
	}
	if !changed("detect-duplicates") && fc.DetectDuplicates != nil {
		opts.DetectDuplicates = *fc.DetectDuplicates
	}
	if !changed("track-changes") && fc.TrackChanges != nil {
		opts.TrackChanges = *fc.TrackChanges
	}
	if !changed("preserve-local") && fc.PreserveLocal != nil {
		opts.PreserveLocal = *fc.PreserveLocal
	}
	if !changed("co") && len(fc.CreationOptions) > 0 {
		for k, v := range fc.CreationOptions {
			opts.CreationOptions = append(opts.CreationOptions, k+"="+v)
		}
	}
	if fc.Upload != nil {
		up := *fc.Upload
		if changed("upload-bucket") {
			up.Bucket = opts.Upload.Bucket
		}
		if changed("upload-prefix") {
			up.Prefix = opts.Upload.Prefix
		}
		if changed("upload-endpoint") {
			up.Endpoint = opts.Upload.Endpoint
		}
		if changed("upload-local-dir") {
			up.LocalDir = opts.Upload.LocalDir
		}
		if changed("upload-rate") {
			up.RatePerSec = opts.Upload.RatePerSec
		}
		opts.Upload = up
	}
	return nil
}

// buildUploader constructs the uploader from config, or nil when
// uploads are disabled.
func buildUploader(up UploadConfig) (*blob.Uploader, error) {
	if up.Bucket == "" {
		return nil, nil
	}
	if up.LocalDir != "" {
		return blob.NewUploader(blob.NewLocalStore(up.LocalDir), up.Bucket, up.Prefix, up.RatePerSec), nil
	}
	client, err := blob.NewS3Client(blob.S3Config{
		EndpointURL:     up.Endpoint,
		AccessKeyID:     up.AccessKey,
		SecretAccessKey: up.SecretKey,
		Region:          up.Region,
		UseSSL:          up.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	return blob.NewUploader(client, up.Bucket, up.Prefix, up.RatePerSec), nil
}

func parseCreationOptions(pairs []string) (convert.Params, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(convert.Params, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("creation option %q is not KEY=VALUE", pair)
		}
		params[k] = v
	}
	return params, nil
}

// runSummaryData is the JSON payload for a completed run.
type runSummaryData struct {
	RunID     string `json:"run_id"`
	StartedAt string `json:"started_at"`
	EndedAt   string `json:"ended_at,omitempty"`
	InputRoot string `json:"input_root"`

	Total        int `json:"total"`
	New          int `json:"new"`
	Unchanged    int `json:"unchanged"`
	Duplicates   int `json:"duplicates"`
	Succeeded    int `json:"succeeded"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	Uploaded     int `json:"uploaded"`
	UploadFailed int `json:"upload_failed"`
}

func runResponse(run record.RunRecord) runSummaryData {
	data := runSummaryData{
		RunID:     run.ID,
		StartedAt: run.StartedAt.UTC().Format(time.RFC3339Nano),
		InputRoot: run.InputRoot,

		Total:        run.Counts.Total,
		New:          run.Counts.New,
		Unchanged:    run.Counts.Unchanged,
		Duplicates:   run.Counts.Duplicates,
		Succeeded:    run.Counts.Succeeded,
		Failed:       run.Counts.Failed,
		Skipped:      run.Counts.Skipped,
		Uploaded:     run.Counts.Uploaded,
		UploadFailed: run.Counts.UploadFailed,
	}
	if run.Sealed() {
		data.EndedAt = run.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	return data
}
