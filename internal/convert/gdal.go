package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/cogsmith/internal/retry"
)

// GDALConverter shells out to gdal_translate to produce a
// Cloud-Optimized GeoTIFF. The binary does all the raster work; this
// type only builds the command line and classifies what came back.
type GDALConverter struct {
	// Binary is the gdal_translate executable. Defaults to
	// "gdal_translate" on PATH.
	Binary string

	// Timeout bounds a single conversion. Zero means no timeout.
	Timeout time.Duration
}

// Convert runs gdal_translate -of COG with params appended as -co
// creation options. The output directory is created as needed.
func (g *GDALConverter) Convert(ctx context.Context, inputPath, outputPath string, params Params) (string, error) {
	binary := g.Binary
	if binary == "" {
		binary = "gdal_translate"
	}

	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", NewError(retry.KindTransient, inputPath, fmt.Errorf("create output dir: %w", err))
	}

	args := []string{"-of", "COG"}
	if limit, ok := params[ParamMemoryLimitMB]; ok {
		args = append(args, "--config", "GDAL_CACHEMAX", limit)
	}
	for k, v := range params {
		if k == ParamMemoryLimitMB {
			continue
		}
		args = append(args, "-co", fmt.Sprintf("%s=%s", strings.ToUpper(k), v))
	}
	args = append(args, inputPath, outputPath)

	cmd := exec.CommandContext(ctx, binary, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", classifyRunError(ctx, inputPath, err, stderr.String())
	}
	return outputPath, nil
}

// classifyRunError maps a gdal_translate failure onto the retry
// taxonomy. Timeouts and missing binaries are transient, kills are
// resource-limit, recognizable input complaints are deterministic.
func classifyRunError(ctx context.Context, inputPath string, err error, stderr string) *Error {
	if ctx.Err() != nil {
		return NewError(retry.KindTransient, inputPath, fmt.Errorf("conversion timed out: %w", ctx.Err()))
	}

	var execErr *exec.Error
	if errors.As(err, &execErr) {
		// Binary not found or not runnable; the environment may
		// recover (PATH fix, deploy), but no amount of retries this
		// run will either. Deterministic keeps the failure loud.
		return NewError(retry.KindDeterministic, inputPath, err)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && !exitErr.Exited() {
		// Killed by signal: OOM killer or a crashed worker process.
		return NewError(retry.KindResourceLimit, inputPath, fmt.Errorf("%w: %s", err, firstLine(stderr)))
	}

	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "not recognized as") ||
		strings.Contains(lower, "not recognised as") ||
		strings.Contains(lower, "corrupt"):
		return NewError(retry.KindDeterministic, inputPath, fmt.Errorf("unreadable input: %s", firstLine(stderr)))
	case strings.Contains(lower, "unsupported"):
		return NewError(retry.KindDeterministic, inputPath, fmt.Errorf("unsupported format: %s", firstLine(stderr)))
	case strings.Contains(lower, "out of memory") || strings.Contains(lower, "cannot allocate"):
		return NewError(retry.KindResourceLimit, inputPath, fmt.Errorf("%s", firstLine(stderr)))
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "temporarily unavailable"):
		return NewError(retry.KindTransient, inputPath, fmt.Errorf("%s", firstLine(stderr)))
	}

	return NewError(retry.KindDeterministic, inputPath, fmt.Errorf("%w: %s", err, firstLine(stderr)))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
