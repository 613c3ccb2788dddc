// Package convert defines the external raster-conversion capability.
//
// The engine treats conversion as opaque: it hands over an input path,
// an output path, and pass-through parameters, and gets back either an
// output reference or a classified Error. Raster semantics
// (projections, bands, compression) never leak into the engine.
package convert

import (
	"context"
	"fmt"

	"github.com/roach88/cogsmith/internal/retry"
)

// Params are passed through to the capability unvalidated; validating
// them is the configuration layer's job.
type Params map[string]string

// ParamMemoryLimitMB is the reserved parameter key carrying the
// per-worker memory budget in megabytes. Converters that can honor it
// consume it; everything else under Params is capability-specific.
const ParamMemoryLimitMB = "memory_limit_mb"

// Converter transcodes one raster file to a Cloud-Optimized output.
//
// Convert returns the reference of the produced artifact (normally
// outputPath). Failures are reported as *Error so the scheduler can
// classify them; a bare error is treated as deterministic.
type Converter interface {
	Convert(ctx context.Context, inputPath, outputPath string, params Params) (string, error)
}

// Error is a conversion failure with a classified kind.
type Error struct {
	Kind retry.Kind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("convert %s (%s): %v", e.Path, e.Kind, e.Err)
	}
	return fmt.Sprintf("convert %s (%s)", e.Path, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// FailureKind implements retry.Classifiable.
func (e *Error) FailureKind() retry.Kind { return e.Kind }

// NewError wraps err as a conversion failure of the given kind.
func NewError(kind retry.Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}
