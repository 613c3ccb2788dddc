package engine

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/roach88/cogsmith/internal/convert"
)

// Default limits applied when Config leaves them zero.
const (
	DefaultMaxWorkers = 4
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 5 * time.Second
)

// Config is the complete, immutable configuration for one run.
// Built once before Run and never mutated during it.
type Config struct {
	// InputRoot is the directory tree to discover inputs under.
	InputRoot string `json:"input_root"`

	// OutputDir receives converted artifacts, mirroring the input
	// tree's structure.
	OutputDir string `json:"output_dir"`

	// Extensions and Exclude filter discovery (see discover.Options).
	Extensions []string `json:"extensions"`
	Exclude    []string `json:"exclude,omitempty"`

	MinSizeBytes int64 `json:"min_size_bytes,omitempty"`
	MaxSizeBytes int64 `json:"max_size_bytes,omitempty"`

	// MaxWorkers bounds the conversion pool.
	MaxWorkers int `json:"max_workers"`

	// MaxRetries caps conversion attempts per file.
	MaxRetries int `json:"max_retries"`

	// BaseDelay seeds exponential retry backoff.
	BaseDelay time.Duration `json:"base_delay"`

	// DetectDuplicates, TrackChanges, SkipProcessed, Force are the
	// reprocessing policy toggles exposed on the CLI.
	DetectDuplicates bool `json:"detect_duplicates"`
	TrackChanges     bool `json:"track_changes"`
	SkipProcessed    bool `json:"skip_processed"`
	Force            bool `json:"force"`

	// MemoryLimitMB is a per-worker soft budget, passed through to the
	// conversion capability which is what actually enforces it.
	MemoryLimitMB int `json:"memory_limit_mb,omitempty"`

	// ConvertParams pass through to the converter unvalidated.
	ConvertParams convert.Params `json:"convert_params,omitempty"`

	// PreserveLocal keeps the local artifact after a successful
	// upload; with it off the local copy is removed.
	PreserveLocal bool `json:"preserve_local"`
}

// withDefaults fills zero limits with the defaults.
func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	return c
}

// Snapshot renders the effective configuration for the run record.
func (c Config) Snapshot() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(data)
}

// params returns the pass-through converter parameters with the
// memory budget folded in.
func (c Config) params() convert.Params {
	if c.MemoryLimitMB <= 0 {
		return c.ConvertParams
	}
	p := make(convert.Params, len(c.ConvertParams)+1)
	for k, v := range c.ConvertParams {
		p[k] = v
	}
	p[convert.ParamMemoryLimitMB] = strconv.Itoa(c.MemoryLimitMB)
	return p
}
