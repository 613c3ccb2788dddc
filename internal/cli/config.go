package cli

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the optional YAML configuration file for the convert
// command. Flags given on the command line override file values.
type FileConfig struct {
	InputRoot    string   `yaml:"input_root,omitempty"`
	OutputDir    string   `yaml:"output_dir,omitempty"`
	Database     string   `yaml:"database,omitempty"`
	Extensions   []string `yaml:"extensions,omitempty"`
	Exclude      []string `yaml:"exclude,omitempty"`
	MinSizeBytes int64    `yaml:"min_size_bytes,omitempty"`
	MaxSizeBytes int64    `yaml:"max_size_bytes,omitempty"`

	Workers       int    `yaml:"workers,omitempty"`
	MaxRetries    int    `yaml:"max_retries,omitempty"`
	BaseDelay     string `yaml:"base_delay,omitempty"` // Go duration, e.g. "5s"
	Timeout       string `yaml:"timeout,omitempty"`    // per-conversion bound
	MemoryLimitMB int    `yaml:"memory_limit_mb,omitempty"`

	Force            *bool `yaml:"force,omitempty"`
	SkipProcessed    *bool `yaml:"skip_processed,omitempty"`
	DetectDuplicates *bool `yaml:"detect_duplicates,omitempty"`
	TrackChanges     *bool `yaml:"track_changes,omitempty"`
	PreserveLocal    *bool `yaml:"preserve_local,omitempty"`

	// CreationOptions pass straight through to the conversion binary.
	CreationOptions map[string]string `yaml:"creation_options,omitempty"`

	Upload *UploadConfig `yaml:"upload,omitempty"`
}

// UploadConfig configures the optional artifact upload destination.
// Either an S3-compatible endpoint or a local directory, not both.
type UploadConfig struct {
	Endpoint  string `yaml:"endpoint,omitempty"`
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty"`
	Region    string `yaml:"region,omitempty"`
	UseSSL    bool   `yaml:"use_ssl,omitempty"`

	// LocalDir uses a filesystem-backed store instead of S3. Useful
	// for air-gapped deployments and tests.
	LocalDir string `yaml:"local_dir,omitempty"`

	Bucket     string  `yaml:"bucket"`
	Prefix     string  `yaml:"prefix,omitempty"`
	RatePerSec float64 `yaml:"rate_per_sec,omitempty"`
}

// LoadFileConfig reads and strictly decodes a YAML config file.
// Unknown keys are rejected so typos fail loudly.
func LoadFileConfig(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	if _, err := cfg.baseDelay(); err != nil {
		return nil, err
	}
	if _, err := cfg.timeout(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *FileConfig) baseDelay() (time.Duration, error) {
	return parseDuration("base_delay", c.BaseDelay)
}

func (c *FileConfig) timeout() (time.Duration, error) {
	return parseDuration("timeout", c.Timeout)
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config field %s: %w", field, err)
	}
	return d, nil
}
