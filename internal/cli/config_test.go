package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFileConfig_Full(t *testing.T) {
	path := writeConfig(t, `
input_root: /data/rasters
output_dir: /data/cogs
database: /data/cogsmith.db
extensions: [".tif", ".ecw"]
exclude: ["**/thumbnails/*"]
min_size_bytes: 1024
workers: 8
max_retries: 5
base_delay: 10s
timeout: 30m
memory_limit_mb: 2048
force: false
preserve_local: true
creation_options:
  COMPRESS: DEFLATE
upload:
  endpoint: http://minio.local:9000
  access_key: ak
  secret_key: sk
  bucket: conversions
  prefix: cogs/
  rate_per_sec: 4
`)

	cfg, err := LoadFileConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/rasters", cfg.InputRoot)
	assert.Equal(t, []string{".tif", ".ecw"}, cfg.Extensions)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, "DEFLATE", cfg.CreationOptions["COMPRESS"])

	d, err := cfg.baseDelay()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, d)

	require.NotNil(t, cfg.Upload)
	assert.Equal(t, "conversions", cfg.Upload.Bucket)
	assert.Equal(t, 4.0, cfg.Upload.RatePerSec)

	require.NotNil(t, cfg.PreserveLocal)
	assert.True(t, *cfg.PreserveLocal)
	require.NotNil(t, cfg.Force)
	assert.False(t, *cfg.Force)
}

func TestLoadFileConfig_UnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, "input_root: /data\nworkerz: 4\n")

	_, err := LoadFileConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workerz")
}

func TestLoadFileConfig_BadDuration(t *testing.T) {
	path := writeConfig(t, "base_delay: five seconds\n")

	_, err := LoadFileConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "base_delay")
}

func TestLoadFileConfig_MissingFile(t *testing.T) {
	_, err := LoadFileConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
