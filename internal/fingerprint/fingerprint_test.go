package fingerprint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFile_Deterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.tif")
	require.NoError(t, os.WriteFile(path, []byte("raster bytes"), 0o644))

	h1, err := File(path)
	require.NoError(t, err)
	h2, err := File(path)
	require.NoError(t, err)

	assert.Equal(t, h1, h2, "same bytes must hash identically")
	assert.Len(t, string(h1), 64, "hex-encoded SHA-256")
}

func TestFile_ContentIdentity(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tif")
	b := filepath.Join(dir, "sub")
	require.NoError(t, os.MkdirAll(b, 0o755))
	b = filepath.Join(b, "renamed.tif")

	require.NoError(t, os.WriteFile(a, []byte("identical"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("identical"), 0o644))

	ha, err := File(a)
	require.NoError(t, err)
	hb, err := File(b)
	require.NoError(t, err)

	assert.Equal(t, ha, hb, "hash depends on content, not path")
}

func TestFile_DifferentContent(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.tif")
	b := filepath.Join(dir, "b.tif")
	require.NoError(t, os.WriteFile(a, []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(b, []byte("two"), 0o644))

	ha, err := File(a)
	require.NoError(t, err)
	hb, err := File(b)
	require.NoError(t, err)

	assert.NotEqual(t, ha, hb)
}

func TestFile_Unreadable(t *testing.T) {
	_, err := File(filepath.Join(t.TempDir(), "missing.tif"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBytes_MatchesFile(t *testing.T) {
	data := []byte("the same payload")
	path := filepath.Join(t.TempDir(), "p.tif")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	fromFile, err := File(path)
	require.NoError(t, err)
	assert.Equal(t, fromFile, Bytes(data))
}
