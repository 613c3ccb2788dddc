// Package fingerprint computes stable content identities for input files.
//
// The digest is SHA-256 over the full file contents, streamed in chunks
// so large rasters never have to fit in memory. The same bytes always
// produce the same hash, which is what duplicate detection and change
// tracking key on.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/roach88/cogsmith/internal/record"
)

// File computes the content hash of the file at path.
//
// The full file is read; a partial-read strategy would be cheaper for
// very large rasters but risks false negatives if the strategy ever
// changes between runs, so we pay for the full read.
//
// An unreadable file returns an error wrapping the underlying I/O
// failure. Callers treat this as a discovery-time skip, not a
// conversion failure.
func File(path string) (record.ContentHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("fingerprint %s: %w", path, err)
	}

	return record.ContentHash(hex.EncodeToString(h.Sum(nil))), nil
}

// Bytes computes the content hash of an in-memory buffer.
// Matches File for the same byte sequence; used by tests and by
// callers that already hold the data.
func Bytes(data []byte) record.ContentHash {
	sum := sha256.Sum256(data)
	return record.ContentHash(hex.EncodeToString(sum[:]))
}
