package blob

import (
	"context"
	"path/filepath"
	"strings"

	"golang.org/x/time/rate"

	"github.com/roach88/cogsmith/internal/record"
)

// Uploader pushes converted artifacts into one bucket of an
// ObjectStore, rate-limited so a wide worker pool cannot saturate the
// provider.
type Uploader struct {
	store   ObjectStore
	bucket  string
	prefix  string
	limiter *rate.Limiter
}

// NewUploader creates an Uploader. uploadsPerSec <= 0 disables rate
// limiting. prefix, if set, is prepended to every destination key.
func NewUploader(store ObjectStore, bucket, prefix string, uploadsPerSec float64) *Uploader {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if uploadsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(uploadsPerSec), 1)
	}
	return &Uploader{store: store, bucket: bucket, prefix: prefix, limiter: limiter}
}

// EnsureBucket prepares the destination bucket. Called once before a
// run dispatches any upload.
func (u *Uploader) EnsureBucket(ctx context.Context) error {
	return u.store.EnsureBucket(ctx, u.bucket)
}

// Upload stores localPath under a content-addressed key and returns
// the remote reference.
func (u *Uploader) Upload(ctx context.Context, localPath, originalPath string, hash record.ContentHash) (string, error) {
	if err := u.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return u.store.UploadFile(ctx, u.bucket, u.key(originalPath, hash), localPath)
}

// key derives the destination key from the original file's content
// hash, keeping the (lowercased) original extension. Content
// addressing makes re-uploads of identical content land on the same
// object.
func (u *Uploader) key(originalPath string, hash record.ContentHash) string {
	ext := strings.ToLower(filepath.Ext(originalPath))
	k := string(hash) + ext
	if u.prefix != "" {
		k = strings.TrimSuffix(u.prefix, "/") + "/" + k
	}
	return k
}
