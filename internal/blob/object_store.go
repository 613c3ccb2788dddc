// Package blob is the external blob-store capability: uploading
// converted artifacts to an object store.
//
// The engine only sees the ObjectStore interface and the Uploader on
// top of it. S3Client talks to real MinIO/S3; LocalStore persists
// objects on disk so tests and storage-less deployments behave the
// same way.
package blob

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ObjectStore is the minimal surface the pipeline needs from a blob
// provider.
type ObjectStore interface {
	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context, bucket string) error

	// UploadFile stores the local file under bucket/key and returns a
	// remote reference for the stored object.
	UploadFile(ctx context.Context, bucket, key, localPath string) (string, error)
}

// LocalStore persists objects under a directory tree, mimicking a
// bucket/key layout. References use the file:// scheme.
type LocalStore struct {
	root string
}

// NewLocalStore creates a local object store rooted at dir.
func NewLocalStore(root string) *LocalStore {
	if root == "" {
		root = filepath.Join(os.TempDir(), "cogsmith-blobs")
	}
	_ = os.MkdirAll(root, 0o755)
	return &LocalStore{root: root}
}

func (s *LocalStore) EnsureBucket(ctx context.Context, bucket string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if bucket == "" {
		return wrapError(CodeBucketNotFound, false, os.ErrNotExist)
	}
	return os.MkdirAll(filepath.Join(s.root, bucket), 0o755)
}

func (s *LocalStore) UploadFile(ctx context.Context, bucket, key, localPath string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if bucket == "" {
		return "", wrapError(CodeBucketNotFound, false, os.ErrNotExist)
	}
	if err := s.EnsureBucket(ctx, bucket); err != nil {
		return "", err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return "", wrapError(CodeWriteFailed, false, err)
	}
	defer src.Close()

	fullPath := filepath.Join(s.root, bucket, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return "", wrapError(CodePermissionDenied, false, err)
	}
	dst, err := os.Create(fullPath)
	if err != nil {
		return "", wrapError(CodeWriteFailed, true, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", wrapError(CodeWriteFailed, true, err)
	}
	return fmt.Sprintf("file://%s", fullPath), nil
}
