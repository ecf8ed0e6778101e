package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

type Object struct {
	Name string
	Size int64
}

type ObjectIterator func(yield func(obj Object, err error) bool)

// ObjectStore holds trained model artifacts. Keys are slash separated and
// relative to the bucket.
type ObjectStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	DeleteObjects(ctx context.Context, bucket, prefix string) error

	DownloadDir(ctx context.Context, bucket, prefix, dest string, overwrite bool) error

	UploadDir(ctx context.Context, bucket, prefix, src string) error
}

func dirPrefix(prefix string) string {
	if prefix == "" || prefix[len(prefix)-1] == '/' {
		return prefix
	}
	return prefix + "/"
}

// downloadInto lets fill populate a temporary sibling of dest and then moves
// it into place, so a failed download never leaves a partial model directory.
func downloadInto(dest string, overwrite bool, fill func(tmp string) error) error {
	if _, err := os.Stat(dest); err == nil && !overwrite {
		return fmt.Errorf("destination %s already exists and overwrite is false", dest)
	}

	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", parent, err)
	}

	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dest)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := os.Chmod(tmp, 0755); err != nil {
		return err
	}

	if err := fill(tmp); err != nil {
		return err
	}

	if err := os.RemoveAll(dest); err != nil {
		return fmt.Errorf("failed to remove existing destination: %w", err)
	}
	if err := os.Rename(tmp, dest); err != nil {
		return fmt.Errorf("failed to move download into %s: %w", dest, err)
	}
	return nil
}
