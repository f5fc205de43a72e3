package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ObjectStore receives archived segments.
type ObjectStore interface {
	// Put stores size bytes read from body under key. Implementations may
	// seek body back to the start to retry.
	Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error

	// Name identifies the store in logs and spans.
	Name() string
}

// DirStore archives into a local directory tree, one file per key.
type DirStore struct {
	Root string
}

// NewDirStore creates root if needed.
func NewDirStore(root string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &DirStore{Root: root}, nil
}

func (d *DirStore) Name() string { return "dir" }

// Put writes body to Root/key via a temporary file and rename, so a partial
// copy is never visible under the final name.
func (d *DirStore) Put(ctx context.Context, key string, body io.ReadSeeker, size int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dest := filepath.Join(d.Root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, body)
	if err != nil {
		tmp.Close()
		return fmt.Errorf("failed to copy %s: %w", key, err)
	}
	if n != size {
		tmp.Close()
		return fmt.Errorf("short copy of %s: wrote %d of %d bytes", key, n, size)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", key, err)
	}
	return nil
}
