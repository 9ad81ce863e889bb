package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"mindgraphix/logx"
)

// LocalStore keeps blobs as files below a root directory.
type LocalStore struct {
	root string
}

// NewLocal creates root if needed.
func NewLocal(root string) (*LocalStore, error) {
	if root == "" {
		return nil, errors.New("local blob store requires a directory")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir %s: %w", abs, err)
	}
	return &LocalStore{root: abs}, nil
}

func (l *LocalStore) path(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(l.root, filepath.FromSlash(cleaned)), nil
}

// Put writes the body to a temp file and renames it into place, so readers
// never see a partial upload.
func (l *LocalStore) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(p), ".upload-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write blob %s: %w", key, err)
	}
	if size >= 0 && written != size {
		return fmt.Errorf("write blob %s: got %d bytes, expected %d", key, written, size)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), p); err != nil {
		return err
	}
	logx.Debug("Blob stored", "key", key, "bytes", written, "content_type", contentType)
	return nil
}

func (l *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return f, err
}

// URL is always empty: local files are streamed by the API.
func (l *LocalStore) URL(context.Context, string, string) (string, error) {
	return "", nil
}

func (l *LocalStore) Delete(_ context.Context, key string) error {
	p, err := l.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	// Drop the per-upload directory when it is empty.
	if dir := filepath.Dir(p); dir != l.root {
		_ = os.Remove(dir)
	}
	return nil
}
