/*
Package blob stores uploaded file bodies. Metadata lives in the entity
store; this package only moves bytes.

Two backends exist: a local directory and any S3-compatible bucket.
*/
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"

	"mindgraphix/config"
	"mindgraphix/utils"
)

var (
	ErrNotFound   = errors.New("blob not found")
	ErrInvalidKey = errors.New("invalid blob key")
)

// Store is the storage backend for uploaded files.
type Store interface {
	// Put writes size bytes from r under key.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Open streams the object stored under key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// URL returns a time-limited direct download link, or "" when the
	// backend cannot issue one and the caller must stream via Open.
	URL(ctx context.Context, key, filename string) (string, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// New builds the backend selected by cfg.BlobDriver.
func New(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.BlobDriver {
	case "", "local":
		return NewLocal(cfg.UploadDir)
	case "s3":
		return NewS3(ctx, S3Options{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
			PresignExpiry:   cfg.S3PresignExpiry,
		})
	default:
		return nil, fmt.Errorf("unknown blob driver '%s'", cfg.BlobDriver)
	}
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeName reduces a client supplied file name to a safe base name.
func SafeName(filename string) string {
	base := path.Base(strings.ReplaceAll(filename, `\`, "/"))
	base = unsafeNameChars.ReplaceAllString(base, "_")
	base = strings.Trim(base, "._")
	if base == "" {
		return "file"
	}
	if len(base) > 100 {
		base = base[len(base)-100:]
	}
	return base
}

// NewKey returns a fresh storage key for filename.
func NewKey(filename string) string {
	return utils.GenerateSortableID() + "/" + SafeName(filename)
}

// CleanKey validates key and returns its canonical form. Keys are relative
// slash separated paths that never leave the storage root.
func CleanKey(key string) (string, error) {
	if key == "" || strings.ContainsRune(key, '\\') || strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || cleaned != key {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return cleaned, nil
}
