// Package storage defines the Backend interface for file content and builds
// the configured backend.
package storage

import (
	"context"
	"io"
)

// Backend types.
const (
	TypeLocal = "local"
	TypeS3    = "s3"
	TypeAzure = "azure"
)

// Backend is the interface for content storage backends.
// Implementations handle raw object I/O (local filesystem, S3, Azure Blob).
// Metadata (scopes, file numbers) is handled separately by metadata.Store.
type Backend interface {
	// GetObject retrieves an object by key with optional range support.
	// If offset=0 and length=0, the entire object is returned.
	GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error)

	// PutObject uploads content to the given key, replacing any existing object.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Missing objects are not an error.
	DeleteObject(ctx context.Context, key string) error

	// CopyObject copies an object from srcKey to dstKey.
	CopyObject(ctx context.Context, srcKey, dstKey string) error

	// ObjectExists checks if an object exists at the given key.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// Type returns the backend type identifier.
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}
