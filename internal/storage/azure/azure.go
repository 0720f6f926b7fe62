// Package azure provides an Azure Blob Storage backend.
package azure

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"go.uber.org/zap"

	"github.com/muawin/muawin/internal/logging"
	"github.com/muawin/muawin/internal/metrics"
)

// Config holds Azure connection settings.
type Config struct {
	ConnectionString string
	Container        string
}

// Backend implements storage.Backend on one blob container.
type Backend struct {
	client    *azblob.Client
	container string
}

// New connects with a storage account connection string and makes sure the
// container exists.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	if cfg.ConnectionString == "" {
		return nil, fmt.Errorf("azure connection string is required")
	}
	if cfg.Container == "" {
		cfg.Container = "muawin"
	}

	client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure client: %w", err)
	}

	b := &Backend{client: client, container: cfg.Container}
	if err := b.ensureContainer(ctx); err != nil {
		logging.Error("container check failed", zap.Error(err))
	}
	return b, nil
}

func record(op string, start time.Time, ok bool) {
	metrics.RecordStorageOperation("azure", op, time.Since(start), ok)
}

func (b *Backend) ensureContainer(ctx context.Context) error {
	start := time.Now()
	_, err := b.client.CreateContainer(ctx, b.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		record("create_container", start, false)
		return fmt.Errorf("create container %s: %w", b.container, err)
	}
	record("create_container", start, true)
	if err == nil {
		logging.Info("created Azure container", zap.String("container", b.container))
	}
	return nil
}

func (b *Backend) blobClient(key string) *blob.Client {
	return b.client.ServiceClient().NewContainerClient(b.container).NewBlobClient(key)
}

// GetObject downloads a blob with range support.
func (b *Backend) GetObject(ctx context.Context, key string, offset, length int64) (io.ReadCloser, int64, error) {
	start := time.Now()

	opts := &azblob.DownloadStreamOptions{}
	if offset > 0 || length > 0 {
		opts.Range = azblob.HTTPRange{Offset: offset, Count: length}
	}

	resp, err := b.client.DownloadStream(ctx, b.container, key, opts)
	if err != nil {
		record("get_object", start, false)
		return nil, 0, fmt.Errorf("get blob %s: %w", key, err)
	}
	record("get_object", start, true)

	var size int64
	if resp.ContentLength != nil {
		size = *resp.ContentLength
	}
	return resp.Body, size, nil
}

// PutObject uploads content as a block blob, replacing any existing blob.
func (b *Backend) PutObject(ctx context.Context, key string, body io.Reader, size int64) error {
	start := time.Now()

	_, err := b.client.UploadStream(ctx, b.container, key, body, nil)
	if err != nil {
		record("put_object", start, false)
		return fmt.Errorf("put blob %s: %w", key, err)
	}
	record("put_object", start, true)

	logging.Debug("Azure put blob", zap.String("key", key), zap.Int64("size", size))
	return nil
}

// DeleteObject removes a blob. Missing blobs are not an error.
func (b *Backend) DeleteObject(ctx context.Context, key string) error {
	start := time.Now()

	_, err := b.client.DeleteBlob(ctx, b.container, key, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.BlobNotFound) {
		record("delete_object", start, false)
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	record("delete_object", start, true)
	return nil
}

// CopyObject starts a server-side copy within the container.
func (b *Backend) CopyObject(ctx context.Context, srcKey, dstKey string) error {
	start := time.Now()

	src := b.blobClient(srcKey)
	_, err := b.blobClient(dstKey).StartCopyFromURL(ctx, src.URL(), nil)
	if err != nil {
		record("copy_object", start, false)
		return fmt.Errorf("copy %s -> %s: %w", srcKey, dstKey, err)
	}
	record("copy_object", start, true)
	return nil
}

// ObjectExists checks blob properties.
func (b *Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	start := time.Now()

	_, err := b.blobClient(key).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			record("head_object", start, true)
			return false, nil
		}
		record("head_object", start, false)
		return false, fmt.Errorf("blob properties %s: %w", key, err)
	}
	record("head_object", start, true)
	return true, nil
}

// Type returns "azure".
func (b *Backend) Type() string { return "azure" }

// Close is a no-op for Azure backends.
func (b *Backend) Close() error { return nil }
