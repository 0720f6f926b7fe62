package storage

import (
	"context"
	"fmt"

	"github.com/muawin/muawin/internal/config"
	"github.com/muawin/muawin/internal/storage/azure"
	"github.com/muawin/muawin/internal/storage/local"
	s3backend "github.com/muawin/muawin/internal/storage/s3"
)

// New creates the Backend selected by cfg.StorageBackend.
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.StorageBackend {
	case TypeLocal, "":
		return local.New(local.Config{
			RootPath:   cfg.LocalStoragePath,
			CreateDirs: true,
		})
	case TypeS3:
		return s3backend.New(ctx, s3backend.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	case TypeAzure:
		return azure.New(ctx, azure.Config{
			ConnectionString: cfg.AzureConnectionString,
			Container:        cfg.AzureContainer,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}
}
