// Package local provides a filesystem storage backend on afero.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/muawin/muawin/internal/metrics"
)

// Config holds local filesystem backend settings.
type Config struct {
	RootPath   string
	CreateDirs bool
}

// Backend implements storage.Backend on an afero filesystem rooted at
// RootPath.
type Backend struct {
	fs         afero.Fs
	createDirs bool
}

// New creates a backend on the OS filesystem.
func New(cfg Config) (*Backend, error) {
	return NewWithFs(afero.NewOsFs(), cfg)
}

// NewWithFs creates a backend on fs. Tests pass afero.NewMemMapFs().
func NewWithFs(fs afero.Fs, cfg Config) (*Backend, error) {
	if cfg.RootPath == "" {
		return nil, fmt.Errorf("root path is required")
	}

	info, err := fs.Stat(cfg.RootPath)
	if err != nil {
		if os.IsNotExist(err) && cfg.CreateDirs {
			if mkErr := fs.MkdirAll(cfg.RootPath, 0755); mkErr != nil {
				return nil, fmt.Errorf("create root path %s: %w", cfg.RootPath, mkErr)
			}
		} else {
			return nil, fmt.Errorf("stat root path %s: %w", cfg.RootPath, err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("root path %s is not a directory", cfg.RootPath)
	}

	return &Backend{
		fs:         afero.NewBasePathFs(fs, cfg.RootPath),
		createDirs: cfg.CreateDirs,
	}, nil
}

func objectPath(key string) (string, error) {
	clean := path.Clean("/" + key)
	if key == "" || strings.Contains(key, "..") || clean == "/" {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	return clean, nil
}

func record(op string, start time.Time, err error) {
	metrics.RecordStorageOperation("local", op, time.Since(start), err == nil)
}

// GetObject reads a file with range support.
func (b *Backend) GetObject(_ context.Context, key string, offset, length int64) (_ io.ReadCloser, _ int64, err error) {
	start := time.Now()
	defer func() { record("get_object", start, err) }()

	p, err := objectPath(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := b.fs.Open(p)
	if err != nil {
		return nil, 0, fmt.Errorf("open %s: %w", key, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat %s: %w", key, err)
	}

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return nil, 0, fmt.Errorf("seek %s: %w", key, err)
		}
	}

	if length > 0 {
		return &limitedReadCloser{
			Reader: io.LimitReader(f, length),
			Closer: f,
		}, length, nil
	}

	size := info.Size() - offset
	if size < 0 {
		size = 0
	}
	return f, size, nil
}

// PutObject writes content through a temp file and rename.
func (b *Backend) PutObject(_ context.Context, key string, body io.Reader, _ int64) (err error) {
	start := time.Now()
	defer func() { record("put_object", start, err) }()

	p, err := objectPath(key)
	if err != nil {
		return err
	}
	return b.writeAtomic(p, key, body)
}

func (b *Backend) writeAtomic(p, key string, body io.Reader) error {
	dir := path.Dir(p)
	if b.createDirs {
		if err := b.fs.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create dirs for %s: %w", key, err)
		}
	}

	tmp, err := afero.TempFile(b.fs, dir, ".muawin-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		b.fs.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", key, err)
	}

	if err := b.fs.Rename(tmpName, p); err != nil {
		b.fs.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", key, err)
	}
	return nil
}

// DeleteObject removes a file.
func (b *Backend) DeleteObject(_ context.Context, key string) (err error) {
	start := time.Now()
	defer func() { record("delete_object", start, err) }()

	p, err := objectPath(key)
	if err != nil {
		return err
	}
	if err := b.fs.Remove(p); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// CopyObject copies a file.
func (b *Backend) CopyObject(_ context.Context, srcKey, dstKey string) (err error) {
	start := time.Now()
	defer func() { record("copy_object", start, err) }()

	src, err := objectPath(srcKey)
	if err != nil {
		return err
	}
	dst, err := objectPath(dstKey)
	if err != nil {
		return err
	}

	f, err := b.fs.Open(src)
	if err != nil {
		return fmt.Errorf("open src %s: %w", srcKey, err)
	}
	defer f.Close()

	return b.writeAtomic(dst, dstKey, f)
}

// ObjectExists checks if a file exists.
func (b *Backend) ObjectExists(_ context.Context, key string) (bool, error) {
	p, err := objectPath(key)
	if err != nil {
		return false, err
	}
	ok, err := afero.Exists(b.fs, p)
	if err != nil {
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return ok, nil
}

// Type returns "local".
func (b *Backend) Type() string { return "local" }

// Close is a no-op for local backends.
func (b *Backend) Close() error { return nil }

// limitedReadCloser wraps a LimitReader with a separate Closer.
type limitedReadCloser struct {
	io.Reader
	io.Closer
}
