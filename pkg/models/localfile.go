package models

import (
	"bytes"
	"io"
	"strings"
)

// LocalFile is a candidate upload: a name, a declared MIME type, a size and
// a way to read the content. On-disk files and in-memory (e.g. compressed)
// variants look the same to the upload pipeline.
type LocalFile struct {
	Name     string
	MIMEType string
	Size     int64

	open func() (io.ReadCloser, error)
}

// NewLocalFile creates a LocalFile whose content is produced by open.
func NewLocalFile(name, mimeType string, size int64, open func() (io.ReadCloser, error)) LocalFile {
	return LocalFile{Name: name, MIMEType: mimeType, Size: size, open: open}
}

// BytesFile creates an in-memory LocalFile.
func BytesFile(name, mimeType string, data []byte) LocalFile {
	return NewLocalFile(name, mimeType, int64(len(data)), func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

// Open returns a fresh reader over the file content.
func (f LocalFile) Open() (io.ReadCloser, error) {
	if f.open == nil {
		return io.NopCloser(strings.NewReader("")), nil
	}
	return f.open()
}
