// Package validate classifies candidate uploads and enforces per-class size ceilings.
package validate

import (
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"
	"github.com/spf13/afero"

	"github.com/muawin/muawin/pkg/models"
)

// Default ceilings.
const (
	DefaultMaxImageSize    int64 = 10 << 20
	DefaultMaxDocumentSize int64 = 50 << 20
)

// DefaultExtensions is the upload allowlist.
var DefaultExtensions = []string{".pdf", ".docx", ".xlsx", ".csv", ".txt", ".png", ".jpg", ".jpeg", ".webp"}

// sniffLen is how much of a file header filetype needs.
const sniffLen = 261

// Rejection is a file that failed validation and the reason shown to the user.
type Rejection struct {
	File   models.LocalFile
	Reason string
}

// Result partitions a batch. Order within each partition follows the input.
type Result struct {
	Valid   []models.LocalFile
	Invalid []Rejection
}

// Validator holds the ceilings and allowlist. The zero value is usable and
// applies the defaults.
type Validator struct {
	MaxImageSize    int64
	MaxDocumentSize int64
	Extensions      []string
}

// New creates a Validator with the default ceilings and allowlist.
func New() *Validator {
	return &Validator{
		MaxImageSize:    DefaultMaxImageSize,
		MaxDocumentSize: DefaultMaxDocumentSize,
		Extensions:      DefaultExtensions,
	}
}

func (v *Validator) imageLimit() int64 {
	if v == nil || v.MaxImageSize <= 0 {
		return DefaultMaxImageSize
	}
	return v.MaxImageSize
}

func (v *Validator) documentLimit() int64 {
	if v == nil || v.MaxDocumentSize <= 0 {
		return DefaultMaxDocumentSize
	}
	return v.MaxDocumentSize
}

// IsImage reports whether a declared MIME type is an image type.
func IsImage(mimeType string) bool {
	return strings.HasPrefix(strings.ToLower(mimeType), "image/")
}

// Limit returns the size ceiling that applies to mimeType.
func (v *Validator) Limit(mimeType string) int64 {
	if IsImage(mimeType) {
		return v.imageLimit()
	}
	return v.documentLimit()
}

// Check returns the rejection reason for a single file, or "" if it passes.
func (v *Validator) Check(mimeType string, size int64) string {
	if IsImage(mimeType) {
		if size > v.imageLimit() {
			return fmt.Sprintf("File size exceeds the maximum limit of %s for image file type.", megabytes(v.imageLimit()))
		}
		return ""
	}
	if size > v.documentLimit() {
		return fmt.Sprintf("File size exceeds the maximum limit of %s for document/other file type.", megabytes(v.documentLimit()))
	}
	return ""
}

// Validate partitions files into valid and invalid. It never fails as a whole.
func (v *Validator) Validate(files []models.LocalFile) Result {
	var res Result
	for _, f := range files {
		if reason := v.Check(f.MIMEType, f.Size); reason != "" {
			res.Invalid = append(res.Invalid, Rejection{File: f, Reason: reason})
			continue
		}
		res.Valid = append(res.Valid, f)
	}
	return res
}

// Accepts reports whether name carries an allowed extension.
func (v *Validator) Accepts(name string) bool {
	exts := DefaultExtensions
	if v != nil && len(v.Extensions) > 0 {
		exts = v.Extensions
	}
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return false
	}
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// knownTypes covers allowlisted extensions that system MIME tables often lack.
var knownTypes = map[string]string{
	".txt":  "text/plain",
	".csv":  "text/csv",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".doc":  "application/msword",
	".xls":  "application/vnd.ms-excel",
	".ppt":  "application/vnd.ms-powerpoint",
}

// DetectMIME returns the type declared by the extension, falling back to the
// content header and finally application/octet-stream.
func DetectMIME(name string, head []byte) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := knownTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.IndexByte(t, ';'); i >= 0 {
			t = strings.TrimSpace(t[:i])
		}
		return t
	}
	if len(head) > 0 {
		if kind, err := filetype.Match(head); err == nil && kind != filetype.Unknown {
			return kind.MIME.Value
		}
	}
	return "application/octet-stream"
}

// Inspect builds a LocalFile for path on fs.
func Inspect(fs afero.Fs, path string) (models.LocalFile, error) {
	info, err := fs.Stat(path)
	if err != nil {
		return models.LocalFile{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return models.LocalFile{}, fmt.Errorf("%s is a directory", path)
	}

	f, err := fs.Open(path)
	if err != nil {
		return models.LocalFile{}, fmt.Errorf("open %s: %w", path, err)
	}
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	f.Close()
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return models.LocalFile{}, fmt.Errorf("read %s: %w", path, err)
	}

	name := filepath.Base(path)
	open := func() (io.ReadCloser, error) { return fs.Open(path) }
	return models.NewLocalFile(name, DetectMIME(name, head[:n]), info.Size(), open), nil
}

func megabytes(n int64) string {
	if n%(1<<20) == 0 {
		return fmt.Sprintf("%d MB", n>>20)
	}
	return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
}
