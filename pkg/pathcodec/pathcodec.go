// Package pathcodec derives storage keys, request paths and display paths
// for files scoped by category, zone and branch.
package pathcodec

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	trailingExt   = regexp.MustCompile(`\.[^/.]+$`)
)

// NoExtension is returned by the extension helpers when nothing can be derived.
const NoExtension = "N/A"

// Scope identifies one storage area: a fixed category segment
// (e.g. "licenses-tradelicenses-ifa") under a zone and branch.
type Scope struct {
	Category string
	Zone     string
	Branch   string
}

// ErrInvalidSegment is wrapped by Validate and ValidateSegment failures.
var ErrInvalidSegment = errors.New("invalid path segment")

// ValidateSegment rejects values that cannot be used as a single path segment.
func ValidateSegment(name, value string) error {
	switch {
	case strings.TrimSpace(value) == "":
		return fmt.Errorf("%w: %s is empty", ErrInvalidSegment, name)
	case value == "." || value == "..":
		return fmt.Errorf("%w: %s is %q", ErrInvalidSegment, name, value)
	case strings.ContainsAny(value, `/\`):
		return fmt.Errorf("%w: %s contains a path separator", ErrInvalidSegment, name)
	}
	return nil
}

// Validate checks every segment of the scope.
func (s Scope) Validate() error {
	if err := ValidateSegment("category", s.Category); err != nil {
		return err
	}
	if err := ValidateSegment("zone", s.Zone); err != nil {
		return err
	}
	return ValidateSegment("branch", s.Branch)
}

func (s Scope) String() string {
	return s.Category + "/" + s.Zone + "/" + s.Branch
}

// StorageKey returns the backend object key for a stored filename.
func StorageKey(s Scope, filename string) string {
	return s.String() + "/" + filename
}

// ListURLPath returns the escaped request path for listing and uploading.
func ListURLPath(s Scope) string {
	return "/files/" + url.PathEscape(s.Category) + "/" + url.PathEscape(s.Zone) + "/" + url.PathEscape(s.Branch)
}

// ItemURLPath returns the escaped request path addressing one file.
func ItemURLPath(s Scope, filename string) string {
	return ListURLPath(s) + "/" + url.PathEscape(filename)
}

// DownloadURLPath returns the escaped download path for filename.
func DownloadURLPath(filename string) string {
	return "/files/download/" + url.PathEscape(filename)
}

// NormalizeFilename replaces every run of whitespace with a single underscore.
// Case is preserved.
func NormalizeFilename(name string) string {
	return whitespaceRun.ReplaceAllString(name, "_")
}

// DisplayName turns underscores back into spaces and strips the trailing
// extension. Display only; never feed the result back into a storage key.
func DisplayName(filename string) string {
	return trailingExt.ReplaceAllString(strings.ReplaceAll(filename, "_", " "), "")
}

// CanonicalDisplayPath renders "<prefix>/<Name_Without_Ext>[/<fileNumber>]".
// An empty filename leaves prefix unchanged.
func CanonicalDisplayPath(prefix, filename, fileNumber string, showFileNumber bool) string {
	formatted := NormalizeFilename(DisplayName(filename))
	if strings.Trim(formatted, "_") == "" {
		return prefix
	}
	p := prefix + "/" + formatted
	if showFileNumber && fileNumber != "" {
		p += "/" + fileNumber
	}
	return p
}

// ExtensionFromName returns the uppercased extension of filename, or "N/A".
func ExtensionFromName(filename string) string {
	parts := strings.Split(filename, ".")
	if len(parts) > 1 && parts[len(parts)-1] != "" {
		return strings.ToUpper(parts[len(parts)-1])
	}
	return NoExtension
}

var mimeCodes = map[string]string{
	"image/jpeg":         "JPG",
	"image/png":          "PNG",
	"image/webp":         "WEBP",
	"application/pdf":    "PDF",
	"text/plain":         "TXT",
	"text/csv":           "CSV",
	"application/msword": "DOC",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   "DOCX",
	"application/vnd.ms-excel":                                                  "XLS",
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         "XLSX",
	"application/vnd.ms-powerpoint":                                             "PPT",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": "PPTX",
}

// ExtensionFromMime maps a MIME type to a short display code. Unknown types
// fall back to the uppercased subtype.
func ExtensionFromMime(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	if mt == "" {
		return NoExtension
	}
	if code, ok := mimeCodes[mt]; ok {
		return code
	}
	if i := strings.IndexByte(mt, '/'); i >= 0 && i < len(mt)-1 {
		return strings.ToUpper(mt[i+1:])
	}
	return strings.ToUpper(mt)
}
