// Package metadata defines the file record store shared by the bolt and
// postgres backends.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/muawin/muawin/pkg/models"
	"github.com/muawin/muawin/pkg/pathcodec"
)

// ErrNotFound is returned when no record exists for a scope and filename.
var ErrNotFound = errors.New("file not found")

// Record is the server-side view of one stored file.
type Record struct {
	FileID       string    `json:"file_id"`
	Category     string    `json:"category"`
	Zone         string    `json:"zone"`
	Branch       string    `json:"branch"`
	Filename     string    `json:"filename"`
	MIMEType     string    `json:"mime_type"`
	Size         int64     `json:"size"`
	FileNumber   int       `json:"file_number"`
	StorageKey   string    `json:"storage_key"`
	Hash         string    `json:"hash"`
	UploadedBy   string    `json:"uploaded_by"`
	LastModified time.Time `json:"last_modified"`
}

// Scope returns the record's category/zone/branch.
func (r Record) Scope() pathcodec.Scope {
	return pathcodec.Scope{Category: r.Category, Zone: r.Zone, Branch: r.Branch}
}

// Confirmed converts the record to its wire form.
func (r Record) Confirmed() models.ConfirmedFile {
	return models.ConfirmedFile{
		FileID:       r.FileID,
		Filename:     r.Filename,
		FileType:     r.MIMEType,
		FileNumber:   FormatFileNumber(r.FileNumber),
		LastModified: r.LastModified,
		Size:         r.Size,
		Category:     r.Category,
		Zone:         r.Zone,
		Branch:       r.Branch,
	}
}

// FormatFileNumber zero-pads n to five digits.
func FormatFileNumber(n int) string {
	return fmt.Sprintf("%05d", n)
}

// Store persists file records. Filenames are unique per scope.
type Store interface {
	// List returns the scope's records ordered by file number.
	List(ctx context.Context, scope pathcodec.Scope) ([]Record, error)

	// Get returns one record or ErrNotFound.
	Get(ctx context.Context, scope pathcodec.Scope, filename string) (Record, error)

	// FindByFilename returns every record with filename across all scopes,
	// newest first.
	FindByFilename(ctx context.Context, filename string) ([]Record, error)

	// Put creates or overwrites the record for (scope, filename). An
	// overwrite keeps FileID and FileNumber; a create assigns the next file
	// number in the scope. LastModified is always set to the write time.
	// created reports whether a new record was made.
	Put(ctx context.Context, rec Record) (stored Record, created bool, err error)

	// Delete removes a record and returns it, or ErrNotFound.
	Delete(ctx context.Context, scope pathcodec.Scope, filename string) (Record, error)

	// Count returns the number of records in all scopes.
	Count(ctx context.Context) (int64, error)

	Close() error
}
