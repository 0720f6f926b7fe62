// Package models contains data types shared by the server and the client packages.
package models

import (
	"time"
)

// PlaceholderFileNumber is shown for rows the server has not numbered yet.
const PlaceholderFileNumber = "00000"

// FileRecord is one row of a file listing. It is either a ConfirmedFile
// (server truth) or an OptimisticFile (client placeholder); use a type
// switch to tell them apart.
type FileRecord interface {
	Name() string
	MIMEType() string
	Modified() time.Time
	Number() string
	isFileRecord()
}

// ConfirmedFile is a stored document as reported by the server.
type ConfirmedFile struct {
	FileID       string    `json:"fileId"`
	Filename     string    `json:"filename"`
	FileType     string    `json:"filetype"`
	FileNumber   string    `json:"fileNumber"`
	LastModified time.Time `json:"lastModified"`
	Size         int64     `json:"size"`
	Category     string    `json:"category,omitempty"`
	Zone         string    `json:"zone,omitempty"`
	Branch       string    `json:"branch,omitempty"`
}

func (f ConfirmedFile) Name() string        { return f.Filename }
func (f ConfirmedFile) MIMEType() string    { return f.FileType }
func (f ConfirmedFile) Modified() time.Time { return f.LastModified }
func (f ConfirmedFile) Number() string      { return f.FileNumber }
func (ConfirmedFile) isFileRecord()         {}

// OptimisticFile is a local placeholder shown while an upload is in flight.
// It is never authoritative and is replaced by the ConfirmedFile once the
// server answers.
type OptimisticFile struct {
	TempID       string
	Filename     string
	FileType     string
	LastModified time.Time
}

func (f OptimisticFile) Name() string        { return f.Filename }
func (f OptimisticFile) MIMEType() string    { return f.FileType }
func (f OptimisticFile) Modified() time.Time { return f.LastModified }
func (f OptimisticFile) Number() string      { return PlaceholderFileNumber }
func (OptimisticFile) isFileRecord()         {}

// IsOptimistic reports whether r is a client-side placeholder.
func IsOptimistic(r FileRecord) bool {
	_, ok := r.(OptimisticFile)
	return ok
}

// Records converts confirmed files to a FileRecord slice.
func Records(files []ConfirmedFile) []FileRecord {
	out := make([]FileRecord, len(files))
	for i, f := range files {
		out[i] = f
	}
	return out
}
