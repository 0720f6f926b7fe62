// Package protocol defines the API request/response types.
package protocol

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
	// RequestID echoes X-Request-ID so a failure can be found in the server log.
	RequestID string `json:"request_id,omitempty"`
}

// UploadField is the multipart form field carrying the file on upload.
const UploadField = "file"

// DeleteResponse is returned by DELETE /files/{category}/{zone}/{branch}/{filename}.
type DeleteResponse struct {
	Message  string `json:"message"`
	Filename string `json:"filename"`
}

// Change event types published on /api/v1/events.
const (
	EventCreate = "create"
	EventDelete = "delete"
)

// Event is a server-sent change notification for one file in one scope.
type Event struct {
	Type      string `json:"type"`
	Category  string `json:"category"`
	Zone      string `json:"zone"`
	Branch    string `json:"branch"`
	Filename  string `json:"filename"`
	FileID    string `json:"fileId,omitempty"`
	Size      int64  `json:"size,omitempty"`
	Actor     string `json:"actor,omitempty"`
	Timestamp int64  `json:"timestamp"`
}
