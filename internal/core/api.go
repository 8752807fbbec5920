package core

import "haystack/internal/engine"

// Messages returned in response bodies.
const (
	MessageUploaded      = "File uploaded successfully"
	MessageUpdated       = "File updated successfully"
	MessageDeleted       = "File deleted successfully"
	MessageKeyExists     = "Key already exists"
	MessageKeyNotFound   = "Key not found"
	MessageMissingKey    = "Missing key"
	MessageMissingBody   = "Missing file data"
	MessageTooLarge      = "Payload too large"
	MessageInternalError = "We encountered an internal error. Please try again."
)

// ObjectResponse is returned by successful create, update, and delete calls.
type ObjectResponse struct {
	Message  string           `json:"message"`
	Key      string           `json:"key"`
	Location *engine.Location `json:"location,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Resource string `json:"resource"`
}

// IndexResponse maps every live key to its volume range.
type IndexResponse map[string]engine.Location

// TombstoneResponse is one delete log record.
type TombstoneResponse struct {
	Key       string `json:"key"`
	Offset    int64  `json:"offset"`
	Length    int64  `json:"length"`
	Timestamp string `json:"timestamp"`
}
