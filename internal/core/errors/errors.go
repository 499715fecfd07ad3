package errors

const (
	HttpInternalError       = "internal_error"
	HttpInvalidJsonError    = "invalid_json"
	HttpValidationError     = "validation_failed"
	HttpInvalidRangeError   = "invalid_range"
	HttpNotFoundError       = "not_found"
	HttpDuplicateEventError = "duplicate_event"
	HttpUnavailableError    = "unavailable"
)

// ErrorResponse is the error body returned by every API handler.
type ErrorResponse struct {
	ErrorType string      `json:"error_type"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}
