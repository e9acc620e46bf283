package engine

import "errors"

// Validation error codes.
const (
	CodeRequired     = "required"
	CodeUnknownField = "unknown_field"
	CodeInvalidValue = "invalid_value"
	CodeInvalidDate  = "invalid_date"
	CodeInvalidRange = "invalid_range"
)

// ValidationError indicates input rejected before any write.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func newValidationError(code, field, msg string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Message: msg}
}

// AsValidation unwraps err into a *ValidationError when it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
