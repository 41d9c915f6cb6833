package review

import "errors"

// Error taxonomy for the task/decision path. Callers match with errors.Is;
// the HTTP layer maps these onto status codes.
var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidState = errors.New("invalid state")
	ErrValidation   = errors.New("validation failed")
)
