package domain

import "errors"

// Domain errors
var (
	ErrMissingFields    = errors.New("missing required fields")
	ErrInvalidPayload   = errors.New("invalid request payload")
	ErrScoreNotFound    = errors.New("score not found")
	ErrStoreUnavailable = errors.New("score store unavailable")
)

// IsValidationError reports whether err was caused by a bad client payload.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrMissingFields) || errors.Is(err, ErrInvalidPayload)
}
