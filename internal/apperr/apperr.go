// Package apperr defines the error kinds shared by the prediction core and
// their mapping onto HTTP status codes.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrValidationFailed = errors.New("validation failed")
	ErrNotFound         = errors.New("not found")
	ErrInvalidLabel     = errors.New("invalid label")
	ErrArtifactMissing  = errors.New("artifact missing")
	ErrDerivationFailed = errors.New("derivation failed")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrQueueUnavailable = errors.New("queue unavailable")
)

var kinds = []error{
	ErrValidationFailed,
	ErrNotFound,
	ErrInvalidLabel,
	ErrArtifactMissing,
	ErrDerivationFailed,
	ErrStoreUnavailable,
	ErrQueueUnavailable,
}

// Errorf wraps kind with a formatted message. The result matches kind under errors.Is.
func Errorf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Wrap attaches kind to a lower-level cause, keeping both in the chain.
func Wrap(kind error, cause error, msg string) error {
	if cause == nil {
		return Errorf(kind, "%s", msg)
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, cause)
}

// KindOf returns the first known kind found in err's chain, or nil.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// HTTPStatus maps an error to the status code the API responds with.
// Errors without a known kind are internal errors.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case nil:
		if err == nil {
			return http.StatusOK
		}
		return http.StatusInternalServerError
	case ErrValidationFailed, ErrInvalidLabel:
		return http.StatusBadRequest
	case ErrNotFound, ErrArtifactMissing:
		return http.StatusNotFound
	case ErrQueueUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
