// internal/errors/mapper.go
package errors

import (
	"context"
	"errors"
	"net/http"

	"gorm.io/gorm"
)

// ErrNoIdentity is returned when a sync operation is attempted without a
// stable user identifier. Fatal to sync, not to the app: callers keep
// operating on local state only.
var ErrNoIdentity = errors.New("no user identity: not signed in")

// APIError pairs an HTTP status with a message the handler can return
// directly. Keeps the service layer clean by centralizing error mapping.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string { return e.Message }

// Map converts repo/infra errors into HTTP-friendly APIErrors.
func Map(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr

	case errors.Is(err, gorm.ErrRecordNotFound):
		return &APIError{Status: http.StatusNotFound, Message: "record not found"}

	case errors.Is(err, ErrNoIdentity):
		return &APIError{Status: http.StatusUnauthorized, Message: err.Error()}

	case errors.Is(err, context.DeadlineExceeded):
		return &APIError{Status: http.StatusGatewayTimeout, Message: "request timed out"}

	case errors.Is(err, context.Canceled):
		return &APIError{Status: http.StatusRequestTimeout, Message: "request was canceled"}

	default:
		// fallback → bubble up error message for debugging
		return &APIError{Status: http.StatusInternalServerError, Message: err.Error()}
	}
}

// InvalidArgument creates a 400 error.
// Use this in service layer for bad input validation.
func InvalidArgument(msg string) error {
	return &APIError{Status: http.StatusBadRequest, Message: msg}
}

// Unauthorized creates a 401 error.
func Unauthorized(msg string) error {
	return &APIError{Status: http.StatusUnauthorized, Message: msg}
}
