package studioapi

import (
	"errors"
	"fmt"
)

// Sentinel errors for studio API operations.
var (
	// ErrEndpointNotFound indicates the endpoint itself does not exist
	// (HTTP 404). Callers use this to select the legacy endpoint shape.
	ErrEndpointNotFound = errors.New("endpoint not found")

	// ErrRequestFailed indicates a non-2xx response other than 404/429.
	ErrRequestFailed = errors.New("request failed")

	// ErrThrottled indicates the request was rate limited by the backend.
	ErrThrottled = errors.New("request throttled")
)

// APIError wraps a failed API call with operation context.
type APIError struct {
	// Op is the operation that failed (e.g., "ActiveJobs", "Generate").
	Op string

	// Endpoint is the request path.
	Endpoint string

	// StatusCode is the HTTP status, 0 for transport-level failures.
	StatusCode int

	// Err is the underlying error.
	Err error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Op, e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Endpoint, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *APIError) Unwrap() error {
	return e.Err
}

// IsEndpointNotFound returns true if the error indicates the endpoint does
// not exist.
func IsEndpointNotFound(err error) bool {
	return errors.Is(err, ErrEndpointNotFound)
}

// IsThrottled returns true if the error indicates the request was rate
// limited.
func IsThrottled(err error) bool {
	return errors.Is(err, ErrThrottled)
}
