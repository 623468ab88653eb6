package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRateLimitExceeded is returned when all retry attempts are exhausted.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrContextCancelled is returned when the context is cancelled during a retry or wait.
	ErrContextCancelled = errors.New("context cancelled")

	// ErrInvalidResponse is returned when a 2xx body is not valid JSON.
	ErrInvalidResponse = errors.New("invalid response body")
)

// APIError is a non-retryable HTTP failure.
type APIError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("SP-API error (status %d) on %s: %s", e.StatusCode, e.Endpoint, e.Body)
}

// RateLimitError wraps the last failure once retries are exhausted.
// It matches ErrRateLimitExceeded with errors.Is.
type RateLimitError struct {
	Endpoint string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%v on %s after %d attempts: %v", ErrRateLimitExceeded, e.Endpoint, e.Attempts, e.Err)
}

// Is reports whether target is ErrRateLimitExceeded.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimitExceeded
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RateLimitError) Unwrap() error {
	return e.Err
}

// StatusCode extracts the HTTP status from an APIError anywhere in err's chain.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
