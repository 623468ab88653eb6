package auth

import (
	"errors"
	"fmt"
)

// ErrMalformedToken is returned when the token endpoint answers 2xx without a usable token.
var ErrMalformedToken = errors.New("malformed token response")

// Error reports a failed token refresh. It is fatal for a sync run.
type Error struct {
	StatusCode int
	Body       string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.StatusCode != 0:
		return fmt.Sprintf("auth error (status %d): %v", e.StatusCode, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("auth error: %v", e.Err)
	default:
		return fmt.Sprintf("auth error (status %d): %s", e.StatusCode, e.Body)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}
