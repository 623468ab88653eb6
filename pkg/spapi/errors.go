package spapi

import "fmt"

// ParseError reports a response that does not match the expected shape.
type ParseError struct {
	Endpoint string
	Field    string
	Err      error
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse %s: field %s: %v", e.Endpoint, e.Field, e.Err)
	}
	return fmt.Sprintf("parse %s: %v", e.Endpoint, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ParseError) Unwrap() error {
	return e.Err
}
