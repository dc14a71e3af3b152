package apiclient

import (
	"errors"
	"fmt"
)

const (
	genericAPIMessage  = "API request failed"
	genericAuthMessage = "Authentication failed"
)

var (
	ErrEmptyQuery       = errors.New("query cannot be empty")
	ErrNotAuthenticated = errors.New("not signed in")
	ErrInvalidUpload    = errors.New("invalid upload")
)

// APIError is a failed call to the finance API: a non-2xx answer, or no
// answer at all when StatusCode is zero.
type APIError struct {
	Endpoint   string
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s: %v", e.Endpoint, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s (status %d)", e.Endpoint, e.Message, e.StatusCode)
}

func (e *APIError) Unwrap() error { return e.Err }

// AuthError reports rejected credentials or a failed sign-in.
type AuthError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }
