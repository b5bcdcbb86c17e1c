package devrev

import (
	"errors"
	"fmt"
)

// ErrNotConfigured is returned when the API token is absent. Ticket
// operations are disabled rather than attempted.
var ErrNotConfigured = errors.New("devrev: API token is not configured")

// ErrorKind distinguishes where a remote call failed.
type ErrorKind string

const (
	// KindRemote means the API responded with an error status.
	KindRemote ErrorKind = "remote"
	// KindNoResponse means no response was received (transport failure).
	KindNoResponse ErrorKind = "no_response"
	// KindSetup means the request could not be constructed.
	KindSetup ErrorKind = "setup"
)

// APIError describes a failed DevRev call.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	switch e.Kind {
	case KindRemote:
		return fmt.Sprintf("devrev: API error (status %d): %s", e.StatusCode, e.Message)
	case KindNoResponse:
		return "devrev: no response from API"
	default:
		return fmt.Sprintf("devrev: request setup failed: %s", e.Message)
	}
}

func (e *APIError) Unwrap() error { return e.Err }
