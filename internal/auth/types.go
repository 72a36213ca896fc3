package auth

import "errors"

// Common errors returned by the authentication subsystem.
var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Mode selects how requests are authenticated.
type Mode string

const (
	// ModeDisabled lets every request through as the anonymous subject.
	ModeDisabled Mode = "disabled"
	// ModeToken requires a bearer token from the configured list.
	ModeToken Mode = "token"
)

// Subject identifies the caller of an API request. Tokens are never stored
// on the subject; ID is a short fingerprint safe for audit logs.
type Subject struct {
	ID string
}

// Anonymous is the subject used when authentication is disabled.
var Anonymous = &Subject{ID: "anonymous"}
