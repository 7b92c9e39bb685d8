package errors

import "errors"

// Grant errors. Each maps to an OAuth2 error code on the token endpoint.
var (
	ErrInvalidCredentials   = errors.New("invalid username or password")
	ErrInvalidGrant         = errors.New("unknown or superseded refresh token")
	ErrUnsupportedGrantType = errors.New("unsupported grant type")
)

// Resource errors.
var (
	ErrTokenExpired = errors.New("access token expired")
	ErrTokenUnknown = errors.New("access token unknown or superseded")
)

// Harness errors.
var (
	// ErrTransport covers process and connection failures of a single client
	// invocation. The harness logs it and moves on to the next phase.
	ErrTransport      = errors.New("client transport failure")
	ErrClientNotFound = errors.New("client binary not found")
	ErrMockStart      = errors.New("mock server failed to start")
)
