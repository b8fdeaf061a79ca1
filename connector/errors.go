package connector

import "errors"

// Sentinel errors mapped to HTTP status codes by the protocol handlers.
var (
	ErrSessionNotFound = errors.New("connector: session not found")
	ErrInvalidPayload  = errors.New("connector: invalid payload")
	ErrMissingMetadata = errors.New("connector: missing or invalid attachment metadata")
	ErrUnsafeID        = errors.New("connector: identifier contains unsafe characters")
)
