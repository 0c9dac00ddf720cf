package errors

import "errors"

// Configuration errors.
var (
	ErrEnvironmentNotFound = errors.New("environment not configured")
)

// Token errors.
var (
	ErrAuthenticationFailed = errors.New("token acquisition failed")
	ErrTokenUnavailable     = errors.New("no usable token")
)

// Server/transport errors.
var (
	ErrTransport   = errors.New("GraphQL transport failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// Schema errors.
var (
	ErrInvalidIntrospection = errors.New("invalid introspection result")
	ErrFieldNotFound        = errors.New("field not found in schema")
)
