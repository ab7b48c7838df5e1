// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// RequestIDKey is the context key type for the request id assigned (or
// propagated) by the HTTP middleware.
type RequestIDKey struct{}

// LoggerKey is the context key type for the request-scoped logger.
// Used by HTTP middleware to store and retrieve the logger with the
// request_id field attached.
type LoggerKey struct{}
