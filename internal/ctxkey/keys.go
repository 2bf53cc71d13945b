// Package ctxkey defines shared context key types used across multiple packages.
// This package should have no dependencies on other internal packages to avoid import cycles.
package ctxkey

// LoggerKey is the context key type for the enriched logger.
// Used by transport middleware to store and retrieve the logger with
// request_id/agent_id fields.
type LoggerKey struct{}

// RequestIDKey is the context key type for the request correlation ID.
// The same ID appears in the response metadata and the audit entry.
type RequestIDKey struct{}

// RecordKey is the context key type for the per-request enforcement record.
// Interceptors accumulate decision and enforcement results into it; the
// audit interceptor consumes it when the request completes.
type RecordKey struct{}
