// Package middleware provides the HTTP frontend's cross-cutting chain: recovery, request-id,
// metrics, logging, and CORS, composed in that order so recovery always sits outermost.
package middleware

type contextKey int

const (
	// RequestIDKey is the context key under which the request id is stored.
	RequestIDKey contextKey = iota
	// StartTimeKey is the context key under which the request's start time is stored.
	StartTimeKey
)
