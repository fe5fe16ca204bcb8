// Package retry classifies adapter errors as retryable or not and schedules the exponential
// backoff between attempts. Classification is pattern matching over the error's type and
// message, not a fixed type switch, because upstream HTTP clients surface failures differently
// across adapter families (a typed
// gatewayerrors value where the adapter already classified it, or a bare *url.Error / os error
// for low-level transport failures the adapter didn't wrap).
package retry

import (
	"errors"
	"net"
	"strings"

	"relaylabs/conduit/pkg/gatewayerrors"
)

// Classification is the bucket an error falls into.
type Classification int

const (
	// Retryable errors should be retried by the retry engine.
	Retryable Classification = iota
	// NonRetryable errors should be returned to the caller immediately.
	NonRetryable
)

// networkSubstrings cover the network-error family across transports.
var networkSubstrings = []string{
	"connection", "network", "timeout", "refused", "reset", "dns", "unreachable", "socket",
}

var rateLimitSubstrings = []string{"rate limit", "too many requests", "429"}

var transientSubstrings = []string{
	"500", "502", "503", "504", "internal server error", "bad gateway",
	"service unavailable", "gateway timeout",
}

var nonRetryableAuthSubstrings = []string{
	"401", "403", "unauthorized", "forbidden", "authentication", "api_key", "invalid key",
}

var nonRetryableRequestSubstrings = []string{"400", "422", "invalid request", "bad request", "validation"}

var nonRetryableNotFoundSubstrings = []string{"404", "not found", "model not found"}

// Classify decides whether err should trigger another retry attempt. Typed gatewayerrors values
// are classified by kind first (fast path, no string matching needed); anything else falls back
// to substring matching over Error().
func Classify(err error) Classification {
	if err == nil {
		return NonRetryable
	}

	var rateLimit *gatewayerrors.RateLimitError
	if errors.As(err, &rateLimit) {
		return Retryable
	}
	var transient *gatewayerrors.UpstreamTransientError
	if errors.As(err, &transient) {
		return Retryable
	}
	var timeout *gatewayerrors.TimeoutError
	if errors.As(err, &timeout) {
		return Retryable
	}
	var auth *gatewayerrors.AuthError
	if errors.As(err, &auth) {
		return NonRetryable
	}
	var invalid *gatewayerrors.InvalidRequestError
	if errors.As(err, &invalid) {
		return NonRetryable
	}
	var notFound *gatewayerrors.ModelNotFoundError
	if errors.As(err, &notFound) {
		return NonRetryable
	}
	var protocol *gatewayerrors.UpstreamProtocolError
	if errors.As(err, &protocol) {
		return NonRetryable
	}

	// Any net.Error (timeout or otherwise) is a transport-level failure worth retrying.
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Retryable
	}

	msg := strings.ToLower(err.Error())
	if containsAny(msg, nonRetryableAuthSubstrings) {
		return NonRetryable
	}
	if containsAny(msg, nonRetryableRequestSubstrings) {
		return NonRetryable
	}
	if containsAny(msg, nonRetryableNotFoundSubstrings) {
		return NonRetryable
	}
	if containsAny(msg, rateLimitSubstrings) || containsAny(msg, transientSubstrings) {
		return Retryable
	}
	if containsAny(msg, networkSubstrings) {
		return Retryable
	}

	// Unknown: default to non-retryable unless the message indicates a network problem
	// (already checked above).
	return NonRetryable
}

func containsAny(haystack string, substrings []string) bool {
	for _, s := range substrings {
		if strings.Contains(haystack, s) {
			return true
		}
	}
	return false
}
