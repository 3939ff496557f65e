// Package errs defines the gateway's error taxonomy. Every failure that
// crosses a package boundary wraps one of these sentinels so handlers can map
// it to an HTTP status without inspecting strings.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrNoAccess: the viewer has no entitlement to the channel. Not retried.
	ErrNoAccess = errors.New("no access to channel")

	// ErrCapacityExhausted: every eligible credential is at its connection
	// limit. The gateway does not retry; the caller may try again later.
	ErrCapacityExhausted = errors.New("credential capacity exhausted")

	// ErrUpstreamUnavailable: the primary source and all eligible backups
	// failed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrStreamExpired: the manifest/origin cache entry is gone; the client
	// must reload the channel.
	ErrStreamExpired = errors.New("stream expired, reload channel")

	// ErrInvalidToken: unknown, expired, or channel-mismatched access token.
	ErrInvalidToken = errors.New("invalid token")
)

// HTTPStatus maps a gateway error to its response status. Unrecognized errors
// map to 500; callers must not leak their text to clients.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrNoAccess):
		return http.StatusForbidden
	case errors.Is(err, ErrCapacityExhausted):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrStreamExpired):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
