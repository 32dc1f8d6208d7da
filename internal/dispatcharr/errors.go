// SPDX-License-Identifier: MIT

package dispatcharr

import (
	"errors"
	"fmt"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrUnauthorized = errors.New("dispatcharr: authentication rejected")
	ErrForbidden    = errors.New("dispatcharr: access forbidden")
	ErrNotFound     = errors.New("dispatcharr: resource not found")
	ErrUnavailable  = errors.New("dispatcharr: host unreachable or transport failure")
	ErrServerError  = errors.New("dispatcharr: internal error (5xx)")
	ErrBadResponse  = errors.New("dispatcharr: invalid response format or malformed data")
	ErrTimeout      = errors.New("dispatcharr: request timed out")
)

// APIError is a rich error type that wraps the sentinel errors with context.
type APIError struct {
	Sentinel  error
	Operation string
	Status    int
	Body      string
	Err       error // Nested lower-level error (e.g. net.Error)
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("dispatcharr: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *APIError) Unwrap() error {
	return e.Sentinel
}

// sentinelForStatus maps a non-2xx HTTP status to its sentinel.
func sentinelForStatus(status int) error {
	switch {
	case status == 401:
		return ErrUnauthorized
	case status == 403:
		return ErrForbidden
	case status == 404:
		return ErrNotFound
	case status >= 500:
		return ErrServerError
	default:
		return ErrBadResponse
	}
}
