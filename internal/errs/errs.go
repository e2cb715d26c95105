// Package errs defines the error taxonomy shared by the chat lifecycle packages.
//
// Callers wrap a sentinel with a human-readable reason:
//
//	fmt.Errorf("assignment: agent %s is at capacity (%d/%d): %w", id, cur, max, errs.ErrCapacityExceeded)
//
// and classify with errors.Is.
package errs

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidTransition means the requested move is not in the transition matrix.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrInvalidState means an operation's preconditions on the chat were not met.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound means a chat, agent or endpoint does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the actor may not perform this mutation.
	ErrForbidden = errors.New("forbidden")
	// ErrCapacityExceeded means the target agent has no free chat slot.
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrProviderError means an external channel send or receive failed.
	ErrProviderError = errors.New("provider error")
	// ErrDeliveryTimeout means no delivery confirmation arrived in time.
	ErrDeliveryTimeout = errors.New("delivery timeout")
	// ErrUnauthorized means the caller did not identify itself.
	ErrUnauthorized = errors.New("unauthorized")
)

// Rejection reports whether err is a synchronous rejection that leaves the
// chat untouched and must not be retried automatically.
func Rejection(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrCapacityExceeded)
}

// HTTPStatus maps an error to the status code the API returns for it.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrCapacityExceeded):
		return http.StatusConflict
	case errors.Is(err, ErrDeliveryTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, ErrProviderError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
