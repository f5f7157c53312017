// Package syncerr holds the error classes shared by the server and the client.
package syncerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrConflict        = errors.New("conflict")
	ErrPrecondition    = errors.New("precondition failed")
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrTransient       = errors.New("transient failure")
	ErrReconciliation  = errors.New("reconciliation failed")
	ErrMigration       = errors.New("migration failed")
	ErrStoreIO         = errors.New("store i/o failure")
)

// Retriable reports whether err is worth another attempt.
func Retriable(err error) bool {
	return errors.Is(err, ErrTransient)
}

// HTTPStatus maps an error to the status code the REST adapter responds with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrPrecondition):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus rebuilds an error class from a response status.
// 5xx and 429 are treated as transient.
func FromHTTPStatus(code int, msg string) error {
	var base error
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		base = ErrUnauthorized
	case code == http.StatusConflict:
		base = ErrConflict
	case code == http.StatusPreconditionFailed:
		base = ErrPrecondition
	case code == http.StatusNotFound:
		base = ErrNotFound
	case code == http.StatusBadRequest:
		base = ErrInvalidArgument
	case code == http.StatusTooManyRequests || code >= 500:
		base = ErrTransient
	default:
		return fmt.Errorf("unexpected status %d: %s", code, msg)
	}
	if msg == "" {
		return base
	}
	return fmt.Errorf("%w: %s", base, msg)
}
