// Package apperr defines the error taxonomy shared across graze.
//
// Every externally surfaced failure is classified into one of the kinds
// below. Handlers map kinds to HTTP statuses; internal callers branch with
// errors.Is / errors.As. Wrap sentinel kinds with fmt.Errorf("...: %w", ...)
// to attach context without losing the classification.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrConfig is fatal at startup: missing required config, type
	// mismatches, malformed ingester definitions.
	ErrConfig = errors.New("config error")

	// ErrTransientBackend marks retriable backend failures: registry
	// unreachable, DB connection refused, peer reset.
	ErrTransientBackend = errors.New("transient backend error")

	// ErrPermanentBackend marks non-retriable backend failures: schema
	// drift, unauthorized, malformed query.
	ErrPermanentBackend = errors.New("permanent backend error")

	// ErrAuth covers invalid/expired tokens, bad signatures and expired
	// challenges.
	ErrAuth = errors.New("authentication error")

	// ErrUser covers bad request parameters, unknown resources or fields,
	// and protected-resource access by unauthorized principals.
	ErrUser = errors.New("user error")

	// ErrNotFound is a user error for unknown resources.
	ErrNotFound = fmt.Errorf("%w: not found", ErrUser)

	// ErrForbidden is an auth error for insufficient privileges.
	ErrForbidden = fmt.Errorf("%w: forbidden", ErrAuth)

	// ErrTransform marks expression parse or evaluation failures. It is
	// localized to a single field; the ingester tick continues.
	ErrTransform = errors.New("transform error")
)

// RateLimitError reports that one of the per-user caps was exceeded.
// RetryAfter is the duration until the tightest expiring window resets.
type RateLimitError struct {
	Metric     string
	Current    int64
	Cap        int64
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded (%s: %d/%d)", e.Metric, e.Current, e.Cap)
}

// Status maps an error to an HTTP status code per the propagation rules.
func Status(err error) int {
	var rle *RateLimitError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &rle):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrAuth):
		return http.StatusUnauthorized
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUser):
		return http.StatusBadRequest
	case errors.Is(err, ErrTransientBackend):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrPermanentBackend):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
