package exchange

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound marks 404 responses. Cancels and queries against orders the
// exchange has already forgotten are benign; callers test with errors.Is.
var ErrNotFound = errors.New("exchange: not found")

// ErrRateLimited marks 429 responses. Callers back off before retrying.
var ErrRateLimited = errors.New("exchange: rate limited")

// StatusError is a non-2xx HTTP response from the exchange.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("exchange: status %d: %s", e.Code, e.Body)
}

// Is lets errors.Is match the 404 and 429 sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	case ErrRateLimited:
		return e.Code == http.StatusTooManyRequests
	}
	return false
}

// IsNotFound reports whether err is a 404-shaped exchange error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// AuthError is a failure in the sign-in handshake or an expired session.
// Fatal at startup; during a run it triggers re-authentication.
type AuthError struct {
	Stage string
	Err   error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth %s: %v", e.Stage, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }
