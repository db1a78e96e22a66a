package domain

import (
	"errors"
	"fmt"
)

// ErrNotAuthenticated is returned when an operation that requires a valid
// access token runs while the session is not authenticated.
var ErrNotAuthenticated = errors.New("not authenticated")

// AuthError indicates the refresh token was rejected (invalid or expired).
// It is never retried and forces the session to Unauthenticated.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authentication rejected: %v", e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransportError indicates a network or server failure. Callers may retry or
// absorb it; it never forces a logout.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsAuthError reports whether err is (or wraps) an AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsTransportError reports whether err is (or wraps) a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
