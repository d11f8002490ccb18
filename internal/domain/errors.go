package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured signals that no active credential set exists.
	ErrNotConfigured = errors.New("credential: no active credential configured")
	// ErrMissingInput indicates a required field (client id, secret,
	// redirect URI, authorization code) was empty. Never retried.
	ErrMissingInput = errors.New("credential: missing required input")
	// ErrVerificationFailed indicates a freshly issued token failed the
	// live identity check; the credential stays inactive.
	ErrVerificationFailed = errors.New("credential: connection verification failed")
	// ErrRefreshFailed indicates the refresh grant was rejected and the
	// credential set has been deactivated.
	ErrRefreshFailed = errors.New("credential: token refresh failed")
	// ErrInvalidState indicates the authorization state is unknown or stale.
	ErrInvalidState = errors.New("credential: invalid authorization state")
)

// ExchangeError is returned when the marketplace token endpoint rejects a
// grant. Status carries the provider HTTP status, Body the raw response.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: status=%d body=%s", e.Status, e.Body)
}

// StorageError wraps persistence failures with the failing operation name.
// Storage problems never deactivate a credential.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// APIError is returned by the request executor when the marketplace API
// answers with a non-2xx status.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("marketplace api: status=%d", e.Status)
}
