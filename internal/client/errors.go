package client

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnauthorized means the credentials are missing or no longer valid.
	// The stored user and token are cleared before it is returned.
	ErrUnauthorized = errors.New("not logged in")
	ErrRateLimited  = errors.New("rate limit reached")
	ErrNotFound     = errors.New("not found")
	// ErrGuestLimit is returned without contacting the server once the guest
	// budget recorded in the store is used up.
	ErrGuestLimit = errors.New("guest message limit reached, please log in")
)

// APIError is a non-2xx answer from the server. errors.Is matches it against
// ErrUnauthorized, ErrRateLimited and ErrNotFound by status code.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	}
	return false
}

// StreamError is an error event received after the stream started.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	return "generation failed: " + e.Message
}
