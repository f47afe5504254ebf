package ai

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidContent means the response envelope had no string content.
	ErrInvalidContent = errors.New("invalid content")
	// ErrRateLimited is wrapped by the NetworkError for HTTP 429.
	ErrRateLimited = errors.New("rate limited")
)

// NetworkError is a transport level failure: timeout, connection problem or
// HTTP 429. The gateway retries these.
type NetworkError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("network error during %s (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// APIError is what a failed Call returns: either a non-retryable provider
// failure or a NetworkError that outlived every retry.
type APIError struct {
	Model      string
	Purpose    string
	StatusCode int
	Message    string
	Attempts   int
	Err        error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: API error (status %d, %d attempt(s)): %s", e.Purpose, e.StatusCode, e.Attempts, msg)
	}
	return fmt.Sprintf("%s: API error (%d attempt(s)): %s", e.Purpose, e.Attempts, msg)
}

func (e *APIError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a NetworkError.
func IsRetryable(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
