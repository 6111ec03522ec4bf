package stream

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBody is returned by Open when a successful response carries no body.
	ErrNoBody = errors.New("stream: response body is empty")

	// ErrFrameTooLarge ends a stream whose buffered text grows past the
	// configured maximum without a frame delimiter.
	ErrFrameTooLarge = errors.New("stream: frame exceeds maximum size")
)

// StatusError is returned by Open when the server answers with a
// non-success status. No messages are produced in that case.
type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("stream request failed: %s", e.Status)
	}
	return fmt.Sprintf("stream request failed: %s: %s", e.Status, e.Body)
}
