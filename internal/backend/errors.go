package backend

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected matches replies in which the backend refused the request.
	ErrRejected = errors.New("backend: request rejected")

	// ErrInvalidResponse is returned when a reply cannot be decoded or does
	// not match its schema.
	ErrInvalidResponse = errors.New("backend: invalid response")

	// ErrNotFound is returned for 404 replies.
	ErrNotFound = errors.New("backend: not found")
)

// RejectedError is a well-formed refusal: success=false or a 4xx reply with
// a message.
type RejectedError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: %s rejected", e.Op)
	}
	return fmt.Sprintf("backend: %s rejected: %s", e.Op, e.Message)
}

// Is matches ErrRejected.
func (e *RejectedError) Is(target error) bool {
	return target == ErrRejected
}

// StatusError is an unexpected HTTP status.
type StatusError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: %s: HTTP %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("backend: %s: HTTP %d: %s", e.Op, e.StatusCode, e.Message)
}

// Is matches ErrNotFound for 404.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == 404
}

// Temporary reports whether retrying later may succeed.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 408
}
