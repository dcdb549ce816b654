// ABOUTME: Error taxonomy for device communication
// ABOUTME: Distinguishes timeout, incomplete, empty and malformed responses
package device

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout means no qualifying response arrived within the call's budget
	ErrTimeout = errors.New("timeout waiting for device response")

	// ErrIncompleteResponse means the device closed the connection mid-document
	ErrIncompleteResponse = errors.New("incomplete response")

	// ErrNoData means the device closed the connection without sending anything
	// in answer to a query
	ErrNoData = errors.New("no data received")

	// ErrNoResponse means the device closed the connection before
	// acknowledging a command
	ErrNoResponse = errors.New("connection closed without response")
)

// ParseError is returned when a response is not valid JSON
type ParseError struct {
	Command string
	Raw     []byte
	Err     error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s response: %v", e.Command, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
