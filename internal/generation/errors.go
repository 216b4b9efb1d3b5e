package generation

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyBody matches any *EmptyBodyError.
	ErrEmptyBody = errors.New("response has no body")

	// ErrNoText is the streaming failure for an attempt that ended without
	// accumulating a single character.
	ErrNoText = errors.New("stream produced no text")

	// ErrStreamTimeout is the streaming failure for an attempt that exceeded
	// the configured stream timeout.
	ErrStreamTimeout = errors.New("stream timed out")

	// ErrCancelled is returned when the caller's context ends the request.
	ErrCancelled = errors.New("generation cancelled")
)

// TransportError reports a connection failure or a non-success status.
// StatusCode is zero when no response was received.
type TransportError struct {
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("generation endpoint returned status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("generation endpoint unreachable: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// EmptyBodyError reports a response that carried no readable body.
type EmptyBodyError struct {
	StatusCode int
}

func (e *EmptyBodyError) Error() string {
	return fmt.Sprintf("generation endpoint returned status %d with no body", e.StatusCode)
}

// Is makes errors.Is(err, ErrEmptyBody) match.
func (e *EmptyBodyError) Is(target error) bool { return target == ErrEmptyBody }

// FallbackError reports that the non-streaming retry failed after the
// streaming attempt had already failed. It is the only generation error
// surfaced to users.
type FallbackError struct {
	// StreamErr is why the streaming attempt was abandoned.
	StreamErr error
	// Err is why the fallback attempt failed.
	Err error
}

func (e *FallbackError) Error() string {
	return fmt.Sprintf("fallback generation failed: %v (streaming: %v)", e.Err, e.StreamErr)
}

func (e *FallbackError) Unwrap() []error { return []error{e.Err, e.StreamErr} }
