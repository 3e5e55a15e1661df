package client

import (
	"errors"
	"fmt"
	"time"

	"pipe-rpc/message"
)

var (
	// ErrRequestTimeout matches every *TimeoutError: the call did not
	// complete in time, was cancelled, or lost its connection.
	ErrRequestTimeout = errors.New("request timed out: service not found, not yet listening, or slow to respond")

	// ErrCancelled additionally matches a *TimeoutError caused by the
	// caller's context being cancelled.
	ErrCancelled = errors.New("request cancelled")

	// ErrAPIFailure matches every *APIError.
	ErrAPIFailure = errors.New("api failure")

	// ErrClosed is returned by calls and notifications on a closed client.
	ErrClosed = errors.New("client: closed")
)

// Reason tells why a call ended without a result.
type Reason int

const (
	ReasonExpired Reason = iota
	ReasonCancelled
	ReasonConnectionLost
)

func (r Reason) String() string {
	switch r {
	case ReasonExpired:
		return "expired"
	case ReasonCancelled:
		return "cancelled"
	case ReasonConnectionLost:
		return "connection lost"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// TimeoutError is returned when a call produced no result.
type TimeoutError struct {
	Opcode  int32
	Timeout time.Duration
	Reason  Reason
	Cause   error // last underlying error, may be nil
}

func (e *TimeoutError) Error() string {
	text := fmt.Sprintf("opcode %d: %s (%s, timeout %v)", e.Opcode, ErrRequestTimeout.Error(), e.Reason, e.Timeout)
	if e.Cause != nil {
		text += ": " + e.Cause.Error()
	}
	return text
}

func (e *TimeoutError) Is(target error) bool {
	switch target {
	case ErrRequestTimeout:
		return true
	case ErrCancelled:
		return e.Reason == ReasonCancelled
	}
	return false
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

// APIError carries the failure message a handler returned.
type APIError struct {
	Opcode  int32
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("opcode %d: %s: %s", e.Opcode, ErrAPIFailure.Error(), e.Message)
}

func (e *APIError) Is(target error) bool { return target == ErrAPIFailure }

// IsMethodNotFound reports whether err is the server's answer to an opcode
// without a handler.
func IsMethodNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Message == message.MethodNotFound
}
