package remote

import (
	"errors"
	"fmt"
)

// Sentinel errors for remote operations.
var (
	// ErrUnavailable indicates a transient service condition (throttling, 5xx, network).
	ErrUnavailable = errors.New("service unavailable")

	// ErrRejected indicates the service refused the request (bad input, unknown job).
	ErrRejected = errors.New("request rejected")

	// ErrEmptyHandle indicates a successful submit that returned no job id.
	ErrEmptyHandle = errors.New("service returned empty job id")
)

// ServiceError wraps a remote failure with operation context.
type ServiceError struct {
	// Op is the operation that failed ("submit", "poll", "result").
	Op string

	// Handle is the remote job id, if known.
	Handle string

	// StatusCode is the HTTP status, if the failure came from a response.
	StatusCode int

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *ServiceError) Error() string {
	switch {
	case e.Handle != "" && e.StatusCode != 0:
		return fmt.Sprintf("%s %s: http %d: %v", e.Op, e.Handle, e.StatusCode, e.Err)
	case e.Handle != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Handle, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: http %d: %v", e.Op, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsUnavailable returns true if err is a transient service condition.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// IsRejected returns true if the service refused the request.
func IsRejected(err error) bool {
	return errors.Is(err, ErrRejected)
}
