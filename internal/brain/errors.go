package brain

import (
	"errors"
	"fmt"
	"time"
)

// APIError is a non-2xx response from the task service on an endpoint
// where that status is not part of the documented contract.
type APIError struct {
	Status int
	Method string
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("task service: %s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
	}
	return fmt.Sprintf("task service: %s %s returned %d", e.Method, e.Path, e.Status)
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}

// TimeoutError marks a request that hit its deadline. It is distinct from
// other transport failures so callers can treat it as retryable and log it
// as a timeout.
type TimeoutError struct {
	Method  string
	Path    string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task service: %s %s timed out after %s", e.Method, e.Path, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is (or wraps) a request timeout.
func IsTimeout(err error) bool {
	var tErr *TimeoutError
	return errors.As(err, &tErr)
}
