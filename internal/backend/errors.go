package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrNetwork reports that the backend could not be reached. Timeouts
	// also match ErrNetwork.
	ErrNetwork = errors.New("network error")

	// ErrTimeout reports that the request exceeded the client timeout or
	// was aborted.
	ErrTimeout = errors.New("request timeout")
)

// timeoutError matches both ErrTimeout and ErrNetwork.
type timeoutError struct {
	op  string
	err error
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("%s: request timeout: %v", e.op, e.err)
}

func (e *timeoutError) Unwrap() []error {
	return []error{ErrTimeout, ErrNetwork, e.err}
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("API error (%d)", e.Code)
	}
	return fmt.Sprintf("API error (%d): %s", e.Code, body)
}

// IsNotFound reports whether err is a 404 from the backend.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == 404
}

// classify maps transport failures onto the sentinel errors.
func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &timeoutError{op: op, err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &timeoutError{op: op, err: err}
	}
	return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
}
