package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrConflict: the remote authority rejected the mutation because its
	// state moved on (bid already accepted, stale delivery status). Not
	// retriable; local state must be refreshed from the server.
	ErrConflict = errors.New("remote state conflict")

	// ErrValidation: the request itself is invalid. Fails fast, never
	// queued and never retried.
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("not found")
)

// TransientError marks timeouts, connection failures and 5xx responses.
// The sync coordinator retries these with bounded attempts and backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient remote error during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether the sync coordinator may retry the call.
func IsTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
