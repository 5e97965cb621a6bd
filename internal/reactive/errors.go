package reactive

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted rejects reads and writes whose context ended first.
	ErrAborted = errors.New("request aborted")
	// ErrDisabled is returned for disabled descriptors; no I/O happens.
	ErrDisabled = errors.New("query disabled")
	ErrClosed   = errors.New("registry closed")
)

// ValidationError is a local precondition failure, raised before any I/O.
type ValidationError struct {
	Op    MutationType
	Table string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Table, e.Msg)
}

// RemoteError wraps a failure reported by the data source.
type RemoteError struct {
	Op    string
	Table string
	Err   error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Table, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// SubscriptionError is a realtime channel failure. It is logged, never
// returned to readers or writers.
type SubscriptionError struct {
	Table     string
	ChannelID string
	Err       error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("realtime %s (%s): %v", e.Table, e.ChannelID, e.Err)
}

func (e *SubscriptionError) Unwrap() error { return e.Err }

func aborted(cause error) error {
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}
