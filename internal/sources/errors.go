package sources

import (
	"errors"
	"fmt"
)

// Kind classifies a fetch failure.
type Kind int

const (
	// Unavailable covers transport failures, timeouts and non-success
	// statuses. Retrying later may succeed.
	Unavailable Kind = iota + 1
	// Malformed means the upstream answered but the body could not be mapped.
	Malformed
)

func (k Kind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// FetchError is the single error type returned by the source adapters.
type FetchError struct {
	Source string
	Kind   Kind
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%s source %s: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Retryable reports whether the failure is worth retrying.
func (e *FetchError) Retryable() bool { return e.Kind == Unavailable }

// IsUnavailable reports whether err wraps an Unavailable FetchError.
func IsUnavailable(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Kind == Unavailable
}

// KindOf returns the Kind of a wrapped FetchError, or 0.
func KindOf(err error) Kind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return 0
}
