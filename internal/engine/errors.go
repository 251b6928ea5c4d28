package engine

import (
	"errors"
	"fmt"
)

// ErrorKind is a closed enum of failure categories. Retry and backoff
// policy switch on the kind, never on message text.
type ErrorKind string

// Known error kinds.
const (
	ErrorKindNone         ErrorKind = ""
	ErrorKindNetwork      ErrorKind = "network"
	ErrorKindRateLimited  ErrorKind = "rate_limited"
	ErrorKindNotFound     ErrorKind = "not_found"
	ErrorKindDataFormat   ErrorKind = "data_format"
	ErrorKindUnauthorized ErrorKind = "unauthorized"
	ErrorKindLeaseExpired ErrorKind = "lease_expired"
)

// Transient reports whether retrying the same request is likely to help.
// Permanent kinds are still retried up to max_attempts, but on a shorter
// backoff schedule.
func (k ErrorKind) Transient() bool {
	switch k {
	case ErrorKindNetwork, ErrorKindRateLimited, ErrorKindLeaseExpired:
		return true
	default:
		return false
	}
}

// Contention errors are expected under concurrency and are returned to the
// caller without being logged as failures.
var (
	// ErrNoJobAvailable signals an empty (or fully rate-limited) queue.
	// It is a normal condition, not a failure.
	ErrNoJobAvailable = errors.New("no job available")

	// ErrDuplicateActiveJob is returned by enqueue when a non-terminal job
	// already exists for the same (source, external id) pair.
	ErrDuplicateActiveJob = errors.New("active job already exists for series")

	// ErrLeaseMismatch is returned when a caller reports an outcome for a
	// job whose lease it no longer holds.
	ErrLeaseMismatch = errors.New("lease not held by caller")

	// ErrJobNotFound is returned for operations on unknown job ids.
	ErrJobNotFound = errors.New("job not found")

	// ErrObservationNotFound is returned when no revision satisfies a
	// latest() query.
	ErrObservationNotFound = errors.New("observation not found")
)

// FetchError is the typed failure returned by provider fetchers.
type FetchError struct {
	Kind    ErrorKind
	Message string
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fetch failed: %s", e.Kind)
	}
	return fmt.Sprintf("fetch failed (%s): %s", e.Kind, e.Message)
}

// NewFetchError builds a FetchError with the given kind and message.
func NewFetchError(kind ErrorKind, format string, args ...any) *FetchError {
	return &FetchError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// FetchErrorKind extracts the ErrorKind from an arbitrary error, defaulting
// to network for untyped failures.
func FetchErrorKind(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ErrorKindNetwork
}
