package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. The API layer maps these to client errors; everything
// carrying a Retryable flag maps to a server-unavailable signal.
var (
	ErrInvalidConfig        = errors.New("invalid configuration")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNoExtractableContent = errors.New("no extractable content")
)

// EmbeddingError reports a failed embedding batch group. GroupIndex is the
// zero-based index of the group whose external call failed; earlier groups
// succeeded but their results are discarded (partial success is never
// silently swallowed).
type EmbeddingError struct {
	GroupIndex int
	Retryable  bool
	Err        error
}

func (e *EmbeddingError) Error() string {
	return fmt.Sprintf("embedding group %d failed (retryable=%t): %v", e.GroupIndex, e.Retryable, e.Err)
}

func (e *EmbeddingError) Unwrap() error { return e.Err }

// UpsertError reports a failed upsert batch group together with how many
// records were written before the failure, so ingestion can report partial
// success instead of collapsing to all-or-nothing.
type UpsertError struct {
	Written    int
	GroupIndex int
	Err        error
}

func (e *UpsertError) Error() string {
	return fmt.Sprintf("upsert group %d failed after %d records written: %v", e.GroupIndex, e.Written, e.Err)
}

func (e *UpsertError) Unwrap() error { return e.Err }

// QueryError reports a failed similarity query. Queries are treated as
// retryable by default: the index is a managed service and transient
// unavailability is the common failure mode.
type QueryError struct {
	Err error
}

func (e *QueryError) Error() string { return fmt.Sprintf("vector query failed: %v", e.Err) }

func (e *QueryError) Unwrap() error { return e.Err }

// Retryable reports whether err represents a transient failure the caller
// may retry with backoff.
func Retryable(err error) bool {
	var ee *EmbeddingError
	if errors.As(err, &ee) {
		return ee.Retryable
	}
	var qe *QueryError
	if errors.As(err, &qe) {
		return true
	}
	var te interface{ Transient() bool }
	if errors.As(err, &te) {
		return te.Transient()
	}
	return false
}
