package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies gateway failures. Classification happens once, at the
// gateway adapter boundary; everything above it only ever sees the kind.
type ErrorKind string

const (
	// KindNetwork is a transient failure: mutations are queued for retry,
	// reads fall back to the cache when a snapshot exists.
	KindNetwork ErrorKind = "network"
	// KindAuth is fatal for the current session. Never queued, never retried.
	KindAuth ErrorKind = "auth"
	// KindValidation means the gateway rejected caller-supplied data.
	// Rolled back locally and surfaced to the caller, never queued.
	KindValidation ErrorKind = "validation"
	// KindConflict means the target entity no longer matches expected state,
	// e.g. it was already deleted remotely. Queued operations are dropped
	// silently and a fresh read is scheduled.
	KindConflict ErrorKind = "conflict"
	// KindUnknown is anything unclassified. Retried like a network error
	// but logged distinctly.
	KindUnknown ErrorKind = "unknown"
)

// ErrNotFound is returned by gateway reads when the requested row does not
// exist. Distinct from the classified kinds: a missing portfolio on first
// load is the lookup-or-create path, not a failure.
var ErrNotFound = errors.New("not found")

// ClassifiedError wraps a transport error with its classification.
type ClassifiedError struct {
	Kind ErrorKind
	Op   string // gateway operation that failed, e.g. "insert_holding"
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// NewClassifiedError builds a classified error for a gateway operation.
func NewClassifiedError(kind ErrorKind, op string, err error) *ClassifiedError {
	return &ClassifiedError{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from an error chain.
// Unclassified errors report KindUnknown.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindUnknown
}

// Retryable reports whether a failed mutation should be queued for replay.
// Unknown failures are retried like network failures.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindUnknown:
		return true
	default:
		return false
	}
}
