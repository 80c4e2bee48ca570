package types

import (
	"errors"
	"fmt"
)

// ErrorKind buckets failures into the categories callers branch on.
type ErrorKind string

const (
	// ErrNetwork covers transport failures and timeouts. Retried per policy.
	ErrNetwork ErrorKind = "NETWORK"
	// ErrNotFound means the target row is absent. Never retried.
	ErrNotFound ErrorKind = "NOT_FOUND"
	// ErrConflict means a version-checked update lost the race. Never
	// retried automatically; the error carries the authoritative row.
	ErrConflict ErrorKind = "CONFLICT"
	// ErrAuthInvalid means the credentials were rejected outright.
	ErrAuthInvalid ErrorKind = "AUTH_INVALID"
	// ErrAuthExpired means the token is past its lifetime and needs refresh.
	ErrAuthExpired ErrorKind = "AUTH_EXPIRED"
	// ErrUnknown is anything uncategorized. Retried once defensively.
	ErrUnknown ErrorKind = "UNKNOWN"
)

// SyncError is the taxonomy-aware error surfaced by the gateway and the
// query layer. Conflicts additionally carry the latest authoritative order.
type SyncError struct {
	Kind   ErrorKind
	Op     string
	Latest *Order
	Err    error
}

// Error implements error.
func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError wraps err with a taxonomy kind and operation name.
func NewSyncError(kind ErrorKind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// NewConflict builds a CONFLICT error carrying the authoritative row.
func NewConflict(op string, latest *Order) *SyncError {
	return &SyncError{Kind: ErrConflict, Op: op, Latest: latest}
}

// KindOf classifies an arbitrary error, defaulting to UNKNOWN.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ErrUnknown
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool { return KindOf(err) == ErrConflict }

// IsNotFound reports whether err is a missing-row failure.
func IsNotFound(err error) bool { return KindOf(err) == ErrNotFound }

// IsAuthFailure reports whether err should route to the session coordinator
// instead of surfacing to callers.
func IsAuthFailure(err error) bool {
	k := KindOf(err)
	return k == ErrAuthInvalid || k == ErrAuthExpired
}

// Retryable reports whether the taxonomy permits an automatic retry.
// Conflicts and missing rows are final; auth failures belong to the session
// coordinator.
func Retryable(err error) bool {
	switch KindOf(err) {
	case ErrNetwork, ErrUnknown:
		return true
	}
	return false
}

// AsConflict extracts the authoritative latest row from a conflict error.
func AsConflict(err error) (*Order, bool) {
	var se *SyncError
	if errors.As(err, &se) && se.Kind == ErrConflict {
		return se.Latest, true
	}
	return nil, false
}
