package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/remote"
)

// ErrorKind categorizes synchronization failures.
type ErrorKind string

const (
	// ErrKindNetwork indicates the store could not be reached or timed out.
	// Recoverable; the user may retry.
	ErrKindNetwork ErrorKind = "NETWORK"

	// ErrKindPermission indicates an ACL rejection. Not retryable.
	ErrKindPermission ErrorKind = "PERMISSION"

	// ErrKindVerification indicates a delete reported success but the row
	// was still readable afterwards.
	ErrKindVerification ErrorKind = "VERIFICATION"

	// ErrKindStaleGeneration marks a fetch result for an abandoned filter
	// generation. Dropped silently, never shown to the user.
	ErrKindStaleGeneration ErrorKind = "STALE_GENERATION"
)

// Retryable reports whether offering the user a retry makes sense.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindNetwork || k == ErrKindVerification
}

// SyncError is a classified failure of a fetch or mutation.
type SyncError struct {
	// Kind identifies the error category.
	Kind ErrorKind

	// Op is the operation that failed: "fetch", "create", "delete", "update".
	Op string

	// Collection is the affected collection.
	Collection model.Collection

	// EntityID identifies the affected entity, if any.
	EntityID string

	// Err is the underlying error.
	Err error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.EntityID != "" {
		return fmt.Sprintf("%s: %s failed (collection=%s, id=%s): %v", e.Kind, e.Op, e.Collection, e.EntityID, e.Err)
	}
	return fmt.Sprintf("%s: %s failed (collection=%s): %v", e.Kind, e.Op, e.Collection, e.Err)
}

// Unwrap returns the underlying error.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// Classify maps an error from the remote store to an ErrorKind.
// Unknown errors are treated as network errors.
func Classify(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, remote.ErrPermission) {
		return ErrKindPermission
	}
	return ErrKindNetwork
}

// newSyncError wraps err unless it is already a SyncError.
func newSyncError(op string, c model.Collection, id string, err error) *SyncError {
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("timed out: %w", err)
	}
	return &SyncError{
		Kind:       Classify(err),
		Op:         op,
		Collection: c,
		EntityID:   id,
		Err:        err,
	}
}

// IsNetworkError returns true if err is a network failure.
func IsNetworkError(err error) bool {
	return kindOf(err) == ErrKindNetwork
}

// IsPermissionError returns true if err is an ACL rejection.
func IsPermissionError(err error) bool {
	return kindOf(err) == ErrKindPermission
}

// IsVerificationError returns true if err is a failed delete verification.
func IsVerificationError(err error) bool {
	return kindOf(err) == ErrKindVerification
}

// IsStaleGeneration returns true if err marks a discarded stale fetch.
func IsStaleGeneration(err error) bool {
	return kindOf(err) == ErrKindStaleGeneration
}

func kindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
