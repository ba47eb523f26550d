package remote

import "errors"

var (
	// ErrPermission reports an ACL rejection. Never retried.
	ErrPermission = errors.New("remote: permission denied")

	// ErrNotFound reports a missing or invisible row.
	ErrNotFound = errors.New("remote: not found")

	// ErrBatchUnsupported reports that FetchCounts has no batched form.
	ErrBatchUnsupported = errors.New("remote: batched counts unsupported")

	// ErrUnavailable reports that the store could not be reached.
	ErrUnavailable = errors.New("remote: unavailable")
)
