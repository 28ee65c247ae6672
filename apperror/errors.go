package apperror

import "errors"

// Dispatch outcomes.
var (
	ErrAlreadyDispatched = errors.New("uri already dispatched")
	ErrSizeExceeded      = errors.New("object exceeds cacheable size limit")
	ErrMetadataLookup    = errors.New("source metadata lookup failed")
)

// Transfer failures. Neither is retried in place; the recovery monitor
// picks the work up again once it goes stale.
var (
	ErrTransientIO = errors.New("transient object store failure")
	ErrStateWrite  = errors.New("state write failed")
)

// State lookups and conditional writes.
var (
	ErrSessionNotFound = errors.New("chunk session not found")
	ErrTaskNotFound    = errors.New("direct stream task not found")
	ErrConditionFailed = errors.New("conditional write rejected")
	ErrIncompleteParts = errors.New("chunk session has incomplete parts")
)
