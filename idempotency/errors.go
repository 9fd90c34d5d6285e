package idempotency

import "errors"

var (
	// ErrInvalidKey rejects a key before any datastore work. Client error.
	ErrInvalidKey = errors.New("invalid idempotency key")
	// ErrConcurrentClaimTimeout means another request holds the key and did not
	// save a response in time. Retryable; the command is never run twice.
	ErrConcurrentClaimTimeout = errors.New("timed out waiting for a concurrent request with the same idempotency key")
	// ErrPersistence wraps datastore failures. Nothing was committed, so the
	// client may retry.
	ErrPersistence = errors.New("idempotency store failure")
)
