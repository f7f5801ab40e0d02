package store

import "errors"

// Error taxonomy for the durable store. Callers match with errors.Is
// and decide between degrading to cache-only mode, retrying, or
// running a destructive repair.
var (
	// ErrUnavailable means the backing database could not be opened at
	// all. The system continues in cache-only mode.
	ErrUnavailable = errors.New("durable store unavailable")

	// ErrTransactionFailed means a single append/update failed. The
	// write is retried with backoff before being surfaced.
	ErrTransactionFailed = errors.New("durable store transaction failed")

	// ErrCorrupt means the startup integrity check failed. The store is
	// cleared and recreated; the data loss is logged, never silent.
	ErrCorrupt = errors.New("durable store corrupt")

	// ErrDuplicate means the write collided with a unique index; the
	// record is already durably recorded. A duplicate submission is
	// dedup working, not storage damage, and must not be risk-scored.
	ErrDuplicate = errors.New("record already exists")

	// ErrNotFound means the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)
