// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across agent and ingest layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates temporary lock due to repeated auth failures.
	ErrRateLimited = errors.New("rate limited")

	// ErrValidation indicates malformed input rejected before any I/O.
	ErrValidation = errors.New("validation")

	// ErrDisabled indicates an operation on a source whose config has enabled=false.
	ErrDisabled = errors.New("source disabled")

	// ErrSyncInProgress indicates a sync for the same source is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrBackfillRunning indicates a backfill for the same family is already running.
	ErrBackfillRunning = errors.New("backfill already running")

	// ErrNoEncryptionKey indicates that encryption was required but no key is configured.
	ErrNoEncryptionKey = errors.New("no encryption key configured")

	// ErrBadCiphertext indicates a field value that is not a valid enc:v1 ciphertext.
	ErrBadCiphertext = errors.New("bad ciphertext")

	// ErrUnknownSource indicates a source or backfill family name with no registered instance.
	ErrUnknownSource = errors.New("unknown source")
)
