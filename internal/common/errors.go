// Package common defines sentinel errors and constants shared by the local
// store, the cache engine, the write queue and the sync coordinator. Callers
// should use errors.Is to match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Repository-level errors.
	ErrNotFound           = errors.New("not found")
	ErrStorageUnavailable = errors.New("local storage unavailable")
	ErrEntryBusy          = errors.New("entry is being delivered")

	// Remote delivery errors.
	ErrNetworkUnreachable = errors.New("network unreachable")
	ErrTimeout            = fmt.Errorf("%w: request timed out", ErrNetworkUnreachable)
	ErrServerRejected     = errors.New("server rejected request")
	ErrServerError        = errors.New("server error")

	// Session errors: missing, malformed or expired bearer credential.
	ErrNoSession = errors.New("no valid session")

	// Payload errors. Not retryable without user edit.
	ErrValidation = errors.New("validation error")
)

// IsPermanent reports whether err must not be retried automatically.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrServerRejected) || errors.Is(err, ErrValidation)
}
