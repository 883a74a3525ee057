// Package common defines shared sentinel errors used across the sync engine
// layers. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Journal and keychain lookup errors.
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Metadata document errors.
	ErrInvalidMetadata    = errors.New("invalid metadata")
	ErrInvariantViolation = errors.New("metadata invariant violation")

	// Crypto library failures (key generation, cipher setup, wrapping).
	ErrCrypto = errors.New("crypto failure")

	// Folder lock lifecycle errors.
	ErrFolderLocked     = errors.New("folder is locked")
	ErrUnlockInProgress = errors.New("unlock already in progress")
	ErrMissingLockToken = errors.New("missing folder lock token")
)
