package shared

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists indicates a uniqueness conflict (role or permission name).
	ErrAlreadyExists = errors.New("already exists")
	// ErrCycle indicates a hierarchy edge was rejected because it would close a cycle.
	ErrCycle = errors.New("hierarchy cycle rejected")
	// ErrAccessDenied indicates the caller's roles lack access to a key or operation.
	// Distinct from a permission-check deny, which is a result value, not an error.
	ErrAccessDenied = errors.New("access denied")
	// ErrConditionNotMet indicates a time, IP, or device gate failed.
	ErrConditionNotMet = errors.New("condition not met")
	// ErrExpired indicates a delegation, key, or share is past its validity.
	ErrExpired = errors.New("expired")
	// ErrCryptoFailure covers tag mismatch and malformed ciphertext. The message
	// never reveals which sub-check failed.
	ErrCryptoFailure = errors.New("decryption failed")
	// ErrBackendUnavailable indicates the persistence backend timed out or is down.
	ErrBackendUnavailable = errors.New("backend unavailable")
)
