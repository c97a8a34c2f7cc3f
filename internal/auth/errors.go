package auth

import "errors"

// Error kinds surfaced by the authorization core. Callers dispatch with
// errors.Is; no error carries detail beyond its kind, so failures never
// reveal which part of a multi-field check tripped.
var (
	// ErrMalformed marks structurally invalid input: wrong segment count,
	// undecodable base64 or JSON, unexpected payload shape. Never retryable.
	ErrMalformed = errors.New("auth: malformed")

	// ErrInvalidSignature marks a signature mismatch: tampering or a wrong key.
	ErrInvalidSignature = errors.New("auth: invalid signature")

	// ErrExpired marks input that verified but is past its lifetime. Distinct
	// from ErrMalformed because the caller may legitimately re-issue.
	ErrExpired = errors.New("auth: expired")

	ErrNotFound = errors.New("auth: not found")
	ErrInactive = errors.New("auth: inactive")

	ErrUnknownRole       = errors.New("auth: unknown role")
	ErrUnknownPermission = errors.New("auth: unknown permission")

	// ErrRateLimited is transient; the caller may retry after the window.
	ErrRateLimited = errors.New("auth: rate limit exceeded")

	// ErrStorageUnavailable marks an external store failure. Whether it denies
	// or admits is a policy choice owned by the caller (fail-closed/fail-open).
	ErrStorageUnavailable = errors.New("auth: storage unavailable")

	ErrInvalidInput = errors.New("auth: invalid input")
	ErrUnauthorized = errors.New("auth: unauthorized")
)
