package pool

import "errors"

// Sentinel errors per the error taxonomy (spec §7).
var (
	// ErrNoKeysAvailable means the eligible key subset for a request is empty.
	ErrNoKeysAvailable = errors.New("pool: no keys available")

	// ErrNoKeysConfigured means the process was started with an empty key
	// list across every configured service.
	ErrNoKeysConfigured = errors.New("pool: no keys configured")

	// ErrUnknownService means a model name didn't match any routing prefix,
	// or no provider is configured for the service it matched.
	ErrUnknownService = errors.New("pool: unknown service for model")

	// ErrUnknownKey means a hash didn't match any record in the provider.
	ErrUnknownKey = errors.New("pool: unknown key hash")
)
