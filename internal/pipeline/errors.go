package pipeline

import "errors"

// Error taxonomy (spec §7). Handlers map these to the documented HTTP
// status codes; internal components never do the status mapping themselves
// so the taxonomy stays the single source of truth.
var (
	// ErrBadRequest means the inbound body violates its dialect's schema.
	ErrBadRequest = errors.New("pipeline: bad request")

	// ErrUnsupported means the (inApi, outApi) pair has no registered
	// transform (dialect.ErrUnsupportedPair wrapped at the pipeline level).
	ErrUnsupported = errors.New("pipeline: unsupported dialect pair")

	// ErrNoKeysAvailable means the service has no key that can serve the
	// request. The queue's stall guard delivers it when no non-disabled key
	// is left, and the upstream proxy maps pool.ErrNoKeysAvailable from key
	// selection onto it, so handlers don't need to import internal/pool.
	// Neither case is retried.
	ErrNoKeysAvailable = errors.New("pipeline: no keys available")

	// ErrRateLimitExhausted means the upstream proxy's bounded retry count (spec
	// §4.6, default 3) was used up against repeated 429s.
	ErrRateLimitExhausted = errors.New("pipeline: rate limit retries exhausted")

	// ErrUpstream wraps a propagated non-retryable upstream failure (401/403
	// with no fallback key, or a 5xx after the single retry).
	ErrUpstream = errors.New("pipeline: upstream request failed")

	// ErrCancelled means the client disconnected before dispatch.
	ErrCancelled = errors.New("pipeline: request cancelled")

	// ErrTimeout means the upstream deadline elapsed.
	ErrTimeout = errors.New("pipeline: upstream timeout")
)
