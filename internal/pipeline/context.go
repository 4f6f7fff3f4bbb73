// Package pipeline implements the request state machine each inbound
// request passes through: preprocessing, dialect translation, queueing, key
// binding, upstream dispatch, and response post-processing (spec §2 C5-C8).
package pipeline

import (
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/mrmushfiq/aiproxy-gateway/internal/dialect"
	"github.com/mrmushfiq/aiproxy-gateway/internal/pool"
)

// RequestContext is the pipeline's per-request mutable record (C5). It is
// created by the preprocessor and threaded through the queue and upstream
// proxy; no component outside this package ever holds one.
type RequestContext struct {
	CorrelationID string

	InboundAPI  dialect.API
	OutboundAPI dialect.API
	Service     pool.Service
	Model       string

	// Key is nil until the queue hands the request to the upstream proxy
	// (spec §4.4: "a key is bound at the latest possible moment").
	Key *pool.Key

	PromptTokens int
	OutputTokens int

	Stream bool

	// OutboundBody is the already-translated, not-yet-finalized request body
	// (rules 1-3 output; rules 4-5 stamp auth and re-serialize it).
	OutboundBody []byte

	StartedAt time.Time
}

func newCorrelationID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// NewRequestContext seeds a context with a fresh correlation id and start
// time; every other field is filled in by the preprocessor pipeline stages.
func NewRequestContext() *RequestContext {
	return &RequestContext{CorrelationID: newCorrelationID(), StartedAt: time.Now()}
}
