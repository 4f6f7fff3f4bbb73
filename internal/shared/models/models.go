// Package models holds the row shapes persisted by the ambient, optional
// database sink (internal/shared/database). None of these are consulted by
// the pool or pipeline for selection or routing decisions (spec §6
// "Persisted state... never authoritative for selection").
package models

import "time"

// ModelPricing is per-model cost-per-1k-tokens, used only to annotate a
// PromptLog row with an estimated cost; never read by the pipeline itself.
type ModelPricing struct {
	ID                string
	Provider          string
	Model             string
	InputPer1kTokens  float64
	OutputPer1kTokens float64
	ContextWindow     int
	SupportsStreaming bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// PromptLog is one request's ambient audit record (spec §1 "prompt/request
// logging sinks" is an out-of-scope collaborator; this is its row shape).
// Renamed from the teacher's GatewayLog and stripped of the API-key
// foreign key, since end-user authentication is an explicit Non-goal.
type PromptLog struct {
	ID               string
	CorrelationID    string
	Service          string
	Model            string
	KeyHash          string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	CostUSD          float64
	LatencyMs        int64
	Outcome          string
	StatusCode       int
	CreatedAt        time.Time
}
