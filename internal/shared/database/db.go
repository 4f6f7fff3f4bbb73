// Package database is the ambient, optional Postgres-backed sink for
// prompt/usage logging and model pricing lookups (spec §1 "prompt/request
// logging sinks" is an out-of-scope collaborator this package implements).
// Adapted from the teacher's database.DB: its API-key authentication table
// and queries are dropped (Non-goal: no end-user auth beyond IP throttling),
// and GatewayLog is repurposed into the pool/pipeline-agnostic PromptLog.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mrmushfiq/aiproxy-gateway/internal/pipeline"
	"github.com/mrmushfiq/aiproxy-gateway/internal/shared/models"
)

type DB struct {
	conn *sql.DB
}

// New creates a new database connection, pinging it once so a broken
// DATABASE_URL fails at startup rather than on the first prompt log write.
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(10)
	conn.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

// GetModelPricing retrieves pricing for a model; a missing row is not an
// error the caller need treat specially, it just means cost stays zero.
func (db *DB) GetModelPricing(ctx context.Context, provider, model string) (*models.ModelPricing, error) {
	query := `
		SELECT id, provider, model, input_per_1k_tokens, output_per_1k_tokens,
		       context_window, supports_streaming, created_at, updated_at
		FROM model_pricing
		WHERE provider = $1 AND model = $2
	`

	var pricing models.ModelPricing
	err := db.conn.QueryRowContext(ctx, query, provider, model).Scan(
		&pricing.ID,
		&pricing.Provider,
		&pricing.Model,
		&pricing.InputPer1kTokens,
		&pricing.OutputPer1kTokens,
		&pricing.ContextWindow,
		&pricing.SupportsStreaming,
		&pricing.CreatedAt,
		&pricing.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pricing not found for %s/%s", provider, model)
	}
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	return &pricing, nil
}

// Write implements pipeline.PromptLogSink: it persists one request's outcome
// (spec §4.6 "Expansion — prompt-log emission"). Cost is looked up from
// model_pricing best-effort; a missing price row just leaves CostUSD at 0
// rather than failing the whole write.
func (db *DB) Write(ctx context.Context, entry pipeline.PromptLogEntry) error {
	cost := 0.0
	if pricing, err := db.GetModelPricing(ctx, string(entry.Service), entry.Model); err == nil {
		cost = float64(entry.PromptTokens)/1000.0*pricing.InputPer1kTokens +
			float64(entry.OutputTokens)/1000.0*pricing.OutputPer1kTokens
	}

	query := `
		INSERT INTO prompt_logs (
			correlation_id, service, model, key_hash, prompt_tokens,
			completion_tokens, total_tokens, cost_usd, latency_ms, outcome, status_code
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := db.conn.ExecContext(ctx, query,
		entry.CorrelationID,
		string(entry.Service),
		entry.Model,
		entry.KeyHash,
		entry.PromptTokens,
		entry.OutputTokens,
		entry.PromptTokens+entry.OutputTokens,
		cost,
		entry.LatencyMs,
		entry.Outcome,
		entry.StatusCode,
	)
	return err
}

var _ pipeline.PromptLogSink = (*DB)(nil)
