// Package pool implements the credential pool: per-service key providers,
// selection policy, rate-limit accounting, and background health-checking.
package pool

import (
	"crypto/sha256"
	"encoding/hex"
)

// Service tags an upstream credential family.
type Service string

const (
	ServiceOpenAI    Service = "openai"
	ServiceAnthropic Service = "anthropic"
	ServiceGoogleAI  Service = "google-ai"
)

// Key is a single credential and its mutable health/usage state. The secret
// itself is never serialized outward (see PublicKey).
type Key struct {
	secret  string
	hash    string
	service Service

	isDisabled bool
	isRevoked  bool

	modelFamilies map[string]bool

	lastUsedMs    int64
	lastCheckedMs int64
	promptCount   int

	rateLimitedAtMs    int64
	rateLimitedUntilMs int64

	usageTokens map[string]int64 // per-family token counters

	// OpenAI extension
	remainingRequests int
	remainingTokens   int
	rateLimitResetMs  int64

	// Anthropic extension
	isPaidTier bool

	// Google extension
	modelIDs []string
}

// newKey derives a stable fingerprint for secret and seeds a bare record.
func newKey(secret string, service Service) *Key {
	sum := sha256.Sum256([]byte(secret))
	return &Key{
		secret:        secret,
		hash:          hex.EncodeToString(sum[:])[:12],
		service:       service,
		modelFamilies: make(map[string]bool),
		usageTokens:   make(map[string]int64),
	}
}

// PublicKey is the redacted view returned by Provider.List.
type PublicKey struct {
	Hash               string
	Service            Service
	IsDisabled         bool
	IsRevoked          bool
	ModelFamilies      []string
	LastUsedMs         int64
	LastCheckedMs      int64
	PromptCount        int
	RateLimitedAtMs    int64
	RateLimitedUntilMs int64
	IsPaidTier         bool
	ModelIDs           []string
}

func (k *Key) public() PublicKey {
	families := make([]string, 0, len(k.modelFamilies))
	for f := range k.modelFamilies {
		families = append(families, f)
	}
	return PublicKey{
		Hash:               k.hash,
		Service:            k.service,
		IsDisabled:         k.isDisabled,
		IsRevoked:          k.isRevoked,
		ModelFamilies:      families,
		LastUsedMs:         k.lastUsedMs,
		LastCheckedMs:      k.lastCheckedMs,
		PromptCount:        k.promptCount,
		RateLimitedAtMs:    k.rateLimitedAtMs,
		RateLimitedUntilMs: k.rateLimitedUntilMs,
		IsPaidTier:         k.isPaidTier,
		ModelIDs:           append([]string(nil), k.modelIDs...),
	}
}

// hasFamily reports whether the key declares support for model family f.
func (k *Key) hasFamily(f string) bool {
	return k.modelFamilies[f]
}

// Hash returns the key's public fingerprint. Safe to log or return to a
// caller; the secret itself is reachable only through Secret.
func (k *Key) Hash() string { return k.hash }

// Service returns the upstream family this key authenticates against.
func (k *Key) Service() Service { return k.service }

// Secret returns the raw credential. Callers must use it only to stamp an
// outbound request (spec §4.4 rule 4) and must never log or echo it.
func (k *Key) Secret() string { return k.secret }

// Patch carries the mutable fields a checker or feedback path may update.
// Zero-valued pointer fields are left untouched by Provider.Update.
type Patch struct {
	ModelFamilies     []string
	ModelIDs          []string
	IsDisabled        *bool
	IsRevoked         *bool
	IsPaidTier        *bool
	RemainingRequests *int
	RemainingTokens   *int
	RateLimitResetMs  *int64
}
