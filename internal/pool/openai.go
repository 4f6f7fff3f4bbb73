package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// remainingFloor is the header-derived remaining-count below which a key is
// treated as if currently locked out (spec §4.1 "OpenAI-style").
const remainingFloor = 1

// OpenAIProvider owns the OpenAI credential set. It is the only service that
// harvests `x-ratelimit-*` response headers to tighten selection.
type OpenAIProvider struct {
	*baseProvider
	httpClient *http.Client
}

// NewOpenAIProvider builds the provider from a deduplicated secret list.
func NewOpenAIProvider(secrets []string, lockoutMs, reuseDelayMs int64, log *logrus.Entry) *OpenAIProvider {
	return &OpenAIProvider{
		baseProvider: newBaseProvider(ServiceOpenAI, secrets, lockoutMs, reuseDelayMs, log.WithField("service", ServiceOpenAI)),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// UpdateRateLimits parses x-ratelimit-remaining-requests / -tokens and stores
// the tightest bound observed for the key (spec §4.1).
func (p *OpenAIProvider) UpdateRateLimits(hash string, headers http.Header) {
	remReq, okReq := parseIntHeader(headers, "x-ratelimit-remaining-requests")
	remTok, okTok := parseIntHeader(headers, "x-ratelimit-remaining-tokens")
	if !okReq && !okTok {
		return
	}
	patch := Patch{}
	if okReq {
		patch.RemainingRequests = &remReq
	}
	if okTok {
		patch.RemainingTokens = &remTok
	}
	p.Update(hash, patch)
}

func parseIntHeader(h http.Header, name string) (int, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Get overrides baseProvider.Get to also exclude keys whose header-derived
// remaining counters have dropped below the floor, treating them as locked
// out even though their timestamp-based window hasn't armed.
func (p *OpenAIProvider) Get(model string) (*Key, error) {
	family := familyForModel(model)
	p.mu.Lock()
	starved := make(map[string]bool)
	for _, k := range p.keys {
		if k.eligible(family) && (k.remainingRequests > 0 && k.remainingRequests < remainingFloor ||
			k.remainingTokens > 0 && k.remainingTokens < remainingFloor) {
			starved[k.hash] = true
		}
	}
	p.mu.Unlock()

	if len(starved) == 0 {
		return p.baseProvider.Get(model)
	}
	// Retry selection, excluding starved keys by disabling them transiently
	// is unsafe (would violate "never disable for a transient signal"), so
	// instead fold the starved set into the lockout check directly.
	return p.getExcluding(model, starved)
}

func (p *OpenAIProvider) getExcluding(model string, starved map[string]bool) (*Key, error) {
	family := familyForModel(model)
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowMs()
	var candidates []*Key
	for _, k := range p.keys {
		if k.eligible(family) {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoKeysAvailable
	}

	locked := func(k *Key) bool {
		return k.lockedOut(now, p.rateLimitLockout) || starved[k.hash]
	}

	best := candidates[0]
	for _, k := range candidates[1:] {
		bl, kl := locked(best), locked(k)
		switch {
		case bl && !kl:
			best = k
		case bl == kl && bl:
			if k.rateLimitedAtMs < best.rateLimitedAtMs {
				best = k
			}
		case bl == kl && !bl:
			if k.lastUsedMs < best.lastUsedMs {
				best = k
			}
		}
	}

	best.lastUsedMs = now
	if reuseUntil := now + p.keyReuseDelay; reuseUntil > best.rateLimitedUntilMs {
		best.rateLimitedUntilMs = reuseUntil
	}
	return best, nil
}

// Probe implements pool.Prober: a cheap authenticated GET against the model
// listing endpoint, classifying capability from the returned ids.
func (p *OpenAIProvider) Probe(ctx context.Context, secret string) ProbeResult {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://api.openai.com/v1/models", nil)
	req.Header.Set("Authorization", "Bearer "+secret)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ProbeResult{Status: ProbeTransient, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var payload struct {
			Data []struct {
				ID string `json:"id"`
			} `json:"data"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return ProbeResult{Status: ProbeTransient, Err: err}
		}
		families := make(map[string]bool)
		for _, m := range payload.Data {
			families[familyForModel(m.ID)] = true
		}
		out := make([]string, 0, len(families))
		for f := range families {
			out = append(out, f)
		}
		if len(out) == 0 {
			out = []string{"gpt-3.5-turbo"}
		}
		return ProbeResult{Status: ProbeOK, ModelFamilies: out}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if isQuotaBody(resp) {
			return ProbeResult{Status: ProbeQuotaFailure}
		}
		return ProbeResult{Status: ProbeAuthFailure}
	case resp.StatusCode == http.StatusTooManyRequests:
		if isQuotaBody(resp) {
			return ProbeResult{Status: ProbeQuotaFailure}
		}
		return ProbeResult{Status: ProbeTransient, Err: fmt.Errorf("rate limited during probe")}
	default:
		return ProbeResult{Status: ProbeTransient, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
}

func isQuotaBody(resp *http.Response) bool {
	var body struct {
		Error struct {
			Code string `json:"code"`
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return strings.Contains(body.Error.Code, "insufficient_quota") || strings.Contains(body.Error.Type, "insufficient_quota")
}
