package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// AnthropicProvider owns the Anthropic credential set. No response headers
// are trusted for rate-limit hints (spec §4.1); UpdateRateLimits is the
// baseProvider no-op.
type AnthropicProvider struct {
	*baseProvider
	httpClient *http.Client
}

func NewAnthropicProvider(secrets []string, lockoutMs, reuseDelayMs int64, log *logrus.Entry) *AnthropicProvider {
	return &AnthropicProvider{
		baseProvider: newBaseProvider(ServiceAnthropic, secrets, lockoutMs, reuseDelayMs, log.WithField("service", ServiceAnthropic)),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

type anthropicProbeBody struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"max_tokens"`
	Messages  []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// Probe sends a one-token completion against claude-3-haiku as the cheapest
// authenticated request that exercises both the chat and legacy families.
func (p *AnthropicProvider) Probe(ctx context.Context, secret string) ProbeResult {
	body := anthropicProbeBody{
		Model:     "claude-3-haiku-20240307",
		MaxTokens: 1,
	}
	body.Messages = append(body.Messages, struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}{Role: "user", Content: "ping"})

	raw, _ := json.Marshal(body)
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, "https://api.anthropic.com/v1/messages", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", secret)
	req.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ProbeResult{Status: ProbeTransient, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return ProbeResult{Status: ProbeOK, ModelFamilies: []string{"claude", "claude-opus"}}
	case resp.StatusCode == http.StatusUnauthorized:
		return ProbeResult{Status: ProbeAuthFailure}
	case resp.StatusCode == http.StatusForbidden:
		if isAnthropicBillingBody(resp) {
			return ProbeResult{Status: ProbeQuotaFailure}
		}
		return ProbeResult{Status: ProbeAuthFailure}
	case resp.StatusCode == http.StatusTooManyRequests:
		return ProbeResult{Status: ProbeTransient}
	default:
		return ProbeResult{Status: ProbeTransient}
	}
}

func isAnthropicBillingBody(resp *http.Response) bool {
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return strings.Contains(body.Error.Type, "billing") || strings.Contains(body.Error.Type, "permission")
}

const anthropicVersion = "2023-06-01"
