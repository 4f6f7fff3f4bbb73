package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// GoogleAIProvider owns the Google generative-API credential set. No header
// hints exist for this service; UpdateRateLimits is the baseProvider no-op.
// modelIDs (the raw upstream model list) are retained for diagnostics.
type GoogleAIProvider struct {
	*baseProvider
	httpClient *http.Client
}

func NewGoogleAIProvider(secrets []string, lockoutMs, reuseDelayMs int64, log *logrus.Entry) *GoogleAIProvider {
	return &GoogleAIProvider{
		baseProvider: newBaseProvider(ServiceGoogleAI, secrets, lockoutMs, reuseDelayMs, log.WithField("service", ServiceGoogleAI)),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *GoogleAIProvider) Probe(ctx context.Context, secret string) ProbeResult {
	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models?key=%s", secret)
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return ProbeResult{Status: ProbeTransient, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var payload struct {
			Models []struct {
				Name string `json:"name"`
			} `json:"models"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return ProbeResult{Status: ProbeTransient, Err: err}
		}
		families := make(map[string]bool)
		ids := make([]string, 0, len(payload.Models))
		for _, m := range payload.Models {
			ids = append(ids, m.Name)
			families[familyForModel(strings.TrimPrefix(m.Name, "models/"))] = true
		}
		out := make([]string, 0, len(families))
		for f := range families {
			out = append(out, f)
		}
		if len(out) == 0 {
			out = []string{"gemini-pro"}
		}
		return ProbeResult{Status: ProbeOK, ModelFamilies: out, ModelIDs: ids}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ProbeResult{Status: ProbeAuthFailure}
	case resp.StatusCode == http.StatusTooManyRequests:
		return ProbeResult{Status: ProbeTransient}
	default:
		return ProbeResult{Status: ProbeTransient}
	}
}
