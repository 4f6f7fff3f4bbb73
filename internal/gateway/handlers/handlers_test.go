package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/aiproxy-gateway/internal/dialect"
	"github.com/mrmushfiq/aiproxy-gateway/internal/pipeline"
	"github.com/mrmushfiq/aiproxy-gateway/internal/pool"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	openai := pool.NewOpenAIProvider([]string{"o1"}, 0, 0, discardLog())
	anthropic := pool.NewAnthropicProvider([]string{"a1"}, 0, 0, discardLog())
	for _, k := range openai.List() {
		openai.Update(k.Hash, pool.Patch{ModelFamilies: []string{"gpt-4", "gpt-3.5-turbo"}})
	}
	for _, k := range anthropic.List() {
		anthropic.Update(k.Hash, pool.Patch{ModelFamilies: []string{"claude", "claude-opus"}})
	}
	p := pool.NewPool(map[pool.Service]pool.Provider{
		pool.ServiceOpenAI:    openai,
		pool.ServiceAnthropic: anthropic,
	}, nil)

	pre := pipeline.NewPreprocessor(p, dialect.NewEstimator())
	queue := pipeline.NewQueue(p, 0, discardLog())
	up := pipeline.NewUpstream(p, queue, nil, false, discardLog())
	return NewGateway(p, pre, up, discardLog())
}

func TestHealthReturnsOK(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.Health(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "OK" {
		t.Fatalf("body = %q, want OK", rec.Body.String())
	}
}

func TestListModelsListsEveryClaimedFamily(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	g.ListModels(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("could not decode response: %v", err)
	}
	got := make(map[string]bool, len(body.Data))
	for _, e := range body.Data {
		got[e.ID] = true
	}
	for _, want := range []string{"gpt-4", "gpt-3.5-turbo", "claude", "claude-opus"} {
		if !got[want] {
			t.Fatalf("models listing missing %q: %v", want, body.Data)
		}
	}
}

func TestListModelsServesFromCacheOnSecondCall(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)

	first := httptest.NewRecorder()
	g.ListModels(first, req)

	// Disable every key; if the second call recomputed instead of reading the
	// modelsCacheTTL cache, the listing would now be empty.
	for svc, keys := range g.pool.List() {
		for _, k := range keys {
			g.pool.Disable(svc, k.Hash)
		}
	}

	second := httptest.NewRecorder()
	g.ListModels(second, req)
	if second.Body.String() != first.Body.String() {
		t.Fatalf("second call should have served the cached body, got a different one")
	}
}

func TestChatCompletionsRejectsMissingMessages(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gpt-4"}`))
	rec := httptest.NewRecorder()
	g.ChatCompletions(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a body missing messages", rec.Code)
	}
}

func TestChatCompletionsRejectsUnknownModel(t *testing.T) {
	g := newTestGateway(t)
	body := `{"model":"llama-3","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	rec := httptest.NewRecorder()
	g.ChatCompletions(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for an unrouteable model", rec.Code)
	}
}

func TestMessagesRejectsMissingModel(t *testing.T) {
	g := newTestGateway(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()
	g.Messages(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for a body missing a model", rec.Code)
	}
}
