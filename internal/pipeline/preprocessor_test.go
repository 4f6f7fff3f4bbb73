package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/aiproxy-gateway/internal/dialect"
	"github.com/mrmushfiq/aiproxy-gateway/internal/pool"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func testPool(t *testing.T) *pool.Pool {
	t.Helper()
	openai := pool.NewOpenAIProvider([]string{"o1"}, 0, 0, discardLog())
	anthropic := pool.NewAnthropicProvider([]string{"a1"}, 0, 0, discardLog())
	google := pool.NewGoogleAIProvider([]string{"g1"}, 0, 0, discardLog())
	return pool.NewPool(map[pool.Service]pool.Provider{
		pool.ServiceOpenAI:    openai,
		pool.ServiceAnthropic: anthropic,
		pool.ServiceGoogleAI:  google,
	}, nil)
}

func TestPrepareChatCompletionIdentityForOpenAI(t *testing.T) {
	pp := NewPreprocessor(testPool(t), nil)
	body, _ := json.Marshal(map[string]any{
		"model":    "gpt-4",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	rc, err := pp.PrepareChatCompletion(body)
	if err != nil {
		t.Fatalf("PrepareChatCompletion: %v", err)
	}
	if rc.Service != pool.ServiceOpenAI {
		t.Fatalf("Service = %s, want openai", rc.Service)
	}
	if rc.OutboundAPI != dialect.OpenAIChat {
		t.Fatalf("OutboundAPI = %s, want identity openai", rc.OutboundAPI)
	}
	if rc.PromptTokens <= 0 {
		t.Fatal("expected a positive prompt token estimate")
	}
}

func TestPrepareChatCompletionBridgesToAnthropicText(t *testing.T) {
	pp := NewPreprocessor(testPool(t), nil)
	body, _ := json.Marshal(map[string]any{
		"model":    "claude-2",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	rc, err := pp.PrepareChatCompletion(body)
	if err != nil {
		t.Fatalf("PrepareChatCompletion: %v", err)
	}
	if rc.OutboundAPI != dialect.AnthropicText {
		t.Fatalf("OutboundAPI = %s, want anthropic-text for legacy claude models", rc.OutboundAPI)
	}
	var translated dialect.AnthropicCompleteRequest
	if err := json.Unmarshal(rc.OutboundBody, &translated); err != nil {
		t.Fatalf("could not decode translated body: %v", err)
	}
	if translated.Model != "claude-2" {
		t.Fatalf("translated model = %q, want claude-2", translated.Model)
	}
}

func TestPrepareChatCompletionUpgradesClaude3ToChat(t *testing.T) {
	pp := NewPreprocessor(testPool(t), nil)
	body, _ := json.Marshal(map[string]any{
		"model":    "claude-3-opus-20240229",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	rc, err := pp.PrepareChatCompletion(body)
	if err != nil {
		t.Fatalf("PrepareChatCompletion: %v", err)
	}
	if rc.OutboundAPI != dialect.AnthropicChat {
		t.Fatalf("OutboundAPI = %s, want anthropic-chat for claude-3 models (spec §6)", rc.OutboundAPI)
	}
}

func TestPrepareChatCompletionRejectsMissingFields(t *testing.T) {
	pp := NewPreprocessor(testPool(t), nil)
	if _, err := pp.PrepareChatCompletion([]byte(`{"model":"gpt-4"}`)); err == nil {
		t.Fatal("expected BadRequest for a body with no messages")
	}
}

func TestPrepareChatCompletionRejectsUnknownModel(t *testing.T) {
	pp := NewPreprocessor(testPool(t), nil)
	body, _ := json.Marshal(map[string]any{
		"model":    "llama-3",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	})
	if _, err := pp.PrepareChatCompletion(body); err == nil {
		t.Fatal("expected BadRequest for a model with no routing prefix match")
	}
}

func TestPrepareCompleteUpgradesClaude3(t *testing.T) {
	pp := NewPreprocessor(testPool(t), nil)
	body, _ := json.Marshal(map[string]any{
		"model":  "claude-3-opus-20240229",
		"prompt": "\n\nHuman: hi\n\nAssistant:",
	})
	rc, err := pp.PrepareComplete(body, "")
	if err != nil {
		t.Fatalf("PrepareComplete: %v", err)
	}
	if rc.InboundAPI != dialect.AnthropicText {
		t.Fatalf("InboundAPI = %s, want anthropic-text", rc.InboundAPI)
	}
	if rc.OutboundAPI != dialect.AnthropicChat {
		t.Fatalf("OutboundAPI = %s, want anthropic-chat (claude-3 upgrade)", rc.OutboundAPI)
	}
}

func TestPrepareClaude3CompleteForcesModel(t *testing.T) {
	pp := NewPreprocessor(testPool(t), nil)
	body, _ := json.Marshal(map[string]any{
		"model":  "whatever-the-client-sent",
		"prompt": "\n\nHuman: hi\n\nAssistant:",
	})
	rc, err := pp.PrepareClaude3Complete(body)
	if err != nil {
		t.Fatalf("PrepareClaude3Complete: %v", err)
	}
	if rc.Model != claude3SonnetModel {
		t.Fatalf("Model = %q, want forced %q", rc.Model, claude3SonnetModel)
	}
	if rc.OutboundAPI != dialect.AnthropicChat {
		t.Fatalf("OutboundAPI = %s, want anthropic-chat", rc.OutboundAPI)
	}
}

func TestPrepareMessagesIsIdentity(t *testing.T) {
	pp := NewPreprocessor(testPool(t), nil)
	body, _ := json.Marshal(map[string]any{
		"model":      "claude-3-opus-20240229",
		"max_tokens": 256,
		"messages":   []map[string]string{{"role": "user", "content": "hi"}},
	})
	rc, err := pp.PrepareMessages(body)
	if err != nil {
		t.Fatalf("PrepareMessages: %v", err)
	}
	if rc.InboundAPI != dialect.AnthropicChat || rc.OutboundAPI != dialect.AnthropicChat {
		t.Fatalf("expected identity anthropic-chat, got in=%s out=%s", rc.InboundAPI, rc.OutboundAPI)
	}
}
