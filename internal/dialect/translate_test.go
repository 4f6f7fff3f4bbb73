package dialect

import (
	"encoding/json"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func chatReq(model string, messages ...openai.ChatCompletionMessage) ChatRequest {
	return ChatRequest{Model: model, Messages: messages}
}

func TestOpenAIChatToAnthropicTextFlattensMessages(t *testing.T) {
	req := chatReq("claude-2",
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: "be terse"},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "hi"},
	)
	out := OpenAIChatToAnthropicText(req)

	if !strings.Contains(out.Prompt, "\n\nHuman: be terse") {
		t.Fatalf("expected system prompt folded into a Human turn, got %q", out.Prompt)
	}
	if !strings.Contains(out.Prompt, "\n\nHuman: hi") {
		t.Fatalf("expected user turn in prompt, got %q", out.Prompt)
	}
	if !strings.HasSuffix(out.Prompt, "\n\nAssistant:") {
		t.Fatalf("expected prompt to terminate with Assistant marker, got %q", out.Prompt)
	}
}

func TestAnthropicTextToAnthropicChatRoundTrip(t *testing.T) {
	req := AnthropicCompleteRequest{
		Model:  "claude-3-opus-20240229",
		Prompt: "Be terse.\n\nHuman: hi\n\nAssistant:",
	}
	out := AnthropicTextToAnthropicChat(req)

	if out.System != "Be terse." {
		t.Fatalf("System = %q, want %q", out.System, "Be terse.")
	}
	if len(out.Messages) != 1 || out.Messages[0].Role != "user" || out.Messages[0].Content != "hi" {
		t.Fatalf("Messages = %+v, want one user turn \"hi\"", out.Messages)
	}
}

func TestAnthropicTextToAnthropicChatWithoutSystemPrefix(t *testing.T) {
	req := AnthropicCompleteRequest{
		Model:  "claude-3-opus-20240229",
		Prompt: "\n\nHuman: hi\n\nAssistant: hello\n\nHuman: again\n\nAssistant:",
	}
	out := AnthropicTextToAnthropicChat(req)

	if out.System != "" {
		t.Fatalf("System = %q, want empty", out.System)
	}
	want := []AnthropicMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
		{Role: "user", Content: "again"},
	}
	if len(out.Messages) != len(want) {
		t.Fatalf("Messages = %+v, want %+v", out.Messages, want)
	}
	for i := range want {
		if out.Messages[i] != want[i] {
			t.Fatalf("Messages[%d] = %+v, want %+v", i, out.Messages[i], want[i])
		}
	}
}

func TestOpenAIChatToAnthropicChatSeparatesSystemAndRoles(t *testing.T) {
	req := chatReq("claude-3-sonnet-20240229",
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: "be terse"},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "hi"},
		openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: "hello"},
	)
	out := OpenAIChatToAnthropicChat(req)

	if out.System != "be terse" {
		t.Fatalf("System = %q, want %q", out.System, "be terse")
	}
	if len(out.Messages) != 2 {
		t.Fatalf("Messages = %+v, want 2 turns", out.Messages)
	}
	if out.Messages[0].Role != "user" || out.Messages[1].Role != "assistant" {
		t.Fatalf("unexpected role order: %+v", out.Messages)
	}
}

func TestAnthropicChatRespToOpenAIChatRespSynthesizesUsage(t *testing.T) {
	resp := AnthropicMessagesResponse{
		ID:         "msg_1",
		Model:      "claude-3-opus-20240229",
		StopReason: "end_turn",
		Content:    []AnthropicContentBlock{{Type: "text", Text: "hello there"}},
		Usage:      AnthropicUsage{InputTokens: 10, OutputTokens: 3},
	}
	out := AnthropicChatRespToOpenAIChatResp(resp)

	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello there" {
		t.Fatalf("unexpected choices: %+v", out.Choices)
	}
	if out.Usage.PromptTokens != 10 || out.Usage.CompletionTokens != 3 || out.Usage.TotalTokens != 13 {
		t.Fatalf("unexpected usage: %+v", out.Usage)
	}
}

func TestSupportedPairs(t *testing.T) {
	cases := []struct {
		in, out API
		want    bool
	}{
		{OpenAIChat, OpenAIChat, true},
		{OpenAIChat, AnthropicText, true},
		{OpenAIChat, AnthropicChat, true},
		{AnthropicText, AnthropicChat, true},
		{AnthropicChat, AnthropicChat, true},
		{OpenAIText, OpenAIChat, true},
		{AnthropicChat, OpenAIChat, false},
		{OpenAIImage, OpenAIChat, false},
	}
	for _, c := range cases {
		if got := Supported(c.in, c.out); got != c.want {
			t.Errorf("Supported(%s, %s) = %v, want %v", c.in, c.out, got, c.want)
		}
	}
}

func TestTranslateRequestUnsupportedPairFails(t *testing.T) {
	_, err := TranslateRequest(AnthropicChat, OpenAIChat, ChatRequest{})
	if err != ErrUnsupportedPair {
		t.Fatalf("err = %v, want ErrUnsupportedPair", err)
	}
}

func TestTranslateRequestIdentityRoundTrips(t *testing.T) {
	req := chatReq("gpt-4", openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: "hi"})
	body, err := TranslateRequest(OpenAIChat, OpenAIChat, req)
	if err != nil {
		t.Fatalf("TranslateRequest: %v", err)
	}
	var got ChatRequest
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Model != "gpt-4" || len(got.Messages) != 1 {
		t.Fatalf("identity translate did not round-trip: %+v", got)
	}
}

func TestTranslateResponseAnthropicChatToOpenAIChat(t *testing.T) {
	resp := AnthropicMessagesResponse{
		Model:      "claude-3-sonnet-20240229",
		StopReason: "end_turn",
		Content:    []AnthropicContentBlock{{Type: "text", Text: "hi there"}},
		Usage:      AnthropicUsage{InputTokens: 5, OutputTokens: 2},
	}
	raw, _ := json.Marshal(resp)
	out, err := TranslateResponse(OpenAIChat, AnthropicChat, raw, 5)
	if err != nil {
		t.Fatalf("TranslateResponse: %v", err)
	}
	var got ChatResponse
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Choices[0].Message.Content != "hi there" {
		t.Fatalf("unexpected content: %+v", got.Choices)
	}
}

func TestIsClaude3(t *testing.T) {
	if !IsClaude3("claude-3-opus-20240229") {
		t.Fatal("claude-3-opus should be recognised as claude-3")
	}
	if IsClaude3("claude-2") {
		t.Fatal("claude-2 should not be recognised as claude-3")
	}
}
