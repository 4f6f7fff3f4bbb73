// Package dialect implements the preprocessor's translation table (spec §4.4
// rule 3, §9 "dialect matrix") and the streaming chunk transformers (§4.6,
// §9 "streaming transforms"). Every transform is a function of its input
// body alone, except that responses reshaped into OpenAI form are stamped
// with the current time in Created.
package dialect

import (
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// API names the shape a request or response body takes on the wire. The
// OpenAI-family dialects reuse go-openai's struct vocabulary directly
// instead of re-declaring parallel types for it.
type API string

const (
	OpenAIChat      API = "openai"
	OpenAIText      API = "openai-text"
	OpenAIImage     API = "openai-image"
	AnthropicText   API = "anthropic-text"
	AnthropicChat   API = "anthropic-chat"
)

// ChatRequest is the canonical OpenAI chat-completion request shape.
type ChatRequest struct {
	Model       string                         `json:"model"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	TopP        *float32                       `json:"top_p,omitempty"`
	Stop        []string                       `json:"stop,omitempty"`
	Stream      bool                           `json:"stream,omitempty"`
}

// ChatResponse is the canonical OpenAI chat-completion response shape.
type ChatResponse struct {
	ID      string                         `json:"id"`
	Object  string                         `json:"object"`
	Created int64                          `json:"created"`
	Model   string                         `json:"model"`
	Choices []openai.ChatCompletionChoice  `json:"choices"`
	Usage   openai.Usage                   `json:"usage"`
}

// TextRequest is the OpenAI legacy text-completion request shape.
type TextRequest struct {
	Model       string   `json:"model"`
	Prompt      string   `json:"prompt"`
	MaxTokens   *int     `json:"max_tokens,omitempty"`
	Temperature *float32 `json:"temperature,omitempty"`
	Stop        []string `json:"stop,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

// AnthropicCompleteRequest is the legacy /v1/complete request shape.
type AnthropicCompleteRequest struct {
	Model             string   `json:"model"`
	Prompt            string   `json:"prompt"`
	MaxTokensToSample int      `json:"max_tokens_to_sample"`
	StopSequences     []string `json:"stop_sequences,omitempty"`
	Stream            bool     `json:"stream,omitempty"`
}

// AnthropicCompleteResponse is the legacy /v1/complete response shape.
type AnthropicCompleteResponse struct {
	Type       string `json:"type"`
	Completion string `json:"completion"`
	StopReason string `json:"stop_reason,omitempty"`
	Model      string `json:"model"`
}

// AnthropicMessage is one turn in the Messages API request/response.
type AnthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AnthropicMessagesRequest is the /v1/messages request shape.
type AnthropicMessagesRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []AnthropicMessage `json:"messages"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float32           `json:"temperature,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

// AnthropicContentBlock is one block of a Messages API response.
type AnthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// AnthropicUsage is the Messages API token-usage block.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AnthropicMessagesResponse is the /v1/messages response shape.
type AnthropicMessagesResponse struct {
	ID         string                  `json:"id"`
	Type       string                  `json:"type"`
	Role       string                  `json:"role"`
	Content    []AnthropicContentBlock `json:"content"`
	Model      string                  `json:"model"`
	StopReason string                  `json:"stop_reason,omitempty"`
	Usage      AnthropicUsage          `json:"usage"`
}

func unixNow() int64 { return time.Now().Unix() }
