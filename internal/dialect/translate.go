package dialect

import (
	"encoding/json"
	"errors"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrUnsupportedPair is returned when a (inApi, outApi) pair has no entry in
// the translation table (spec §7 Unsupported, §9 "fail loudly at request
// entry rather than at transform time").
var ErrUnsupportedPair = errors.New("dialect: unsupported translation pair")

const (
	humanMarker     = "\n\nHuman: "
	assistantMarker = "\n\nAssistant:"
)

// Pair keys the translation table (spec §9 "a single table
// {(inApi, outApi) -> transform}").
type Pair struct {
	In  API
	Out API
}

// supportedPairs is populated once at package init (spec §9: "unknown pairs
// fail loudly at request entry"). The preprocessor looks up the typed
// transform functions directly; this map exists so Supported can answer "is
// this pair known" without duplicating the pair list.
var supportedPairs = map[Pair]bool{
	{OpenAIChat, OpenAIChat}:       true,
	{OpenAIChat, AnthropicText}:    true,
	{OpenAIChat, AnthropicChat}:    true,
	{AnthropicText, AnthropicText}: true,
	{AnthropicText, AnthropicChat}: true,
	{OpenAIText, OpenAIChat}:       true,
	{AnthropicChat, AnthropicChat}: true,
}

// Supported reports whether pair has a registered transform.
func Supported(in, out API) bool {
	return supportedPairs[Pair{in, out}]
}

// OpenAIChatToAnthropicText flattens a messages array into a single prompt
// with Human:/Assistant: markers (spec §4.4 rule 3, second bullet).
func OpenAIChatToAnthropicText(req ChatRequest) AnthropicCompleteRequest {
	var b strings.Builder
	for _, m := range req.Messages {
		switch m.Role {
		case openai.ChatMessageRoleSystem:
			// Anthropic's legacy text API has no system slot; write it as a
			// Human turn at its own position in the conversation, the way the
			// teacher's Anthropic provider folds system content into the
			// outbound request.
			b.WriteString(humanMarker)
			b.WriteString(m.Content)
		case openai.ChatMessageRoleAssistant:
			b.WriteString(assistantMarker + " ")
			b.WriteString(m.Content)
		default:
			b.WriteString(humanMarker)
			b.WriteString(m.Content)
		}
	}
	b.WriteString(assistantMarker)

	maxTokens := 1024
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	return AnthropicCompleteRequest{
		Model:             req.Model,
		Prompt:            b.String(),
		MaxTokensToSample: maxTokens,
		StopSequences:     req.Stop,
		Stream:            req.Stream,
	}
}

// OpenAIChatToAnthropicChat maps an OpenAI messages array directly onto the
// Messages API shape (spec §6: native chat clients targeting a claude-3
// model are routed straight to the Messages API rather than the legacy
// text-completion bridge, since claude-3 has no real /v1/complete support).
func OpenAIChatToAnthropicChat(req ChatRequest) AnthropicMessagesRequest {
	out := AnthropicMessagesRequest{
		Model:         req.Model,
		Temperature:   req.Temperature,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	out.MaxTokens = 1024
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}
	for _, m := range req.Messages {
		if m.Role == openai.ChatMessageRoleSystem {
			if out.System != "" {
				out.System += "\n"
			}
			out.System += m.Content
			continue
		}
		role := "user"
		if m.Role == openai.ChatMessageRoleAssistant {
			role = "assistant"
		}
		out.Messages = append(out.Messages, AnthropicMessage{Role: role, Content: m.Content})
	}
	return out
}

// AnthropicTextToAnthropicChat splits a flattened prompt back into
// alternating messages by marker, preserving a leading system prompt as a
// top-level field (spec §4.4 rule 3, third bullet).
func AnthropicTextToAnthropicChat(req AnthropicCompleteRequest) AnthropicMessagesRequest {
	out := AnthropicMessagesRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokensToSample,
		StopSequences: req.StopSequences,
		Stream:        req.Stream,
	}
	remaining := req.Prompt

	// Text preceding the first marker (a freeform instruction a legacy
	// client prepended before any Human/Assistant turn) is the system
	// prompt; a marker-less prompt falls through to the loop's own
	// no-marker case below instead.
	if prefix, rest := splitAtNextMarker(remaining); rest != "" {
		if s := strings.TrimSpace(prefix); s != "" {
			out.System = s
		}
		remaining = rest
	}

	first := true
	for {
		hIdx := strings.Index(remaining, humanMarker)
		aIdx := strings.Index(remaining, assistantMarker)
		switch {
		case hIdx == -1 && aIdx == -1:
			if strings.TrimSpace(remaining) != "" && first {
				out.System = strings.TrimSpace(remaining)
			}
			return out
		case hIdx != -1 && (aIdx == -1 || hIdx < aIdx):
			rest := remaining[hIdx+len(humanMarker):]
			content, tail := splitAtNextMarker(rest)
			out.Messages = append(out.Messages, AnthropicMessage{Role: "user", Content: strings.TrimSpace(content)})
			remaining = tail
			first = false
		default:
			rest := remaining[aIdx+len(assistantMarker):]
			content, tail := splitAtNextMarker(rest)
			content = strings.TrimSpace(content)
			if content != "" {
				out.Messages = append(out.Messages, AnthropicMessage{Role: "assistant", Content: content})
			}
			remaining = tail
			first = false
		}
	}
}

func splitAtNextMarker(s string) (content, rest string) {
	hIdx := strings.Index(s, humanMarker)
	aIdx := strings.Index(s, assistantMarker)
	idx := -1
	switch {
	case hIdx == -1:
		idx = aIdx
	case aIdx == -1:
		idx = hIdx
	case hIdx < aIdx:
		idx = hIdx
	default:
		idx = aIdx
	}
	if idx == -1 {
		return s, ""
	}
	return s[:idx], s[idx:]
}

// OpenAITextToOpenAIChat wraps a legacy completion prompt into a single user
// message (spec §4.4 rule 3, fourth bullet).
func OpenAITextToOpenAIChat(req TextRequest) ChatRequest {
	return ChatRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stop:        req.Stop,
		Stream:      req.Stream,
	}
}

// AnthropicTextRespToOpenAIChatResp reshapes a legacy completion response
// into OpenAI's choices[0].message shape with a synthesised usage block
// (spec §4.6, scenario 3).
func AnthropicTextRespToOpenAIChatResp(resp AnthropicCompleteResponse, promptTokens, completionTokens int) ChatResponse {
	return ChatResponse{
		ID:      "chatcmpl-" + resp.Model,
		Object:  "chat.completion",
		Created: unixNow(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: resp.Completion,
			},
			FinishReason: finishReasonFromAnthropic(resp.StopReason),
		}},
		Usage: openai.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

// AnthropicChatRespToOpenAIChatResp reshapes a Messages API response into
// OpenAI's choices[0].message plus a usage block built from input/output
// token counts (spec §4.6).
func AnthropicChatRespToOpenAIChatResp(resp AnthropicMessagesResponse) ChatResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return ChatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: unixNow(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: content.String(),
			},
			FinishReason: finishReasonFromAnthropic(resp.StopReason),
		}},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// AnthropicChatRespToAnthropicTextResp reshapes a Messages API response
// back into the legacy completion shape, used by the /v1/claude-3/complete
// compatibility endpoint (spec §6, scenario 4).
func AnthropicChatRespToAnthropicTextResp(resp AnthropicMessagesResponse) AnthropicCompleteResponse {
	var content strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			content.WriteString(block.Text)
		}
	}
	return AnthropicCompleteResponse{
		Type:       "completion",
		Completion: content.String(),
		StopReason: resp.StopReason,
		Model:      resp.Model,
	}
}

func finishReasonFromAnthropic(stopReason string) openai.FinishReason {
	switch stopReason {
	case "max_tokens":
		return openai.FinishReasonLength
	case "":
		return ""
	default:
		return openai.FinishReasonStop
	}
}

// TranslateRequest applies the registered request-body transform for
// (in, out), re-encoding the result as JSON ready to send upstream. It is
// the preprocessor's single entry point for rule 3 (§4.4); callers must
// check Supported first since identity pairs pass req through unchanged.
func TranslateRequest(in, out API, req ChatRequest) ([]byte, error) {
	switch {
	case in == out:
		return json.Marshal(req)
	case in == OpenAIChat && out == AnthropicText:
		return json.Marshal(OpenAIChatToAnthropicText(req))
	case in == OpenAIChat && out == AnthropicChat:
		return json.Marshal(OpenAIChatToAnthropicChat(req))
	default:
		return nil, ErrUnsupportedPair
	}
}

// TranslateAnthropicTextRequest is TranslateRequest's counterpart for
// endpoints whose canonical inbound shape is the legacy completion request
// (AnthropicCompleteRequest) rather than the OpenAI chat shape: /v1/complete
// and /v1/claude-3/complete (spec §6).
func TranslateAnthropicTextRequest(in, out API, req AnthropicCompleteRequest) ([]byte, error) {
	switch {
	case in == out:
		return json.Marshal(req)
	case in == AnthropicText && out == AnthropicChat:
		return json.Marshal(AnthropicTextToAnthropicChat(req))
	default:
		return nil, ErrUnsupportedPair
	}
}

// TranslateResponse reshapes an upstream response body (in outbound dialect
// out) back into the dialect the client expects (in). promptTokens is only
// consulted for dialects that don't carry their own usage block (legacy
// Anthropic completions).
func TranslateResponse(in, out API, body []byte, promptTokens int) ([]byte, error) {
	switch {
	case in == out:
		return body, nil
	case in == OpenAIChat && out == AnthropicText:
		var resp AnthropicCompleteResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		completionTokens := NewEstimator().EstimateTokens(resp.Completion)
		return json.Marshal(AnthropicTextRespToOpenAIChatResp(resp, promptTokens, completionTokens))
	case in == OpenAIChat && out == AnthropicChat:
		var resp AnthropicMessagesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return json.Marshal(AnthropicChatRespToOpenAIChatResp(resp))
	case in == AnthropicText && out == AnthropicChat:
		var resp AnthropicMessagesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		return json.Marshal(AnthropicChatRespToAnthropicTextResp(resp))
	default:
		return nil, ErrUnsupportedPair
	}
}

// IsClaude3 reports whether model belongs to the Claude 3 family, which the
// spec transparently upgrades from anthropic-text to anthropic-chat outbound
// (spec §6 "for claude-3* models, transparently upgraded").
func IsClaude3(model string) bool {
	return strings.HasPrefix(model, "claude-3")
}
