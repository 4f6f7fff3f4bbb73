package dialect

import (
	"bytes"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// StreamEvent is one fully-decoded SSE event ready to forward to the client.
type StreamEvent struct {
	// Raw is the exact "data: ...\n\n" payload to write to the response.
	Raw []byte
	// Done marks the terminal [DONE] event, passed through unchanged.
	Done bool
}

// StreamTransformer is a pure function from accumulated bytes plus a new
// chunk to the updated accumulator and any fully-decoded output events (spec
// §9 "streaming transforms": "a function from (accumulated bytes, new
// chunk) to (new accumulated bytes, list of fully-decoded output events)").
// The split point between a complete event and a partial trailing one is the
// cursor; keeping it as a plain byte slice instead of an index makes the
// function testable without an HTTP stack.
type StreamTransformer func(accumulated, chunk []byte) (remaining []byte, events []StreamEvent)

var eventDelim = []byte("\n\n")

// split pulls every complete blank-line-delimited raw event out of buf,
// returning the leftover partial event as the new accumulator.
func split(buf []byte) (complete [][]byte, remaining []byte) {
	for {
		idx := bytes.Index(buf, eventDelim)
		if idx == -1 {
			return complete, buf
		}
		complete = append(complete, buf[:idx])
		buf = buf[idx+len(eventDelim):]
	}
}

func dataPayload(rawEvent []byte) ([]byte, bool) {
	for _, line := range bytes.Split(rawEvent, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if bytes.HasPrefix(line, []byte("data:")) {
			return bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:"))), true
		}
	}
	return nil, false
}

func encodeSSE(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, []byte("data: ")...)
	out = append(out, payload...)
	out = append(out, []byte("\n\n")...)
	return out
}

// StreamTransform looks up the transformer for (in, out), mirroring
// Supported for the non-streaming table (§9 "dialect matrix").
func StreamTransform(in, out API) (StreamTransformer, bool) {
	switch {
	case in == out:
		return identityStream, true
	case in == OpenAIChat && out == AnthropicText:
		return anthropicTextToOpenAIStream, true
	case in == OpenAIChat && out == AnthropicChat:
		return anthropicChatToOpenAIStream, true
	case in == AnthropicText && out == AnthropicChat:
		return anthropicChatToAnthropicTextStream, true
	default:
		return nil, false
	}
}

// identityStream forwards every event byte-for-byte (spec §4.4 rule 3
// "openai -> openai: identity", extended to the streaming leg).
func identityStream(accumulated, chunk []byte) ([]byte, []StreamEvent) {
	buf := append(accumulated, chunk...)
	complete, remaining := split(buf)
	events := make([]StreamEvent, 0, len(complete))
	for _, raw := range complete {
		payload, ok := dataPayload(raw)
		if !ok {
			continue // unrecognised event: log-and-skip, never kill the stream
		}
		done := bytes.Equal(payload, []byte("[DONE]"))
		events = append(events, StreamEvent{Raw: encodeSSE(payload), Done: done})
	}
	return remaining, events
}

// anthropicChatToOpenAIStream reshapes Messages-API SSE events
// (message_start, content_block_delta, message_stop) into OpenAI chat
// stream chunks, the streaming analogue of AnthropicChatRespToOpenAIChatResp.
func anthropicChatToOpenAIStream(accumulated, chunk []byte) ([]byte, []StreamEvent) {
	buf := append(accumulated, chunk...)
	complete, remaining := split(buf)
	events := make([]StreamEvent, 0, len(complete))
	for _, raw := range complete {
		payload, ok := dataPayload(raw)
		if !ok {
			continue
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			events = append(events, StreamEvent{Raw: encodeSSE(payload), Done: true})
			continue
		}
		var msg struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue // unrecognised/malformed event: skip, don't kill the stream
		}
		out := openai.ChatCompletionStreamResponse{Object: "chat.completion.chunk"}
		switch msg.Type {
		case "message_start":
			out.Choices = []openai.ChatCompletionStreamChoice{{
				Index: 0,
				Delta: openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant},
			}}
		case "content_block_delta":
			if msg.Delta.Text == "" {
				continue
			}
			out.Choices = []openai.ChatCompletionStreamChoice{{
				Index: 0,
				Delta: openai.ChatCompletionStreamChoiceDelta{Content: msg.Delta.Text},
			}}
		case "message_stop":
			out.Choices = []openai.ChatCompletionStreamChoice{{
				Index:        0,
				FinishReason: openai.FinishReasonStop,
			}}
		default:
			continue
		}
		data, err := json.Marshal(out)
		if err != nil {
			continue
		}
		events = append(events, StreamEvent{Raw: encodeSSE(data)})
	}
	return remaining, events
}

// anthropicTextToOpenAIStream reshapes legacy /v1/complete "completion"
// events into OpenAI chat stream chunks.
func anthropicTextToOpenAIStream(accumulated, chunk []byte) ([]byte, []StreamEvent) {
	buf := append(accumulated, chunk...)
	complete, remaining := split(buf)
	events := make([]StreamEvent, 0, len(complete))
	for _, raw := range complete {
		payload, ok := dataPayload(raw)
		if !ok {
			continue
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			events = append(events, StreamEvent{Raw: encodeSSE(payload), Done: true})
			continue
		}
		var msg struct {
			Type       string `json:"type"`
			Completion string `json:"completion"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type != "completion" || msg.Completion == "" {
			continue
		}
		out := openai.ChatCompletionStreamResponse{
			Object: "chat.completion.chunk",
			Choices: []openai.ChatCompletionStreamChoice{{
				Index: 0,
				Delta: openai.ChatCompletionStreamChoiceDelta{Content: msg.Completion},
			}},
		}
		data, err := json.Marshal(out)
		if err != nil {
			continue
		}
		events = append(events, StreamEvent{Raw: encodeSSE(data)})
	}
	return remaining, events
}

// anthropicChatToAnthropicTextStream reshapes Messages-API SSE events back
// into the legacy completion event shape, for the claude-3 auto-upgrade and
// forced-compatibility endpoints whose clients still expect a `type:
// "completion"` stream (spec §6 scenario 4's streaming leg).
func anthropicChatToAnthropicTextStream(accumulated, chunk []byte) ([]byte, []StreamEvent) {
	buf := append(accumulated, chunk...)
	complete, remaining := split(buf)
	events := make([]StreamEvent, 0, len(complete))
	for _, raw := range complete {
		payload, ok := dataPayload(raw)
		if !ok {
			continue
		}
		if bytes.Equal(payload, []byte("[DONE]")) {
			events = append(events, StreamEvent{Raw: encodeSSE(payload), Done: true})
			continue
		}
		var msg struct {
			Type  string `json:"type"`
			Model string `json:"model"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			continue
		}
		if msg.Type != "content_block_delta" || msg.Delta.Text == "" {
			continue
		}
		out := AnthropicCompleteResponse{Type: "completion", Completion: msg.Delta.Text, Model: msg.Model}
		data, err := json.Marshal(out)
		if err != nil {
			continue
		}
		events = append(events, StreamEvent{Raw: encodeSSE(data)})
	}
	return remaining, events
}

// DoneEvent is the literal terminal SSE payload every transformer passes
// through unchanged (spec §4.6 "[DONE] is passed through unchanged").
var DoneEvent = []byte(fmt.Sprintf("data: %s\n\n", "[DONE]"))
