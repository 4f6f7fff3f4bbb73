package dialect

import (
	"bytes"
	"testing"
)

func sseEvent(payload string) string {
	return "data: " + payload + "\n\n"
}

func TestIdentityStreamPassesThroughAndSkipsUnrecognised(t *testing.T) {
	chunk := []byte("ignored: noise\n\n" + sseEvent(`{"x":1}`) + sseEvent("[DONE]"))
	remaining, events := identityStream(nil, chunk)

	if len(remaining) != 0 {
		t.Fatalf("remaining = %q, want empty", remaining)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (unrecognised event must be skipped)", len(events))
	}
	if !events[1].Done {
		t.Fatalf("last event should be marked Done")
	}
}

func TestIdentityStreamBuffersPartialEvent(t *testing.T) {
	first := []byte("data: {\"partial\":")
	remaining, events := identityStream(nil, first)
	if len(events) != 0 {
		t.Fatalf("expected no events from a partial chunk, got %d", len(events))
	}
	if len(remaining) == 0 {
		t.Fatal("expected the partial event to be retained in the accumulator")
	}

	second := []byte("true}\n\n")
	remaining2, events2 := identityStream(remaining, second)
	if len(remaining2) != 0 {
		t.Fatalf("remaining after completion = %q, want empty", remaining2)
	}
	if len(events2) != 1 {
		t.Fatalf("events = %d, want 1", len(events2))
	}
}

// R2: concatenating the transformed chunk payloads equals the transform of
// the concatenated original payloads, chunked at an arbitrary split point.
func TestStreamTransformRoundTripAcrossChunkBoundaries(t *testing.T) {
	full := sseEvent(`{"type":"message_start"}`) +
		sseEvent(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}`) +
		sseEvent(`{"type":"message_stop"}`) +
		sseEvent("[DONE]")

	wholeRemaining, wholeEvents := anthropicChatToOpenAIStream(nil, []byte(full))
	if len(wholeRemaining) != 0 {
		t.Fatalf("expected no remainder processing the whole payload, got %q", wholeRemaining)
	}

	splitAt := len(full) / 2
	var acc []byte
	var splitEvents []dialectEventsAlias
	var remaining []byte
	for _, part := range [][]byte{[]byte(full[:splitAt]), []byte(full[splitAt:])} {
		var evs []StreamEvent
		remaining, evs = anthropicChatToOpenAIStream(acc, part)
		acc = remaining
		for _, e := range evs {
			splitEvents = append(splitEvents, dialectEventsAlias(e))
		}
	}

	if len(remaining) != 0 {
		t.Fatalf("expected fully drained accumulator, got %q", remaining)
	}
	if len(splitEvents) != len(wholeEvents) {
		t.Fatalf("split produced %d events, whole produced %d", len(splitEvents), len(wholeEvents))
	}
	for i := range wholeEvents {
		if !bytes.Equal(splitEvents[i].Raw, wholeEvents[i].Raw) {
			t.Fatalf("event %d differs: split=%q whole=%q", i, splitEvents[i].Raw, wholeEvents[i].Raw)
		}
	}
}

type dialectEventsAlias StreamEvent

func TestAnthropicChatToOpenAIStreamReshapesDelta(t *testing.T) {
	chunk := []byte(sseEvent(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hello"}}`))
	_, events := anthropicChatToOpenAIStream(nil, chunk)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if !bytes.Contains(events[0].Raw, []byte(`"content":"hello"`)) {
		t.Fatalf("expected reshaped delta to carry content, got %q", events[0].Raw)
	}
}

func TestAnthropicTextToOpenAIStreamReshapesCompletion(t *testing.T) {
	chunk := []byte(sseEvent(`{"type":"completion","completion":"hi there"}`))
	_, events := anthropicTextToOpenAIStream(nil, chunk)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if !bytes.Contains(events[0].Raw, []byte(`"content":"hi there"`)) {
		t.Fatalf("expected reshaped delta to carry content, got %q", events[0].Raw)
	}
}

func TestAnthropicChatToAnthropicTextStreamReshapesBack(t *testing.T) {
	chunk := []byte(sseEvent(`{"type":"content_block_delta","model":"claude-3-sonnet-20240229","delta":{"type":"text_delta","text":"hi"}}`))
	_, events := anthropicChatToAnthropicTextStream(nil, chunk)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if !bytes.Contains(events[0].Raw, []byte(`"type":"completion"`)) {
		t.Fatalf("expected legacy completion shape, got %q", events[0].Raw)
	}
}

func TestStreamTransformLooksUpRegisteredPairs(t *testing.T) {
	if _, ok := StreamTransform(OpenAIChat, OpenAIChat); !ok {
		t.Fatal("identity pair should be registered")
	}
	if _, ok := StreamTransform(AnthropicChat, OpenAIChat); ok {
		t.Fatal("unregistered pair should not resolve")
	}
}
