package dialect

import openai "github.com/sashabaranov/go-openai"

// Estimator is the token-cost oracle the preprocessor consults (spec §1
// "Tokenizer cost estimation is referenced only as an oracle", §4.4 rule 2).
// No tokenizer library appears anywhere in the retrieval pack this module
// was grounded on; see DESIGN.md for why this stays a stdlib heuristic.
type Estimator interface {
	EstimateTokens(text string) int
}

// byteRatioEstimator approximates token count as text length divided by a
// fixed bytes-per-token ratio, the same rule of thumb widely used for
// GPT-family models absent a real tokenizer.
type byteRatioEstimator struct {
	bytesPerToken int
}

// NewEstimator returns the default byte-ratio estimator (~4 bytes/token).
func NewEstimator() Estimator {
	return &byteRatioEstimator{bytesPerToken: 4}
}

func (e *byteRatioEstimator) EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	n := len(text) / e.bytesPerToken
	if n == 0 {
		return 1
	}
	return n
}

// EstimateChatPromptTokens sums the estimator's count across every message
// plus a small fixed per-message overhead, mirroring how chat APIs charge a
// few tokens of framing per turn.
func EstimateChatPromptTokens(e Estimator, messages []openai.ChatCompletionMessage) int {
	total := 0
	for _, m := range messages {
		total += e.EstimateTokens(m.Content) + 4
	}
	return total
}
