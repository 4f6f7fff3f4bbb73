package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/mrmushfiq/aiproxy-gateway/internal/dialect"
	"github.com/mrmushfiq/aiproxy-gateway/internal/pool"
)

// claude3SonnetModel is the model the /v1/claude-3/complete compatibility
// endpoint forces every request onto (spec §6).
const claude3SonnetModel = "claude-3-sonnet-20240229"

// Preprocessor implements rules 1-3 of C6 (spec §4.4): parse+validate,
// estimate token cost, translate dialect. Rules 4-5 (stamp auth, finalize
// body) happen later, in the upstream proxy, once the queue has bound a key
// (spec §4.4: "a key is bound at the latest possible moment").
type Preprocessor struct {
	pool      *pool.Pool
	estimator dialect.Estimator
}

func NewPreprocessor(p *pool.Pool, estimator dialect.Estimator) *Preprocessor {
	if estimator == nil {
		estimator = dialect.NewEstimator()
	}
	return &Preprocessor{pool: p, estimator: estimator}
}

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrBadRequest, fmt.Sprintf(format, args...))
}

func unsupported(in, out dialect.API) error {
	return fmt.Errorf("%w: %s -> %s", ErrUnsupported, in, out)
}

// PrepareChatCompletion handles POST /v1/chat/completions (inbound openai).
func (pp *Preprocessor) PrepareChatCompletion(raw []byte) (*RequestContext, error) {
	var req dialect.ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, badRequest("invalid json body: %v", err)
	}
	if req.Model == "" || len(req.Messages) == 0 {
		return nil, badRequest("model and messages are required")
	}

	service, err := pp.pool.ServiceForModel(req.Model)
	if err != nil {
		return nil, badRequest("unknown model %q", req.Model)
	}

	rc := NewRequestContext()
	rc.InboundAPI = dialect.OpenAIChat
	rc.Service = service
	rc.Model = req.Model
	rc.Stream = req.Stream
	rc.PromptTokens = dialect.EstimateChatPromptTokens(pp.estimator, req.Messages)

	switch {
	case service == pool.ServiceAnthropic && dialect.IsClaude3(req.Model):
		rc.OutboundAPI = dialect.AnthropicChat
	case service == pool.ServiceAnthropic:
		rc.OutboundAPI = dialect.AnthropicText
	default:
		// openai and google-ai both ride the openai wire shape unchanged;
		// no google-ai transform exists anywhere in the retrieved corpus
		// this module was grounded on (see DESIGN.md), so a google-bound
		// request is forwarded as-is and the upstream proxy's URL/query
		// stamping is what actually makes it reach the Google endpoint.
		rc.OutboundAPI = dialect.OpenAIChat
	}

	if !dialect.Supported(rc.InboundAPI, rc.OutboundAPI) {
		return nil, unsupported(rc.InboundAPI, rc.OutboundAPI)
	}
	body, err := dialect.TranslateRequest(rc.InboundAPI, rc.OutboundAPI, req)
	if err != nil {
		return nil, unsupported(rc.InboundAPI, rc.OutboundAPI)
	}
	rc.OutboundBody = body
	return rc, nil
}

// PrepareComplete handles POST /v1/complete (inbound anthropic-text). When
// force is non-empty the model field is overridden and translation to
// anthropic-chat is unconditional (the /v1/claude-3/complete compatibility
// endpoint, spec §6).
func (pp *Preprocessor) PrepareComplete(raw []byte, force string) (*RequestContext, error) {
	var req dialect.AnthropicCompleteRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, badRequest("invalid json body: %v", err)
	}
	if force != "" {
		req.Model = force
	}
	if req.Model == "" || req.Prompt == "" {
		return nil, badRequest("model and prompt are required")
	}

	service, err := pp.pool.ServiceForModel(req.Model)
	if err != nil {
		return nil, badRequest("unknown model %q", req.Model)
	}

	rc := NewRequestContext()
	rc.InboundAPI = dialect.AnthropicText
	rc.Service = service
	rc.Model = req.Model
	rc.Stream = req.Stream
	rc.PromptTokens = pp.estimator.EstimateTokens(req.Prompt)

	if force != "" || dialect.IsClaude3(req.Model) {
		rc.OutboundAPI = dialect.AnthropicChat
	} else {
		rc.OutboundAPI = dialect.AnthropicText
	}

	if !dialect.Supported(rc.InboundAPI, rc.OutboundAPI) {
		return nil, unsupported(rc.InboundAPI, rc.OutboundAPI)
	}
	body, err := dialect.TranslateAnthropicTextRequest(rc.InboundAPI, rc.OutboundAPI, req)
	if err != nil {
		return nil, unsupported(rc.InboundAPI, rc.OutboundAPI)
	}
	rc.OutboundBody = body
	return rc, nil
}

// PrepareClaude3Complete handles POST /v1/claude-3/complete: the forced
// compatibility variant of PrepareComplete (spec §6).
func (pp *Preprocessor) PrepareClaude3Complete(raw []byte) (*RequestContext, error) {
	return pp.PrepareComplete(raw, claude3SonnetModel)
}

// PrepareMessages handles POST /v1/messages (inbound and outbound both
// anthropic-chat; spec §6 names no model-based branching for this
// endpoint).
func (pp *Preprocessor) PrepareMessages(raw []byte) (*RequestContext, error) {
	var req dialect.AnthropicMessagesRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, badRequest("invalid json body: %v", err)
	}
	if req.Model == "" || len(req.Messages) == 0 {
		return nil, badRequest("model and messages are required")
	}

	rc := NewRequestContext()
	rc.InboundAPI = dialect.AnthropicChat
	rc.OutboundAPI = dialect.AnthropicChat
	rc.Service = pool.ServiceAnthropic
	rc.Model = req.Model
	rc.Stream = req.Stream

	tokens := pp.estimator.EstimateTokens(req.System)
	for _, m := range req.Messages {
		tokens += pp.estimator.EstimateTokens(m.Content) + 4
	}
	rc.PromptTokens = tokens

	body, err := json.Marshal(req)
	if err != nil {
		return nil, badRequest("could not re-encode request: %v", err)
	}
	rc.OutboundBody = body
	return rc, nil
}
