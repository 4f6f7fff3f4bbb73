package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/aiproxy-gateway/internal/dialect"
	"github.com/mrmushfiq/aiproxy-gateway/internal/pool"
)

// anthropicVersion is the wire constant Anthropic requires on every request
// (duplicated from internal/pool, which needs it for its own probe request;
// kept as a plain literal here rather than exporting it across packages for
// a single constant).
const anthropicVersion = "2023-06-01"

const (
	// maxRateLimitRetries bounds how many times a single request is
	// re-queued against a 429 before the client sees one (spec §4.6, §7).
	maxRateLimitRetries = 3
	// DefaultStreamTimeout and DefaultRequestTimeout are the upstream
	// deadlines named in spec §5.
	DefaultStreamTimeout  = 5 * time.Minute
	DefaultRequestTimeout = 60 * time.Second
)

// PromptLogEntry is the ambient, best-effort record emitted after a request
// completes (spec §3 "Expansion — prompt-log record").
type PromptLogEntry struct {
	CorrelationID string
	Service       pool.Service
	Model         string
	KeyHash       string
	PromptTokens  int
	OutputTokens  int
	LatencyMs     int64
	Outcome       string
	StatusCode    int
}

// PromptLogSink is the interface the upstream proxy writes through; a
// concrete Postgres-backed implementation lives in internal/shared/database
// so this package stays free of a database dependency.
type PromptLogSink interface {
	Write(ctx context.Context, entry PromptLogEntry) error
}

// Upstream is C8: it dequeues a prepared request, binds a key through the
// queue, dispatches it, and extracts pool feedback signals from the
// response (spec §4.6).
type Upstream struct {
	pool          *pool.Pool
	queue         *Queue
	client        *http.Client
	streamClient  *http.Client
	sink          PromptLogSink
	promptLogging bool
	log           *logrus.Entry

	// resolveURL picks the wire endpoint for a dispatch; defaults to
	// upstreamURL (the real provider hosts). Tests substitute a func that
	// points at an httptest.Server instead of reaching for a real network
	// seam, since upstreamURL itself is a pure function of static hostnames.
	resolveURL func(service pool.Service, outAPI dialect.API, secret string) string
}

func NewUpstream(p *pool.Pool, q *Queue, sink PromptLogSink, promptLogging bool, log *logrus.Entry) *Upstream {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Upstream{
		pool:          p,
		queue:         q,
		client:        &http.Client{Timeout: DefaultRequestTimeout},
		streamClient:  &http.Client{Timeout: DefaultStreamTimeout},
		sink:          sink,
		promptLogging: promptLogging,
		log:           log,
		resolveURL:    upstreamURL,
	}
}

// Result is the buffered outcome of a non-streaming dispatch.
type Result struct {
	StatusCode int
	Body       []byte
	Header     http.Header
}

// Execute runs rc through the queue and upstream dispatch to completion,
// translating the response body back to rc.InboundAPI (spec §4.6). Use for
// every non-streaming endpoint.
func (u *Upstream) Execute(ctx context.Context, rc *RequestContext) (*Result, error) {
	resp, err := u.roundTrip(ctx, rc, u.client)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	translated, err := dialect.TranslateResponse(rc.InboundAPI, rc.OutboundAPI, body, rc.PromptTokens)
	if err != nil {
		translated = body
	}
	rc.OutputTokens = outputTokenEstimate(rc.OutboundAPI, body)
	u.pool.IncrementUsage(rc.Service, rc.Key.Hash(), rc.Model, int64(rc.OutputTokens))

	u.emitLog(rc, resp.StatusCode, "ok")
	return &Result{StatusCode: resp.StatusCode, Body: translated, Header: resp.Header.Clone()}, nil
}

// ExecuteStream runs rc to completion, forwarding each upstream SSE chunk
// through the dialect's stream transformer as it arrives (spec §4.6
// "Streaming post-processing").
func (u *Upstream) ExecuteStream(ctx context.Context, rc *RequestContext, w io.Writer, flush func()) error {
	resp, err := u.roundTrip(ctx, rc, u.streamClient)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	transform, ok := dialect.StreamTransform(rc.InboundAPI, rc.OutboundAPI)
	if !ok {
		return unsupported(rc.InboundAPI, rc.OutboundAPI)
	}

	var accumulated []byte
	buf := make([]byte, 4096)
	outputBytes := 0
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			var events []dialect.StreamEvent
			accumulated, events = transform(accumulated, buf[:n])
			for _, ev := range events {
				if _, err := w.Write(ev.Raw); err != nil {
					return fmt.Errorf("%w: %v", ErrUpstream, err)
				}
				outputBytes += len(ev.Raw)
				if flush != nil {
					flush()
				}
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			return fmt.Errorf("%w: %v", ErrUpstream, readErr)
		}
	}

	rc.OutputTokens = outputBytes / 4
	u.pool.IncrementUsage(rc.Service, rc.Key.Hash(), rc.Model, int64(rc.OutputTokens))
	u.emitLog(rc, resp.StatusCode, "ok")
	return nil
}

// releasingBody frees the per-service concurrency slot the moment the
// caller finishes reading the response and closes it (spec §5's per-service
// soft cap on in-flight upstream requests; see Queue.Acquire).
type releasingBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *releasingBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

// roundTrip binds a key, dispatches, and retries per the error taxonomy
// (spec §7), holding one per-service concurrency slot (spec §5) for the
// entire attempt-and-retry sequence.
//
// UpstreamAuth/UpstreamBilling (401/403) carry no "once" qualifier in the
// spec ("retry with another if available, else propagate") so they get
// their own counter, authRetries, bounded by the number of keys the service
// had available when the request started (a safe upper bound: each retry
// permanently disables or revokes one more key, so the eligible set
// strictly shrinks and the loop cannot outlast it). Everything else classed
// UpstreamServer (concurrency-shaped 429, 5xx, network errors) keeps the
// single shared retry the spec does bound ("retry once, then propagate"),
// tracked separately by faultRetried so an auth failure on one key can't
// burn the 5xx budget or vice versa. A rate-limit-shaped 429 is requeued at
// the head of its service's line rather than the tail, per spec §4.6, so it
// jumps ahead of requests that arrived after its first attempt.
func (u *Upstream) roundTrip(ctx context.Context, rc *RequestContext, client *http.Client) (*http.Response, error) {
	rateLimitRetries := 0
	faultRetried := false
	authRetries := 0
	maxAuthRetries := u.pool.Available(rc.Service)
	if maxAuthRetries < 1 {
		maxAuthRetries = 1
	}

	release, acqErr := u.queue.Acquire(ctx, rc.Service)
	if acqErr != nil {
		return nil, ErrCancelled
	}
	fail := func(e error) (*http.Response, error) {
		release()
		return nil, e
	}
	succeed := func(resp *http.Response) (*http.Response, error) {
		resp.Body = &releasingBody{ReadCloser: resp.Body, release: release}
		return resp, nil
	}

	atHead := false
	for {
		var key *pool.Key
		var enqueueErr error
		if atHead {
			key, enqueueErr = u.queue.EnqueueAtHead(ctx, rc)
		} else {
			key, enqueueErr = u.queue.Enqueue(ctx, rc)
		}
		atHead = false
		if enqueueErr != nil {
			switch {
			case errors.Is(enqueueErr, ErrCancelled):
				return fail(ErrCancelled)
			case errors.Is(enqueueErr, pool.ErrNoKeysAvailable):
				return fail(ErrNoKeysAvailable)
			default:
				return fail(enqueueErr)
			}
		}
		rc.Key = key

		req, err := u.buildRequest(ctx, rc)
		if err != nil {
			return fail(fmt.Errorf("%w: %v", ErrUpstream, err))
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return fail(ErrTimeout)
			}
			if !faultRetried {
				faultRetried = true
				continue
			}
			return fail(fmt.Errorf("%w: %v", ErrUpstream, err))
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			billing := isBillingFailure(resp)
			peeked := peekAndRestore(resp)
			if billing {
				u.pool.Revoke(rc.Service, rc.Key.Hash())
			} else {
				u.pool.Disable(rc.Service, rc.Key.Hash())
			}
			resp.Body.Close()
			authRetries++
			if authRetries > maxAuthRetries {
				u.emitLog(rc, resp.StatusCode, "upstream_auth")
				return fail(fmt.Errorf("%w: %s", ErrUpstream, peeked))
			}
			continue

		case resp.StatusCode == http.StatusTooManyRequests:
			if isRateLimitShaped(resp) {
				u.pool.MarkRateLimited(rc.Service, rc.Key.Hash())
				resp.Body.Close()
				rateLimitRetries++
				if rateLimitRetries > maxRateLimitRetries {
					u.emitLog(rc, resp.StatusCode, "rate_limit_exhausted")
					return fail(ErrRateLimitExhausted)
				}
				atHead = true
				continue
			}
			// Concurrency-429 (open question b): treated as UpstreamServer
			// class, a single retry with no lockout arm and no head-of-queue
			// reinsertion.
			resp.Body.Close()
			if !faultRetried {
				faultRetried = true
				continue
			}
			u.emitLog(rc, resp.StatusCode, "upstream_server")
			return fail(ErrUpstream)

		case resp.StatusCode >= 500:
			resp.Body.Close()
			if !faultRetried {
				faultRetried = true
				continue
			}
			u.emitLog(rc, resp.StatusCode, "upstream_server")
			return fail(ErrUpstream)

		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			u.pool.IncrementPrompt(rc.Service, rc.Key.Hash())
			u.pool.UpdateRateLimits(rc.Service, rc.Key.Hash(), resp.Header)
			return succeed(resp)

		default:
			return succeed(resp)
		}
	}
}

// buildRequest finalizes rc.OutboundBody onto an *http.Request targeting the
// right URL and stamps authorization per the bound key's service (spec §4.4
// rules 4-5, §6 "Authorization stamping per service").
func (u *Upstream) buildRequest(ctx context.Context, rc *RequestContext) (*http.Request, error) {
	url := u.resolveURL(rc.Service, rc.OutboundAPI, rc.Key.Secret())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(rc.OutboundBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(rc.OutboundBody))

	switch rc.Service {
	case pool.ServiceOpenAI:
		req.Header.Set("Authorization", "Bearer "+rc.Key.Secret())
	case pool.ServiceAnthropic:
		req.Header.Set("x-api-key", rc.Key.Secret())
		req.Header.Set("anthropic-version", anthropicVersion)
	case pool.ServiceGoogleAI:
		// Google stamps its credential as a query parameter rather than a
		// header (spec §6); already appended to url by upstreamURL.
	}
	return req, nil
}

// upstreamURL resolves the wire endpoint for a (service, outboundAPI) pair.
// Google rides the OpenAI-compatibility surface (no google-ai dialect
// transform exists anywhere in the retrieved corpus this module is grounded
// on, see DESIGN.md) but its credential is still stamped the way the native
// API expects: a `key` query parameter, not a bearer header (spec §6).
func upstreamURL(service pool.Service, outAPI dialect.API, secret string) string {
	switch service {
	case pool.ServiceOpenAI:
		return "https://api.openai.com/v1/chat/completions"
	case pool.ServiceAnthropic:
		if outAPI == dialect.AnthropicChat {
			return "https://api.anthropic.com/v1/messages"
		}
		return "https://api.anthropic.com/v1/complete"
	case pool.ServiceGoogleAI:
		return "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions?key=" + url.QueryEscape(secret)
	default:
		return ""
	}
}

func isBillingFailure(resp *http.Response) bool {
	peeked := peekAndRestore(resp)
	var body struct {
		Error struct {
			Code string `json:"code"`
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(peeked, &body); err != nil {
		return false
	}
	return strings.Contains(body.Error.Code, "insufficient_quota") ||
		strings.Contains(body.Error.Type, "insufficient_quota") ||
		strings.Contains(body.Error.Type, "billing")
}

// isRateLimitShaped distinguishes a true quota 429 from a transport-level
// concurrency cap (spec §9 resolved open question b): it looks for a
// rate-limit-shaped reason in the header or body rather than trusting the
// bare status code.
func isRateLimitShaped(resp *http.Response) bool {
	if resp.Header.Get("x-ratelimit-remaining-requests") == "0" ||
		resp.Header.Get("x-ratelimit-remaining-tokens") == "0" ||
		resp.Header.Get("retry-after") != "" {
		return true
	}
	peeked := peekAndRestore(resp)
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(peeked, &body); err != nil {
		return false
	}
	return strings.Contains(body.Error.Type, "rate_limit") || strings.Contains(body.Error.Type, "overloaded")
}

// peekAndRestore reads resp.Body fully and replaces it with a fresh reader
// over the same bytes, so a signal-extraction check can inspect the body
// without consuming it for the caller that reads it next.
func peekAndRestore(resp *http.Response) []byte {
	data, _ := io.ReadAll(resp.Body)
	resp.Body = io.NopCloser(bytes.NewReader(data))
	return data
}

// outputTokenEstimate estimates output tokens from the raw upstream body by
// the dialect package's byte ratio (its own estimator is reused rather than a
// second heuristic). It runs for every response; a usage block in the body
// is not read.
func outputTokenEstimate(outAPI dialect.API, body []byte) int {
	return dialect.NewEstimator().EstimateTokens(string(body))
}

// emitLog fires a PromptLog write in its own goroutine so it never blocks
// the client response (spec §4.6 "Expansion — prompt-log emission"). It
// deliberately writes against its own timeout context rather than the
// caller's, since the request that triggered the log may already be
// finished (or its context cancelled) by the time the write happens.
func (u *Upstream) emitLog(rc *RequestContext, status int, outcome string) {
	if !u.promptLogging || u.sink == nil {
		return
	}
	entry := PromptLogEntry{
		CorrelationID: rc.CorrelationID,
		Service:       rc.Service,
		Model:         rc.Model,
		PromptTokens:  rc.PromptTokens,
		OutputTokens:  rc.OutputTokens,
		LatencyMs:     time.Since(rc.StartedAt).Milliseconds(),
		Outcome:       outcome,
		StatusCode:    status,
	}
	if rc.Key != nil {
		entry.KeyHash = rc.Key.Hash()
	}
	go func() {
		logCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := u.sink.Write(logCtx, entry); err != nil {
			u.log.WithError(err).WithField("correlation_id", rc.CorrelationID).Warn("prompt log write failed")
		}
	}()
}
