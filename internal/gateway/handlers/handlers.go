// Package handlers wires the five HTTP endpoints of spec §6 to the
// pipeline's preprocessor/queue/upstream chain. Grounded on the teacher's
// ChatHandler (request decode -> provider call -> header-stamped response),
// generalised across every dialect endpoint instead of one, and stripped of
// the teacher's cache/API-key-auth/cost-accounting steps (superseded by the
// pool's own accounting and the ambient prompt-log sink).
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mrmushfiq/aiproxy-gateway/internal/pipeline"
	"github.com/mrmushfiq/aiproxy-gateway/internal/pool"
)

// modelsCacheTTL is how long GET /v1/models caches its synthesised listing
// (spec §6 "cached for 60 seconds").
const modelsCacheTTL = 60 * time.Second

// Gateway holds the wiring every endpoint shares: the preprocessor (C6), the
// upstream proxy (C8, which owns the queue C7 internally), and the pool for
// the read-only /v1/models listing.
type Gateway struct {
	pool *pool.Pool
	pre  *pipeline.Preprocessor
	up   *pipeline.Upstream
	log  *logrus.Entry

	modelsMu       chanMutex
	modelsCached   []byte
	modelsCachedAt time.Time
}

// chanMutex is a trivial channel-based mutex so Gateway doesn't need to pull
// in a second locking primitive just for the models cache.
type chanMutex chan struct{}

func newChanMutex() chanMutex {
	m := make(chanMutex, 1)
	m <- struct{}{}
	return m
}

func (m chanMutex) Lock()   { <-m }
func (m chanMutex) Unlock() { m <- struct{}{} }

func NewGateway(p *pool.Pool, pre *pipeline.Preprocessor, up *pipeline.Upstream, log *logrus.Entry) *Gateway {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Gateway{pool: p, pre: pre, up: up, log: log, modelsMu: newChanMutex()}
}

// Health handles GET /health (spec §6, "unauthenticated liveness probe").
func (g *Gateway) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// modelEntry is one row of the GET /v1/models listing.
type modelEntry struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

// ListModels handles GET /v1/models: a synthesised listing of every claimed
// model family across every provider with at least one healthy key (spec
// §6), cached for modelsCacheTTL.
func (g *Gateway) ListModels(w http.ResponseWriter, r *http.Request) {
	g.modelsMu.Lock()
	if g.modelsCached != nil && time.Since(g.modelsCachedAt) < modelsCacheTTL {
		body := g.modelsCached
		g.modelsMu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
		return
	}
	g.modelsMu.Unlock()

	families := make(map[string]pool.Service)
	for service, keys := range g.pool.List() {
		for _, k := range keys {
			if k.IsDisabled {
				continue
			}
			for _, f := range k.ModelFamilies {
				families[f] = service
			}
		}
	}

	entries := make([]modelEntry, 0, len(families))
	for family, service := range families {
		entries = append(entries, modelEntry{ID: family, Object: "model", OwnedBy: string(service)})
	}
	body, err := json.Marshal(struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}{Object: "list", Data: entries})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	g.modelsMu.Lock()
	g.modelsCached = body
	g.modelsCachedAt = time.Now()
	g.modelsMu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// ChatCompletions handles POST /v1/chat/completions (spec §6).
func (g *Gateway) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	rc, err := g.pre.PrepareChatCompletion(raw)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.dispatch(w, r, rc)
}

// Complete handles POST /v1/complete (spec §6: inbound anthropic-text,
// transparently upgraded to anthropic-chat outbound for claude-3 models).
func (g *Gateway) Complete(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	rc, err := g.pre.PrepareComplete(raw, "")
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.dispatch(w, r, rc)
}

// Messages handles POST /v1/messages (spec §6: inbound and outbound both
// anthropic-chat).
func (g *Gateway) Messages(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	rc, err := g.pre.PrepareMessages(raw)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.dispatch(w, r, rc)
}

// Claude3Complete handles POST /v1/claude-3/complete (spec §6: forces the
// model to claude-3-sonnet-20240229 and unconditionally translates to chat).
func (g *Gateway) Claude3Complete(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "could not read body", http.StatusBadRequest)
		return
	}
	rc, err := g.pre.PrepareClaude3Complete(raw)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.dispatch(w, r, rc)
}

// dispatch runs rc through the upstream proxy, branching on whether the
// client asked for a streaming response (spec §4.6).
func (g *Gateway) dispatch(w http.ResponseWriter, r *http.Request, rc *pipeline.RequestContext) {
	ctx := r.Context()
	if rc.Stream {
		g.dispatchStream(w, r, rc)
		return
	}

	result, err := g.up.Execute(ctx, rc)
	if err != nil {
		g.writeError(w, err)
		return
	}

	for k, vv := range result.Header {
		if k == "Content-Length" || k == "Content-Encoding" {
			continue
		}
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOrDefault(result.StatusCode))
	w.Write(result.Body)
}

func (g *Gateway) dispatchStream(w http.ResponseWriter, r *http.Request, rc *pipeline.RequestContext) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	err := g.up.ExecuteStream(r.Context(), rc, w, flusher.Flush)
	if err != nil {
		// Headers are already committed once the first chunk streamed, so
		// the status code is not rewritten and no trailing event is sent to
		// the client; the error is only logged.
		g.log.WithError(err).WithField("correlation_id", rc.CorrelationID).Warn("stream terminated with error")
	}
}

func statusOrDefault(code int) int {
	if code == 0 {
		return http.StatusOK
	}
	return code
}

// writeError maps the pipeline error taxonomy to the documented client
// status codes (spec §7).
func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrBadRequest), errors.Is(err, pipeline.ErrUnsupported):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, pipeline.ErrNoKeysAvailable):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, pipeline.ErrRateLimitExhausted):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, pipeline.ErrCancelled):
		// Client already disconnected; nothing useful to write.
	case errors.Is(err, pipeline.ErrTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
	case errors.Is(err, pipeline.ErrUpstream):
		http.Error(w, err.Error(), http.StatusBadGateway)
	default:
		g.log.WithError(err).Warn("unclassified pipeline error")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
