package pool

import (
	"net/http"
	"strings"
)

// RoutePrefix pairs a model-name prefix with the service that serves it
// (spec §9 open question c: a configured table, not ad-hoc string matching).
type RoutePrefix struct {
	Prefix  string
	Service Service
}

// DefaultRouteTable is the built-in prefix table; extend it at construction
// to add new families without touching Pool.Get's logic.
var DefaultRouteTable = []RoutePrefix{
	{Prefix: "gpt-", Service: ServiceOpenAI},
	{Prefix: "claude-", Service: ServiceAnthropic},
	{Prefix: "gemini-", Service: ServiceGoogleAI},
}

// Pool aggregates one Provider per supported service and routes get/disable/
// markRateLimited calls to the provider identified by the request's target
// family (C4). It holds Providers by reference only; it never mutates a Key.
type Pool struct {
	providers map[Service]Provider
	routes    []RoutePrefix
}

// NewPool builds a pool from the given providers (key: service tag) and an
// optional route table (DefaultRouteTable if nil).
func NewPool(providers map[Service]Provider, routes []RoutePrefix) *Pool {
	if routes == nil {
		routes = DefaultRouteTable
	}
	return &Pool{providers: providers, routes: routes}
}

// ServiceForModel infers the target service from a model name via the
// configured prefix table.
func (p *Pool) ServiceForModel(model string) (Service, error) {
	for _, r := range p.routes {
		if strings.HasPrefix(model, r.Prefix) {
			return r.Service, nil
		}
	}
	return "", ErrUnknownService
}

func (p *Pool) provider(service Service) (Provider, error) {
	prov, ok := p.providers[service]
	if !ok {
		return nil, ErrUnknownService
	}
	return prov, nil
}

// Get selects a key for model, inferring the service automatically.
func (p *Pool) Get(model string) (Service, *Key, error) {
	service, err := p.ServiceForModel(model)
	if err != nil {
		return "", nil, err
	}
	prov, err := p.provider(service)
	if err != nil {
		return "", nil, err
	}
	k, err := prov.Get(model)
	return service, k, err
}

// Disable marks a key permanently unusable (spec §4.6 UpstreamAuth).
func (p *Pool) Disable(service Service, hash string) {
	if prov, err := p.provider(service); err == nil {
		prov.Disable(hash)
	}
}

// Revoke marks a key as terminally billing-exhausted (spec §4.6 UpstreamBilling).
func (p *Pool) Revoke(service Service, hash string) {
	if prov, err := p.provider(service); err == nil {
		prov.Revoke(hash)
	}
}

// MarkRateLimited arms a transient lockout (spec §4.6 UpstreamRateLimit).
func (p *Pool) MarkRateLimited(service Service, hash string) {
	if prov, err := p.provider(service); err == nil {
		prov.MarkRateLimited(hash)
	}
}

func (p *Pool) IncrementPrompt(service Service, hash string) {
	if prov, err := p.provider(service); err == nil {
		prov.IncrementPrompt(hash)
	}
}

func (p *Pool) IncrementUsage(service Service, hash, model string, tokens int64) {
	if prov, err := p.provider(service); err == nil {
		prov.IncrementUsage(hash, model, tokens)
	}
}

// UpdateRateLimits is delegated to the service's provider unconditionally;
// providers whose UpdateRateLimits is the baseProvider no-op ignore the
// call, so the pool never needs to know which services harvest header hints.
func (p *Pool) UpdateRateLimits(service Service, hash string, headers http.Header) {
	if prov, err := p.provider(service); err == nil {
		prov.UpdateRateLimits(hash, headers)
	}
}

// Available returns the per-service non-disabled key count (spec §9 open
// question a: per-service, not global).
func (p *Pool) Available(service Service) int {
	if prov, err := p.provider(service); err == nil {
		return prov.Available()
	}
	return 0
}

func (p *Pool) AnyUnchecked(service Service) bool {
	if prov, err := p.provider(service); err == nil {
		return prov.AnyUnchecked()
	}
	return false
}

func (p *Pool) GetLockoutPeriod(service Service, model string) int64 {
	if prov, err := p.provider(service); err == nil {
		return prov.GetLockoutPeriod(model)
	}
	return 0
}

func (p *Pool) Changed(service Service) <-chan struct{} {
	if prov, err := p.provider(service); err == nil {
		return prov.Changed()
	}
	ch := make(chan struct{})
	return ch
}

// List returns every key across every provider, redacted.
func (p *Pool) List() map[Service][]PublicKey {
	out := make(map[Service][]PublicKey, len(p.providers))
	for svc, prov := range p.providers {
		out[svc] = prov.List()
	}
	return out
}

// Services returns the set of services this pool has a provider for.
func (p *Pool) Services() []Service {
	out := make([]Service, 0, len(p.providers))
	for svc := range p.providers {
		out = append(out, svc)
	}
	return out
}
