package pool

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Default tunables (spec §4.1), overridable per service at construction.
const (
	DefaultRateLimitLockoutMs = int64(2000)
	DefaultKeyReuseDelayMs    = int64(500)
)

// Provider is the contract every service key provider implements (spec §4.1).
// The pool never type-asserts a concrete Provider; updateRateLimits is
// universal and a no-op for services that don't harvest header hints.
type Provider interface {
	Service() Service
	List() []PublicKey
	Get(model string) (*Key, error)
	Disable(hash string)
	Revoke(hash string)
	Update(hash string, patch Patch)
	Available() int
	AnyUnchecked() bool
	IncrementPrompt(hash string)
	IncrementUsage(hash, model string, tokens int64)
	MarkRateLimited(hash string)
	GetLockoutPeriod(model string) int64
	RemainingQuota() float64
	UsageInUSD() string
	UpdateRateLimits(hash string, headers http.Header)
	// Changed returns a channel closed whenever provider state changes that
	// might unblock a waiting queue (selection-affecting mutation). Callers
	// must re-call Changed after each receive to observe the next change.
	Changed() <-chan struct{}
}

// baseProvider implements the selection policy and accounting shared by
// every service (spec §4.1); per-service providers embed it and override
// UpdateRateLimits and the capability-detection hooks used by the checker.
type baseProvider struct {
	service          Service
	mu               sync.Mutex
	keys             []*Key
	byHash           map[string]*Key
	rateLimitLockout int64
	keyReuseDelay    int64
	nowMs            func() int64
	log              *logrus.Entry

	changedMu sync.Mutex
	changedCh chan struct{}
}

func newBaseProvider(service Service, secrets []string, lockoutMs, reuseDelayMs int64, log *logrus.Entry) *baseProvider {
	if lockoutMs <= 0 {
		lockoutMs = DefaultRateLimitLockoutMs
	}
	if reuseDelayMs <= 0 {
		reuseDelayMs = DefaultKeyReuseDelayMs
	}
	p := &baseProvider{
		service:          service,
		byHash:           make(map[string]*Key),
		rateLimitLockout: lockoutMs,
		keyReuseDelay:    reuseDelayMs,
		nowMs:            func() int64 { return time.Now().UnixMilli() },
		log:              log,
		changedCh:        make(chan struct{}),
	}
	seen := make(map[string]bool)
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		k := newKey(s, service)
		p.keys = append(p.keys, k)
		p.byHash[k.hash] = k
	}
	return p
}

func (p *baseProvider) Service() Service { return p.service }

// notifyChanged wakes every current subscriber of Changed. Must be called
// with p.mu NOT held (it takes its own lock) to avoid lock-order surprises
// with callers that also read p.mu.
func (p *baseProvider) notifyChanged() {
	p.changedMu.Lock()
	close(p.changedCh)
	p.changedCh = make(chan struct{})
	p.changedMu.Unlock()
}

func (p *baseProvider) Changed() <-chan struct{} {
	p.changedMu.Lock()
	defer p.changedMu.Unlock()
	return p.changedCh
}

// keyRef pairs a key's public hash with its secret; used only by the
// checker, which needs the secret to make an authenticated probe request.
type keyRef struct {
	Hash   string
	Secret string
}

func (p *baseProvider) secrets() []keyRef {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]keyRef, 0, len(p.keys))
	for _, k := range p.keys {
		if k.isDisabled {
			continue
		}
		out = append(out, keyRef{Hash: k.hash, Secret: k.secret})
	}
	return out
}

func (p *baseProvider) List() []PublicKey {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PublicKey, 0, len(p.keys))
	for _, k := range p.keys {
		out = append(out, k.public())
	}
	return out
}

// eligible reports whether k may be selected for model family f, ignoring
// lockout status (Get and GetLockoutPeriod build their candidate sets with
// it and check lockout separately through lockedOut).
func (k *Key) eligible(family string) bool {
	return !k.isDisabled && k.hasFamily(family)
}

// lockedOut reports whether k is inside a lockout right now. Both kinds of
// lockout end at rateLimitedUntilMs: MarkRateLimited pushes it to at least
// rateLimitedAtMs+lockoutWindow, and Get's reuse throttle pushes it to
// now+keyReuseDelay.
func (k *Key) lockedOut(now, lockoutWindow int64) bool {
	return now < k.rateLimitedUntilMs
}

// Get implements the selection policy of spec §4.1.
func (p *baseProvider) Get(model string) (*Key, error) {
	family := familyForModel(model)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowMs()
	var candidates []*Key
	for _, k := range p.keys {
		if k.eligible(family) {
			candidates = append(candidates, k)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoKeysAvailable
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aLocked := a.lockedOut(now, p.rateLimitLockout)
		bLocked := b.lockedOut(now, p.rateLimitLockout)
		if aLocked != bLocked {
			return !aLocked // not-locked-out beats locked-out
		}
		if aLocked && bLocked {
			return a.rateLimitedAtMs < b.rateLimitedAtMs // oldest lockout clears first
		}
		return a.lastUsedMs < b.lastUsedMs // least-recently-used
	})

	chosen := candidates[0]
	chosen.lastUsedMs = now
	if reuseUntil := now + p.keyReuseDelay; reuseUntil > chosen.rateLimitedUntilMs {
		chosen.rateLimitedUntilMs = reuseUntil
	}
	return chosen, nil
}

func (p *baseProvider) Disable(hash string) {
	p.mu.Lock()
	k, ok := p.byHash[hash]
	if ok {
		k.isDisabled = true
	}
	p.mu.Unlock()
	if ok {
		p.log.WithField("key", hash).Info("key disabled")
		p.notifyChanged()
	}
}

func (p *baseProvider) Revoke(hash string) {
	p.mu.Lock()
	k, ok := p.byHash[hash]
	if ok {
		k.isRevoked = true
		k.isDisabled = true // invariant (iii): isRevoked => isDisabled
	}
	p.mu.Unlock()
	if ok {
		p.log.WithField("key", hash).Warn("key revoked")
		p.notifyChanged()
	}
}

func (p *baseProvider) Update(hash string, patch Patch) {
	p.mu.Lock()
	k, ok := p.byHash[hash]
	if ok {
		if patch.ModelFamilies != nil {
			families := make(map[string]bool, len(patch.ModelFamilies))
			for _, f := range patch.ModelFamilies {
				families[f] = true
			}
			k.modelFamilies = families
		}
		if patch.ModelIDs != nil {
			k.modelIDs = patch.ModelIDs
		}
		if patch.IsDisabled != nil {
			k.isDisabled = *patch.IsDisabled
		}
		if patch.IsRevoked != nil {
			k.isRevoked = *patch.IsRevoked
			if k.isRevoked {
				k.isDisabled = true
			}
		}
		if patch.IsPaidTier != nil {
			k.isPaidTier = *patch.IsPaidTier
		}
		if patch.RemainingRequests != nil {
			k.remainingRequests = *patch.RemainingRequests
		}
		if patch.RemainingTokens != nil {
			k.remainingTokens = *patch.RemainingTokens
		}
		if patch.RateLimitResetMs != nil {
			k.rateLimitResetMs = *patch.RateLimitResetMs
		}
		k.lastCheckedMs = p.nowMs()
	}
	p.mu.Unlock()
	if ok {
		p.notifyChanged()
	}
}

func (p *baseProvider) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, k := range p.keys {
		if !k.isDisabled {
			n++
		}
	}
	return n
}

func (p *baseProvider) AnyUnchecked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.keys {
		if !k.isDisabled && k.lastCheckedMs == 0 {
			return true
		}
	}
	return false
}

func (p *baseProvider) IncrementPrompt(hash string) {
	p.mu.Lock()
	if k, ok := p.byHash[hash]; ok {
		k.promptCount++
	}
	p.mu.Unlock()
}

func (p *baseProvider) IncrementUsage(hash, model string, tokens int64) {
	family := familyForModel(model)
	p.mu.Lock()
	if k, ok := p.byHash[hash]; ok {
		k.usageTokens[family] += tokens
	}
	p.mu.Unlock()
}

// MarkRateLimited arms the lockout window for hash (spec §4.1, §4.6). It does
// not disable the key; only Revoke (via billing-failure feedback) does that.
func (p *baseProvider) MarkRateLimited(hash string) {
	p.mu.Lock()
	k, ok := p.byHash[hash]
	if ok {
		now := p.nowMs()
		k.rateLimitedAtMs = now
		until := now + p.rateLimitLockout
		if until > k.rateLimitedUntilMs {
			k.rateLimitedUntilMs = until
		}
	}
	p.mu.Unlock()
	if ok {
		p.notifyChanged()
	}
}

// GetLockoutPeriod returns the millis the queue should sleep before
// retrying, or 0 if some eligible key is usable right now (spec §4.1).
func (p *baseProvider) GetLockoutPeriod(model string) int64 {
	family := familyForModel(model)
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowMs()
	var min int64 = -1
	any := false
	for _, k := range p.keys {
		if !k.eligible(family) {
			continue
		}
		any = true
		if !k.lockedOut(now, p.rateLimitLockout) {
			return 0
		}
		remaining := k.rateLimitedUntilMs - now
		if min == -1 || remaining < min {
			min = remaining
		}
	}
	if !any || min < 0 {
		return 0
	}
	return min
}

func (p *baseProvider) RemainingQuota() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.keys) == 0 {
		return 0
	}
	usable := 0
	now := p.nowMs()
	for _, k := range p.keys {
		if !k.isDisabled && !k.lockedOut(now, p.rateLimitLockout) {
			usable++
		}
	}
	return float64(usable) / float64(len(p.keys))
}

func (p *baseProvider) UsageInUSD() string {
	// Aggregate diagnostic only; real pricing is looked up by the ambient
	// database sink (internal/shared/database). Reported as "n/a" here to
	// keep the pool free of a pricing-table dependency.
	return "n/a"
}

// UpdateRateLimits default is a no-op; services that harvest header hints
// (OpenAI) override it. Kept on baseProvider so every Provider satisfies the
// interface uniformly (spec §9 "dynamic dispatch over providers").
func (p *baseProvider) UpdateRateLimits(hash string, headers http.Header) {}

func familyForModel(model string) string {
	switch {
	case strings.HasPrefix(model, "gpt-4-turbo"):
		return "gpt-4-turbo"
	case strings.HasPrefix(model, "gpt-4"):
		return "gpt-4"
	case strings.HasPrefix(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	case strings.HasPrefix(model, "claude-3-opus"), strings.HasPrefix(model, "claude-opus"):
		return "claude-opus"
	case strings.HasPrefix(model, "claude"):
		return "claude"
	case strings.HasPrefix(model, "gemini-pro"):
		return "gemini-pro"
	case strings.HasPrefix(model, "gemini-flash"):
		return "gemini-flash"
	case strings.HasPrefix(model, "gemini-ultra"):
		return "gemini-ultra"
	default:
		return model
	}
}
