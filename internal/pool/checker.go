package pool

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ProbeStatus classifies the outcome of a single key probe (spec §4.2).
type ProbeStatus int

const (
	ProbeOK ProbeStatus = iota
	ProbeAuthFailure
	ProbeQuotaFailure
	ProbeTransient
)

// ProbeResult is what a service-specific prober reports for one secret.
type ProbeResult struct {
	Status        ProbeStatus
	ModelFamilies []string
	ModelIDs      []string
	IsPaidTier    *bool
	Err           error
}

// Prober issues the cheap authenticated request each service uses to
// validate a credential and detect its capabilities.
type Prober interface {
	Probe(ctx context.Context, secret string) ProbeResult
}

// checkable is the subset of Provider the checker needs: it never touches a
// Key directly, only through Update (spec §4.2 "sole writer is the provider").
type checkable interface {
	Service() Service
	Update(hash string, patch Patch)
	secrets() []keyRef
}

// Checker cadence (spec §4.2 defaults).
const (
	HealthyProbeInterval   = 8 * time.Hour
	UncheckedProbeInterval = 60 * time.Second
	maxProbeBackoff        = 10 * time.Minute
)

// Checker is the per-provider background health-checking task (C3).
type Checker struct {
	provider checkable
	prober   Prober
	log      *logrus.Entry
}

// NewChecker builds a checker bound to one provider; provider must also be
// a Prober (every concrete *XProvider in this package is).
func NewChecker(provider checkable, prober Prober, log *logrus.Entry) *Checker {
	return &Checker{provider: provider, prober: prober, log: log.WithField("service", provider.Service())}
}

// Start schedules one supervised goroutine per currently-known key and
// blocks until every per-key loop has returned: on ctx cancellation, or once
// each key has stopped after a terminal probe result. The per-key loops
// never report an error, so Start returns nil. Cancelling ctx stops every
// in-flight probe promptly.
func (c *Checker) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, ref := range c.provider.secrets() {
		ref := ref
		g.Go(func() error {
			c.runKeyLoop(ctx, ref)
			return nil
		})
	}
	return g.Wait()
}

func (c *Checker) runKeyLoop(ctx context.Context, ref keyRef) {
	backoff := time.Second
	// Probe immediately (the key starts unchecked: lastCheckedMs == 0).
	for {
		result := c.prober.Probe(ctx, ref.Secret)
		interval := c.applyResult(ref.Hash, result)
		if ctx.Err() != nil {
			return
		}
		if result.Status == ProbeTransient {
			interval = backoff
			backoff = time.Duration(math.Min(float64(backoff*2), float64(maxProbeBackoff)))
		} else {
			backoff = time.Second
		}
		if result.Status == ProbeAuthFailure || result.Status == ProbeQuotaFailure {
			// Terminal: the provider is now disabled, no point re-probing.
			return
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (c *Checker) applyResult(hash string, result ProbeResult) time.Duration {
	switch result.Status {
	case ProbeOK:
		c.provider.Update(hash, Patch{ModelFamilies: result.ModelFamilies, ModelIDs: result.ModelIDs, IsPaidTier: result.IsPaidTier})
		c.log.WithField("key", hash).Debug("probe ok")
		return HealthyProbeInterval
	case ProbeAuthFailure:
		disabled, revoked := true, true
		c.provider.Update(hash, Patch{IsDisabled: &disabled, IsRevoked: &revoked})
		c.log.WithField("key", hash).Warn("key revoked: auth failure")
		return 0
	case ProbeQuotaFailure:
		disabled, revoked := true, true
		c.provider.Update(hash, Patch{IsDisabled: &disabled, IsRevoked: &revoked})
		c.log.WithField("key", hash).Warn("key revoked: quota exhausted")
		return 0
	default: // ProbeTransient
		c.log.WithField("key", hash).WithError(result.Err).Debug("probe transient failure, backing off")
		return UncheckedProbeInterval
	}
}
