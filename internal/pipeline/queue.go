package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mrmushfiq/aiproxy-gateway/internal/pool"
)

// DefaultStallGrace is how long the queue waits for an unchecked key to come
// back healthy before draining the service's waiters (spec §4.5).
const DefaultStallGrace = 10 * time.Second

// waiter is one request parked in a service's FIFO line.
type waiter struct {
	ctx      context.Context
	rc       *RequestContext
	result   chan waitResult
	enqueued time.Time
}

type waitResult struct {
	key *pool.Key
	err error
}

// serviceQueue is the FIFO line in front of one service (C7), plus the
// per-service concurrency semaphore that bounds outbound fan-out (spec §5:
// "a per-service soft cap on concurrent upstream requests ... default
// equals the number of non-disabled keys").
type serviceQueue struct {
	service pool.Service
	mu      sync.Mutex
	waiters []*waiter
	wake    chan struct{}

	semMu  sync.Mutex
	sem    chan struct{}
	semCap int
}

func newServiceQueue(service pool.Service) *serviceQueue {
	return &serviceQueue{service: service, wake: make(chan struct{}, 1), sem: make(chan struct{}, 1), semCap: 1}
}

func (sq *serviceQueue) nudge() {
	select {
	case sq.wake <- struct{}{}:
	default:
	}
}

// resizeSemaphore swaps in a freshly sized semaphore channel, floored at 1
// so a momentarily empty pool can't wedge a request that already holds a
// bound key. Tokens already checked out of the old channel keep draining
// against it; only acquires made after the swap see the new capacity.
func (sq *serviceQueue) resizeSemaphore(n int) {
	if n < 1 {
		n = 1
	}
	sq.semMu.Lock()
	defer sq.semMu.Unlock()
	if n == sq.semCap {
		return
	}
	sq.semCap = n
	sq.sem = make(chan struct{}, n)
}

func (sq *serviceQueue) semaphore() chan struct{} {
	sq.semMu.Lock()
	defer sq.semMu.Unlock()
	return sq.sem
}

// Queue holds one serviceQueue per upstream family and the scheduler loops
// that drive them (spec §4.5). The scheduler for each service runs under a
// shared errgroup.Group so a single Run call supervises every service and
// a context cancellation tears every loop down together (spec §5).
type Queue struct {
	pool       *pool.Pool
	stallGrace time.Duration
	log        *logrus.Entry

	mu     sync.Mutex
	queues map[pool.Service]*serviceQueue
}

func NewQueue(p *pool.Pool, stallGrace time.Duration, log *logrus.Entry) *Queue {
	if stallGrace <= 0 {
		stallGrace = DefaultStallGrace
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	q := &Queue{pool: p, stallGrace: stallGrace, log: log, queues: make(map[pool.Service]*serviceQueue)}
	for _, svc := range p.Services() {
		q.queues[svc] = newServiceQueue(svc)
	}
	return q
}

func (q *Queue) queueFor(service pool.Service) *serviceQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	sq, ok := q.queues[service]
	if !ok {
		sq = newServiceQueue(service)
		q.queues[service] = sq
	}
	return sq
}

// Run starts one scheduler loop per service, all supervised by an
// errgroup.Group rooted at ctx (spec §4.5 "supervised under the same
// errgroup.Group as the service's checker"). It blocks until ctx is
// cancelled, at which point every waiter still parked is drained with
// ErrCancelled.
func (q *Queue) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, svc := range q.pool.Services() {
		svc := svc
		g.Go(func() error { return q.schedulerLoop(gctx, svc) })
	}
	return g.Wait()
}

// Enqueue registers rc at the tail of its service's line and blocks until a
// key is bound, the request is cancelled, or the queue gives up
// (NoKeysAvailable, rate-limit exhaustion).
func (q *Queue) Enqueue(ctx context.Context, rc *RequestContext) (*pool.Key, error) {
	return q.enqueue(ctx, rc, false)
}

// EnqueueAtHead re-parks rc at the front of its service's line rather than
// the tail. Spec §4.6/§7: a 429 retry "is returned to the head of its
// queue" so it isn't pushed behind requests that arrived after its first
// attempt.
func (q *Queue) EnqueueAtHead(ctx context.Context, rc *RequestContext) (*pool.Key, error) {
	return q.enqueue(ctx, rc, true)
}

func (q *Queue) enqueue(ctx context.Context, rc *RequestContext, atHead bool) (*pool.Key, error) {
	sq := q.queueFor(rc.Service)
	w := &waiter{ctx: ctx, rc: rc, result: make(chan waitResult, 1), enqueued: time.Now()}

	sq.mu.Lock()
	if atHead {
		sq.waiters = append([]*waiter{w}, sq.waiters...)
	} else {
		sq.waiters = append(sq.waiters, w)
	}
	sq.mu.Unlock()
	sq.nudge()

	select {
	case res := <-w.result:
		return res.key, res.err
	case <-ctx.Done():
		// The scheduler may already be about to deliver a key; draining here
		// on our own keeps Enqueue from blocking past client disconnect, the
		// scheduler's own cancellation check cleans up the waiter slot.
		return nil, ErrCancelled
	}
}

// Acquire blocks until a per-service concurrency slot is free, sized to the
// number of non-disabled keys for service (spec §5). The returned release
// func must be called exactly once, whether or not the dispatch it guarded
// ever reached the network.
func (q *Queue) Acquire(ctx context.Context, service pool.Service) (func(), error) {
	sq := q.queueFor(service)
	sq.resizeSemaphore(q.pool.Available(service))
	sem := sq.semaphore()
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// schedulerLoop is the per-service wake/dispatch cycle (spec §4.5). It wakes
// on enqueue, on a pool state change (key availability, lockout clearing),
// or on its own lockout timer, then dispatches every ready head-of-line
// waiter it can.
func (q *Queue) schedulerLoop(ctx context.Context, service pool.Service) error {
	sq := q.queueFor(service)
	sq.resizeSemaphore(q.pool.Available(service))
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	if !timer.Stop() {
		<-timer.C
	}

	for {
		wait := q.dispatch(sq)
		if wait > 0 {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			q.drainAll(sq, ErrCancelled)
			return ctx.Err()
		case <-sq.wake:
		case <-q.pool.Changed(service):
			sq.resizeSemaphore(q.pool.Available(service))
		case <-timerChan(timer, wait):
		}
	}
}

// timerChan returns the timer's channel only when dispatch reported a
// positive wait; otherwise it returns nil so the select never fires on a
// stale timer.
func timerChan(t *time.Timer, wait time.Duration) <-chan time.Time {
	if wait <= 0 {
		return nil
	}
	return t.C
}

// dispatch drains cancelled waiters, applies the stall guard, and binds keys
// to every contiguous ready run at the head of the line. It returns the
// duration the caller should wait before re-evaluating (0 if nothing is
// blocked on a lockout).
func (q *Queue) dispatch(sq *serviceQueue) time.Duration {
	sq.mu.Lock()
	defer sq.mu.Unlock()

	if len(sq.waiters) == 0 {
		return 0
	}

	if q.pool.Available(sq.service) == 0 {
		if q.pool.AnyUnchecked(sq.service) {
			oldest := sq.waiters[0].enqueued
			for _, w := range sq.waiters {
				if w.enqueued.Before(oldest) {
					oldest = w.enqueued
				}
			}
			if time.Since(oldest) < q.stallGrace {
				return q.stallGrace - time.Since(oldest)
			}
		}
		q.log.WithField("service", sq.service).Warn("queue stalled, no keys available, draining waiters")
		for _, w := range sq.waiters {
			q.deliver(w, nil, ErrNoKeysAvailable)
		}
		sq.waiters = nil
		return 0
	}

	remaining := sq.waiters[:0]
	var nextWait time.Duration
	blocked := false
	for _, w := range sq.waiters {
		if blocked {
			remaining = append(remaining, w)
			continue
		}
		select {
		case <-w.ctx.Done():
			q.deliver(w, nil, ErrCancelled)
			continue
		default:
		}

		lockout := q.pool.GetLockoutPeriod(sq.service, w.rc.Model)
		if lockout > 0 {
			blocked = true
			nextWait = time.Duration(lockout) * time.Millisecond
			remaining = append(remaining, w)
			continue
		}

		// A Get failure (no eligible key for the model's family) is handed to
		// the waiter as is, not retried.
		_, key, err := q.pool.Get(w.rc.Model)
		q.deliver(w, key, err)
	}
	sq.waiters = remaining
	return nextWait
}

func (q *Queue) drainAll(sq *serviceQueue, err error) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	for _, w := range sq.waiters {
		q.deliver(w, nil, err)
	}
	sq.waiters = nil
}

func (q *Queue) deliver(w *waiter, key *pool.Key, err error) {
	select {
	case w.result <- waitResult{key: key, err: err}:
	default:
	}
}
