package pipeline

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/mrmushfiq/aiproxy-gateway/internal/pool"
)

// fakeProvider is a bare-bones pool.Provider stub used to drive Queue's
// stall-guard branch directly, independent of whether a real provider's
// Available/AnyUnchecked bookkeeping can reach that combination of states.
type fakeProvider struct {
	service      pool.Service
	available    int
	anyUnchecked bool
	changedCh    chan struct{}
}

func newFakeProvider(service pool.Service) *fakeProvider {
	return &fakeProvider{service: service, changedCh: make(chan struct{})}
}

func (f *fakeProvider) Service() pool.Service                        { return f.service }
func (f *fakeProvider) List() []pool.PublicKey                       { return nil }
func (f *fakeProvider) Get(model string) (*pool.Key, error)          { return nil, pool.ErrNoKeysAvailable }
func (f *fakeProvider) Disable(hash string)                          {}
func (f *fakeProvider) Revoke(hash string)                           {}
func (f *fakeProvider) Update(hash string, patch pool.Patch)         {}
func (f *fakeProvider) Available() int                               { return f.available }
func (f *fakeProvider) AnyUnchecked() bool                           { return f.anyUnchecked }
func (f *fakeProvider) IncrementPrompt(hash string)                  {}
func (f *fakeProvider) IncrementUsage(hash, model string, t int64)   {}
func (f *fakeProvider) MarkRateLimited(hash string)                  {}
func (f *fakeProvider) GetLockoutPeriod(model string) int64          { return 0 }
func (f *fakeProvider) RemainingQuota() float64                      { return 0 }
func (f *fakeProvider) UsageInUSD() string                           { return "n/a" }
func (f *fakeProvider) UpdateRateLimits(hash string, h http.Header)  {}
func (f *fakeProvider) Changed() <-chan struct{}                     { return f.changedCh }

// TestQueueFIFOWithinService covers Q1: three waiters submitted in program
// order first < second < third are dispatched in that order. The only key is
// locked out first so all three waiters have to park before any can be
// dispatched, forcing
// dispatch() to actually process them together as a batch.
func TestQueueFIFOWithinService(t *testing.T) {
	pl, p := newTestAnthropicPool(t, []string{"only-key"}, 300, 5)
	p.MarkRateLimited(p.List()[0].Hash)

	q := NewQueue(pl, 50*time.Millisecond, discardLog())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx)

	var mu sync.Mutex
	var order []string
	dispatched := make(chan struct{}, 3)

	enqueue := func(id string) {
		rc := testRequestContext("claude-instant-1")
		rc.CorrelationID = id
		if _, err := q.Enqueue(context.Background(), rc); err != nil {
			t.Errorf("Enqueue(%s): %v", id, err)
		}
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		dispatched <- struct{}{}
	}

	go enqueue("first")
	time.Sleep(15 * time.Millisecond)
	go enqueue("second")
	time.Sleep(15 * time.Millisecond)
	go enqueue("third")

	for i := 0; i < 3; i++ {
		select {
		case <-dispatched:
		case <-time.After(2 * time.Second):
			t.Fatal("waiters were not all dispatched once the lockout cleared")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("dispatch order = %v, want [first second third]", order)
	}
}

// TestQueueEnqueueAtHeadJumpsAheadOfNewerArrivals covers the rate-limit
// retry path's requirement to re-park at the front of the line rather than
// the back: with the only key locked out, an older waiter parks first via
// Enqueue, then a "retry" waiter parks via EnqueueAtHead. Once the lockout
// clears, the retry waiter must dispatch first even though it arrived later.
func TestQueueEnqueueAtHeadJumpsAheadOfNewerArrivals(t *testing.T) {
	pl, p := newTestAnthropicPool(t, []string{"only-key"}, 300, 5)
	p.MarkRateLimited(p.List()[0].Hash)

	q := NewQueue(pl, 50*time.Millisecond, discardLog())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx)

	var mu sync.Mutex
	var order []string
	dispatched := make(chan struct{}, 2)

	enqueueTail := func(id string) {
		rc := testRequestContext("claude-instant-1")
		rc.CorrelationID = id
		if _, err := q.Enqueue(context.Background(), rc); err != nil {
			t.Errorf("Enqueue(%s): %v", id, err)
		}
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		dispatched <- struct{}{}
	}
	enqueueHead := func(id string) {
		rc := testRequestContext("claude-instant-1")
		rc.CorrelationID = id
		if _, err := q.EnqueueAtHead(context.Background(), rc); err != nil {
			t.Errorf("EnqueueAtHead(%s): %v", id, err)
		}
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
		dispatched <- struct{}{}
	}

	go enqueueTail("older")
	time.Sleep(15 * time.Millisecond)
	go enqueueHead("retry")

	for i := 0; i < 2; i++ {
		select {
		case <-dispatched:
		case <-time.After(2 * time.Second):
			t.Fatal("waiters were not all dispatched once the lockout cleared")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "retry" || order[1] != "older" {
		t.Fatalf("dispatch order = %v, want [retry older]", order)
	}
}

// TestQueueCancelledWaiterReturnsPromptly covers Q2: a client that
// disconnects while parked behind a lockout gets ErrCancelled without
// waiting for the lockout to clear.
func TestQueueCancelledWaiterReturnsPromptly(t *testing.T) {
	pl, p := newTestAnthropicPool(t, []string{"only-key"}, 2000, 5)
	p.MarkRateLimited(p.List()[0].Hash)

	q := NewQueue(pl, 50*time.Millisecond, discardLog())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx)

	reqCtx, reqCancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(reqCtx, testRequestContext("claude-instant-1"))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	reqCancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("err = %v, want ErrCancelled", err)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("cancelled waiter did not return promptly")
	}
}

// TestQueueStallGuardImmediateDrainWithoutUnchecked covers Q3's base case:
// no keys available and none unchecked drains the waiter immediately.
func TestQueueStallGuardImmediateDrainWithoutUnchecked(t *testing.T) {
	f := newFakeProvider(pool.ServiceAnthropic)
	f.available = 0
	f.anyUnchecked = false
	pl := pool.NewPool(map[pool.Service]pool.Provider{pool.ServiceAnthropic: f}, nil)

	q := NewQueue(pl, 50*time.Millisecond, discardLog())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx)

	start := time.Now()
	_, err := q.Enqueue(context.Background(), testRequestContext("claude-instant-1"))
	elapsed := time.Since(start)

	if !errors.Is(err, ErrNoKeysAvailable) {
		t.Fatalf("err = %v, want ErrNoKeysAvailable", err)
	}
	if elapsed > 200*time.Millisecond {
		t.Fatalf("waiter took %v to drain with no unchecked keys, want immediate", elapsed)
	}
}

// TestQueueStallGuardWaitsThenDrainsWhenUnchecked covers Q3's grace-window
// case: while an unchecked key still exists the queue waits out the stall
// grace before giving up, rather than draining immediately.
func TestQueueStallGuardWaitsThenDrainsWhenUnchecked(t *testing.T) {
	f := newFakeProvider(pool.ServiceAnthropic)
	f.available = 0
	f.anyUnchecked = true
	pl := pool.NewPool(map[pool.Service]pool.Provider{pool.ServiceAnthropic: f}, nil)

	stallGrace := 80 * time.Millisecond
	q := NewQueue(pl, stallGrace, discardLog())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go q.Run(ctx)

	start := time.Now()
	_, err := q.Enqueue(context.Background(), testRequestContext("claude-instant-1"))
	elapsed := time.Since(start)

	if !errors.Is(err, ErrNoKeysAvailable) {
		t.Fatalf("err = %v, want ErrNoKeysAvailable", err)
	}
	if elapsed < stallGrace {
		t.Fatalf("waiter drained after %v, want it to wait out the %v stall grace first", elapsed, stallGrace)
	}
	if elapsed > stallGrace+500*time.Millisecond {
		t.Fatalf("waiter took %v to drain, want it bounded near the stall grace window", elapsed)
	}
}
