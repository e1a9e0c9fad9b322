// Package throttle implements a token-bucket rate limiter that serializes
// heterogeneous-cost operations to a configured rate without dropping
// requests. Callers are served strictly in arrival order: a later, cheaper
// request never overtakes an earlier, more expensive one.
package throttle

import (
	"context"
	"sync"
	"time"
)

const (
	defaultCapacity = 1.0
	defaultDelay    = 5 * time.Millisecond
)

// Throttler is a token-bucket limiter. Tokens refill continuously at
// refillRate tokens per millisecond, clamped to capacity; they never accrue
// beyond capacity no matter how long the bucket sits idle.
type Throttler struct {
	refillRate float64 // tokens per millisecond
	capacity   float64
	delay      time.Duration

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	queue      []*waiter
	running    bool
}

type waiter struct {
	cost      float64
	ready     chan struct{}
	abandoned bool
}

// New creates a Throttler that refills refillRate tokens per millisecond,
// banks at most capacity tokens, and polls every delay while a request
// waits. Non-positive capacity defaults to 1, non-positive delay to 5ms.
func New(refillRate, capacity float64, delay time.Duration) *Throttler {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if delay <= 0 {
		delay = defaultDelay
	}
	return &Throttler{
		refillRate: refillRate,
		capacity:   capacity,
		delay:      delay,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

// ForInterval creates a Throttler that admits one unit-cost call per
// interval, which is how exchange adapters express their rateLimit setting.
func ForInterval(interval time.Duration) *Throttler {
	ms := float64(interval.Milliseconds())
	if ms <= 0 {
		ms = 1
	}
	return New(1/ms, 1, defaultDelay)
}

// Throttle blocks until cost tokens are available and this caller has
// reached the head of the FIFO queue, then debits them. It never fails on
// its own; ctx cancellation abandons the wait without consuming tokens.
func (t *Throttler) Throttle(ctx context.Context, cost float64) error {
	if cost <= 0 {
		cost = 1
	}

	w := &waiter{cost: cost, ready: make(chan struct{})}

	t.mu.Lock()
	t.queue = append(t.queue, w)
	if !t.running {
		t.running = true
		go t.loop()
	}
	t.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		t.mu.Lock()
		w.abandoned = true
		t.mu.Unlock()
		return ctx.Err()
	}
}

// loop is the single consumer: refill, try to pay the head of the queue,
// sleep and retry otherwise. It exits when the queue drains and is
// restarted lazily by the next Throttle call.
func (t *Throttler) loop() {
	for {
		t.mu.Lock()
		t.refill()

		// Drop abandoned waiters so a cancelled head cannot block the queue.
		for len(t.queue) > 0 && t.queue[0].abandoned {
			t.queue = t.queue[1:]
		}

		if len(t.queue) == 0 {
			t.running = false
			t.mu.Unlock()
			return
		}

		head := t.queue[0]
		if t.tokens >= head.cost {
			t.tokens -= head.cost
			t.queue = t.queue[1:]
			close(head.ready)
			t.mu.Unlock()
			continue
		}
		t.mu.Unlock()

		time.Sleep(t.delay)
	}
}

// Bypass releases every queued waiter without debiting tokens. Callers
// parked while throttling was on are not grandfathered into the old rate
// once it is switched off.
func (t *Throttler) Bypass() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, w := range t.queue {
		if !w.abandoned {
			close(w.ready)
		}
	}
	t.queue = nil
}

// refill credits tokens for the wall-clock time elapsed since the last
// refill, clamped to capacity. Caller must hold t.mu.
func (t *Throttler) refill() {
	now := time.Now()
	elapsedMs := float64(now.Sub(t.lastRefill).Microseconds()) / 1000.0
	t.tokens += elapsedMs * t.refillRate
	if t.tokens > t.capacity {
		t.tokens = t.capacity
	}
	t.lastRefill = now
}

// Tokens reports the current balance after a refill. Intended for tests.
func (t *Throttler) Tokens() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refill()
	return t.tokens
}
