// Package request implements the deduplicating, deadline-bounded
// request multiplexer described in spec §4.3: for any key, at most one
// fetch is ever outstanding, and every waiter attached to a key is
// released atomically, either by fulfilment or by TTL eviction.
//
// The shape mirrors the teacher pack's microbatch.Batcher (a pending
// "batch" of waiters is built up, then flushed all at once) and
// longpoll.Channel (bounding a blocking receive by a deadline).
package request

import (
	"context"
	"sync"
	"time"
)

// CheckFunc reports whether key is already satisfiable without issuing
// network work (spec §4.3: "check(key) -> truthy-if-satisfiable").
type CheckFunc[K comparable] func(key K) bool

// FetchFunc issues the one outbound request for key (spec §4.3:
// "fetch(key, ctx)"). Errors should be logged by the implementation;
// the coordinator does not retry, it only lets the pending entry expire.
type FetchFunc[K comparable] func(ctx context.Context, key K)

// DefaultTTL is the default pending-entry lifetime (spec §6: "timeout",
// default 5s — the coordinator's own default mirrors the daemon's
// per-call timeout, since in this daemon each pending entry's TTL is
// derived from the caller's own deadline).
const DefaultTTL = 5 * time.Second

type pendingEntry struct {
	waiters   []chan struct{}
	done      bool
	fulfilled bool // set exactly when Fulfill (not expiry) wakes the waiters
	timer     *time.Timer
}

// Coordinator owns the pending-request table for one logical request
// space (the daemon runs a single Coordinator shared by path and core
// lookups, keyed on a 5-tuple — see spec §3's "request key").
//
// Coordinator is safe for concurrent use; its pending table is guarded
// by a single lock (spec §5).
type Coordinator[K comparable] struct {
	check CheckFunc[K]
	fetch FetchFunc[K]

	mu      sync.Mutex
	pending map[K]*pendingEntry
}

// New constructs a Coordinator. check and fetch must not be nil.
func New[K comparable](check CheckFunc[K], fetch FetchFunc[K]) *Coordinator[K] {
	if check == nil || fetch == nil {
		panic("request: nil check or fetch")
	}
	return &Coordinator[K]{
		check:   check,
		fetch:   fetch,
		pending: make(map[K]*pendingEntry),
	}
}

// Wait submits key for resolution and blocks until it is fulfilled, the
// pending entry's TTL expires, or ctx is canceled, whichever comes
// first. ctx's deadline (if any) also becomes the new pending entry's
// TTL, when this call is the one that creates it; ttl is used as a
// fallback for callers that pass a ctx with no deadline.
//
// Returns true iff the key was fulfilled before any of the above. A
// false return means the caller observed no segments and must treat
// the call as timed out (spec §4.3, §7: TimeoutError).
//
// Deduplication: if a pending entry for key already exists, Wait only
// attaches a new waiter to it — Fetch is never invoked twice for the
// same outstanding key (spec §4.3's "central invariant").
func (c *Coordinator[K]) Wait(ctx context.Context, key K, ttl time.Duration) bool {
	ch := make(chan struct{})

	c.mu.Lock()
	e, exists := c.pending[key]
	if !exists {
		e = &pendingEntry{}
		c.pending[key] = e
	}
	e.waiters = append(e.waiters, ch)
	shouldCheck := !exists
	c.mu.Unlock()

	if shouldCheck {
		if c.check(key) {
			c.Fulfill(key)
		} else {
			if deadline, ok := ctx.Deadline(); ok {
				if remaining := time.Until(deadline); remaining > 0 {
					ttl = remaining
				} else {
					ttl = 0
				}
			} else if ttl <= 0 {
				ttl = DefaultTTL
			}
			c.armExpiry(key, e, ttl)
			c.fetch(ctx, key)
		}
	}

	select {
	case <-ch:
		// safe without locking: the close of ch happens-after the write
		// to e.fulfilled, under Go's memory model.
		return e.fulfilled
	case <-ctx.Done():
		// The entry's TTL was taken from this very deadline when this
		// call created it, so evict it now instead of racing the timer.
		if shouldCheck && ctx.Err() == context.DeadlineExceeded {
			c.mu.Lock()
			var waiters []chan struct{}
			if cur, ok := c.pending[key]; ok && cur == e && !e.done {
				e.done = true
				delete(c.pending, key)
				if e.timer != nil {
					e.timer.Stop()
				}
				waiters = e.waiters
			}
			c.mu.Unlock()
			for _, w := range waiters {
				close(w)
			}
		}
		return false
	}
}

// armExpiry starts the timer that evicts the pending entry, releasing
// any attached waiters without fulfilment, once ttl elapses (spec
// §4.3: "Deadline / TTL").
func (c *Coordinator[K]) armExpiry(key K, e *pendingEntry, ttl time.Duration) {
	timer := time.AfterFunc(ttl, func() {
		c.mu.Lock()
		cur, ok := c.pending[key]
		if !ok || cur != e || e.done {
			c.mu.Unlock()
			return
		}
		e.done = true
		delete(c.pending, key)
		waiters := e.waiters
		c.mu.Unlock()

		for _, w := range waiters {
			close(w)
		}
	})
	c.mu.Lock()
	e.timer = timer
	c.mu.Unlock()
}

// Fulfill marks key as resolved, waking every attached waiter exactly
// once and removing the pending entry (spec §4.3: submission with no
// wake handle). Calling Fulfill for a key with no pending entry is a
// no-op — the reply simply arrived after the request already timed
// out, or with nothing currently waiting on it.
func (c *Coordinator[K]) Fulfill(key K) {
	c.mu.Lock()
	e, ok := c.pending[key]
	if !ok || e.done {
		c.mu.Unlock()
		return
	}
	e.done = true
	e.fulfilled = true
	delete(c.pending, key)
	if e.timer != nil {
		e.timer.Stop()
	}
	waiters := e.waiters
	c.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
}

// Pending reports the number of keys currently awaiting fulfilment or
// expiry; used by tests.
func (c *Coordinator[K]) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
