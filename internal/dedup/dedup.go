// Package dedup is the request deduplicator (C6): concurrent callers that
// share a fingerprint coalesce onto one producer invocation and all
// receive its result. Not grounded on a teacher/pack file directly — the
// teacher has no equivalent, and the closest ecosystem fit
// (golang.org/x/sync/singleflight) isn't in any example repo's go.mod —
// so this stays a thin stdlib wrapper (sync+context) per spec.md §4.4/§9,
// justified in DESIGN.md rather than imported.
package dedup

import (
	"context"
	"sync"
)

// call is one in-flight or completed producer invocation shared by every
// caller that arrives with the same key while it runs.
type call[T any] struct {
	done   chan struct{}
	val    T
	err    error
}

// Deduplicator coalesces concurrent Do calls sharing a key onto a single
// producer invocation. Entries are removed as soon as the producer
// completes, so the next call with the same key starts a fresh one.
type Deduplicator[T any] struct {
	mu    sync.Mutex
	calls map[string]*call[T]
}

func New[T any]() *Deduplicator[T] {
	return &Deduplicator[T]{calls: make(map[string]*call[T])}
}

// Do runs fn for key, or — if a call for key is already in flight — waits
// for that call's result instead of invoking fn again. Every waiter on a
// given key observes the same success or error. Canceling ctx unblocks
// this caller's wait early (ctx.Err() is returned) but never cancels the
// producer: other waiters, and any caller that joins later, still observe
// the producer's real outcome.
func (d *Deduplicator[T]) Do(ctx context.Context, key string, fn func(context.Context) (T, error)) (T, error) {
	d.mu.Lock()
	if c, ok := d.calls[key]; ok {
		d.mu.Unlock()
		return waitFor(ctx, c)
	}

	c := &call[T]{done: make(chan struct{})}
	d.calls[key] = c
	d.mu.Unlock()

	// The producer runs detached from ctx: a background context so a
	// caller's cancellation can't tear down work other waiters depend on.
	c.val, c.err = fn(context.WithoutCancel(ctx))
	close(c.done)

	d.mu.Lock()
	if d.calls[key] == c {
		delete(d.calls, key)
	}
	d.mu.Unlock()

	return c.val, c.err
}

func waitFor[T any](ctx context.Context, c *call[T]) (T, error) {
	select {
	case <-c.done:
		return c.val, c.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// InFlight reports whether a call for key is currently coalescing
// waiters, for diagnostics/tests.
func (d *Deduplicator[T]) InFlight(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.calls[key]
	return ok
}
