// Package pending bridges the synchronous invoke caller to the asynchronous
// runtime. Each accepted invocation registers a one-shot waiter keyed by
// request id; exactly one writer (the runtime API on completion, or the
// dispatcher on timeout) delivers to it.
package pending

import (
	"sync"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/metrics"
)

// Waiter is the consumer handle for one pending invocation.
type Waiter struct {
	ch chan domain.Result
}

// Result returns the delivery channel. It yields exactly one value once a
// writer wins the entry.
func (w *Waiter) Result() <-chan domain.Result { return w.ch }

// Registry maps request id to its in-flight waiter.
//
// First writer wins: delivery removes the entry atomically, so a second
// Complete or FailIfWaiting for the same id observes no entry and reports
// false, which callers surface as a late/duplicate 404.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Waiter
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Waiter)}
}

// Register creates the entry for a fresh request id and returns its waiter.
func (r *Registry) Register(requestID string) *Waiter {
	w := &Waiter{ch: make(chan domain.Result, 1)}
	r.mu.Lock()
	r.entries[requestID] = w
	n := len(r.entries)
	r.mu.Unlock()

	metrics.SetPendingEntries(n)
	return w
}

// Complete delivers the runtime's result and removes the entry. It reports
// false when no entry exists (late or duplicate delivery).
func (r *Registry) Complete(requestID string, res domain.Result) bool {
	return r.deliver(requestID, res)
}

// FailIfWaiting is the dispatcher's idempotent timeout variant of Complete.
// At most one of Complete/FailIfWaiting succeeds for a given id.
func (r *Registry) FailIfWaiting(requestID string, res domain.Result) bool {
	return r.deliver(requestID, res)
}

func (r *Registry) deliver(requestID string, res domain.Result) bool {
	r.mu.Lock()
	w, ok := r.entries[requestID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.entries, requestID)
	n := len(r.entries)
	r.mu.Unlock()

	metrics.SetPendingEntries(n)
	// Buffered one-shot channel; the send cannot block.
	w.ch <- res
	return true
}

// Remove unregisters an entry without delivering. Used when the dispatcher
// aborts before the work item could be enqueued.
func (r *Registry) Remove(requestID string) bool {
	r.mu.Lock()
	_, ok := r.entries[requestID]
	delete(r.entries, requestID)
	n := len(r.entries)
	r.mu.Unlock()

	metrics.SetPendingEntries(n)
	return ok
}

// Len reports the number of in-flight entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// FailAll delivers res to every in-flight entry and empties the registry.
// Used on daemon shutdown so callers fail fast instead of waiting out their
// deadlines. Returns the number of entries failed.
func (r *Registry) FailAll(res domain.Result) int {
	r.mu.Lock()
	waiters := make([]*Waiter, 0, len(r.entries))
	for _, w := range r.entries {
		waiters = append(waiters, w)
	}
	r.entries = make(map[string]*Waiter)
	r.mu.Unlock()

	for _, w := range waiters {
		w.ch <- res
	}
	metrics.SetPendingEntries(0)
	return len(waiters)
}
