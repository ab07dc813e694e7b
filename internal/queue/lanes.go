// Package queue holds the per-function work lanes. Each lane is a strict
// FIFO of work items with long-poll semantics: a worker blocked in PopOrWait
// is handed the next pushed item directly, so a push can never be missed by
// a contemporaneous waiter.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/metrics"
)

// ErrCancelled is returned by PopOrWait when the caller's context ends
// before an item arrives. No item is consumed in that case.
var ErrCancelled = errors.New("queue: wait cancelled")

// waiter is a one-shot hand-off slot for one blocked PopOrWait call.
type waiter struct {
	ch chan *domain.WorkItem
}

type lane struct {
	items   []*domain.WorkItem
	waiters []*waiter
}

// Queues maps FunctionKey to its lane.
//
// # Concurrency
//
// One mutex guards the lane map and every lane's items and waiter list.
// "item appended" and "waiter woken" happen under the same critical section,
// which is what rules out lost wakeups. The lock is never held while the
// caller blocks; blocking happens on the waiter's private channel.
type Queues struct {
	mu    sync.Mutex
	lanes map[domain.FunctionKey]*lane
}

// New returns an empty lane store.
func New() *Queues {
	return &Queues{lanes: make(map[domain.FunctionKey]*lane)}
}

func (q *Queues) laneLocked(key domain.FunctionKey) *lane {
	ln, ok := q.lanes[key]
	if !ok {
		ln = &lane{}
		q.lanes[key] = ln
	}
	return ln
}

// handOffLocked moves queued items into waiting hands, oldest item to oldest
// waiter, until one side runs dry.
func handOffLocked(ln *lane) {
	for len(ln.items) > 0 && len(ln.waiters) > 0 {
		item := ln.items[0]
		ln.items = ln.items[1:]
		w := ln.waiters[0]
		ln.waiters = ln.waiters[1:]
		// Buffered one-shot channel; the send cannot block.
		w.ch <- item
	}
}

// Push enqueues an item on the lane identified by its key. It never blocks
// and never drops. If a waiter is parked on the lane, the oldest one is
// woken with the head item in the same critical section.
func (q *Queues) Push(item *domain.WorkItem) {
	q.mu.Lock()
	ln := q.laneLocked(item.Key)
	ln.items = append(ln.items, item)
	handOffLocked(ln)
	depth := len(ln.items)
	q.mu.Unlock()

	metrics.SetQueueDepth(item.Key.Name, depth)
}

// PopOrWait returns the head of the lane, or suspends until an item is
// pushed to that exact lane or ctx is done. Concurrent waiters are served in
// arrival order.
//
// # Edge cases
//
// A waiter whose context ends races any concurrent hand-off. If the hand-off
// won, the already-delivered item is put back at the lane head (and offered
// to the next waiter) so nothing is consumed by a cancelled call.
func (q *Queues) PopOrWait(ctx context.Context, key domain.FunctionKey) (*domain.WorkItem, error) {
	q.mu.Lock()
	ln := q.laneLocked(key)
	if len(ln.items) > 0 {
		item := ln.items[0]
		ln.items = ln.items[1:]
		depth := len(ln.items)
		q.mu.Unlock()
		metrics.SetQueueDepth(key.Name, depth)
		return item, nil
	}

	w := &waiter{ch: make(chan *domain.WorkItem, 1)}
	ln.waiters = append(ln.waiters, w)
	q.mu.Unlock()

	select {
	case item := <-w.ch:
		return item, nil
	case <-ctx.Done():
		q.mu.Lock()
		removed := false
		for i, cand := range ln.waiters {
			if cand == w {
				ln.waiters = append(ln.waiters[:i], ln.waiters[i+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			// A hand-off beat the cancellation; requeue at the head.
			select {
			case item := <-w.ch:
				ln.items = append([]*domain.WorkItem{item}, ln.items...)
				handOffLocked(ln)
			default:
			}
		}
		q.mu.Unlock()
		return nil, ErrCancelled
	}
}

// TryPop removes and returns the lane head without waiting. The runtime API
// uses it to fail queued items fast when a lane's only container reports an
// init error.
func (q *Queues) TryPop(key domain.FunctionKey) (*domain.WorkItem, bool) {
	q.mu.Lock()
	ln, ok := q.lanes[key]
	if !ok || len(ln.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	item := ln.items[0]
	ln.items = ln.items[1:]
	depth := len(ln.items)
	q.mu.Unlock()

	metrics.SetQueueDepth(key.Name, depth)
	return item, true
}

// Peek returns the lane head without consuming it. The autoscaler uses it
// to recover the function snapshot and resolved environment for scale-up.
func (q *Queues) Peek(key domain.FunctionKey) (*domain.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ln, ok := q.lanes[key]; ok && len(ln.items) > 0 {
		return ln.items[0], true
	}
	return nil, false
}

// Depth reports the number of queued items on a lane.
func (q *Queues) Depth(key domain.FunctionKey) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ln, ok := q.lanes[key]; ok {
		return len(ln.items)
	}
	return 0
}

// waiterCount reports the number of parked PopOrWait calls on a lane.
func (q *Queues) waiterCount(key domain.FunctionKey) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if ln, ok := q.lanes[key]; ok {
		return len(ln.waiters)
	}
	return 0
}

// Keys returns every lane key with queued items.
func (q *Queues) Keys() []domain.FunctionKey {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]domain.FunctionKey, 0, len(q.lanes))
	for key, ln := range q.lanes {
		if len(ln.items) > 0 {
			keys = append(keys, key)
		}
	}
	return keys
}

// DrainFunction removes and returns every queued item for the named
// function across all of its lanes. Parked waiters stay parked; their
// callers' contexts will release them.
func (q *Queues) DrainFunction(name string) []*domain.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	var drained []*domain.WorkItem
	for key, ln := range q.lanes {
		if key.Name != name || len(ln.items) == 0 {
			continue
		}
		drained = append(drained, ln.items...)
		ln.items = nil
		metrics.SetQueueDepth(key.Name, 0)
	}
	return drained
}
