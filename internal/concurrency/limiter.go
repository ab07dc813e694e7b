// Package concurrency enforces per-function reserved execution slots.
// Containers are a physical resource; tokens are a policy cap. The limiter
// is deliberately independent of warm pool size.
package concurrency

import (
	"errors"
	"sync"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/metrics"
)

// ErrReservedLimit is returned by Acquire when the function is at its
// reserved-concurrency cap. Surfaces to callers as HTTP 429.
var ErrReservedLimit = errors.New("concurrency: reserved concurrency limit reached")

// Limiter tracks outstanding tokens per function id.
//
// Capacity resolution order: a live SetReserved override, then the
// function's stored reserved_concurrency, then the configured default.
// Zero default means unlimited; an explicit reserved value of 0 refuses
// every acquire (AWS semantics for throttling a function off).
type Limiter struct {
	mu          sync.Mutex
	defaultCap  int
	reserved    map[string]*int
	outstanding map[string]int
}

// Token is one acquired execution slot. Release is idempotent so every exit
// path (success, error, timeout, panic recovery) can call it safely.
type Token struct {
	limiter    *Limiter
	functionID string
	function   string
	once       sync.Once
}

// New returns a limiter with the given default cap (0 = unlimited).
func New(defaultCap int) *Limiter {
	return &Limiter{
		defaultCap:  defaultCap,
		reserved:    make(map[string]*int),
		outstanding: make(map[string]int),
	}
}

// Acquire takes a slot for one invocation of fn, refusing immediately when
// the cap is reached.
func (l *Limiter) Acquire(fn *domain.Function) (*Token, error) {
	l.mu.Lock()
	limit, limited := l.capacityLocked(fn)
	if limited && l.outstanding[fn.ID] >= limit {
		l.mu.Unlock()
		metrics.RecordConcurrencyRejection(fn.Name)
		return nil, ErrReservedLimit
	}
	l.outstanding[fn.ID]++
	n := l.outstanding[fn.ID]
	l.mu.Unlock()

	metrics.SetTokensHeld(fn.Name, n)
	return &Token{limiter: l, functionID: fn.ID, function: fn.Name}, nil
}

func (l *Limiter) capacityLocked(fn *domain.Function) (int, bool) {
	if override, ok := l.reserved[fn.ID]; ok {
		if override == nil {
			if l.defaultCap > 0 {
				return l.defaultCap, true
			}
			return 0, false
		}
		return *override, true
	}
	if fn.ReservedConcurrency != nil {
		return *fn.ReservedConcurrency, true
	}
	if l.defaultCap > 0 {
		return l.defaultCap, true
	}
	return 0, false
}

// SetReserved updates the live cap for a function. nil clears the override
// so the default applies again. Lowering below the outstanding count leaves
// existing tokens untouched; new acquires are refused until drained.
func (l *Limiter) SetReserved(functionID string, limit *int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit == nil {
		l.reserved[functionID] = nil
		return
	}
	v := *limit
	l.reserved[functionID] = &v
}

// ClearReserved forgets everything about a function (on delete).
func (l *Limiter) ClearReserved(functionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reserved, functionID)
	delete(l.outstanding, functionID)
}

// Outstanding reports the tokens currently held for a function.
func (l *Limiter) Outstanding(functionID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.outstanding[functionID]
}

// Release returns the slot. Only the first call has an effect.
func (t *Token) Release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		l := t.limiter
		l.mu.Lock()
		if n := l.outstanding[t.functionID]; n > 1 {
			l.outstanding[t.functionID] = n - 1
		} else {
			delete(l.outstanding, t.functionID)
		}
		n := l.outstanding[t.functionID]
		l.mu.Unlock()

		metrics.SetTokensHeld(t.function, n)
	})
}
