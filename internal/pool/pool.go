// Package pool tracks warm containers per function lane and owns their
// instance state machine. The pool is pure bookkeeping: every operation is
// atomic under one mutex and no driver I/O ever happens with the lock held.
// Callers collect the container ids they need, release the lock, then talk
// to the sandbox driver.
package pool

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
)

// WarmContainer is one sandbox instance owned by the pool. The RuntimeAPI
// references it only transiently while marking active/idle; everything else
// goes through pool operations.
type WarmContainer struct {
	ContainerID string
	InstanceID  string
	FunctionID  string
	Key         domain.FunctionKey
	ImageRef    string
	CreatedAt   time.Time
	LastUsedAt  time.Time
	State       InstanceState
}

// NewWarmContainer returns an entry in StateInit with a fresh instance id.
// The caller fills ContainerID after the driver creates the container and
// then Adds the entry to the pool.
func NewWarmContainer(functionID string, key domain.FunctionKey, imageRef string) *WarmContainer {
	now := time.Now()
	return &WarmContainer{
		InstanceID: uuid.New().String(),
		FunctionID: functionID,
		Key:        key,
		ImageRef:   imageRef,
		CreatedAt:  now,
		LastUsedAt: now,
		State:      StateInit,
	}
}

// Stats is a point-in-time view of one lane, consumed by the autoscaler.
type Stats struct {
	Idle    int
	Active  int
	Stopped int
	Total   int
}

// Pool is the in-memory inventory of containers keyed by FunctionKey.
type Pool struct {
	mu          sync.Mutex
	lanes       map[domain.FunctionKey][]*WarmContainer
	byContainer map[string]*WarmContainer
	byInstance  map[string]*WarmContainer
}

func New() *Pool {
	return &Pool{
		lanes:       make(map[domain.FunctionKey][]*WarmContainer),
		byContainer: make(map[string]*WarmContainer),
		byInstance:  make(map[string]*WarmContainer),
	}
}

// Count returns the number of entries on the lane, in any state.
func (p *Pool) Count(key domain.FunctionKey) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes[key])
}

// Total returns the number of entries across all lanes.
func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byContainer)
}

// CountByName returns the number of entries across all lanes of one
// function name, covering every version and environment variant.
func (p *Pool) CountByName(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, wc := range p.byContainer {
		if wc.Key.Name == name {
			n++
		}
	}
	return n
}

// HasAvailable reports whether the lane has at least one WarmIdle entry.
func (p *Pool) HasAvailable(key domain.FunctionKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, wc := range p.lanes[key] {
		if wc.State == StateWarmIdle {
			return true
		}
	}
	return false
}

// GetOneStopped returns the container id of a Stopped entry on the lane
// without changing its state. The caller restarts it through the driver and
// then marks it WarmIdle.
func (p *Pool) GetOneStopped(key domain.FunctionKey) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, wc := range p.lanes[key] {
		if wc.State == StateStopped {
			return wc.ContainerID, true
		}
	}
	return "", false
}

// Add inserts a freshly created container on its lane and moves it
// Init → Provisioning: an entry enters the pool the moment the driver has
// materialized a container for it. Duplicate container ids are rejected.
func (p *Pool) Add(key domain.FunctionKey, wc *WarmContainer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if wc.ContainerID == "" {
		logging.Op().Warn("refusing pool add without container id",
			"instance_id", wc.InstanceID, "function", key.Name)
		return false
	}
	if _, dup := p.byContainer[wc.ContainerID]; dup {
		logging.Op().Warn("refusing duplicate pool add",
			"container_id", wc.ContainerID, "function", key.Name)
		return false
	}
	wc.Key = key
	if wc.State == StateInit {
		wc.State = StateProvisioning
	}
	p.lanes[key] = append(p.lanes[key], wc)
	p.byContainer[wc.ContainerID] = wc
	p.byInstance[wc.InstanceID] = wc
	p.publishLocked(key.Name)
	return true
}

// SetStateByContainerID transitions the entry identified by its driver
// handle. Illegal transitions are rejected with a warning and no state
// change.
func (p *Pool) SetStateByContainerID(containerID string, next InstanceState) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wc, ok := p.byContainer[containerID]
	if !ok {
		return false
	}
	return p.transitionLocked(wc, next)
}

// MarkActiveByInstance moves WarmIdle → Active for the instance that just
// dequeued work through the runtime API, refreshing last_used_at. This is
// the only path that elects an instance to serve.
func (p *Pool) MarkActiveByInstance(instanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wc, ok := p.byInstance[instanceID]
	if !ok {
		return false
	}
	if wc.State != StateWarmIdle {
		logging.Op().Warn("instance not idle on work delivery",
			"instance_id", instanceID, "state", string(wc.State))
		return false
	}
	wc.State = StateActive
	wc.LastUsedAt = time.Now()
	p.publishLocked(wc.Key.Name)
	return true
}

// MarkIdleByInstance moves Active → WarmIdle after the instance posted its
// result, refreshing last_used_at so idle windows measure from completion.
func (p *Pool) MarkIdleByInstance(instanceID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wc, ok := p.byInstance[instanceID]
	if !ok {
		return false
	}
	if wc.State != StateActive {
		return false
	}
	wc.State = StateWarmIdle
	wc.LastUsedAt = time.Now()
	p.publishLocked(wc.Key.Name)
	return true
}

// MarkRestarted moves a Stopped entry back to WarmIdle after a successful
// engine start. Entries in any other state are left alone: a concurrent
// restart may have won, or the entry may already be serving again.
func (p *Pool) MarkRestarted(containerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wc, ok := p.byContainer[containerID]
	if !ok || wc.State != StateStopped {
		return false
	}
	wc.State = StateWarmIdle
	wc.LastUsedAt = time.Now()
	p.publishLocked(wc.Key.Name)
	return true
}

// MarkAnyActiveToIdle is the compatibility fallback for runtimes that omit
// the instance header on response: it idles the first Active entry on the
// lane. Best effort.
func (p *Pool) MarkAnyActiveToIdle(key domain.FunctionKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, wc := range p.lanes[key] {
		if wc.State == StateActive {
			wc.State = StateWarmIdle
			wc.LastUsedAt = time.Now()
			p.publishLocked(key.Name)
			return true
		}
	}
	return false
}

// RemoveByContainerID deletes the entry outright; the container is
// logically Terminated. The caller is responsible for removing the
// container through the driver.
func (p *Pool) RemoveByContainerID(containerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wc, ok := p.byContainer[containerID]
	if !ok {
		return false
	}
	p.deleteLocked(wc)
	p.publishLocked(wc.Key.Name)
	return true
}

// DrainByFunctionID removes every entry of one function across all lanes
// and returns their container ids for the caller to remove through the
// driver. Calling it again returns nothing.
func (p *Pool) DrainByFunctionID(functionID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	names := make(map[string]struct{})
	for _, wc := range p.byContainer {
		if wc.FunctionID != functionID {
			continue
		}
		ids = append(ids, wc.ContainerID)
		names[wc.Key.Name] = struct{}{}
	}
	for _, id := range ids {
		p.deleteLocked(p.byContainer[id])
	}
	for name := range names {
		p.publishLocked(name)
	}
	return ids
}

// DrainAll empties the pool and returns all container ids.
func (p *Pool) DrainAll() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.byContainer))
	names := make(map[string]struct{})
	for id, wc := range p.byContainer {
		ids = append(ids, id)
		names[wc.Key.Name] = struct{}{}
	}
	p.lanes = make(map[domain.FunctionKey][]*WarmContainer)
	p.byContainer = make(map[string]*WarmContainer)
	p.byInstance = make(map[string]*WarmContainer)
	for name := range names {
		p.publishLocked(name)
	}
	return ids
}

// ListSoftIdle returns copies of WarmIdle entries idle for at least soft.
func (p *Pool) ListSoftIdle(soft time.Duration) []WarmContainer {
	return p.listIdle(soft)
}

// ListHardIdle returns copies of WarmIdle entries idle for at least hard.
// The watchdog additionally applies the max-age condition before removal.
func (p *Pool) ListHardIdle(hard time.Duration) []WarmContainer {
	return p.listIdle(hard)
}

func (p *Pool) listIdle(window time.Duration) []WarmContainer {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var out []WarmContainer
	for _, lane := range p.lanes {
		for _, wc := range lane {
			if wc.State == StateWarmIdle && now.Sub(wc.LastUsedAt) >= window {
				out = append(out, *wc)
			}
		}
	}
	return out
}

// ListStoppedIdle returns copies of Stopped entries idle for at least
// window, so hard-idle removal also reclaims retained stopped containers.
func (p *Pool) ListStoppedIdle(window time.Duration) []WarmContainer {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	var out []WarmContainer
	for _, lane := range p.lanes {
		for _, wc := range lane {
			if wc.State == StateStopped && now.Sub(wc.LastUsedAt) >= window {
				out = append(out, *wc)
			}
		}
	}
	return out
}

// ListFailed returns copies of Failed entries; they are candidates for
// immediate removal.
func (p *Pool) ListFailed() []WarmContainer {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []WarmContainer
	for _, lane := range p.lanes {
		for _, wc := range lane {
			if wc.State == StateFailed {
				out = append(out, *wc)
			}
		}
	}
	return out
}

// StoppedOverflow returns, per lane, the Stopped entries beyond capPerLane,
// oldest by last_used_at first. A cap of zero or less disables retention
// limiting.
func (p *Pool) StoppedOverflow(capPerLane int) []WarmContainer {
	if capPerLane <= 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []WarmContainer
	for _, lane := range p.lanes {
		var stopped []*WarmContainer
		for _, wc := range lane {
			if wc.State == StateStopped {
				stopped = append(stopped, wc)
			}
		}
		if len(stopped) <= capPerLane {
			continue
		}
		sort.Slice(stopped, func(i, j int) bool {
			return stopped[i].LastUsedAt.Before(stopped[j].LastUsedAt)
		})
		for _, wc := range stopped[:len(stopped)-capPerLane] {
			out = append(out, *wc)
		}
	}
	return out
}

// LaneStats returns per-state counts for one lane.
func (p *Pool) LaneStats(key domain.FunctionKey) Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	for _, wc := range p.lanes[key] {
		s.Total++
		switch wc.State {
		case StateWarmIdle:
			s.Idle++
		case StateActive:
			s.Active++
		case StateStopped:
			s.Stopped++
		}
	}
	return s
}

// Lookup returns a copy of the entry for a container id.
func (p *Pool) Lookup(containerID string) (WarmContainer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wc, ok := p.byContainer[containerID]
	if !ok {
		return WarmContainer{}, false
	}
	return *wc, true
}

// LookupInstance returns a copy of the entry for an instance id. The runtime
// API uses it to resolve the caller's lane from its INSTANCE_ID header.
func (p *Pool) LookupInstance(instanceID string) (WarmContainer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wc, ok := p.byInstance[instanceID]
	if !ok {
		return WarmContainer{}, false
	}
	return *wc, true
}

func (p *Pool) transitionLocked(wc *WarmContainer, next InstanceState) bool {
	if wc.State == next {
		return true
	}
	if !canTransition(wc.State, next) {
		logging.Op().Warn("illegal instance state transition",
			"container_id", wc.ContainerID,
			"function", wc.Key.Name,
			"from", string(wc.State),
			"to", string(next))
		return false
	}
	wc.State = next
	p.publishLocked(wc.Key.Name)
	return true
}

func (p *Pool) deleteLocked(wc *WarmContainer) {
	lane := p.lanes[wc.Key]
	kept := lane[:0]
	for _, cur := range lane {
		if cur != wc {
			kept = append(kept, cur)
		}
	}
	if len(kept) == 0 {
		delete(p.lanes, wc.Key)
	} else {
		p.lanes[wc.Key] = kept
	}
	delete(p.byContainer, wc.ContainerID)
	delete(p.byInstance, wc.InstanceID)
}

// publishLocked refreshes the pool size gauges for every state of one
// function name, zeroing states no longer present.
func (p *Pool) publishLocked(name string) {
	counts := make(map[InstanceState]int, len(allStates))
	for _, wc := range p.byContainer {
		if wc.Key.Name == name {
			counts[wc.State]++
		}
	}
	for _, st := range allStates {
		metrics.SetWarmPoolSize(name, string(st), counts[st])
	}
}

