package pool

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/sandbox"
)

// Reconciler keeps the pool consistent with the container engine. Driver
// events are ground truth: whatever the pool believed an instance was
// doing, an observed die or remove wins. All handlers are idempotent, so
// the watchdog and the event stream can both act on the same container.
type Reconciler struct {
	pool   *Pool
	driver sandbox.Driver
	cancel context.CancelFunc
	done   chan struct{}
}

func NewReconciler(p *Pool, driver sandbox.Driver) *Reconciler {
	return &Reconciler{pool: p, driver: driver}
}

// Start subscribes to the driver event stream and applies events until the
// context is cancelled or Stop is called.
func (r *Reconciler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	events, err := r.driver.Events(ctx)
	if err != nil {
		cancel()
		return err
	}
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					logging.Op().Warn("driver event stream closed")
					return
				}
				r.apply(ctx, ev)
			}
		}
	}()
	return nil
}

// Stop cancels the event subscription and waits for the loop to exit.
func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		<-r.done
	}
}

func (r *Reconciler) apply(ctx context.Context, ev sandbox.Event) {
	switch ev.Action {
	case sandbox.EventDie, sandbox.EventOOM:
		failed := r.pool.ObserveDeath(ev.ContainerID)
		if failed {
			logging.Op().Warn("container died unexpectedly",
				"container_id", ev.ContainerID, "exit_code", ev.ExitCode)
			// The entry is Failed; reclaim the container right away
			// instead of waiting for the watchdog.
			r.removeFailed(ctx, ev.ContainerID)
		}
	case sandbox.EventStop:
		r.pool.ObserveStop(ev.ContainerID)
	case sandbox.EventStart:
		r.pool.ObserveStart(ev.ContainerID)
	case sandbox.EventRemove, sandbox.EventDestroy:
		if r.pool.RemoveByContainerID(ev.ContainerID) {
			logging.Op().Info("container removed externally",
				"container_id", ev.ContainerID)
		}
	}
}

func (r *Reconciler) removeFailed(ctx context.Context, containerID string) {
	rmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := r.driver.Remove(rmCtx, containerID, true); err != nil {
		logging.Op().Warn("failed container removal",
			"container_id", containerID, "error", err)
	}
	r.pool.RemoveByContainerID(containerID)
}

// ObserveDeath records an engine-reported death. An expected death (the
// pool was stopping or draining the container) lands in Stopped; an
// unexpected one lands in Failed and the reconciler removes it. Returns
// true when the entry became Failed.
func (p *Pool) ObserveDeath(containerID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	wc, ok := p.byContainer[containerID]
	if !ok {
		return false
	}
	switch wc.State {
	case StateStopped, StateFailed:
		return false
	case StateStopping, StateDraining:
		wc.State = StateStopped
		p.publishLocked(wc.Key.Name)
		return false
	default:
		wc.State = StateFailed
		p.publishLocked(wc.Key.Name)
		return true
	}
}

// ObserveStop records an engine-reported stop, idempotently.
func (p *Pool) ObserveStop(containerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	wc, ok := p.byContainer[containerID]
	if !ok || wc.State == StateStopped || wc.State == StateFailed {
		return
	}
	wc.State = StateStopped
	p.publishLocked(wc.Key.Name)
}

// ObserveStart records an engine-reported start. Only a Stopped entry
// changes state: starts during provisioning are driven by the provisioner
// itself.
func (p *Pool) ObserveStart(containerID string) {
	p.MarkRestarted(containerID)
}
