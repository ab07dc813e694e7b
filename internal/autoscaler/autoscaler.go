// Package autoscaler runs the background capacity loops: the scaler grows
// lanes whose queues outpace their warm instances, and the idle watchdog
// reclaims containers nobody is using. Both observe first and act without
// holding pool locks across engine calls.
package autoscaler

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/pool"
	"github.com/oriys/quasar/internal/queue"
)

// CapacityProvider is the slice of the provisioner the scaler drives.
type CapacityProvider interface {
	CanCreate(name string) bool
	CreateOne(ctx context.Context, fn *domain.Function, key domain.FunctionKey, resolvedEnv map[string]string) (string, error)
	Restart(ctx context.Context, containerID string) error
}

type Config struct {
	// Interval between scaling passes.
	Interval time.Duration
	// CreateBudgetPerTick caps container creations per pass across all
	// lanes, keeping a burst from monopolizing the engine.
	CreateBudgetPerTick int
}

// Autoscaler grows capacity for backlogged lanes. Shrinking is the
// watchdog's job; the scaler only ever adds.
type Autoscaler struct {
	cfg    Config
	queues *queue.Queues
	pool   *pool.Pool
	prov   CapacityProvider
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, queues *queue.Queues, p *pool.Pool, prov CapacityProvider) *Autoscaler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.CreateBudgetPerTick <= 0 {
		cfg.CreateBudgetPerTick = 4
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Autoscaler{
		cfg:    cfg,
		queues: queues,
		pool:   p,
		prov:   prov,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start launches the scaling loop.
func (a *Autoscaler) Start() {
	go a.loop()
	logging.Op().Info("autoscaler started",
		"interval", a.cfg.Interval, "create_budget", a.cfg.CreateBudgetPerTick)
}

// Stop cancels the loop and waits for the current pass to finish.
func (a *Autoscaler) Stop() {
	a.cancel()
	<-a.done
}

func (a *Autoscaler) loop() {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.evaluate(a.ctx)
		}
	}
}

// evaluate makes at most one capacity move per backlogged lane: restart a
// stopped container when the lane has one, otherwise create. The accept path
// already provisions the first container of a cold lane; this pass handles
// backlog that outgrows it.
func (a *Autoscaler) evaluate(ctx context.Context) {
	budget := a.cfg.CreateBudgetPerTick

	for _, key := range a.queues.Keys() {
		if ctx.Err() != nil {
			return
		}
		depth := a.queues.Depth(key)
		if depth == 0 {
			continue
		}
		stats := a.pool.LaneStats(key)

		// A stopped container wakes faster than a fresh one builds.
		if stats.Idle == 0 && stats.Stopped > 0 {
			if containerID, ok := a.pool.GetOneStopped(key); ok {
				if err := a.prov.Restart(ctx, containerID); err != nil {
					logging.Op().Warn("autoscale restart failed",
						"function", key.Name, "container_id", containerID, "error", err)
				} else {
					metrics.RecordAutoscaleAction(key.Name, "restart")
					continue
				}
			}
		}

		// Stopped counts as capacity: the restart branch wakes one per
		// tick until the backlog is covered.
		if depth <= stats.Idle+stats.Stopped {
			continue
		}
		if budget <= 0 || !a.prov.CanCreate(key.Name) {
			continue
		}
		item, ok := a.queues.Peek(key)
		if !ok {
			continue
		}

		if _, err := a.prov.CreateOne(ctx, item.Function, key, item.ResolvedEnv); err != nil {
			logging.Op().Warn("autoscale create failed",
				"function", key.Name, "error", err)
			continue
		}
		budget--
		metrics.RecordAutoscaleAction(key.Name, "create")
		logging.Op().Info("scaled up lane",
			"function", key.Name, "version", key.Version,
			"queue_depth", depth, "idle", stats.Idle)
	}
}
