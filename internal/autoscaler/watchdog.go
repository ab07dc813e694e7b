package autoscaler

import (
	"context"
	"time"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/pool"
	"github.com/oriys/quasar/internal/sandbox"
)

// stopGraceSeconds is how long the engine waits for a container to exit
// before escalating to SIGKILL. Idle containers are long-polling and exit
// immediately, so the grace is rarely consumed.
const stopGraceSeconds = 10

type WatchdogConfig struct {
	// Interval between reclaim passes.
	Interval time.Duration
	// SoftIdleAfter stops containers idle this long, keeping them on disk
	// for a cheap restart.
	SoftIdleAfter time.Duration
	// HardIdleAfter removes containers idle this long outright. Stopped
	// containers are judged by the same window.
	HardIdleAfter time.Duration
	// MaxAge additionally gates hard removal: a container younger than
	// this is stopped rather than removed, however long it idled.
	MaxAge time.Duration
	// StoppedCapPerLane bounds how many stopped containers a lane retains;
	// the oldest beyond the cap are evicted.
	StoppedCapPerLane int
}

// Watchdog reclaims idle, stopped, and failed containers. Each pass collects
// candidates from the pool, then talks to the engine without any pool lock
// held; candidates that changed state since collection are skipped.
type Watchdog struct {
	cfg    WatchdogConfig
	pool   *pool.Pool
	driver sandbox.Driver
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewWatchdog(cfg WatchdogConfig, p *pool.Pool, driver sandbox.Driver) *Watchdog {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.SoftIdleAfter <= 0 {
		cfg.SoftIdleAfter = 5 * time.Minute
	}
	if cfg.HardIdleAfter <= 0 {
		cfg.HardIdleAfter = 30 * time.Minute
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Minute
	}
	if cfg.StoppedCapPerLane <= 0 {
		cfg.StoppedCapPerLane = 2
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watchdog{
		cfg:    cfg,
		pool:   p,
		driver: driver,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Start launches the reclaim loop.
func (w *Watchdog) Start() {
	go w.loop()
	logging.Op().Info("idle watchdog started",
		"interval", w.cfg.Interval,
		"soft_idle", w.cfg.SoftIdleAfter,
		"hard_idle", w.cfg.HardIdleAfter)
}

// Stop cancels the loop and waits for the current pass to finish.
func (w *Watchdog) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watchdog) loop() {
	defer close(w.done)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.evaluate(w.ctx)
		}
	}
}

func (w *Watchdog) evaluate(ctx context.Context) {
	now := time.Now()
	removed := make(map[string]struct{})

	// Hard removal needs both windows: idle long enough AND old enough.
	// A young container that idled past the hard window falls through to
	// the soft pass and is stopped instead.
	for _, wc := range w.pool.ListHardIdle(w.cfg.HardIdleAfter) {
		if now.Sub(wc.CreatedAt) < w.cfg.MaxAge {
			continue
		}
		if !w.stillIdle(wc.ContainerID) {
			continue
		}
		if !w.pool.SetStateByContainerID(wc.ContainerID, pool.StateDraining) {
			continue
		}
		removed[wc.ContainerID] = struct{}{}
		w.remove(ctx, wc.ContainerID, wc.Key.Name, "remove_idle")
	}

	// Soft candidates include the hard ones; those are already gone.
	for _, wc := range w.pool.ListSoftIdle(w.cfg.SoftIdleAfter) {
		if _, done := removed[wc.ContainerID]; done {
			continue
		}
		// The transition itself is the guard: an instance grabbed for
		// work in the meantime is Active, and Active cannot stop.
		if !w.pool.SetStateByContainerID(wc.ContainerID, pool.StateStopping) {
			continue
		}
		if err := w.driver.Stop(ctx, wc.ContainerID, stopGraceSeconds); err != nil {
			logging.Op().Warn("watchdog stop failed",
				"container_id", wc.ContainerID, "error", err)
			// Keep it out of service rather than guessing its state.
			w.pool.SetStateByContainerID(wc.ContainerID, pool.StateFailed)
			continue
		}
		w.pool.SetStateByContainerID(wc.ContainerID, pool.StateStopped)
		metrics.RecordWatchdogAction("stop_idle")
		logging.Op().Info("stopped idle container",
			"function", wc.Key.Name, "container_id", wc.ContainerID)
	}

	for _, wc := range w.pool.ListStoppedIdle(w.cfg.HardIdleAfter) {
		if now.Sub(wc.CreatedAt) < w.cfg.MaxAge {
			continue
		}
		w.remove(ctx, wc.ContainerID, wc.Key.Name, "remove_stopped")
	}

	for _, wc := range w.pool.StoppedOverflow(w.cfg.StoppedCapPerLane) {
		w.remove(ctx, wc.ContainerID, wc.Key.Name, "evict_stopped")
	}

	for _, wc := range w.pool.ListFailed() {
		w.remove(ctx, wc.ContainerID, wc.Key.Name, "remove_failed")
	}
}

// stillIdle re-reads the entry just before acting; collection and action are
// separated by engine calls and the instance may have taken work since.
func (w *Watchdog) stillIdle(containerID string) bool {
	wc, ok := w.pool.Lookup(containerID)
	return ok && wc.State == pool.StateWarmIdle
}

func (w *Watchdog) remove(ctx context.Context, containerID, function, action string) {
	if err := w.driver.Remove(ctx, containerID, true); err != nil {
		logging.Op().Warn("watchdog remove failed",
			"container_id", containerID, "error", err)
		// Park it Failed so the next pass retries the removal.
		if wc, ok := w.pool.Lookup(containerID); ok && wc.State != pool.StateFailed {
			w.pool.SetStateByContainerID(containerID, pool.StateFailed)
		}
		return
	}
	w.pool.RemoveByContainerID(containerID)
	metrics.RecordWatchdogAction(action)
	logging.Op().Info("reclaimed container",
		"function", function, "container_id", containerID, "action", action)
}
