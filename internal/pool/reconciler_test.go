package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/sandbox"
)

type fakeDriver struct {
	mu      sync.Mutex
	events  chan sandbox.Event
	removed []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{events: make(chan sandbox.Event, 16)}
}

func (d *fakeDriver) Create(ctx context.Context, spec sandbox.CreateSpec) (string, error) {
	return "", nil
}
func (d *fakeDriver) Start(ctx context.Context, id string) error { return nil }
func (d *fakeDriver) Stop(ctx context.Context, id string, grace int) error {
	return nil
}
func (d *fakeDriver) Remove(ctx context.Context, id string, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, id)
	return nil
}
func (d *fakeDriver) InspectRunning(ctx context.Context, id string) (bool, error) {
	return true, nil
}
func (d *fakeDriver) Events(ctx context.Context) (<-chan sandbox.Event, error) {
	return d.events, nil
}
func (d *fakeDriver) Logs(ctx context.Context, id string, tail int) (string, error) {
	return "", nil
}
func (d *fakeDriver) Prune(ctx context.Context) (int, error) { return 0, nil }

func (d *fakeDriver) removedIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.removed))
	copy(out, d.removed)
	return out
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestReconcilerRemovesUnexpectedDeath(t *testing.T) {
	p := New()
	key := testKey("echo")
	addContainer(t, p, key, "c1", StateActive)

	driver := newFakeDriver()
	rec := NewReconciler(p, driver)
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rec.Stop()

	driver.events <- sandbox.Event{ContainerID: "c1", Action: sandbox.EventDie, ExitCode: 137, At: time.Now()}

	waitFor(t, func() bool {
		_, ok := p.Lookup("c1")
		return !ok
	}, "failed container not removed from pool")
	waitFor(t, func() bool {
		ids := driver.removedIDs()
		return len(ids) == 1 && ids[0] == "c1"
	}, "driver removal not requested")
}

func TestReconcilerConfirmsRequestedStop(t *testing.T) {
	p := New()
	key := testKey("echo")
	addContainer(t, p, key, "c1", StateStopping)

	driver := newFakeDriver()
	rec := NewReconciler(p, driver)
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rec.Stop()

	driver.events <- sandbox.Event{ContainerID: "c1", Action: sandbox.EventDie, ExitCode: 0, At: time.Now()}

	waitFor(t, func() bool {
		wc, ok := p.Lookup("c1")
		return ok && wc.State == StateStopped
	}, "requested stop not confirmed as stopped")
	if ids := driver.removedIDs(); len(ids) != 0 {
		t.Fatalf("driver removal requested for expected stop: %v", ids)
	}
}

func TestReconcilerHandlesExternalRemove(t *testing.T) {
	p := New()
	key := testKey("echo")
	addContainer(t, p, key, "c1", StateWarmIdle)

	driver := newFakeDriver()
	rec := NewReconciler(p, driver)
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rec.Stop()

	driver.events <- sandbox.Event{ContainerID: "c1", Action: sandbox.EventRemove, At: time.Now()}

	waitFor(t, func() bool {
		_, ok := p.Lookup("c1")
		return !ok
	}, "externally removed container still pooled")
}

func TestReconcilerStopTerminatesLoop(t *testing.T) {
	p := New()
	driver := newFakeDriver()
	rec := NewReconciler(p, driver)
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	done := make(chan struct{})
	go func() {
		rec.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
