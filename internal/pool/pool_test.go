package pool

import (
	"testing"
	"time"

	"github.com/oriys/quasar/internal/domain"
)

func testKey(name string) domain.FunctionKey {
	return domain.FunctionKey{
		Name:    name,
		Runtime: "python3.11",
		Version: domain.LatestVersion,
		EnvHash: domain.EnvHash(nil),
	}
}

// addContainer creates an entry, registers it, and walks it to the given
// state through the legal chain.
func addContainer(t *testing.T, p *Pool, key domain.FunctionKey, containerID string, target InstanceState) *WarmContainer {
	t.Helper()
	wc := NewWarmContainer("fn-"+key.Name, key, "img:"+key.Name)
	wc.ContainerID = containerID
	if !p.Add(key, wc) {
		t.Fatalf("Add(%s) rejected", containerID)
	}
	chain := []InstanceState{StateInitializing, StateWarmIdle, StateActive, StateDraining, StateStopping, StateStopped}
	walkTo := target
	if target == StateFailed {
		walkTo = StateWarmIdle
	}
	for _, st := range chain {
		if wc.State == walkTo {
			break
		}
		if !p.SetStateByContainerID(containerID, st) {
			t.Fatalf("transition %s -> %s rejected", wc.State, st)
		}
	}
	if target == StateFailed {
		if !p.SetStateByContainerID(containerID, StateFailed) {
			t.Fatalf("transition to failed rejected")
		}
	}
	if wc.State != target {
		t.Fatalf("walk ended at %s, want %s", wc.State, target)
	}
	return wc
}

func TestAddStartsInProvisioning(t *testing.T) {
	p := New()
	key := testKey("echo")

	wc := NewWarmContainer("fn-echo", key, "img:echo")
	wc.ContainerID = "c1"
	if !p.Add(key, wc) {
		t.Fatal("Add rejected")
	}
	if wc.State != StateProvisioning {
		t.Fatalf("state = %s, want provisioning", wc.State)
	}
	if p.Count(key) != 1 || p.Total() != 1 {
		t.Fatalf("Count=%d Total=%d, want 1/1", p.Count(key), p.Total())
	}
	if p.HasAvailable(key) {
		t.Fatal("provisioning entry must not count as available")
	}
}

func TestAddRejectsDuplicatesAndEmptyID(t *testing.T) {
	p := New()
	key := testKey("echo")

	blank := NewWarmContainer("fn-echo", key, "img")
	if p.Add(key, blank) {
		t.Fatal("Add accepted entry without container id")
	}

	addContainer(t, p, key, "c1", StateWarmIdle)
	dup := NewWarmContainer("fn-echo", key, "img")
	dup.ContainerID = "c1"
	if p.Add(key, dup) {
		t.Fatal("Add accepted duplicate container id")
	}
	if p.Count(key) != 1 {
		t.Fatalf("Count = %d, want 1", p.Count(key))
	}
}

func TestLegalChainReachesWarmIdle(t *testing.T) {
	p := New()
	key := testKey("echo")
	addContainer(t, p, key, "c1", StateWarmIdle)
	if !p.HasAvailable(key) {
		t.Fatal("warm idle entry not available")
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	p := New()
	key := testKey("echo")
	wc := addContainer(t, p, key, "c1", StateProvisioning)

	cases := []InstanceState{StateActive, StateStopped, StateWarmIdle, StateTerminated}
	for _, next := range cases {
		if p.SetStateByContainerID("c1", next) {
			t.Fatalf("provisioning -> %s accepted", next)
		}
		if wc.State != StateProvisioning {
			t.Fatalf("state mutated to %s on rejected transition", wc.State)
		}
	}
}

func TestFailedReachableFromAnyNonTerminal(t *testing.T) {
	p := New()
	key := testKey("echo")
	for i, from := range []InstanceState{StateProvisioning, StateInitializing, StateWarmIdle, StateActive, StateStopping, StateStopped} {
		id := string(rune('a' + i))
		addContainer(t, p, key, id, from)
		if !p.SetStateByContainerID(id, StateFailed) {
			t.Fatalf("%s -> failed rejected", from)
		}
	}
}

func TestSameStateTransitionIsNoop(t *testing.T) {
	p := New()
	key := testKey("echo")
	addContainer(t, p, key, "c1", StateWarmIdle)
	if !p.SetStateByContainerID("c1", StateWarmIdle) {
		t.Fatal("same-state transition should be accepted as no-op")
	}
}

func TestMarkActiveByInstance(t *testing.T) {
	p := New()
	key := testKey("echo")
	wc := addContainer(t, p, key, "c1", StateWarmIdle)
	before := wc.LastUsedAt

	time.Sleep(2 * time.Millisecond)
	if !p.MarkActiveByInstance(wc.InstanceID) {
		t.Fatal("MarkActiveByInstance failed for warm idle entry")
	}
	if wc.State != StateActive {
		t.Fatalf("state = %s, want active", wc.State)
	}
	if !wc.LastUsedAt.After(before) {
		t.Fatal("last_used_at not refreshed on activation")
	}
	if p.MarkActiveByInstance(wc.InstanceID) {
		t.Fatal("second activation of same instance accepted")
	}
	if p.MarkActiveByInstance("nope") {
		t.Fatal("unknown instance activated")
	}
}

func TestMarkIdleByInstance(t *testing.T) {
	p := New()
	key := testKey("echo")
	wc := addContainer(t, p, key, "c1", StateActive)

	if !p.MarkIdleByInstance(wc.InstanceID) {
		t.Fatal("MarkIdleByInstance failed for active entry")
	}
	if wc.State != StateWarmIdle {
		t.Fatalf("state = %s, want warm_idle", wc.State)
	}
	if p.MarkIdleByInstance(wc.InstanceID) {
		t.Fatal("idle instance idled again")
	}
}

func TestMarkAnyActiveToIdleScopedToLane(t *testing.T) {
	p := New()
	keyA := testKey("alpha")
	keyB := testKey("beta")
	addContainer(t, p, keyA, "a1", StateActive)
	addContainer(t, p, keyB, "b1", StateActive)

	if !p.MarkAnyActiveToIdle(keyA) {
		t.Fatal("no active entry idled on lane A")
	}
	if got := p.LaneStats(keyA); got.Idle != 1 || got.Active != 0 {
		t.Fatalf("lane A stats = %+v", got)
	}
	if got := p.LaneStats(keyB); got.Active != 1 {
		t.Fatalf("lane B touched: %+v", got)
	}
	if p.MarkAnyActiveToIdle(keyA) {
		t.Fatal("second MarkAnyActiveToIdle found an active entry")
	}
}

func TestGetOneStoppedDoesNotChangeState(t *testing.T) {
	p := New()
	key := testKey("echo")
	wc := addContainer(t, p, key, "c1", StateStopped)

	id, ok := p.GetOneStopped(key)
	if !ok || id != "c1" {
		t.Fatalf("GetOneStopped = %q/%v, want c1/true", id, ok)
	}
	if wc.State != StateStopped {
		t.Fatalf("state changed to %s", wc.State)
	}
	if _, ok := p.GetOneStopped(testKey("other")); ok {
		t.Fatal("found stopped entry on empty lane")
	}
}

func TestStoppedRestartsToWarmIdle(t *testing.T) {
	p := New()
	key := testKey("echo")
	addContainer(t, p, key, "c1", StateStopped)
	if !p.SetStateByContainerID("c1", StateWarmIdle) {
		t.Fatal("stopped -> warm_idle rejected")
	}
	if !p.HasAvailable(key) {
		t.Fatal("restarted entry not available")
	}
}

func TestDrainByFunctionIDIdempotent(t *testing.T) {
	p := New()
	keyA := testKey("alpha")
	keyB := testKey("beta")
	addContainer(t, p, keyA, "a1", StateWarmIdle)
	addContainer(t, p, keyA, "a2", StateActive)
	addContainer(t, p, keyB, "b1", StateWarmIdle)

	ids := p.DrainByFunctionID("fn-alpha")
	if len(ids) != 2 {
		t.Fatalf("first drain returned %d ids, want 2", len(ids))
	}
	if again := p.DrainByFunctionID("fn-alpha"); len(again) != 0 {
		t.Fatalf("second drain returned %v, want none", again)
	}
	if p.Count(keyA) != 0 || p.Count(keyB) != 1 {
		t.Fatalf("counts after drain: A=%d B=%d", p.Count(keyA), p.Count(keyB))
	}
}

func TestDrainAll(t *testing.T) {
	p := New()
	addContainer(t, p, testKey("alpha"), "a1", StateWarmIdle)
	addContainer(t, p, testKey("beta"), "b1", StateStopped)

	ids := p.DrainAll()
	if len(ids) != 2 {
		t.Fatalf("DrainAll returned %d ids, want 2", len(ids))
	}
	if p.Total() != 0 {
		t.Fatalf("Total = %d after DrainAll", p.Total())
	}
	if len(p.DrainAll()) != 0 {
		t.Fatal("second DrainAll returned ids")
	}
}

func TestIdleWindows(t *testing.T) {
	p := New()
	key := testKey("echo")
	old := addContainer(t, p, key, "c-old", StateWarmIdle)
	addContainer(t, p, key, "c-new", StateWarmIdle)
	old.LastUsedAt = time.Now().Add(-10 * time.Minute)

	soft := p.ListSoftIdle(5 * time.Minute)
	if len(soft) != 1 || soft[0].ContainerID != "c-old" {
		t.Fatalf("ListSoftIdle = %+v, want only c-old", soft)
	}
	if got := p.ListHardIdle(30 * time.Minute); len(got) != 0 {
		t.Fatalf("ListHardIdle = %+v, want none", got)
	}

	// Active entries never show up regardless of age.
	if !p.MarkActiveByInstance(old.InstanceID) {
		// old was refreshed by nothing; still WarmIdle
		t.Fatal("activation failed")
	}
	old.LastUsedAt = time.Now().Add(-10 * time.Minute)
	if got := p.ListSoftIdle(5 * time.Minute); len(got) != 0 {
		t.Fatalf("active entry listed as idle: %+v", got)
	}
}

func TestStoppedOverflowEvictsOldest(t *testing.T) {
	p := New()
	key := testKey("echo")
	oldest := addContainer(t, p, key, "c1", StateStopped)
	middle := addContainer(t, p, key, "c2", StateStopped)
	addContainer(t, p, key, "c3", StateStopped)
	oldest.LastUsedAt = time.Now().Add(-3 * time.Hour)
	middle.LastUsedAt = time.Now().Add(-2 * time.Hour)

	over := p.StoppedOverflow(1)
	if len(over) != 2 {
		t.Fatalf("overflow = %d entries, want 2", len(over))
	}
	if over[0].ContainerID != "c1" || over[1].ContainerID != "c2" {
		t.Fatalf("overflow order = [%s %s], want oldest first", over[0].ContainerID, over[1].ContainerID)
	}
	if p.StoppedOverflow(0) != nil {
		t.Fatal("cap 0 should disable retention limiting")
	}
}

func TestObserveDeath(t *testing.T) {
	p := New()
	key := testKey("echo")

	// Expected death: entry was being stopped.
	addContainer(t, p, key, "c1", StateStopping)
	if failed := p.ObserveDeath("c1"); failed {
		t.Fatal("expected death marked as failure")
	}
	if wc, _ := p.Lookup("c1"); wc.State != StateStopped {
		t.Fatalf("state = %s, want stopped", wc.State)
	}

	// Unexpected death: entry was serving.
	addContainer(t, p, key, "c2", StateActive)
	if failed := p.ObserveDeath("c2"); !failed {
		t.Fatal("unexpected death not marked as failure")
	}
	if wc, _ := p.Lookup("c2"); wc.State != StateFailed {
		t.Fatalf("state = %s, want failed", wc.State)
	}

	// Idempotent: repeated events change nothing.
	if p.ObserveDeath("c2") {
		t.Fatal("second death event reported failure again")
	}
	if p.ObserveDeath("ghost") {
		t.Fatal("death of unknown container reported failure")
	}
}

func TestObserveStopAndStart(t *testing.T) {
	p := New()
	key := testKey("echo")
	wc := addContainer(t, p, key, "c1", StateWarmIdle)

	p.ObserveStop("c1")
	if wc.State != StateStopped {
		t.Fatalf("state = %s after stop event, want stopped", wc.State)
	}
	p.ObserveStop("c1") // idempotent

	p.ObserveStart("c1")
	if wc.State != StateWarmIdle {
		t.Fatalf("state = %s after start event, want warm_idle", wc.State)
	}
	// Start events during provisioning stay with the provisioner.
	wc2 := addContainer(t, p, key, "c2", StateProvisioning)
	p.ObserveStart("c2")
	if wc2.State != StateProvisioning {
		t.Fatalf("start event advanced provisioning entry to %s", wc2.State)
	}
}

func TestCountByNameSpansLanes(t *testing.T) {
	p := New()
	base := testKey("echo")
	variant := base
	variant.EnvHash = domain.EnvHash(map[string]string{"A": "1"})
	addContainer(t, p, base, "c1", StateWarmIdle)
	addContainer(t, p, variant, "c2", StateStopped)
	addContainer(t, p, testKey("other"), "c3", StateWarmIdle)

	if n := p.CountByName("echo"); n != 2 {
		t.Fatalf("CountByName(echo) = %d, want 2", n)
	}
}

func TestLaneStats(t *testing.T) {
	p := New()
	key := testKey("echo")
	addContainer(t, p, key, "c1", StateWarmIdle)
	addContainer(t, p, key, "c2", StateActive)
	addContainer(t, p, key, "c3", StateStopped)
	addContainer(t, p, key, "c4", StateProvisioning)

	s := p.LaneStats(key)
	if s.Idle != 1 || s.Active != 1 || s.Stopped != 1 || s.Total != 4 {
		t.Fatalf("LaneStats = %+v", s)
	}
}

func TestRemoveByContainerID(t *testing.T) {
	p := New()
	key := testKey("echo")
	wc := addContainer(t, p, key, "c1", StateWarmIdle)

	if !p.RemoveByContainerID("c1") {
		t.Fatal("remove failed")
	}
	if p.RemoveByContainerID("c1") {
		t.Fatal("second remove succeeded")
	}
	if _, ok := p.Lookup("c1"); ok {
		t.Fatal("entry still visible after removal")
	}
	if p.MarkActiveByInstance(wc.InstanceID) {
		t.Fatal("removed instance can still be activated")
	}
}

func TestListFailed(t *testing.T) {
	p := New()
	key := testKey("echo")
	addContainer(t, p, key, "c1", StateFailed)
	addContainer(t, p, key, "c2", StateWarmIdle)

	failed := p.ListFailed()
	if len(failed) != 1 || failed[0].ContainerID != "c1" {
		t.Fatalf("ListFailed = %+v", failed)
	}
}
