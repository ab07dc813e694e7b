package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/concurrency"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/pending"
	"github.com/oriys/quasar/internal/pool"
	"github.com/oriys/quasar/internal/queue"
	"github.com/oriys/quasar/internal/store"
)

type fakeStore struct {
	mu  sync.Mutex
	fns map[string]*domain.Function
}

func (s *fakeStore) GetFunctionByName(ctx context.Context, name string) (*domain.Function, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.fns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrFunctionNotFound, name)
	}
	return fn, nil
}

type fakeEnsurer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEnsurer) EnsureCapacity(ctx context.Context, item *domain.WorkItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeEnsurer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	fns     *fakeStore
	queues  *queue.Queues
	reg     *pending.Registry
	limiter *concurrency.Limiter
	warm    *pool.Pool
	prov    *fakeEnsurer
	d       *Dispatcher
}

func newFixture(t *testing.T, fns ...*domain.Function) *fixture {
	t.Helper()
	fx := &fixture{
		fns:     &fakeStore{fns: make(map[string]*domain.Function)},
		queues:  queue.New(),
		reg:     pending.New(),
		limiter: concurrency.New(0),
		warm:    pool.New(),
		prov:    &fakeEnsurer{},
	}
	for _, fn := range fns {
		fx.fns.fns[fn.Name] = fn
	}
	fx.d = New(fx.fns, fx.queues, fx.reg, fx.limiter, fx.warm, fx.prov,
		WithStartupBuffer(200*time.Millisecond))
	return fx
}

// serveOne plays the worker side: it pops the next item on key, reports it
// on the returned channel, and completes the pending entry with res.
func (fx *fixture) serveOne(t *testing.T, key domain.FunctionKey, res domain.Result) <-chan *domain.WorkItem {
	t.Helper()
	got := make(chan *domain.WorkItem, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		item, err := fx.queues.PopOrWait(ctx, key)
		if err != nil {
			return
		}
		got <- item
		fx.reg.Complete(item.RequestID, res)
	}()
	return got
}

func testFunction(name string) *domain.Function {
	fn := &domain.Function{
		ID:      "fn-" + name,
		Name:    name,
		Runtime: domain.RuntimePython,
		Handler: "app.handler",
		Env:     map[string]string{"GREETING": "hi"},
	}
	fn.ApplyDefaults()
	return fn
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestInvokeDeliversResult(t *testing.T) {
	fn := testFunction("echo")
	fx := newFixture(t, fn)
	key := domain.KeyFor(fn, domain.LatestVersion, fn.Env)

	fx.serveOne(t, key, domain.Result{
		Ok:              true,
		Payload:         []byte(`{"n":1}`),
		ExecutedVersion: "1",
	})

	resp, err := fx.d.Invoke(context.Background(), &InvokeRequest{
		FunctionName: "echo",
		Payload:      []byte(`{"n":1}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if string(resp.Payload) != `{"n":1}` {
		t.Fatalf("payload = %s", resp.Payload)
	}
	if resp.FunctionError != "" {
		t.Fatalf("unexpected function error %q", resp.FunctionError)
	}
	if resp.ExecutedVersion != "1" {
		t.Fatalf("executed version = %q, want 1", resp.ExecutedVersion)
	}
	if !resp.ColdStart {
		t.Fatal("first invocation on an empty pool must report a cold start")
	}
	if fx.prov.callCount() != 1 {
		t.Fatalf("EnsureCapacity calls = %d, want 1", fx.prov.callCount())
	}
	if fx.reg.Len() != 0 {
		t.Fatalf("pending entries = %d after completion, want 0", fx.reg.Len())
	}
	if fx.limiter.Outstanding(fn.ID) != 0 {
		t.Fatal("token not released")
	}
}

func TestInvokeOnWarmLaneIsNotCold(t *testing.T) {
	fn := testFunction("echo")
	fx := newFixture(t, fn)
	key := domain.KeyFor(fn, domain.LatestVersion, fn.Env)

	wc := pool.NewWarmContainer(fn.ID, key, "img")
	wc.ContainerID = "c1"
	if !fx.warm.Add(key, wc) {
		t.Fatal("seed add failed")
	}
	fx.warm.SetStateByContainerID("c1", pool.StateInitializing)
	fx.warm.SetStateByContainerID("c1", pool.StateWarmIdle)

	fx.serveOne(t, key, domain.Result{Ok: true, Payload: []byte(`"hi"`), ExecutedVersion: "1"})

	resp, err := fx.d.Invoke(context.Background(), &InvokeRequest{FunctionName: "echo"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.ColdStart {
		t.Fatal("lane with a warm instance must not report a cold start")
	}
	// Capacity is still checked on every invoke; the provisioner decides
	// it has nothing to do.
	if fx.prov.callCount() != 1 {
		t.Fatalf("EnsureCapacity calls = %d, want 1", fx.prov.callCount())
	}
}

func TestInvokeCarriesFunctionError(t *testing.T) {
	fn := testFunction("boom")
	fx := newFixture(t, fn)
	key := domain.KeyFor(fn, domain.LatestVersion, fn.Env)

	body := domain.ErrorBody{ErrorMessage: "division by zero", ErrorType: "ZeroDivisionError"}
	fx.serveOne(t, key, domain.Result{
		Payload:         body.Marshal(),
		FunctionError:   domain.FunctionErrorHandled,
		ExecutedVersion: "1",
	})

	resp, err := fx.d.Invoke(context.Background(), &InvokeRequest{FunctionName: "boom"})
	if err != nil {
		t.Fatalf("function errors are results, not errors: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200 for function errors", resp.StatusCode)
	}
	if resp.FunctionError != domain.FunctionErrorHandled {
		t.Fatalf("function error = %q, want Handled", resp.FunctionError)
	}
	if !strings.Contains(string(resp.Payload), "ZeroDivisionError") {
		t.Fatalf("payload %s lost the error body", resp.Payload)
	}
	if fx.limiter.Outstanding(fn.ID) != 0 {
		t.Fatal("token not released")
	}
}

func TestInvokeUnknownFunction(t *testing.T) {
	fx := newFixture(t)

	_, err := fx.d.Invoke(context.Background(), &InvokeRequest{FunctionName: "ghost"})
	if !errors.Is(err, store.ErrFunctionNotFound) {
		t.Fatalf("err = %v, want ErrFunctionNotFound", err)
	}
	if fx.reg.Len() != 0 {
		t.Fatal("no pending entry may exist for a refused invocation")
	}
}

func TestQualifierRouting(t *testing.T) {
	fn := testFunction("echo")
	fx := newFixture(t, fn)

	// The current version label routes to its own lane.
	vKey := domain.KeyFor(fn, "1", fn.Env)
	fx.serveOne(t, vKey, domain.Result{Ok: true, Payload: []byte(`"v1"`), ExecutedVersion: "1"})

	resp, err := fx.d.Invoke(context.Background(), &InvokeRequest{FunctionName: "echo", Qualifier: "1"})
	if err != nil {
		t.Fatalf("qualified invoke: %v", err)
	}
	if string(resp.Payload) != `"v1"` {
		t.Fatalf("payload = %s", resp.Payload)
	}

	// A well-formed version that is not the current one is unknown.
	if _, err := fx.d.Invoke(context.Background(), &InvokeRequest{FunctionName: "echo", Qualifier: "7"}); !errors.Is(err, store.ErrFunctionNotFound) {
		t.Fatalf("unknown version err = %v, want ErrFunctionNotFound", err)
	}

	// A malformed qualifier is a bad request, not a miss.
	if _, err := fx.d.Invoke(context.Background(), &InvokeRequest{FunctionName: "echo", Qualifier: "latest!"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("malformed qualifier err = %v, want ErrInvalidRequest", err)
	}
}

func TestInvokeTimeoutSynthesizesTaskTimedOut(t *testing.T) {
	fn := testFunction("slow")
	fn.TimeoutS = 0 // deadline collapses to the startup buffer
	fx := newFixture(t, fn)

	start := time.Now()
	resp, err := fx.d.Invoke(context.Background(), &InvokeRequest{FunctionName: "slow"})
	if err != nil {
		t.Fatalf("timeouts are function-error results: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Fatalf("returned after %v, before the deadline", elapsed)
	}
	if resp.FunctionError != domain.FunctionErrorUnhandled {
		t.Fatalf("function error = %q, want Unhandled", resp.FunctionError)
	}
	var body domain.ErrorBody
	if err := json.Unmarshal(resp.Payload, &body); err != nil {
		t.Fatalf("timeout payload not an error body: %v", err)
	}
	if body.ErrorType != "TaskTimedOut" {
		t.Fatalf("error type = %q, want TaskTimedOut", body.ErrorType)
	}

	// The abandoned item is still queued; a late completion finds no waiter.
	item, ok := fx.queues.TryPop(domain.KeyFor(fn, domain.LatestVersion, fn.Env))
	if !ok {
		t.Fatal("item must still be queued after the dispatcher gave up")
	}
	if fx.reg.Complete(item.RequestID, domain.Result{Ok: true}) {
		t.Fatal("late completion must find no waiter")
	}
	if fx.limiter.Outstanding(fn.ID) != 0 {
		t.Fatal("token not released after timeout")
	}
}

func TestInvokeReservedConcurrencyRefusal(t *testing.T) {
	fn := testFunction("throttled")
	zero := 0
	fn.ReservedConcurrency = &zero
	fx := newFixture(t, fn)

	_, err := fx.d.Invoke(context.Background(), &InvokeRequest{FunctionName: "throttled"})
	if !errors.Is(err, concurrency.ErrReservedLimit) {
		t.Fatalf("err = %v, want ErrReservedLimit", err)
	}
	if fx.reg.Len() != 0 {
		t.Fatal("no pending entry may leak on refusal")
	}
}

func TestInvokeFailsFastWhenProvisioningFails(t *testing.T) {
	fn := testFunction("echo")
	fx := newFixture(t, fn)
	fx.prov.err = errors.New("image build failed")

	start := time.Now()
	_, err := fx.d.Invoke(context.Background(), &InvokeRequest{FunctionName: "echo"})
	if err == nil || !strings.Contains(err.Error(), "ensure capacity") {
		t.Fatalf("err = %v, want ensure capacity failure", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Fatal("provisioning failure must not wait out the deadline")
	}
	if fx.reg.Len() != 0 {
		t.Fatal("pending entry must be removed on the failure path")
	}
	if fx.limiter.Outstanding(fn.ID) != 0 {
		t.Fatal("token not released on the failure path")
	}
	if fx.queues.Depth(domain.KeyFor(fn, domain.LatestVersion, fn.Env)) != 0 {
		t.Fatal("nothing may be enqueued when capacity fails")
	}
}

func TestEventInvocationReturnsAccepted(t *testing.T) {
	fn := testFunction("notify")
	fx := newFixture(t, fn)
	key := domain.KeyFor(fn, domain.LatestVersion, fn.Env)

	got := fx.serveOne(t, key, domain.Result{Ok: true, Payload: []byte(`"done"`), ExecutedVersion: "1"})

	resp, err := fx.d.Invoke(context.Background(), &InvokeRequest{
		FunctionName:   "notify",
		InvocationType: InvocationEvent,
		Payload:        []byte(`{"job":1}`),
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if resp.StatusCode != 202 {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	select {
	case item := <-got:
		if string(item.Payload) != `{"job":1}` {
			t.Fatalf("worker saw payload %s", item.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async invocation never reached the lane")
	}
}

func TestInvokeRejectsUnknownTypes(t *testing.T) {
	fn := testFunction("echo")
	fx := newFixture(t, fn)

	if _, err := fx.d.Invoke(context.Background(), &InvokeRequest{
		FunctionName:   "echo",
		InvocationType: "DryRun",
	}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("invocation type err = %v, want ErrInvalidRequest", err)
	}

	if _, err := fx.d.Invoke(context.Background(), &InvokeRequest{
		FunctionName: "echo",
		LogType:      "Full",
	}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("log type err = %v, want ErrInvalidRequest", err)
	}
}

func TestInvokeCallerCancellation(t *testing.T) {
	fn := testFunction("slow")
	fn.TimeoutS = 60
	fx := newFixture(t, fn)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := fx.d.Invoke(ctx, &InvokeRequest{FunctionName: "slow"})
		errCh <- err
	}()

	waitFor(t, func() bool { return fx.reg.Len() == 1 }, "invocation never registered")
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled invocation did not return")
	}
	if fx.reg.Len() != 0 {
		t.Fatal("pending entry must be removed on cancellation")
	}
}

func TestShutdownFailsBlockedInvocations(t *testing.T) {
	fn := testFunction("slow")
	fn.TimeoutS = 60
	fx := newFixture(t, fn)

	errCh := make(chan error, 1)
	go func() {
		_, err := fx.d.Invoke(context.Background(), &InvokeRequest{FunctionName: "slow"})
		errCh <- err
	}()

	waitFor(t, func() bool { return fx.reg.Len() == 1 }, "invocation never registered")

	fx.d.Shutdown(time.Second)

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "server shutting down") {
			t.Fatalf("err = %v, want shutdown failure", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocked invocation did not return on shutdown")
	}

	if _, err := fx.d.Invoke(context.Background(), &InvokeRequest{FunctionName: "slow"}); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("post-shutdown invoke = %v, want ErrShuttingDown", err)
	}
}
