package controlplane

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oriys/quasar/internal/codestore"
	"github.com/oriys/quasar/internal/concurrency"
	"github.com/oriys/quasar/internal/dispatcher"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/pending"
	"github.com/oriys/quasar/internal/pool"
	"github.com/oriys/quasar/internal/queue"
	"github.com/oriys/quasar/internal/sandbox"
	"github.com/oriys/quasar/internal/secrets"
	"github.com/oriys/quasar/internal/store"
)

// fakeMeta is an in-memory MetadataStore.
type fakeMeta struct {
	mu      sync.Mutex
	fns     map[string]*domain.Function
	secrets map[string]string
	pingErr error
}

func newFakeMeta() *fakeMeta {
	return &fakeMeta{
		fns:     make(map[string]*domain.Function),
		secrets: make(map[string]string),
	}
}

func (m *fakeMeta) setPingErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingErr = err
}

func (m *fakeMeta) Close() error { return nil }

func (m *fakeMeta) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func cloneFn(fn *domain.Function) *domain.Function {
	data, _ := json.Marshal(fn)
	var out domain.Function
	json.Unmarshal(data, &out)
	return &out
}

func (m *fakeMeta) SaveFunction(ctx context.Context, fn *domain.Function) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn.CreatedAt.IsZero() {
		fn.CreatedAt = time.Now().UTC()
	}
	fn.UpdatedAt = time.Now().UTC()
	m.fns[fn.Name] = cloneFn(fn)
	return nil
}

func (m *fakeMeta) GetFunctionByName(ctx context.Context, name string) (*domain.Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn, ok := m.fns[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrFunctionNotFound, name)
	}
	return cloneFn(fn), nil
}

func (m *fakeMeta) DeleteFunction(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.fns[name]; !ok {
		return fmt.Errorf("%w: %s", store.ErrFunctionNotFound, name)
	}
	delete(m.fns, name)
	return nil
}

func (m *fakeMeta) ListFunctions(ctx context.Context) ([]*domain.Function, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Function
	for _, fn := range m.fns {
		out = append(out, cloneFn(fn))
	}
	return out, nil
}

func (m *fakeMeta) SaveSecret(ctx context.Context, name, encryptedValue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets[name] = encryptedValue
	return nil
}

func (m *fakeMeta) GetSecret(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.secrets[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", store.ErrSecretNotFound, name)
	}
	return v, nil
}

func (m *fakeMeta) DeleteSecret(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[name]; !ok {
		return fmt.Errorf("%w: %s", store.ErrSecretNotFound, name)
	}
	delete(m.secrets, name)
	return nil
}

func (m *fakeMeta) ListSecrets(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.secrets))
	for name := range m.secrets {
		out[name] = "2026-01-01T00:00:00Z"
	}
	return out, nil
}

type fakeDriver struct {
	mu      sync.Mutex
	removed []string
}

func (d *fakeDriver) Create(ctx context.Context, spec sandbox.CreateSpec) (string, error) {
	return "", nil
}
func (d *fakeDriver) Start(ctx context.Context, containerID string) error { return nil }
func (d *fakeDriver) Stop(ctx context.Context, containerID string, graceSeconds int) error {
	return nil
}
func (d *fakeDriver) Remove(ctx context.Context, containerID string, force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, containerID)
	return nil
}
func (d *fakeDriver) InspectRunning(ctx context.Context, containerID string) (bool, error) {
	return true, nil
}
func (d *fakeDriver) Events(ctx context.Context) (<-chan sandbox.Event, error) {
	ch := make(chan sandbox.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}
func (d *fakeDriver) Logs(ctx context.Context, containerID string, tailLines int) (string, error) {
	return "", nil
}
func (d *fakeDriver) Prune(ctx context.Context) (int, error) { return 0, nil }

func (d *fakeDriver) removedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.removed)
}

type fakeEnsurer struct{}

func (fakeEnsurer) EnsureCapacity(ctx context.Context, item *domain.WorkItem) error { return nil }

type fixture struct {
	meta    *fakeMeta
	queues  *queue.Queues
	reg     *pending.Registry
	limiter *concurrency.Limiter
	warm    *pool.Pool
	driver  *fakeDriver
	mux     *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		meta:    newFakeMeta(),
		queues:  queue.New(),
		reg:     pending.New(),
		limiter: concurrency.New(0),
		warm:    pool.New(),
		driver:  &fakeDriver{},
		mux:     http.NewServeMux(),
	}
	st := store.New(f.meta, nil, 0)

	packages, err := codestore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	cipher, err := secrets.NewCipher(strings.Repeat("ab", 32))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	disp := dispatcher.New(st, f.queues, f.reg, f.limiter, f.warm, fakeEnsurer{},
		dispatcher.WithStartupBuffer(500*time.Millisecond))

	h := &Handler{
		Store:      st,
		Dispatcher: disp,
		Pool:       f.warm,
		Queues:     f.queues,
		Pending:    f.reg,
		Limiter:    f.limiter,
		Driver:     f.driver,
		Packages:   packages,
		Secrets:    secrets.NewStore(f.meta, cipher),
	}
	h.RegisterRoutes(f.mux)
	return f
}

func (f *fixture) do(method, path, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) createFunction(t *testing.T, name string) *domain.Function {
	t.Helper()
	pkg := []byte("PK\x03\x04 fake zip for " + name)
	body := fmt.Sprintf(`{"name":%q,"runtime":"python","handler":"app.handler","code_zip_b64":%q}`,
		name, base64.StdEncoding.EncodeToString(pkg))
	rec := f.do(http.MethodPost, "/2015-03-31/functions", body, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create %s: status = %d, body = %s", name, rec.Code, rec.Body.String())
	}
	var fn domain.Function
	if err := json.Unmarshal(rec.Body.Bytes(), &fn); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return &fn
}

// addWarmInstance puts a warm-idle container on the function's unqualified
// lane and returns its container id.
func (f *fixture) addWarmInstance(t *testing.T, fn *domain.Function, containerID string) domain.FunctionKey {
	t.Helper()
	key := domain.KeyFor(fn, domain.LatestVersion, fn.Env)
	wc := pool.NewWarmContainer(fn.ID, key, "img:"+fn.Name)
	wc.ContainerID = containerID
	if !f.warm.Add(key, wc) {
		t.Fatalf("Add(%s) failed", containerID)
	}
	f.warm.SetStateByContainerID(containerID, pool.StateInitializing)
	f.warm.SetStateByContainerID(containerID, pool.StateWarmIdle)
	return key
}

// serveOne emulates a runtime worker completing the next item on the lane.
func (f *fixture) serveOne(key domain.FunctionKey, res domain.Result) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		item, err := f.queues.PopOrWait(ctx, key)
		if err != nil {
			return
		}
		if res.ExecutedVersion == "" {
			res.ExecutedVersion = item.Function.VersionLabel()
		}
		f.reg.Complete(item.RequestID, res)
	}()
}

func TestCreateFunction(t *testing.T) {
	f := newFixture(t)
	fn := f.createFunction(t, "greeter")

	if fn.ID == "" {
		t.Fatal("created function has no id")
	}
	if fn.Version != 1 {
		t.Fatalf("version = %d, want 1", fn.Version)
	}
	if len(fn.CodeHash) != 64 {
		t.Fatalf("code_hash = %q, want sha256 hex", fn.CodeHash)
	}
	if fn.MemoryMB != domain.DefaultMemoryMB || fn.TimeoutS != domain.DefaultTimeoutS {
		t.Fatalf("defaults not applied: %+v", fn)
	}
}

func TestCreateFunctionDuplicate(t *testing.T) {
	f := newFixture(t)
	f.createFunction(t, "dup")

	pkg := base64.StdEncoding.EncodeToString([]byte("zip"))
	body := fmt.Sprintf(`{"name":"dup","runtime":"python","handler":"app.handler","code_zip_b64":%q}`, pkg)
	rec := f.do(http.MethodPost, "/2015-03-31/functions", body, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestCreateFunctionValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		body string
	}{
		{"missing handler", `{"name":"x","runtime":"python","code_zip_b64":"emlw"}`},
		{"bad runtime", `{"name":"x","runtime":"cobol","handler":"h","code_zip_b64":"emlw"}`},
		{"missing code", `{"name":"x","runtime":"python","handler":"h"}`},
		{"bad base64", `{"name":"x","runtime":"python","handler":"h","code_zip_b64":"!!!"}`},
		{"bad name", `{"name":"no spaces","runtime":"python","handler":"h","code_zip_b64":"emlw"}`},
	}
	for _, tc := range cases {
		rec := f.do(http.MethodPost, "/2015-03-31/functions", tc.body, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, rec.Code)
		}
	}
}

func TestCreateFunctionChecksSecretRefs(t *testing.T) {
	f := newFixture(t)
	pkg := base64.StdEncoding.EncodeToString([]byte("zip"))
	body := fmt.Sprintf(`{"name":"reader","runtime":"python","handler":"h","code_zip_b64":%q,"env":{"KEY":"$SECRET:api-key"}}`, pkg)

	rec := f.do(http.MethodPost, "/2015-03-31/functions", body, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown secret", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "api-key") {
		t.Fatalf("body = %q, want missing secret named", rec.Body.String())
	}

	if rec := f.do(http.MethodPut, "/secrets/api-key", `{"value":"sk-1"}`, nil); rec.Code != http.StatusNoContent {
		t.Fatalf("put secret = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/2015-03-31/functions", body, nil); rec.Code != http.StatusCreated {
		t.Fatalf("status = %d after storing the secret, body = %s", rec.Code, rec.Body.String())
	}
}

func TestUpdateConfigurationChecksSecretRefs(t *testing.T) {
	f := newFixture(t)
	f.createFunction(t, "cfgsec")

	rec := f.do(http.MethodPut, "/2015-03-31/functions/cfgsec/configuration",
		`{"env":{"KEY":"$SECRET:ghost"}}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for unknown secret", rec.Code)
	}

	// Patches that leave env alone are not held up by secret checks.
	rec = f.do(http.MethodPut, "/2015-03-31/functions/cfgsec/configuration",
		`{"timeout_s":30}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestListFunctionsEmptyArray(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/2015-03-31/functions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "[]" {
		t.Fatalf("body = %q, want empty array", got)
	}
}

func TestGetFunctionNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/2015-03-31/functions/ghost", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteFunctionDrainsEverything(t *testing.T) {
	f := newFixture(t)
	fn := f.createFunction(t, "victim")
	key := f.addWarmInstance(t, fn, "c-victim")

	item := domain.NewWorkItem(fn, key, []byte(`{}`), nil)
	waiter := f.reg.Register(item.RequestID)
	f.queues.Push(item)

	rec := f.do(http.MethodDelete, "/2015-03-31/functions/victim", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}

	if got := f.do(http.MethodGet, "/2015-03-31/functions/victim", "", nil); got.Code != http.StatusNotFound {
		t.Fatalf("get after delete = %d, want 404", got.Code)
	}
	if f.driver.removedCount() != 1 {
		t.Fatalf("removed containers = %d, want 1", f.driver.removedCount())
	}
	if f.warm.Total() != 0 {
		t.Fatalf("pool total = %d, want 0", f.warm.Total())
	}

	select {
	case res := <-waiter.Result():
		if res.Ok || !strings.Contains(string(res.Payload), "function deleted") {
			t.Fatalf("queued waiter result = %+v, want delete failure", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued waiter never failed")
	}
	if f.queues.Depth(key) != 0 {
		t.Fatalf("queue depth = %d, want 0", f.queues.Depth(key))
	}
}

func TestUpdateFunctionCodeBumpsVersionAndDrains(t *testing.T) {
	f := newFixture(t)
	fn := f.createFunction(t, "updatee")
	f.addWarmInstance(t, fn, "c-old")

	body := fmt.Sprintf(`{"code_zip_b64":%q}`,
		base64.StdEncoding.EncodeToString([]byte("PK new code")))
	rec := f.do(http.MethodPut, "/2015-03-31/functions/updatee/code", body, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var updated domain.Function
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Version != 2 {
		t.Fatalf("version = %d, want 2", updated.Version)
	}
	if updated.CodeHash == fn.CodeHash {
		t.Fatal("code hash unchanged after update")
	}
	if f.driver.removedCount() != 1 || f.warm.Total() != 0 {
		t.Fatalf("warm containers not drained: removed=%d total=%d",
			f.driver.removedCount(), f.warm.Total())
	}
}

func TestUpdateConfigurationValidates(t *testing.T) {
	f := newFixture(t)
	f.createFunction(t, "cfg")

	rec := f.do(http.MethodPut, "/2015-03-31/functions/cfg/configuration",
		`{"memory_mb":64}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for memory below minimum", rec.Code)
	}

	rec = f.do(http.MethodPut, "/2015-03-31/functions/cfg/configuration", `{}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400 for empty patch", rec.Code)
	}

	rec = f.do(http.MethodPut, "/2015-03-31/functions/cfg/configuration",
		`{"env":{"MODE":"fast"},"timeout_s":30}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var updated domain.Function
	json.Unmarshal(rec.Body.Bytes(), &updated)
	if updated.Version != 2 || updated.TimeoutS != 30 || updated.Env["MODE"] != "fast" {
		t.Fatalf("patch not applied: %+v", updated)
	}
}

func TestConcurrencyLifecycle(t *testing.T) {
	f := newFixture(t)
	fn := f.createFunction(t, "capped")

	rec := f.do(http.MethodPut, "/2017-10-31/functions/capped/concurrency",
		`{"ReservedConcurrentExecutions":0}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("put status = %d", rec.Code)
	}

	// Zero reserved throttles the function off.
	rec = f.do(http.MethodPost, "/2015-03-31/functions/capped/invocations", `{}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("invoke status = %d, want 429", rec.Code)
	}

	rec = f.do(http.MethodGet, "/2017-10-31/functions/capped/concurrency", "", nil)
	var got concurrencyStatus
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ReservedConcurrentExecutions == nil || *got.ReservedConcurrentExecutions != 0 {
		t.Fatalf("get body = %s, want reserved 0", rec.Body.String())
	}
	if got.InFlightExecutions != 0 {
		t.Fatalf("in-flight = %d, want 0 (rejected invoke holds no token)", got.InFlightExecutions)
	}

	rec = f.do(http.MethodDelete, "/2017-10-31/functions/capped/concurrency", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d, want 204", rec.Code)
	}
	rec = f.do(http.MethodGet, "/2017-10-31/functions/capped/concurrency", "", nil)
	got = concurrencyStatus{}
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.ReservedConcurrentExecutions != nil {
		t.Fatalf("get after delete = %q, want no reserved cap", rec.Body.String())
	}

	// With the cap cleared the invocation flows again.
	key := domain.KeyFor(fn, domain.LatestVersion, fn.Env)
	f.serveOne(key, domain.Result{Ok: true, Payload: []byte(`"done"`)})
	rec = f.do(http.MethodPost, "/2015-03-31/functions/capped/invocations", `{}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("invoke after clear = %d, body = %s", rec.Code, rec.Body.String())
	}
}

func TestInvokeOverHTTP(t *testing.T) {
	f := newFixture(t)
	fn := f.createFunction(t, "echo")
	key := domain.KeyFor(fn, domain.LatestVersion, fn.Env)
	f.serveOne(key, domain.Result{Ok: true, Payload: []byte(`{"echo":true}`)})

	rec := f.do(http.MethodPost, "/2015-03-31/functions/echo/invocations", `{"in":1}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("X-Amz-Executed-Version"); got != "1" {
		t.Fatalf("executed version header = %q, want 1", got)
	}
	if rec.Header().Get("X-Amz-Function-Error") != "" {
		t.Fatal("unexpected function error header")
	}
	if rec.Body.String() != `{"echo":true}` {
		t.Fatalf("body = %q", rec.Body.String())
	}
}

func TestInvokeFunctionErrorHeader(t *testing.T) {
	f := newFixture(t)
	fn := f.createFunction(t, "failer")
	key := domain.KeyFor(fn, domain.LatestVersion, fn.Env)

	errPayload := `{"errorMessage":"nope","errorType":"ValueError"}`
	f.serveOne(key, domain.Result{
		Payload:       []byte(errPayload),
		FunctionError: domain.FunctionErrorHandled,
	})

	rec := f.do(http.MethodPost, "/2015-03-31/functions/failer/invocations", `{}`, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for function error", rec.Code)
	}
	if got := rec.Header().Get("X-Amz-Function-Error"); got != domain.FunctionErrorHandled {
		t.Fatalf("function error header = %q, want Handled", got)
	}
	if rec.Body.String() != errPayload {
		t.Fatalf("body = %q, want error payload", rec.Body.String())
	}
}

func TestInvokeEventAccepted(t *testing.T) {
	f := newFixture(t)
	f.createFunction(t, "async")

	rec := f.do(http.MethodPost, "/2015-03-31/functions/async/invocations", `{"job":1}`,
		map[string]string{"X-Amz-Invocation-Type": "Event"})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestInvokeErrorStatuses(t *testing.T) {
	f := newFixture(t)
	f.createFunction(t, "real")

	rec := f.do(http.MethodPost, "/2015-03-31/functions/ghost/invocations", `{}`, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown function status = %d, want 404", rec.Code)
	}

	rec = f.do(http.MethodPost, "/2015-03-31/functions/real/invocations", `{}`,
		map[string]string{"X-Amz-Invocation-Type": "DryRun"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad invocation type status = %d, want 400", rec.Code)
	}
}

func TestSecretsLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPut, "/secrets/db-password", `{"value":"hunter2"}`, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("put status = %d", rec.Code)
	}

	// The stored value must not be the plaintext.
	f.meta.mu.Lock()
	stored := f.meta.secrets["db-password"]
	f.meta.mu.Unlock()
	if strings.Contains(stored, "hunter2") {
		t.Fatal("secret stored in plaintext")
	}

	rec = f.do(http.MethodGet, "/secrets", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "db-password") {
		t.Fatalf("list = %d %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodDelete, "/secrets/db-password", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", rec.Code)
	}
	rec = f.do(http.MethodDelete, "/secrets/db-password", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Fatalf("health = %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(http.MethodGet, "/health/live", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("live = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/health/ready", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("ready = %d", rec.Code)
	}

	f.meta.setPingErr(fmt.Errorf("connection refused"))
	rec = f.do(http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "degraded") {
		t.Fatalf("degraded health = %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(http.MethodGet, "/health/ready", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("ready with dead store = %d, want 503", rec.Code)
	}

	if rec := f.do(http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics = %d", rec.Code)
	}
}
