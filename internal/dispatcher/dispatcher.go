// Package dispatcher orchestrates the invoke path: function resolution,
// concurrency admission, capacity assurance, lane enqueue, and the wait for
// the runtime's result or the deadline. It owns no instance state; the pool
// transitions instances only on runtime API traffic.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oriys/quasar/internal/concurrency"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/pending"
	"github.com/oriys/quasar/internal/pool"
	"github.com/oriys/quasar/internal/queue"
	"github.com/oriys/quasar/internal/secrets"
	"github.com/oriys/quasar/internal/store"
)

// Invocation types accepted on the invoke API.
const (
	InvocationRequestResponse = "RequestResponse"
	InvocationEvent           = "Event"
)

// DefaultStartupBuffer pads the function timeout to absorb container
// bootstrap time before the handler sees the event.
const DefaultStartupBuffer = 10 * time.Second

// ErrShuttingDown is returned for invocations that arrive after shutdown
// began. Surfaces to callers as HTTP 503.
var ErrShuttingDown = errors.New("dispatcher: shutting down")

// ErrInvalidRequest covers malformed invoke parameters: unknown invocation
// type, unknown log type, or a qualifier that is not a version label.
// Surfaces to callers as HTTP 400.
var ErrInvalidRequest = errors.New("dispatcher: invalid request")

// Invocation outcome labels recorded on metrics and spans.
const (
	outcomeOK            = "ok"
	outcomeFunctionError = "function_error"
	outcomeTimeout       = "timeout"
	outcomeFailed        = "failed"
)

// FunctionStore is the slice of the metadata store the dispatcher reads.
type FunctionStore interface {
	GetFunctionByName(ctx context.Context, name string) (*domain.Function, error)
}

// CapacityEnsurer guarantees a lane can serve an item, creating or
// restarting containers as needed.
type CapacityEnsurer interface {
	EnsureCapacity(ctx context.Context, item *domain.WorkItem) error
}

// InvokeRequest carries one invocation from the API layer.
type InvokeRequest struct {
	FunctionName    string
	Qualifier       string
	Payload         []byte
	InvocationType  string // "RequestResponse" (default) or "Event"
	LogType         string // "None" (default) or "Tail"
	ClientContext   string
	CognitoIdentity string
}

// InvokeResponse is the dispatcher outcome handed back to the API layer.
// Function errors are carried here, not as Go errors: per the AWS contract
// they are HTTP 200 with X-Amz-Function-Error set.
type InvokeResponse struct {
	StatusCode      int
	RequestID       string
	Payload         []byte
	FunctionError   string // "", "Handled" or "Unhandled"
	ExecutedVersion string
	LogResult       string // base64 log tail for X-Amz-Log-Result
	DurationMs      int64
	ColdStart       bool
}

// Dispatcher accepts invocations and sees them through to a result. One
// instance serves the whole process.
type Dispatcher struct {
	store         FunctionStore
	queues        *queue.Queues
	pending       *pending.Registry
	limiter       *concurrency.Limiter
	pool          *pool.Pool
	prov          CapacityEnsurer
	resolver      *secrets.Resolver
	requestLog    *logging.Logger
	startupBuffer time.Duration

	inflight sync.WaitGroup
	closing  atomic.Bool
}

type Option func(*Dispatcher)

// WithSecretsResolver sets the resolver for $SECRET: references in function
// environments.
func WithSecretsResolver(resolver *secrets.Resolver) Option {
	return func(d *Dispatcher) {
		d.resolver = resolver
	}
}

// WithRequestLogger sets the invocation outcome logger.
func WithRequestLogger(logger *logging.Logger) Option {
	return func(d *Dispatcher) {
		d.requestLog = logger
	}
}

// WithStartupBuffer overrides the deadline padding added to the function
// timeout.
func WithStartupBuffer(buffer time.Duration) Option {
	return func(d *Dispatcher) {
		d.startupBuffer = buffer
	}
}

func New(fns FunctionStore, queues *queue.Queues, pend *pending.Registry, limiter *concurrency.Limiter, warm *pool.Pool, prov CapacityEnsurer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:         fns,
		queues:        queues,
		pending:       pend,
		limiter:       limiter,
		pool:          warm,
		prov:          prov,
		requestLog:    logging.Default(),
		startupBuffer: DefaultStartupBuffer,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// safeGo runs f in a new goroutine with panic recovery so that a failure
// in fire-and-forget background work never crashes the process.
func safeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in async task", "panic", r)
			}
		}()
		f()
	}()
}

// Invoke runs one invocation to completion. For Event invocations it returns
// 202 as soon as the function is resolved and continues in the background.
func (d *Dispatcher) Invoke(ctx context.Context, req *InvokeRequest) (*InvokeResponse, error) {
	if d.closing.Load() {
		return nil, ErrShuttingDown
	}

	switch req.InvocationType {
	case "", InvocationRequestResponse, InvocationEvent:
	default:
		return nil, fmt.Errorf("%w: invocation type %q", ErrInvalidRequest, req.InvocationType)
	}
	switch req.LogType {
	case "", domain.LogTypeNone, domain.LogTypeTail:
	default:
		return nil, fmt.Errorf("%w: log type %q", ErrInvalidRequest, req.LogType)
	}

	fn, err := d.store.GetFunctionByName(ctx, req.FunctionName)
	if err != nil {
		return nil, fmt.Errorf("get function: %w", err)
	}

	version, err := resolveQualifier(fn, req.Qualifier)
	if err != nil {
		return nil, err
	}

	if req.InvocationType == InvocationEvent {
		d.inflight.Add(1)
		// The caller is gone after the 202; detach from its context.
		safeGo(func() {
			defer d.inflight.Done()
			if _, err := d.execute(context.Background(), fn, version, req); err != nil {
				logging.Op().Error("async invocation failed",
					"function", fn.Name, "error", err)
			}
		})
		return &InvokeResponse{StatusCode: http.StatusAccepted}, nil
	}

	d.inflight.Add(1)
	defer d.inflight.Done()
	return d.execute(ctx, fn, version, req)
}

// execute is the synchronous core shared by both invocation types.
func (d *Dispatcher) execute(ctx context.Context, fn *domain.Function, version string, req *InvokeRequest) (*InvokeResponse, error) {
	// Resolve secrets once. The same mapping feeds the lane key and any
	// container created for the lane, so a rotation yields a fresh key
	// instead of an instance whose environment disagrees with its key.
	resolvedEnv, err := d.resolver.ResolveEnv(ctx, fn.Env)
	if err != nil {
		return nil, fmt.Errorf("resolve secrets: %w", err)
	}
	key := domain.KeyFor(fn, version, resolvedEnv)

	token, err := d.limiter.Acquire(fn)
	if err != nil {
		return nil, err
	}
	defer token.Release()

	item := domain.NewWorkItem(fn, key, req.Payload, resolvedEnv)
	item.ClientContext = req.ClientContext
	item.CognitoIdentity = req.CognitoIdentity
	item.LogType = req.LogType

	ctx, span := observability.StartSpan(ctx, "quasar.invoke",
		observability.AttrFunctionName.String(fn.Name),
		observability.AttrFunctionID.String(fn.ID),
		observability.AttrRuntime.String(string(fn.Runtime)),
		observability.AttrVersion.String(version),
		observability.AttrRequestID.String(item.RequestID),
	)
	defer span.End()

	item.TraceID = observability.ExtractTraceContext(ctx).TraceParent
	traceID := observability.GetTraceID(ctx)

	metrics.IncActiveRequests()
	defer metrics.DecActiveRequests()

	coldStart := d.pool.Count(key) == 0
	span.SetAttributes(observability.AttrColdStart.Bool(coldStart))

	waiter := d.pending.Register(item.RequestID)

	// Capacity before enqueue: a cold lane whose container cannot be
	// provisioned fails here instead of burning the full deadline.
	if err := d.prov.EnsureCapacity(ctx, item); err != nil {
		d.pending.Remove(item.RequestID)
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("ensure capacity: %w", err)
	}

	d.queues.Push(item)

	start := time.Now()
	deadline := time.Duration(fn.TimeoutS)*time.Second + d.startupBuffer
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	var res domain.Result
	timedOut := false
	select {
	case res = <-waiter.Result():
	case <-timer.C:
		timedOut = d.pending.FailIfWaiting(item.RequestID, domain.TimeoutResult(fn.TimeoutS, fn.VersionLabel()))
		if timedOut {
			logging.OpWithTrace(traceID, observability.GetSpanID(ctx)).Warn("invocation deadline exceeded",
				"function", fn.Name,
				"request_id", item.RequestID,
				"timeout_s", fn.TimeoutS)
		}
		// Whichever writer won the entry, exactly one result is now
		// buffered on the waiter channel.
		res = <-waiter.Result()
	case <-ctx.Done():
		// Caller hung up. The item may still be served; a late runtime
		// POST finds no waiter and gets 404.
		d.pending.Remove(item.RequestID)
		observability.SetSpanError(span, ctx.Err())
		return nil, ctx.Err()
	}

	durationMs := time.Since(start).Milliseconds()

	outcome := outcomeOK
	switch {
	case timedOut:
		outcome = outcomeTimeout
	case res.Ok:
		outcome = outcomeOK
	case res.FunctionError != "":
		outcome = outcomeFunctionError
	default:
		outcome = outcomeFailed
	}

	span.SetAttributes(
		observability.AttrDurationMs.Int64(durationMs),
		observability.AttrOutcome.String(outcome),
	)
	if res.InstanceID != "" {
		span.SetAttributes(observability.AttrInstanceID.String(res.InstanceID))
	}

	executed := res.ExecutedVersion
	if executed == "" {
		executed = fn.VersionLabel()
	}

	entry := &logging.RequestLog{
		RequestID:     item.RequestID,
		TraceID:       traceID,
		Function:      fn.Name,
		Version:       executed,
		Runtime:       string(fn.Runtime),
		InstanceID:    res.InstanceID,
		DurationMs:    durationMs,
		ColdStart:     coldStart,
		Success:       res.Ok,
		FunctionError: res.FunctionError,
		PayloadSize:   len(req.Payload),
		ResponseSize:  len(res.Payload),
	}

	safeGo(func() {
		metrics.RecordInvocation(fn.Name, string(fn.Runtime), outcome, durationMs, coldStart)
	})

	if outcome == outcomeFailed {
		// Delivered through the registry but neither a payload nor a
		// function error: an internal failure such as shutdown.
		err := errors.New(failureMessage(res.Payload))
		entry.Error = err.Error()
		safeGo(func() { d.requestLog.Log(entry) })
		observability.SetSpanError(span, err)
		return nil, err
	}

	safeGo(func() { d.requestLog.Log(entry) })

	if res.Ok {
		observability.SetSpanOK(span)
	}

	return &InvokeResponse{
		StatusCode:      http.StatusOK,
		RequestID:       item.RequestID,
		Payload:         res.Payload,
		FunctionError:   res.FunctionError,
		ExecutedVersion: executed,
		LogResult:       res.LogTailB64,
		DurationMs:      durationMs,
		ColdStart:       coldStart,
	}, nil
}

// Shutdown stops accepting invocations, fails every pending waiter so
// blocked callers return promptly, and waits up to timeout for in-flight
// requests to drain.
func (d *Dispatcher) Shutdown(timeout time.Duration) {
	d.closing.Store(true)

	body := domain.ErrorBody{
		ErrorMessage: "server shutting down",
		ErrorType:    "ServiceShutdown",
	}
	if n := d.pending.FailAll(domain.Result{Payload: body.Marshal()}); n > 0 {
		logging.Op().Warn("failed pending invocations for shutdown", "count", n)
	}

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		logging.Op().Info("all in-flight invocations completed")
	case <-time.After(timeout):
		logging.Op().Warn("shutdown timeout waiting for in-flight invocations",
			"timeout", timeout)
	}
}

// resolveQualifier maps the caller's qualifier to a lane version label.
// Unqualified and $LATEST invocations share the LATEST lane; the current
// version label gets its own lane; anything else is unknown.
func resolveQualifier(fn *domain.Function, qualifier string) (string, error) {
	switch qualifier {
	case "", "$LATEST":
		return domain.LatestVersion, nil
	case fn.VersionLabel():
		return fn.VersionLabel(), nil
	}
	if _, err := strconv.Atoi(qualifier); err != nil {
		return "", fmt.Errorf("%w: qualifier %q", ErrInvalidRequest, qualifier)
	}
	return "", fmt.Errorf("%w: %s (version %s)", store.ErrFunctionNotFound, fn.Name, qualifier)
}

// failureMessage extracts the errorMessage from an internal failure payload.
func failureMessage(payload []byte) string {
	var body domain.ErrorBody
	if json.Unmarshal(payload, &body) == nil && body.ErrorMessage != "" {
		return body.ErrorMessage
	}
	return "invocation failed"
}
