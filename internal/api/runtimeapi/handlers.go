// Package runtimeapi serves the in-container bootstrap contract: long-poll
// next-invocation plus the response, error, and init-error completion posts.
// Delivering work and returning instances to the warm pool happen here; the
// dispatcher never touches instance state.
package runtimeapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/pending"
	"github.com/oriys/quasar/internal/pool"
	"github.com/oriys/quasar/internal/queue"
	"github.com/oriys/quasar/internal/sandbox"
)

// headerInstanceID identifies the polling container. The bootstrap reads it
// from its environment and sends it on every runtime API request.
const headerInstanceID = "INSTANCE_ID"

// Function responses share the synchronous payload cap.
const maxResultBytes = 6 << 20

// Log tails carry at most the trailing 4 KiB, base64-encoded, matching the
// X-Amz-Log-Result contract.
const (
	logTailBytes      = 4096
	logTailFetchLines = 100
)

// Serving records are dropped once no invocation could still be running:
// the container died without posting a result.
const (
	maxServeAge           = time.Duration(domain.MaxTimeoutS)*time.Second + time.Minute
	servingSweepThreshold = 1024
)

// servingRecord remembers who took an invocation so the completion posts can
// return the right instance to the pool and fetch its log tail.
type servingRecord struct {
	instanceID  string
	containerID string
	key         domain.FunctionKey
	logType     string
	version     string
	at          time.Time
}

// Handler carries the runtime API dependencies.
type Handler struct {
	Queues  *queue.Queues
	Pending *pending.Registry
	Pool    *pool.Pool
	Driver  sandbox.Driver

	mu      sync.Mutex
	serving map[string]servingRecord
}

func NewHandler(queues *queue.Queues, pend *pending.Registry, warm *pool.Pool, driver sandbox.Driver) *Handler {
	return &Handler{
		Queues:  queues,
		Pending: pend,
		Pool:    warm,
		Driver:  driver,
		serving: make(map[string]servingRecord),
	}
}

// RegisterRoutes attaches the runtime API routes to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /2018-06-01/runtime/invocation/next", h.Next)
	mux.HandleFunc("POST /2018-06-01/runtime/invocation/{requestID}/response", h.Response)
	mux.HandleFunc("POST /2018-06-01/runtime/invocation/{requestID}/error", h.InvocationError)
	mux.HandleFunc("POST /2018-06-01/runtime/init/error", h.InitError)
}

// Next blocks until work arrives on the caller's lane. Abandoning the poll
// (container death, shutdown) consumes nothing.
func (h *Handler) Next(w http.ResponseWriter, r *http.Request) {
	instanceID := r.Header.Get(headerInstanceID)
	if instanceID == "" {
		http.Error(w, "INSTANCE_ID header required", http.StatusBadRequest)
		return
	}
	wc, ok := h.Pool.LookupInstance(instanceID)
	if !ok {
		// Not pooled: a leftover container from a previous daemon run.
		// Gone tells the bootstrap to exit instead of retrying.
		http.Error(w, "unknown instance: "+instanceID, http.StatusGone)
		return
	}

	item, err := h.Queues.PopOrWait(r.Context(), wc.Key)
	if err != nil {
		http.Error(w, "poll cancelled", http.StatusServiceUnavailable)
		return
	}

	if !h.Pool.MarkActiveByInstance(instanceID) {
		logging.Op().Warn("instance not idle at delivery",
			"instance_id", instanceID, "request_id", item.RequestID)
	}
	metrics.RecordQueueWait(wc.Key.Name, time.Since(item.EnqueuedAt).Milliseconds())
	h.remember(item, wc)

	w.Header().Set("Lambda-Runtime-Aws-Request-Id", item.RequestID)
	w.Header().Set("Lambda-Runtime-Deadline-Ms", strconv.FormatInt(item.DeadlineMS, 10))
	w.Header().Set("Lambda-Runtime-Invoked-Function-Arn", domain.FunctionArn(wc.Key.Name))
	if item.TraceID != "" {
		w.Header().Set("Lambda-Runtime-Trace-Id", item.TraceID)
	}
	if item.ClientContext != "" {
		w.Header().Set("Lambda-Runtime-Client-Context", item.ClientContext)
	}
	if item.CognitoIdentity != "" {
		w.Header().Set("Lambda-Runtime-Cognito-Identity", item.CognitoIdentity)
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(item.Payload)
}

// Response delivers a successful result to the pending waiter.
func (h *Handler) Response(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestID")
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResultBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			// The invocation still completes, as an oversize failure.
			body := domain.ErrorBody{
				ErrorMessage: "response payload exceeds maximum size",
				ErrorType:    "ResponsePayloadTooLarge",
			}
			h.complete(w, r, requestID, domain.Result{
				Payload:       body.Marshal(),
				FunctionError: domain.FunctionErrorUnhandled,
			}, http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read response: "+err.Error(), http.StatusBadRequest)
		return
	}

	h.complete(w, r, requestID, domain.Result{
		Ok:              true,
		Payload:         payload,
		ExecutedVersion: r.Header.Get("X-Amz-Executed-Version"),
		LogTailB64:      r.Header.Get("X-Amz-Log-Result"),
	}, http.StatusAccepted)
}

// InvocationError delivers a function error. The body is the runtime's
// errorMessage/errorType/stackTrace JSON, passed through verbatim.
func (h *Handler) InvocationError(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestID")
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResultBytes))
	if err != nil {
		http.Error(w, "read error body: "+err.Error(), http.StatusBadRequest)
		return
	}

	functionError := r.Header.Get("X-Amz-Function-Error")
	if functionError == "" {
		functionError = domain.FunctionErrorUnhandled
	}

	h.complete(w, r, requestID, domain.Result{
		Payload:         payload,
		FunctionError:   functionError,
		ExecutedVersion: r.Header.Get("X-Amz-Executed-Version"),
		LogTailB64:      r.Header.Get("X-Amz-Log-Result"),
	}, http.StatusAccepted)
}

// InitError reports that the runtime failed to initialize. The instance is
// failed out of the pool; if that leaves the lane with nothing that could
// serve, queued invocations fail fast instead of riding out their deadlines.
func (h *Handler) InitError(w http.ResponseWriter, r *http.Request) {
	instanceID := r.Header.Get(headerInstanceID)
	detail, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))

	function := "unknown"
	if wc, ok := h.Pool.LookupInstance(instanceID); ok {
		function = wc.Key.Name
		h.Pool.SetStateByContainerID(wc.ContainerID, pool.StateFailed)
		h.failLaneIfDead(wc.Key)
	}

	metrics.RecordRuntimeInitError(function)
	logging.Op().Error("runtime init error",
		"function", function, "instance_id", instanceID, "detail", string(detail))
	writeStatus(w, http.StatusAccepted)
}

// complete finishes one invocation: fills fallbacks from the serving record,
// delivers the result, and returns the instance to the pool. The instance
// goes idle even when the waiter is gone; its work is done either way.
func (h *Handler) complete(w http.ResponseWriter, r *http.Request, requestID string, res domain.Result, okStatus int) {
	if requestID == "" {
		http.Error(w, "request id required", http.StatusBadRequest)
		return
	}
	rec, tracked := h.forget(requestID)

	if tracked {
		if res.ExecutedVersion == "" {
			res.ExecutedVersion = rec.version
		}
		if res.LogTailB64 == "" && rec.logType == domain.LogTypeTail {
			res.LogTailB64 = h.logTail(r.Context(), rec.containerID)
		}
	}

	instanceID := r.Header.Get(headerInstanceID)
	if instanceID == "" && tracked {
		instanceID = rec.instanceID
	}
	res.InstanceID = instanceID

	delivered := h.Pending.Complete(requestID, res)

	idled := instanceID != "" && h.Pool.MarkIdleByInstance(instanceID)
	if !idled && tracked {
		h.Pool.MarkAnyActiveToIdle(rec.key)
	}

	if !delivered {
		metrics.RecordLateDelivery()
		logging.Op().Warn("late result delivery", "request_id", requestID)
		http.Error(w, "no pending invocation: "+requestID, http.StatusNotFound)
		return
	}
	writeStatus(w, okStatus)
}

// failLaneIfDead fails queued invocations for a lane with no instance left
// in a state that could serve them. A stopped instance still counts as
// serviceable; the autoscaler can restart it.
func (h *Handler) failLaneIfDead(key domain.FunctionKey) {
	stats := h.Pool.LaneStats(key)
	if stats.Idle > 0 || stats.Active > 0 || stats.Stopped > 0 {
		return
	}
	failed := 0
	for {
		item, ok := h.Queues.TryPop(key)
		if !ok {
			break
		}
		h.Pending.Complete(item.RequestID, domain.InitErrorResult(item.Function.VersionLabel()))
		failed++
	}
	if failed > 0 {
		logging.Op().Warn("queued invocations failed after init error",
			"function", key.Name, "count", failed)
	}
}

func (h *Handler) remember(item *domain.WorkItem, wc pool.WarmContainer) {
	h.mu.Lock()
	if len(h.serving) >= servingSweepThreshold {
		h.sweepLocked()
	}
	h.serving[item.RequestID] = servingRecord{
		instanceID:  wc.InstanceID,
		containerID: wc.ContainerID,
		key:         wc.Key,
		logType:     item.LogType,
		version:     item.Function.VersionLabel(),
		at:          time.Now(),
	}
	h.mu.Unlock()
}

func (h *Handler) forget(requestID string) (servingRecord, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.serving[requestID]
	if ok {
		delete(h.serving, requestID)
	}
	return rec, ok
}

func (h *Handler) sweepLocked() {
	cutoff := time.Now().Add(-maxServeAge)
	for id, rec := range h.serving {
		if rec.at.Before(cutoff) {
			delete(h.serving, id)
		}
	}
}

// logTail fetches the trailing container log when the runtime did not attach
// one itself. Failures degrade to an empty tail, never a failed invocation.
func (h *Handler) logTail(ctx context.Context, containerID string) string {
	if h.Driver == nil || containerID == "" {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := h.Driver.Logs(ctx, containerID, logTailFetchLines)
	if err != nil {
		logging.Op().Debug("log tail fetch failed", "container_id", containerID, "error", err)
		return ""
	}
	if len(out) > logTailBytes {
		out = out[len(out)-logTailBytes:]
	}
	return base64.StdEncoding.EncodeToString([]byte(out))
}

func writeStatus(w http.ResponseWriter, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
