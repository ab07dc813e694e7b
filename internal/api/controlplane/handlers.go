// Package controlplane serves the management API: function lifecycle,
// reserved concurrency, secrets, invocation, and operational endpoints. The
// invoke route keeps the AWS Lambda wire shape so stock SDKs can point at it
// with a custom endpoint.
package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/oriys/quasar/internal/codestore"
	"github.com/oriys/quasar/internal/concurrency"
	"github.com/oriys/quasar/internal/dispatcher"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/pending"
	"github.com/oriys/quasar/internal/pool"
	"github.com/oriys/quasar/internal/queue"
	"github.com/oriys/quasar/internal/sandbox"
	"github.com/oriys/quasar/internal/secrets"
	"github.com/oriys/quasar/internal/store"
)

// Handler carries the dependencies for all control plane routes.
type Handler struct {
	Store      *store.Store
	Dispatcher *dispatcher.Dispatcher
	Pool       *pool.Pool
	Queues     *queue.Queues
	Pending    *pending.Registry
	Limiter    *concurrency.Limiter
	Driver     sandbox.Driver
	Packages   codestore.Store
	Secrets    *secrets.Store
}

// RegisterRoutes attaches all control plane routes to the mux. Function and
// invoke paths follow the Lambda API vintages.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /2015-03-31/functions", h.CreateFunction)
	mux.HandleFunc("GET /2015-03-31/functions", h.ListFunctions)
	mux.HandleFunc("GET /2015-03-31/functions/{name}", h.GetFunction)
	mux.HandleFunc("DELETE /2015-03-31/functions/{name}", h.DeleteFunction)
	mux.HandleFunc("PUT /2015-03-31/functions/{name}/code", h.UpdateFunctionCode)
	mux.HandleFunc("PUT /2015-03-31/functions/{name}/configuration", h.UpdateFunctionConfiguration)
	mux.HandleFunc("POST /2015-03-31/functions/{name}/invocations", h.Invoke)

	mux.HandleFunc("PUT /2017-10-31/functions/{name}/concurrency", h.PutConcurrency)
	mux.HandleFunc("GET /2017-10-31/functions/{name}/concurrency", h.GetConcurrency)
	mux.HandleFunc("DELETE /2017-10-31/functions/{name}/concurrency", h.DeleteConcurrency)

	mux.HandleFunc("PUT /secrets/{name}", h.PutSecret)
	mux.HandleFunc("GET /secrets", h.ListSecrets)
	mux.HandleFunc("DELETE /secrets/{name}", h.DeleteSecret)

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/live", h.HealthLive)
	mux.HandleFunc("GET /health/ready", h.HealthReady)
	mux.Handle("GET /metrics", metrics.Handler())
}

// Health reports overall status plus per-component detail. Degraded
// components keep the endpoint at 200; readiness is the gating probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	components := map[string]string{"postgres": "ok", "cache": "ok"}
	if err := h.Store.Ping(ctx); err != nil {
		components["postgres"] = err.Error()
		status = "degraded"
	}
	if err := h.Store.PingCache(ctx); err != nil {
		components["cache"] = err.Error()
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     status,
		"components": components,
		"containers": h.Pool.Total(),
		"pending":    h.Pending.Len(),
		"uptime_s":   int64(time.Since(metrics.StartTime()).Seconds()),
	})
}

func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady gates on the durable store only. Cache loss degrades latency,
// not correctness, so it does not fail readiness.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.Store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
