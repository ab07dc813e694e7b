// Package api assembles the two HTTP surfaces: the AWS-shaped control plane
// (function lifecycle, concurrency, invoke) and the runtime API that function
// containers poll for work. They run on separate listeners so the container
// bridge network never reaches management endpoints.
package api

import (
	"net/http"

	"github.com/oriys/quasar/internal/api/controlplane"
	"github.com/oriys/quasar/internal/api/runtimeapi"
	"github.com/oriys/quasar/internal/codestore"
	"github.com/oriys/quasar/internal/concurrency"
	"github.com/oriys/quasar/internal/dispatcher"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/pending"
	"github.com/oriys/quasar/internal/pool"
	"github.com/oriys/quasar/internal/queue"
	"github.com/oriys/quasar/internal/sandbox"
	"github.com/oriys/quasar/internal/secrets"
	"github.com/oriys/quasar/internal/store"
)

// Deps bundles the shared components the HTTP handlers are built from.
type Deps struct {
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

// StartControlPlane starts the management and invoke API on addr and returns
// the server for graceful shutdown.
func StartControlPlane(addr string, deps Deps) *http.Server {
	mux := http.NewServeMux()

	h := &controlplane.Handler{
		Store:      deps.Store,
		Dispatcher: deps.Dispatcher,
		Pool:       deps.Pool,
		Queues:     deps.Queues,
		Pending:    deps.Pending,
		Limiter:    deps.Limiter,
		Driver:     deps.Driver,
		Packages:   deps.Packages,
		Secrets:    deps.Secrets,
	}
	h.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    addr,
		Handler: observability.HTTPMiddleware(mux),
	}

	go func() {
		logging.Op().Info("control plane listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("control plane server error", "error", err)
		}
	}()

	return server
}

// StartRuntimeAPI starts the container-facing invocation API on addr. The
// long-poll next endpoint would produce a span per poll, so this listener
// stays outside the tracing middleware.
func StartRuntimeAPI(addr string, deps Deps) *http.Server {
	mux := http.NewServeMux()

	h := runtimeapi.NewHandler(deps.Queues, deps.Pending, deps.Pool, deps.Driver)
	h.RegisterRoutes(mux)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logging.Op().Info("runtime api listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Op().Error("runtime api server error", "error", err)
		}
	}()

	return server
}
