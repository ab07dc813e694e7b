package controlplane

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/secrets"
	"github.com/oriys/quasar/internal/store"
)

// Function packages are zip archives, capped like the upstream API.
const maxPackageBytes = 50 << 20

// drainRemoveParallelism bounds concurrent engine removals during a drain so
// a wide function does not saturate the engine socket.
const drainRemoveParallelism = 4

type createFunctionRequest struct {
	Name                string            `json:"name"`
	Runtime             string            `json:"runtime"`
	Handler             string            `json:"handler"`
	MemoryMB            int               `json:"memory_mb"`
	TimeoutS            int               `json:"timeout_s"`
	Env                 map[string]string `json:"env"`
	ReservedConcurrency *int              `json:"reserved_concurrency"`

	// CodeZipB64 is the function package, a base64-encoded zip.
	CodeZipB64 string `json:"code_zip_b64"`
}

type updateCodeRequest struct {
	CodeZipB64 string `json:"code_zip_b64"`
}

type updateConfigurationRequest struct {
	Handler  *string            `json:"handler"`
	MemoryMB *int               `json:"memory_mb"`
	TimeoutS *int               `json:"timeout_s"`
	Env      *map[string]string `json:"env"`
}

func (h *Handler) CreateFunction(w http.ResponseWriter, r *http.Request) {
	var req createFunctionRequest
	// Allow for base64 inflation over the package cap.
	r.Body = http.MaxBytesReader(w, r.Body, maxPackageBytes*2)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	fn := &domain.Function{
		ID:                  uuid.New().String(),
		Name:                req.Name,
		Runtime:             domain.Runtime(req.Runtime),
		Handler:             req.Handler,
		MemoryMB:            req.MemoryMB,
		TimeoutS:            req.TimeoutS,
		Env:                 req.Env,
		ReservedConcurrency: req.ReservedConcurrency,
	}
	fn.ApplyDefaults()
	if err := fn.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.ReservedConcurrency != nil && *req.ReservedConcurrency < 0 {
		http.Error(w, "reserved_concurrency must be >= 0", http.StatusBadRequest)
		return
	}
	if req.CodeZipB64 == "" {
		http.Error(w, "code_zip_b64 is required", http.StatusBadRequest)
		return
	}
	if !h.checkSecretRefs(w, r, fn.Env) {
		return
	}

	if _, err := h.Store.GetFunctionByName(r.Context(), fn.Name); err == nil {
		http.Error(w, "function already exists: "+fn.Name, http.StatusConflict)
		return
	} else if !errors.Is(err, store.ErrFunctionNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	pkg, err := base64.StdEncoding.DecodeString(req.CodeZipB64)
	if err != nil {
		http.Error(w, "code_zip_b64 is not valid base64", http.StatusBadRequest)
		return
	}
	if len(pkg) > maxPackageBytes {
		http.Error(w, "code package too large", http.StatusRequestEntityTooLarge)
		return
	}
	digest, err := h.Packages.Put(r.Context(), pkg)
	if err != nil {
		http.Error(w, "store code package: "+err.Error(), http.StatusInternalServerError)
		return
	}
	fn.CodeHash = digest

	if err := h.Store.SaveFunction(r.Context(), fn); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if fn.ReservedConcurrency != nil {
		h.Limiter.SetReserved(fn.ID, fn.ReservedConcurrency)
	}

	logging.Op().Info("function created",
		"function", fn.Name, "runtime", string(fn.Runtime), "code_hash", fn.CodeHash)
	writeJSON(w, http.StatusCreated, fn)
}

func (h *Handler) ListFunctions(w http.ResponseWriter, r *http.Request) {
	fns, err := h.Store.ListFunctions(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if fns == nil {
		fns = []*domain.Function{}
	}
	writeJSON(w, http.StatusOK, fns)
}

func (h *Handler) GetFunction(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.getFunction(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, fn)
}

// DeleteFunction removes the record first so no new invocation can resolve
// the name, then tears down warm containers and fails queued work.
func (h *Handler) DeleteFunction(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.getFunction(w, r)
	if !ok {
		return
	}
	if err := h.Store.DeleteFunction(r.Context(), fn.Name); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.drainContainers(fn)
	h.failQueued(fn.Name)
	h.Limiter.ClearReserved(fn.ID)

	logging.Op().Info("function deleted", "function", fn.Name)
	w.WriteHeader(http.StatusNoContent)
}

// UpdateFunctionCode stores the new package, bumps the version, and drains
// warm containers so nothing keeps serving the old code.
func (h *Handler) UpdateFunctionCode(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.getFunction(w, r)
	if !ok {
		return
	}

	var req updateCodeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxPackageBytes*2)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.CodeZipB64 == "" {
		http.Error(w, "code_zip_b64 is required", http.StatusBadRequest)
		return
	}
	pkg, err := base64.StdEncoding.DecodeString(req.CodeZipB64)
	if err != nil {
		http.Error(w, "code_zip_b64 is not valid base64", http.StatusBadRequest)
		return
	}
	if len(pkg) > maxPackageBytes {
		http.Error(w, "code package too large", http.StatusRequestEntityTooLarge)
		return
	}
	digest, err := h.Packages.Put(r.Context(), pkg)
	if err != nil {
		http.Error(w, "store code package: "+err.Error(), http.StatusInternalServerError)
		return
	}

	fn.CodeHash = digest
	fn.Version++
	if err := h.Store.SaveFunction(r.Context(), fn); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.drainContainers(fn)

	logging.Op().Info("function code updated",
		"function", fn.Name, "version", fn.Version, "code_hash", fn.CodeHash)
	writeJSON(w, http.StatusOK, fn)
}

// UpdateFunctionConfiguration patches the mutable fields. Any change bumps
// the version and drains warm containers, whose baked-in environment and
// resources no longer match the record.
func (h *Handler) UpdateFunctionConfiguration(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.getFunction(w, r)
	if !ok {
		return
	}

	var req updateConfigurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Handler == nil && req.MemoryMB == nil && req.TimeoutS == nil && req.Env == nil {
		http.Error(w, "no fields to update", http.StatusBadRequest)
		return
	}

	if req.Handler != nil {
		fn.Handler = *req.Handler
	}
	if req.MemoryMB != nil {
		fn.MemoryMB = *req.MemoryMB
	}
	if req.TimeoutS != nil {
		fn.TimeoutS = *req.TimeoutS
	}
	if req.Env != nil {
		fn.Env = *req.Env
	}
	if err := fn.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Env != nil && !h.checkSecretRefs(w, r, fn.Env) {
		return
	}

	fn.Version++
	if err := h.Store.SaveFunction(r.Context(), fn); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.drainContainers(fn)

	logging.Op().Info("function configuration updated",
		"function", fn.Name, "version", fn.Version)
	writeJSON(w, http.StatusOK, fn)
}

// checkSecretRefs rejects an environment referencing secrets that are not
// stored, so a typo fails the deploy instead of every later invocation.
func (h *Handler) checkSecretRefs(w http.ResponseWriter, r *http.Request, env map[string]string) bool {
	refs := secrets.RefNames(env)
	if len(refs) == 0 {
		return true
	}
	stored, err := h.Secrets.List(r.Context())
	if err != nil {
		http.Error(w, "list secrets: "+err.Error(), http.StatusInternalServerError)
		return false
	}
	var missing []string
	for _, name := range refs {
		if _, ok := stored[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		http.Error(w, "unknown secrets referenced in env: "+strings.Join(missing, ", "), http.StatusBadRequest)
		return false
	}
	return true
}

// getFunction resolves the {name} path segment, writing 404/500 on failure.
func (h *Handler) getFunction(w http.ResponseWriter, r *http.Request) (*domain.Function, bool) {
	name := r.PathValue("name")
	fn, err := h.Store.GetFunctionByName(r.Context(), name)
	if err != nil {
		if errors.Is(err, store.ErrFunctionNotFound) {
			http.Error(w, "function not found: "+name, http.StatusNotFound)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return nil, false
	}
	return fn, true
}

// drainContainers marks every container of the function draining and removes
// them from the engine. Removal runs on a background context: the client may
// give up, the teardown must not.
func (h *Handler) drainContainers(fn *domain.Function) {
	ids := h.Pool.DrainByFunctionID(fn.ID)
	if len(ids) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(drainRemoveParallelism)
	for _, id := range ids {
		g.Go(func() error {
			if err := h.Driver.Remove(gctx, id, true); err != nil {
				logging.Op().Warn("drain remove failed",
					"function", fn.Name, "container_id", id, "error", err)
			}
			h.Pool.RemoveByContainerID(id)
			return nil
		})
	}
	g.Wait()

	logging.Op().Info("function containers drained", "function", fn.Name, "count", len(ids))
}

// failQueued fails every queued invocation for the function so blocked
// callers get an answer instead of riding out their deadlines.
func (h *Handler) failQueued(name string) {
	items := h.Queues.DrainFunction(name)
	for _, item := range items {
		body := domain.ErrorBody{
			ErrorMessage: "function deleted: " + name,
			ErrorType:    "ResourceNotFound",
		}
		h.Pending.Complete(item.RequestID, domain.Result{Payload: body.Marshal()})
	}
	if len(items) > 0 {
		logging.Op().Warn("queued invocations failed on delete", "function", name, "count", len(items))
	}
}
