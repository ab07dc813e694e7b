package controlplane

import (
	"encoding/json"
	"net/http"

	"github.com/oriys/quasar/internal/logging"
)

// concurrencyBody is the Lambda wire shape for both directions of the
// concurrency endpoints.
type concurrencyBody struct {
	ReservedConcurrentExecutions *int `json:"ReservedConcurrentExecutions,omitempty"`
}

// concurrencyStatus extends the Lambda GET shape with the live token count.
type concurrencyStatus struct {
	ReservedConcurrentExecutions *int `json:"ReservedConcurrentExecutions,omitempty"`
	InFlightExecutions           int  `json:"InFlightExecutions"`
}

// PutConcurrency sets the reserved concurrency cap. Zero is a valid value
// and blocks all invocations of the function.
func (h *Handler) PutConcurrency(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.getFunction(w, r)
	if !ok {
		return
	}

	var req concurrencyBody
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.ReservedConcurrentExecutions == nil {
		http.Error(w, "ReservedConcurrentExecutions is required", http.StatusBadRequest)
		return
	}
	if *req.ReservedConcurrentExecutions < 0 {
		http.Error(w, "ReservedConcurrentExecutions must be >= 0", http.StatusBadRequest)
		return
	}

	fn.ReservedConcurrency = req.ReservedConcurrentExecutions
	if err := h.Store.SaveFunction(r.Context(), fn); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Take effect immediately for invocations already holding a snapshot.
	h.Limiter.SetReserved(fn.ID, fn.ReservedConcurrency)

	logging.Op().Info("reserved concurrency set",
		"function", fn.Name, "limit", *req.ReservedConcurrentExecutions)
	writeJSON(w, http.StatusOK, concurrencyBody{
		ReservedConcurrentExecutions: fn.ReservedConcurrency,
	})
}

// GetConcurrency returns the configured cap plus the tokens currently held.
// ReservedConcurrentExecutions is omitted when the function runs under the
// account default.
func (h *Handler) GetConcurrency(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.getFunction(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, concurrencyStatus{
		ReservedConcurrentExecutions: fn.ReservedConcurrency,
		InFlightExecutions:           h.Limiter.Outstanding(fn.ID),
	})
}

// DeleteConcurrency returns the function to the account default cap.
func (h *Handler) DeleteConcurrency(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.getFunction(w, r)
	if !ok {
		return
	}

	fn.ReservedConcurrency = nil
	if err := h.Store.SaveFunction(r.Context(), fn); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.Limiter.SetReserved(fn.ID, nil)

	logging.Op().Info("reserved concurrency cleared", "function", fn.Name)
	w.WriteHeader(http.StatusNoContent)
}
