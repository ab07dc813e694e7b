package controlplane

import (
	"errors"
	"io"
	"net/http"

	"github.com/oriys/quasar/internal/concurrency"
	"github.com/oriys/quasar/internal/dispatcher"
	"github.com/oriys/quasar/internal/store"
)

// Invocation payloads are capped like the upstream synchronous limit.
const maxPayloadBytes = 6 << 20

// Invoke is the Lambda-shaped invocation route. The request body is the
// event payload verbatim; invocation options ride in X-Amz-* headers and the
// Qualifier query parameter.
func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read payload: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := h.Dispatcher.Invoke(r.Context(), &dispatcher.InvokeRequest{
		FunctionName:   r.PathValue("name"),
		Qualifier:      r.URL.Query().Get("Qualifier"),
		Payload:        payload,
		InvocationType: r.Header.Get("X-Amz-Invocation-Type"),
		LogType:        r.Header.Get("X-Amz-Log-Type"),
		ClientContext:  r.Header.Get("X-Amz-Client-Context"),
	})
	if err != nil {
		writeInvokeError(w, err)
		return
	}

	if resp.ExecutedVersion != "" {
		w.Header().Set("X-Amz-Executed-Version", resp.ExecutedVersion)
	}
	if resp.FunctionError != "" {
		w.Header().Set("X-Amz-Function-Error", resp.FunctionError)
	}
	if resp.LogResult != "" {
		w.Header().Set("X-Amz-Log-Result", resp.LogResult)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	if len(resp.Payload) > 0 {
		w.Write(resp.Payload)
	}
}

// writeInvokeError maps dispatcher failures onto the status codes SDK
// clients retry on.
func writeInvokeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrFunctionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, concurrency.ErrReservedLimit):
		status = http.StatusTooManyRequests
	case errors.Is(err, dispatcher.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, dispatcher.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}
