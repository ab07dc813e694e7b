package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/store"
)

type putSecretRequest struct {
	Value string `json:"value"`
}

// secretsEnabled reports whether a secrets store is configured, answering
// the request itself when it is not. The daemon runs without one when no
// master key is set.
func (h *Handler) secretsEnabled(w http.ResponseWriter) bool {
	if h.Secrets == nil {
		http.Error(w, "secrets are not configured: set a master key", http.StatusNotImplemented)
		return false
	}
	return true
}

// PutSecret stores or replaces a named secret. The value is sealed before it
// reaches the store; functions reference it as $SECRET:name in their env.
func (h *Handler) PutSecret(w http.ResponseWriter, r *http.Request) {
	if !h.secretsEnabled(w) {
		return
	}
	name := r.PathValue("name")

	var req putSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Value == "" {
		http.Error(w, "value is required", http.StatusBadRequest)
		return
	}

	if err := h.Secrets.Set(r.Context(), name, []byte(req.Value)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	logging.Op().Info("secret stored", "name", name)
	w.WriteHeader(http.StatusNoContent)
}

// ListSecrets returns secret names and creation timestamps, never values.
func (h *Handler) ListSecrets(w http.ResponseWriter, r *http.Request) {
	if !h.secretsEnabled(w) {
		return
	}
	names, err := h.Secrets.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = map[string]string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": names})
}

func (h *Handler) DeleteSecret(w http.ResponseWriter, r *http.Request) {
	if !h.secretsEnabled(w) {
		return
	}
	name := r.PathValue("name")
	if err := h.Secrets.Delete(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrSecretNotFound) {
			http.Error(w, "secret not found: "+name, http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	logging.Op().Info("secret deleted", "name", name)
	w.WriteHeader(http.StatusNoContent)
}
