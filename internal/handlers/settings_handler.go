package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/halcyonhost/panel/internal/settings"
)

type SettingsHandler struct {
	Settings *settings.Service
	Log      *slog.Logger
}

// --- GET /meta ---

// Meta serves the public branding blob. No auth: the storefront reads it
// before anyone logs in.
func (h *SettingsHandler) Meta(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Settings.Meta(r.Context()))
}

// --- GET /admin/settings ---

func (h *SettingsHandler) List(w http.ResponseWriter, r *http.Request) {
	all, err := h.Settings.All(r.Context())
	if err != nil {
		h.Log.Error("list settings", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	out := make(map[string]string, len(all))
	for _, s := range all {
		out[s.Key] = s.Value
	}
	writeJSON(w, http.StatusOK, out)
}

// --- PUT /admin/settings ---

type updateSettingRequest struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if err := h.Settings.Set(r.Context(), req.Key, req.Value); err != nil {
		switch {
		case errors.Is(err, settings.ErrUnknownKey):
			http.Error(w, `{"error":"unknown setting key"}`, http.StatusUnprocessableEntity)
		case errors.Is(err, settings.ErrInvalidValue):
			http.Error(w, `{"error":"invalid setting value"}`, http.StatusUnprocessableEntity)
		default:
			h.Log.Error("update setting", "key", req.Key, "error", err)
			http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		}
		return
	}
	h.Log.Info("setting updated", "key", req.Key)
	writeJSON(w, http.StatusOK, map[string]string{req.Key: req.Value})
}
