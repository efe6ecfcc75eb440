package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"camproxy/internal/config"
)

// ConfigHandler serves the runtime key/value record at /config.
type ConfigHandler struct {
	store  *config.Store
	logger *slog.Logger
}

// NewConfigHandler creates a config handler.
func NewConfigHandler(store *config.Store, logger *slog.Logger) *ConfigHandler {
	return &ConfigHandler{
		store:  store,
		logger: logger.With(slog.String("component", "http")),
	}
}

// Get returns the effective configuration record.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.Snapshot())
}

// Post merges whitelisted keys into the record. Unknown keys reject the
// whole body; re-applying an identical body reports no updated fields.
func (h *ConfigHandler) Post(w http.ResponseWriter, r *http.Request) {
	var body map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid JSON body",
		})
		return
	}

	change, err := h.store.Apply(body)
	if err != nil {
		var unknown *config.UnknownKeyError
		if errors.As(err, &unknown) {
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"allowedFields": config.AllowedKeys(),
			})
			return
		}
		h.logger.Error("applying config update", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
		})
		return
	}

	updated := change.UpdatedFields
	if updated == nil {
		updated = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"updatedFields": updated,
		"saved":         !change.Empty(),
		"config":        h.store.Snapshot(),
	})
}
