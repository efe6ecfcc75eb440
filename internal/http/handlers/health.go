package handlers

import (
	"net/http"

	"camproxy/internal/config"
	"camproxy/internal/ingest"
	"camproxy/internal/session"
)

// DriverState reports whether the cloud driver session is up.
type DriverState interface {
	Connected() bool
}

// HealthHandler serves the pipeline state summary at GET /health.
type HealthHandler struct {
	controller *session.Controller
	ingress    *ingest.Ingress
	driver     DriverState
	store      *config.Store
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(controller *session.Controller, ingress *ingest.Ingress,
	driver DriverState, store *config.Store) *HealthHandler {
	return &HealthHandler{
		controller: controller,
		ingress:    ingress,
		driver:     driver,
		store:      store,
	}
}

// Get returns the current streaming and driver state.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	st := h.controller.Status()

	var videoMeta, audioMeta any
	if m, ok := h.ingress.VideoMetadata(); ok {
		videoMeta = m
	}
	if m, ok := h.ingress.AudioMetadata(); ok {
		audioMeta = m
	}

	var currentDevice any
	if st.CurrentDevice != "" {
		currentDevice = st.CurrentDevice
	}

	body := map[string]any{
		"driverConnected":     h.driver.Connected(),
		"videoMeta":           videoMeta,
		"audioMeta":           audioMeta,
		"subscribers":         st.Subscribers,
		"isTranscoding":       st.IsTranscoding,
		"currentDevice":       currentDevice,
		"scale":               h.store.Get(config.KeyVideoScale),
		"hasInitSegment":      st.HasInitSegment,
		"hasKeyframeFragment": st.HasKeyframeFragment,
	}
	if st.EncoderStats != nil {
		body["encoderStats"] = st.EncoderStats
	}

	writeJSON(w, http.StatusOK, body)
}
