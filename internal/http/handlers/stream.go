// Package handlers implements the HTTP endpoints for camproxy.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"

	"camproxy/internal/session"
)

// serialPattern validates the camera serial path component.
var serialPattern = regexp.MustCompile(`^[A-Za-z0-9]+$`)

// StreamHandler serves the live fMP4 stream at GET /{serial}.mp4.
type StreamHandler struct {
	controller *session.Controller
	initWait   time.Duration
	logger     *slog.Logger
}

// NewStreamHandler creates a stream handler. initWait bounds how long a
// subscriber waits for the init segment before a 503.
func NewStreamHandler(controller *session.Controller, initWait time.Duration, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{
		controller: controller,
		initWait:   initWait,
		logger:     logger.With(slog.String("component", "http")),
	}
}

// ServeStream joins the fan-out for the requested camera and streams
// until the peer closes or the pipeline detaches the subscriber.
func (h *StreamHandler) ServeStream(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if !serialPattern.MatchString(serial) {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": "invalid serial",
		})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": "streaming unsupported",
		})
		return
	}

	sub, err := h.controller.Join(r.Context(), serial)
	if err != nil {
		var conflict *session.ConflictError
		if errors.As(err, &conflict) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"currentDevice":   conflict.CurrentDevice,
				"requestedDevice": conflict.RequestedDevice,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error": err.Error(),
		})
		return
	}
	defer h.controller.Leave(sub)

	// The first delivery is always a complete init segment; nothing is
	// written to the peer until it arrives.
	var first []byte
	select {
	case data, open := <-sub.Deliveries():
		if !open {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error": "stream ended before start",
			})
			return
		}
		first = data
	case <-time.After(h.initWait):
		h.logger.Warn("stream start timed out",
			slog.String("serial", serial),
			slog.String("subscriberId", sub.ID))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error": "timed out waiting for stream",
		})
		return
	case <-r.Context().Done():
		return
	}

	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(first); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case data, open := <-sub.Deliveries():
			if !open {
				return
			}
			if _, err := w.Write(data); err != nil {
				h.logger.Debug("subscriber write failed",
					slog.String("subscriberId", sub.ID),
					slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
