// Package ingest adapts the driver's per-frame callbacks into the
// encoder's two input sinks and materializes stream metadata.
package ingest

import (
	"log/slog"
	"sync"

	"camproxy/internal/driver"
)

// Sink is the encoder side of the ingress: the two serialized input pipes.
type Sink interface {
	WriteVideo(p []byte) error
	WriteAudio(p []byte) error
}

// Ingress routes frames and tracks the current stream metadata. Driver
// callbacks may arrive on parallel goroutines; metadata is guarded here
// and the sink serializes its own writes.
type Ingress struct {
	logger *slog.Logger

	// ensureSink may start an encoder session; only video frames call it.
	ensureSink func(meta driver.VideoMetadata) Sink
	// currentSink never starts anything; audio frames ride along.
	currentSink func() Sink
	// onResolutionChange signals the session controller; the ingress never
	// restarts the encoder itself.
	onResolutionChange func()

	mu        sync.Mutex
	videoMeta *driver.VideoMetadata
	audioMeta *driver.AudioMetadata
}

// New creates an ingress. Wire the providers before frames flow.
func New(logger *slog.Logger) *Ingress {
	return &Ingress{
		logger: logger.With(slog.String("component", "ingest")),
	}
}

// SetSinkProviders wires the encoder lookup functions.
func (i *Ingress) SetSinkProviders(ensure func(driver.VideoMetadata) Sink, current func() Sink) {
	i.ensureSink = ensure
	i.currentSink = current
}

// SetResolutionChangeFunc wires the controller's restart signal.
func (i *Ingress) SetResolutionChangeFunc(fn func()) {
	i.onResolutionChange = fn
}

// HandleVideo processes one video frame: record first-frame metadata,
// detect resolution changes, lazily ensure an encoder session, and write
// to the video sink. Failures never propagate back to the driver.
func (i *Ingress) HandleVideo(serial string, data []byte, meta driver.VideoMetadata) {
	i.mu.Lock()
	var changed bool
	switch {
	case i.videoMeta == nil:
		m := meta
		i.videoMeta = &m
		i.logger.Info("video stream metadata captured",
			slog.String("serial", serial),
			slog.String("codec", string(meta.Codec)),
			slog.Int("width", meta.Width),
			slog.Int("height", meta.Height),
			slog.Int("fps", meta.FPS))
	case !i.videoMeta.SameResolution(meta):
		i.logger.Warn("video resolution changed",
			slog.String("serial", serial),
			slog.Int("oldWidth", i.videoMeta.Width),
			slog.Int("oldHeight", i.videoMeta.Height),
			slog.Int("newWidth", meta.Width),
			slog.Int("newHeight", meta.Height))
		m := meta
		i.videoMeta = &m
		changed = true
	}
	i.mu.Unlock()

	if changed {
		if i.onResolutionChange != nil {
			i.onResolutionChange()
		}
		// The controller replaces the session; this frame belongs to the
		// old stream and is dropped with it.
		return
	}

	if i.ensureSink == nil {
		return
	}
	sink := i.ensureSink(meta)
	if sink == nil {
		i.logger.Debug("video frame dropped, no encoder sink",
			slog.String("serial", serial))
		return
	}
	if err := sink.WriteVideo(data); err != nil {
		i.logger.Debug("video write dropped",
			slog.String("serial", serial),
			slog.String("error", err.Error()))
	}
}

// HandleAudio processes one audio frame. Audio never starts an encoder;
// frames arriving before a session exists are dropped.
func (i *Ingress) HandleAudio(serial string, data []byte, meta driver.AudioMetadata) {
	i.mu.Lock()
	if i.audioMeta == nil {
		m := meta
		i.audioMeta = &m
		i.logger.Info("audio stream metadata captured",
			slog.String("serial", serial),
			slog.String("codec", string(meta.Codec)))
	}
	i.mu.Unlock()

	if i.currentSink == nil {
		return
	}
	sink := i.currentSink()
	if sink == nil {
		return
	}
	if err := sink.WriteAudio(data); err != nil {
		i.logger.Debug("audio write dropped",
			slog.String("serial", serial),
			slog.String("error", err.Error()))
	}
}

// VideoMetadata returns the captured video metadata, if any.
func (i *Ingress) VideoMetadata() (driver.VideoMetadata, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.videoMeta == nil {
		return driver.VideoMetadata{}, false
	}
	return *i.videoMeta, true
}

// AudioMetadata returns the captured audio metadata, if any.
func (i *Ingress) AudioMetadata() (driver.AudioMetadata, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.audioMeta == nil {
		return driver.AudioMetadata{}, false
	}
	return *i.audioMeta, true
}

// Reset clears captured metadata so the next session re-captures it.
func (i *Ingress) Reset() {
	i.mu.Lock()
	i.videoMeta = nil
	i.audioMeta = nil
	i.mu.Unlock()
}
