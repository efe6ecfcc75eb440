// Package session serializes ownership of the single active camera:
// joins and leaves, encoder start/stop, the drain and release timers,
// and restarts on resolution change or encoder death.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"camproxy/internal/config"
	"camproxy/internal/driver"
	"camproxy/internal/encoder"
	"camproxy/internal/fmp4"
	"camproxy/internal/hub"
	"camproxy/internal/ingest"
	"camproxy/internal/snapshot"
)

// ConflictError reports a join against a device other than the one
// currently streaming.
type ConflictError struct {
	CurrentDevice   string
	RequestedDevice string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("device %s busy, requested %s", e.CurrentDevice, e.RequestedDevice)
}

// Timings are the lifecycle delays, taken from static config.
type Timings struct {
	// DrainDelay runs from the last leave to the encoder/livestream stop.
	DrainDelay time.Duration
	// ReleaseDelay runs from the stop to releasing currentDevice.
	ReleaseDelay time.Duration
	// StopTimeout bounds the encoder drain before a kill.
	StopTimeout time.Duration
}

// Controller owns currentDevice, the encoder session, and the cached
// keyframe fragment. A single mutex serializes every lifecycle
// transition; media delivery through the hub never takes that mutex.
type Controller struct {
	logger  *slog.Logger
	drv     driver.Client
	hub     *hub.Hub
	ingress *ingest.Ingress
	store   *config.Store
	writer  *snapshot.Writer
	binary  string
	timings Timings

	mu            sync.Mutex
	currentDevice string
	session       *encoder.Session
	drainTimer    *time.Timer
	releaseTimer  *time.Timer

	kfMu           sync.Mutex
	latestKeyframe []byte
}

// New creates a controller. Wire it into the ingress with
// SetSinkProviders/SetResolutionChangeFunc before frames flow.
func New(logger *slog.Logger, drv driver.Client, h *hub.Hub, ing *ingest.Ingress,
	store *config.Store, writer *snapshot.Writer, binary string, timings Timings) *Controller {
	return &Controller{
		logger:  logger.With(slog.String("component", "session")),
		drv:     drv,
		hub:     h,
		ingress: ing,
		store:   store,
		writer:  writer,
		binary:  binary,
		timings: timings,
	}
}

// Join claims the camera for serial, starting its livestream when this
// is the first subscriber. A different active device yields a
// ConflictError; everything else registers a gated subscriber.
func (c *Controller) Join(ctx context.Context, serial string) (*hub.Subscriber, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.currentDevice {
	case "":
		c.cancelTimersLocked()
		c.currentDevice = serial
		c.logger.Info("claiming device", slog.String("serial", serial))
		if err := c.drv.StartLivestream(ctx, serial); err != nil {
			// The subscriber stays registered; without frames it will hit
			// the init timeout and close early.
			c.logger.Error("starting livestream",
				slog.String("serial", serial),
				slog.String("error", err.Error()))
		}
	case serial:
		// Additional subscriber on the already-active camera.
		c.cancelTimersLocked()
	default:
		// A rejected join must leave any armed drain/release timers
		// running, or the held device would never be released.
		return nil, &ConflictError{
			CurrentDevice:   c.currentDevice,
			RequestedDevice: serial,
		}
	}

	return c.hub.Register(serial), nil
}

// Leave detaches the subscriber. When the set becomes empty the drain
// timer starts; it is cancelled by any join before it fires.
func (c *Controller) Leave(sub *hub.Subscriber) {
	c.hub.Detach(sub)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hub.Count() > 0 || c.currentDevice == "" {
		return
	}

	c.logger.Info("last subscriber left, scheduling drain",
		slog.Duration("delay", c.timings.DrainDelay))
	c.drainTimer = time.AfterFunc(c.timings.DrainDelay, c.onDrainTimer)
}

// EnsureEncoder returns the current encoder sink, starting a session
// when none is running. Called on the driver's video path only.
func (c *Controller) EnsureEncoder(meta driver.VideoMetadata) ingest.Sink {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentDevice == "" {
		return nil
	}
	if c.session != nil && c.session.State() != encoder.StateTerminated {
		return c.session
	}

	sess, err := c.startSessionLocked(meta)
	if err != nil {
		c.logger.Error("starting encoder", slog.String("error", err.Error()))
		return nil
	}
	return sess
}

// CurrentSink returns the running encoder sink without starting one.
func (c *Controller) CurrentSink() ingest.Sink {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.State() == encoder.StateTerminated {
		return nil
	}
	return c.session
}

// OnResolutionChange tears the encoder down and re-requests the
// livestream so the next session captures fresh metadata and init boxes.
func (c *Controller) OnResolutionChange() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hub.Count() == 0 || c.currentDevice == "" {
		return
	}
	c.logger.Warn("restarting pipeline for resolution change",
		slog.String("serial", c.currentDevice))

	c.ingress.Reset()
	c.stopSessionLocked()

	serial := c.currentDevice
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.drv.StopLivestream(ctx, serial); err != nil {
		c.logger.Warn("stopping livestream", slog.String("error", err.Error()))
	}
	if err := c.drv.StartLivestream(ctx, serial); err != nil {
		c.logger.Error("restarting livestream", slog.String("error", err.Error()))
	}
}

// RestartEncoder drops the current session so the next video frame
// starts one with fresh settings. Used after transcoding config changes.
func (c *Controller) RestartEncoder() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}
	c.logger.Info("restarting encoder for config change")
	c.stopSessionLocked()
}

// Shutdown stops timers, the encoder, and every subscriber stream.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.cancelTimersLocked()
	serial := c.currentDevice
	c.currentDevice = ""
	sess := c.session
	c.session = nil
	c.mu.Unlock()

	if sess != nil {
		sess.Drain(c.timings.StopTimeout)
	}
	if serial != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := c.drv.StopLivestream(ctx, serial); err != nil {
			c.logger.Warn("stopping livestream on shutdown", slog.String("error", err.Error()))
		}
		cancel()
	}
	c.hub.CloseAll()
}

// Status is the controller's contribution to GET /health.
type Status struct {
	CurrentDevice       string
	Subscribers         int
	IsTranscoding       bool
	HasInitSegment      bool
	HasKeyframeFragment bool
	EncoderStats        *encoder.Stats
}

// Status returns an atomic snapshot of the streaming state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	st := Status{
		CurrentDevice:  c.currentDevice,
		Subscribers:    c.hub.Count(),
		HasInitSegment: c.hub.HasInit(),
	}
	if c.session != nil {
		st.IsTranscoding = c.session.Active()
		if stats, ok := c.session.Stats(); ok {
			st.EncoderStats = &stats
		}
	}
	c.mu.Unlock()

	c.kfMu.Lock()
	st.HasKeyframeFragment = c.latestKeyframe != nil
	c.kfMu.Unlock()
	return st
}

// startSessionLocked spawns a new encoder session with settings resolved
// from observed metadata and the runtime config. Caller holds c.mu.
func (c *Controller) startSessionLocked(meta driver.VideoMetadata) (*encoder.Session, error) {
	settings := encoder.Settings{
		VideoFormat:    meta.Codec.InputFormat(),
		Preset:         c.store.Get(config.KeyTranscodingPreset),
		CRF:            c.store.GetInt(config.KeyTranscodingCRF, 0),
		Scale:          c.store.Get(config.KeyVideoScale),
		Threads:        c.store.GetInt(config.KeyFFmpegThreads, 0),
		ShortKeyframes: c.store.GetBool(config.KeyShortKeyframes, false),
	}

	sess, err := encoder.Start(c.logger, c.binary, settings)
	if err != nil {
		return nil, err
	}
	c.session = sess
	c.hub.ResetSession()

	segmenter := fmp4.NewSegmenter(c.logger,
		c.hub.SetInit,
		func(b fmp4.Box) { c.hub.Broadcast(b.Data, b.Type == fmp4.TypeMoof) },
		c.storeKeyframe,
	)

	go c.pump(sess, segmenter)
	go c.watchExit(sess)
	return sess, nil
}

// stopSessionLocked detaches the current session and drains it in the
// background. Caller holds c.mu.
func (c *Controller) stopSessionLocked() {
	sess := c.session
	c.session = nil
	if sess == nil {
		return
	}
	go sess.Drain(c.timings.StopTimeout)
}

// pump is the single encoder output worker: it drives the parser and
// thereby the init cache, the hub, and the snapshot picker.
func (c *Controller) pump(sess *encoder.Session, segmenter *fmp4.Segmenter) {
	if _, err := io.Copy(segmenter, sess.Output()); err != nil {
		c.logger.Error("encoder output pump failed",
			slog.String("sessionId", sess.ID),
			slog.String("error", err.Error()))
		sess.Kill()
	}
}

// watchExit reacts to the session ending: flush a snapshot, then either
// restart the pipeline (subscribers present, unexpected exit) or idle.
func (c *Controller) watchExit(sess *encoder.Session) {
	<-sess.Done()

	c.flushSnapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != sess {
		// Already replaced or intentionally stopped.
		return
	}
	c.session = nil

	if !sess.Unexpected() || c.currentDevice == "" {
		return
	}
	if c.hub.Count() == 0 {
		return
	}

	// Best-effort restart: same path as a resolution change.
	c.logger.Warn("encoder died with subscribers attached, restarting",
		slog.String("serial", c.currentDevice))
	c.ingress.Reset()

	serial := c.currentDevice
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.drv.StopLivestream(ctx, serial); err != nil {
		c.logger.Debug("stopping livestream after encoder exit", slog.String("error", err.Error()))
	}
	if err := c.drv.StartLivestream(ctx, serial); err != nil {
		c.logger.Error("restarting livestream after encoder exit", slog.String("error", err.Error()))
	}
}

// storeKeyframe caches the latest self-contained snapshot seed.
func (c *Controller) storeKeyframe(seed []byte) {
	c.kfMu.Lock()
	c.latestKeyframe = seed
	c.kfMu.Unlock()
}

// flushSnapshot renders a still from the cached keyframe fragment, if
// one exists for a known device.
func (c *Controller) flushSnapshot() {
	c.mu.Lock()
	serial := c.currentDevice
	c.mu.Unlock()

	c.kfMu.Lock()
	seed := c.latestKeyframe
	c.kfMu.Unlock()

	if serial == "" || seed == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.writer.Save(ctx, serial, seed); err != nil {
		c.logger.Warn("snapshot flush failed",
			slog.String("serial", serial),
			slog.String("error", err.Error()))
	}
}

// onDrainTimer fires DrainDelay after the last leave: stop the encoder
// and the livestream, then arm the release timer.
func (c *Controller) onDrainTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hub.Count() > 0 || c.currentDevice == "" {
		return
	}

	c.logger.Info("draining idle pipeline", slog.String("serial", c.currentDevice))

	sess := c.session
	c.session = nil
	if sess != nil {
		sess.Drain(c.timings.StopTimeout)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := c.drv.StopLivestream(ctx, c.currentDevice); err != nil {
		c.logger.Warn("stopping livestream", slog.String("error", err.Error()))
	}
	cancel()

	c.releaseTimer = time.AfterFunc(c.timings.ReleaseDelay, c.onReleaseTimer)
}

// onReleaseTimer fires ReleaseDelay after the drain: release the device.
func (c *Controller) onReleaseTimer() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.hub.Count() > 0 {
		return
	}
	if c.currentDevice != "" {
		c.logger.Info("releasing device", slog.String("serial", c.currentDevice))
	}
	c.currentDevice = ""
	c.ingress.Reset()

	c.kfMu.Lock()
	c.latestKeyframe = nil
	c.kfMu.Unlock()
}

// cancelTimersLocked stops any pending drain/release timer. Caller holds
// c.mu.
func (c *Controller) cancelTimersLocked() {
	if c.drainTimer != nil {
		c.drainTimer.Stop()
		c.drainTimer = nil
	}
	if c.releaseTimer != nil {
		c.releaseTimer.Stop()
		c.releaseTimer = nil
	}
}
