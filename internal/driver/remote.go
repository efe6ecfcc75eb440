package driver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// commandTimeout bounds driver commands issued without a caller deadline.
const commandTimeout = 15 * time.Second

// Remote is a Client speaking JSON over a WebSocket to the external
// driver service. Commands are request/response frames matched by
// messageId; frames and notifications arrive as events, with stream
// payloads base64-encoded in a buffer field.
type Remote struct {
	endpoint string
	logger   *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	pending   map[string]chan commandResult
	stations  []string
	devices   []string
	version   string

	onVideo      VideoFrameFunc
	onAudio      AudioFrameFunc
	onEvent      EventFunc
	onDisconnect func()
}

type commandResult struct {
	payload json.RawMessage
	err     error
}

// NewRemote creates a client for the driver service at endpoint.
func NewRemote(endpoint string, logger *slog.Logger) *Remote {
	return &Remote{
		endpoint: endpoint,
		logger:   logger.With(slog.String("component", "driver-remote")),
		pending:  make(map[string]chan commandResult),
	}
}

// SetDisconnectHandler registers the hook fired when the session drops.
// Used by the reconnect supervisor.
func (r *Remote) SetDisconnectHandler(fn func()) {
	r.onDisconnect = fn
}

// Version returns the driver service version announced on connect.
func (r *Remote) Version() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.version
}

// Connect dials the driver service and subscribes to its event stream.
func (r *Remote) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dialing driver at %s: %w", r.endpoint, err)
	}

	r.mu.Lock()
	r.conn = conn
	r.connected = true
	r.mu.Unlock()

	go r.readPump(conn)

	// Subscribing pulls the entity lists and turns on event delivery.
	result, err := r.command(ctx, "start_listening", nil)
	if err != nil {
		r.closeConn()
		return fmt.Errorf("subscribing to driver events: %w", err)
	}
	r.storeState(result)
	return nil
}

// Close tears the session down.
func (r *Remote) Close() error {
	r.closeConn()
	return nil
}

// Connected reports whether the session is up.
func (r *Remote) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// StationSerials returns the cached station list.
func (r *Remote) StationSerials() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.stations))
	copy(out, r.stations)
	return out
}

// DeviceSerials returns the cached device list.
func (r *Remote) DeviceSerials() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.devices))
	copy(out, r.devices)
	return out
}

// StationProperties fetches the property bag for a station.
func (r *Remote) StationProperties(serial string) (map[string]any, error) {
	return r.properties("station.get_properties", serial)
}

// DeviceProperties fetches the property bag for a device.
func (r *Remote) DeviceProperties(serial string) (map[string]any, error) {
	return r.properties("device.get_properties", serial)
}

// DeviceCommands fetches the command identifiers a device supports.
func (r *Remote) DeviceCommands(serial string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	result, err := r.command(ctx, "device.get_commands", map[string]any{"serialNumber": serial})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Commands []string `json:"commands"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("parsing device commands: %w", err)
	}
	return payload.Commands, nil
}

// StartLivestream starts the device's livestream; frames follow as events.
func (r *Remote) StartLivestream(ctx context.Context, serial string) error {
	_, err := r.command(ctx, "device.start_livestream", map[string]any{"serialNumber": serial})
	return err
}

// StopLivestream stops the device's livestream.
func (r *Remote) StopLivestream(ctx context.Context, serial string) error {
	_, err := r.command(ctx, "device.stop_livestream", map[string]any{"serialNumber": serial})
	return err
}

// PanAndTilt moves the device; the direction code is device-specific.
func (r *Remote) PanAndTilt(ctx context.Context, serial string, direction int) error {
	_, err := r.command(ctx, "device.pan_and_tilt", map[string]any{
		"serialNumber": serial,
		"direction":    direction,
	})
	return err
}

// PresetPosition moves the device to a stored position.
func (r *Remote) PresetPosition(ctx context.Context, serial string, position int) error {
	_, err := r.command(ctx, "device.preset_position", map[string]any{
		"serialNumber": serial,
		"position":     position,
	})
	return err
}

// DownloadImage asks the station for a stored image; the payload arrives
// later as an event.
func (r *Remote) DownloadImage(ctx context.Context, serial string, file string) error {
	_, err := r.command(ctx, "station.download_image", map[string]any{
		"serialNumber": serial,
		"file":         file,
	})
	return err
}

// DatabaseQueryLatestInfo asks the station for its latest recordings
// info; the payload arrives later as an event.
func (r *Remote) DatabaseQueryLatestInfo(ctx context.Context, serial string) error {
	_, err := r.command(ctx, "station.database_query_latest_info", map[string]any{
		"serialNumber": serial,
	})
	return err
}

// OnVideoFrame registers the video frame callback.
func (r *Remote) OnVideoFrame(fn VideoFrameFunc) { r.onVideo = fn }

// OnAudioFrame registers the audio frame callback.
func (r *Remote) OnAudioFrame(fn AudioFrameFunc) { r.onAudio = fn }

// OnEvent registers the generic event callback.
func (r *Remote) OnEvent(fn EventFunc) { r.onEvent = fn }

func (r *Remote) properties(cmd, serial string) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	result, err := r.command(ctx, cmd, map[string]any{"serialNumber": serial})
	if err != nil {
		return nil, err
	}
	var payload struct {
		Properties map[string]any `json:"properties"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		return nil, fmt.Errorf("parsing properties: %w", err)
	}
	return payload.Properties, nil
}

// command sends one request frame and waits for its result.
func (r *Remote) command(ctx context.Context, command string, payload map[string]any) (json.RawMessage, error) {
	r.mu.Lock()
	if !r.connected || r.conn == nil {
		r.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := r.conn

	id := uuid.NewString()
	ch := make(chan commandResult, 1)
	r.pending[id] = ch
	r.mu.Unlock()

	frame := map[string]any{"messageId": id, "command": command}
	for k, v := range payload {
		frame[k] = v
	}

	if err := conn.WriteJSON(frame); err != nil {
		r.dropPending(id)
		return nil, fmt.Errorf("sending %s: %w", command, err)
	}

	select {
	case res := <-ch:
		return res.payload, res.err
	case <-ctx.Done():
		r.dropPending(id)
		return nil, ctx.Err()
	}
}

func (r *Remote) dropPending(id string) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

func (r *Remote) closeConn() {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	wasConnected := r.connected
	r.connected = false
	// The entity lists belong to the lost session; the next
	// start_listening repopulates them.
	r.stations = nil
	r.devices = nil
	for id, ch := range r.pending {
		delete(r.pending, id)
		ch <- commandResult{err: ErrNotConnected}
	}
	r.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected && r.onDisconnect != nil {
		r.onDisconnect()
	}
}

func (r *Remote) readPump(conn *websocket.Conn) {
	defer r.closeConn()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.logger.Debug("driver read ended", slog.String("error", err.Error()))
			return
		}

		var frame struct {
			Type      string          `json:"type"`
			MessageID string          `json:"messageId"`
			Success   bool            `json:"success"`
			Result    json.RawMessage `json:"result"`
			ErrorCode string          `json:"errorCode"`
			Driver    string          `json:"driverVersion"`
			Event     json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			r.logger.Warn("malformed driver frame", slog.String("error", err.Error()))
			continue
		}

		switch frame.Type {
		case "version":
			r.mu.Lock()
			r.version = frame.Driver
			r.mu.Unlock()
		case "result":
			r.mu.Lock()
			ch, ok := r.pending[frame.MessageID]
			if ok {
				delete(r.pending, frame.MessageID)
			}
			r.mu.Unlock()
			if !ok {
				continue
			}
			if frame.Success {
				ch <- commandResult{payload: frame.Result}
			} else {
				ch <- commandResult{err: fmt.Errorf("driver command failed: %s", frame.ErrorCode)}
			}
		case "event":
			r.handleEvent(frame.Event)
		}
	}
}

// storeState parses the start_listening result into the entity caches.
func (r *Remote) storeState(result json.RawMessage) {
	var payload struct {
		State struct {
			Stations []string `json:"stations"`
			Devices  []string `json:"devices"`
		} `json:"state"`
	}
	if err := json.Unmarshal(result, &payload); err != nil {
		r.logger.Warn("parsing driver state", slog.String("error", err.Error()))
		return
	}

	r.mu.Lock()
	r.stations = payload.State.Stations
	r.devices = payload.State.Devices
	r.mu.Unlock()

	r.logger.Info("driver state loaded",
		slog.Int("stations", len(payload.State.Stations)),
		slog.Int("devices", len(payload.State.Devices)))
}

// streamEvent covers the livestream data events.
type streamEvent struct {
	Event        string `json:"event"`
	SerialNumber string `json:"serialNumber"`
	Buffer       struct {
		Data string `json:"data"`
	} `json:"buffer"`
	Metadata struct {
		VideoCodec  string `json:"videoCodec"`
		VideoWidth  int    `json:"videoWidth"`
		VideoHeight int    `json:"videoHeight"`
		VideoFPS    int    `json:"videoFPS"`
		AudioCodec  string `json:"audioCodec"`
	} `json:"metadata"`
}

func (r *Remote) handleEvent(raw json.RawMessage) {
	var probe struct {
		Event string `json:"event"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return
	}

	switch probe.Event {
	case "livestream video data":
		var ev streamEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		data, err := base64.StdEncoding.DecodeString(ev.Buffer.Data)
		if err != nil {
			r.logger.Warn("decoding video buffer", slog.String("error", err.Error()))
			return
		}
		if r.onVideo != nil {
			r.onVideo(ev.SerialNumber, data, VideoMetadata{
				Codec:  Codec(ev.Metadata.VideoCodec),
				Width:  ev.Metadata.VideoWidth,
				Height: ev.Metadata.VideoHeight,
				FPS:    ev.Metadata.VideoFPS,
			})
		}
	case "livestream audio data":
		var ev streamEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return
		}
		data, err := base64.StdEncoding.DecodeString(ev.Buffer.Data)
		if err != nil {
			r.logger.Warn("decoding audio buffer", slog.String("error", err.Error()))
			return
		}
		if r.onAudio != nil {
			r.onAudio(ev.SerialNumber, data, AudioMetadata{
				Codec: Codec(ev.Metadata.AudioCodec),
			})
		}
	default:
		if r.onEvent == nil {
			return
		}
		var event Event
		if err := json.Unmarshal(raw, &event); err != nil {
			return
		}
		r.onEvent(event)
	}
}
