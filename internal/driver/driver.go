// Package driver defines the boundary to the cloud camera driver.
//
// The driver itself is an external collaborator: an opaque source of
// compressed elementary-stream frames, entity properties, and events.
// This package carries the frame/metadata types crossing that boundary,
// the Client interface the rest of the system programs against, and the
// reconnect supervision wrapped around a concrete client.
package driver

import (
	"context"
	"errors"
)

// Codec identifies a compressed stream codec as reported by the driver.
type Codec string

const (
	CodecH264 Codec = "H264"
	CodecH265 Codec = "H265"
	CodecAAC  Codec = "AAC"
)

// InputFormat maps the codec to the demuxer name the encoder expects on
// its input pipe.
func (c Codec) InputFormat() string {
	switch c {
	case CodecH265:
		return "hevc"
	case CodecAAC:
		return "aac"
	default:
		return "h264"
	}
}

// VideoMetadata describes the video elementary stream. Captured from the
// first frame of a livestream and compared on every subsequent frame.
type VideoMetadata struct {
	Codec  Codec `json:"codec"`
	Width  int   `json:"width"`
	Height int   `json:"height"`
	FPS    int   `json:"fps"`
}

// SameResolution reports whether two metadata records agree on frame
// dimensions. Codec and FPS changes do not count as a resolution change.
func (m VideoMetadata) SameResolution(other VideoMetadata) bool {
	return m.Width == other.Width && m.Height == other.Height
}

// AudioMetadata describes the audio elementary stream.
type AudioMetadata struct {
	Codec Codec `json:"codec"`
}

// Event is a driver-originated notification forwarded to WebSocket peers.
// The payload shape is driver-defined; a "type" key names the event.
type Event map[string]any

// Callback types for driver deliveries. Callbacks may be invoked from
// parallel driver goroutines; receivers serialize internally.
type (
	VideoFrameFunc func(serial string, data []byte, meta VideoMetadata)
	AudioFrameFunc func(serial string, data []byte, meta AudioMetadata)
	EventFunc      func(event Event)
)

// Sentinel errors surfaced by client implementations.
var (
	ErrNotConnected  = errors.New("driver not connected")
	ErrUnknownDevice = errors.New("unknown device serial")
)

// Client is the contract a concrete cloud driver implementation fulfils.
//
// Connect blocks until the driver session is established or ctx is done.
// Livestream and command calls are idempotent where the underlying cloud
// API permits; all of them fail with ErrNotConnected when the session is
// down.
type Client interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool

	// Entity enumeration and property bags, served from the driver's cache.
	StationSerials() []string
	DeviceSerials() []string
	StationProperties(serial string) (map[string]any, error)
	DeviceProperties(serial string) (map[string]any, error)
	DeviceCommands(serial string) ([]string, error)

	// Livestream control for a single device.
	StartLivestream(ctx context.Context, serial string) error
	StopLivestream(ctx context.Context, serial string) error

	// Device commands. Direction and position codes are device-specific
	// pass-throughs.
	PanAndTilt(ctx context.Context, serial string, direction int) error
	PresetPosition(ctx context.Context, serial string, position int) error

	// Async station commands: the call acknowledges, the payload arrives
	// later as an event.
	DownloadImage(ctx context.Context, serial string, file string) error
	DatabaseQueryLatestInfo(ctx context.Context, serial string) error

	// Delivery registration. Each setter replaces the previous callback.
	OnVideoFrame(fn VideoFrameFunc)
	OnAudioFrame(fn AudioFrameFunc)
	OnEvent(fn EventFunc)
}
