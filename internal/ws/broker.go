// Package ws implements the JSON WebSocket API at /api: command
// dispatch against a handler registry plus event broadcast to all peers.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// maxMessageSize bounds inbound command frames.
	maxMessageSize = 64 << 10
)

// Request is one inbound command frame. Payload holds the full frame so
// handlers can decode their own fields.
type Request struct {
	MessageID string `json:"messageId"`
	Command   string `json:"command"`

	Payload json.RawMessage `json:"-"`
}

// Bind decodes the request payload into v.
func (r Request) Bind(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// Ack is returned by handlers whose real payload arrives later as an
// event.
type Ack struct {
	Async bool `json:"async"`
}

// CommandError carries a wire-visible error code out of a handler.
type CommandError struct {
	Code string
}

func (e *CommandError) Error() string {
	return e.Code
}

// errorCodeOf maps a handler error to the result frame's errorCode.
func errorCodeOf(err error) string {
	var ce *CommandError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return err.Error()
}

// Handler processes one command and returns the result value (sync) or
// an Ack (async completion via a later event).
type Handler func(ctx context.Context, req Request) (any, error)

type resultFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Success   bool   `json:"success"`
	Result    any    `json:"result,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

type eventFrame struct {
	Type  string `json:"type"`
	Event any    `json:"event"`
}

type errorFrame struct {
	Type         string `json:"type"`
	Error        string `json:"error"`
	Message      string `json:"message"`
	OriginalType string `json:"originalType,omitempty"`
}

type versionFrame struct {
	Type          string `json:"type"`
	ServerVersion string `json:"serverVersion"`
	ClientVersion string `json:"clientVersion"`
}

// peer is one connected WebSocket client. Writes are serialized by the
// peer's own mutex; gorilla permits a single concurrent writer.
type peer struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *peer) writeJSON(v any) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(v)
}

// Broker upgrades connections, dispatches commands to registered
// handlers, and broadcasts events to every open peer.
type Broker struct {
	logger        *slog.Logger
	serverVersion string
	clientVersion func() string

	upgrader websocket.Upgrader

	mu       sync.Mutex
	peers    map[*peer]struct{}
	handlers map[string]Handler
}

// NewBroker creates a broker advertising the given versions in the
// connect-time version frame. clientVersion is called per connection;
// the driver announces its version only after its own session is up.
func NewBroker(logger *slog.Logger, serverVersion string, clientVersion func() string) *Broker {
	if clientVersion == nil {
		clientVersion = func() string { return "" }
	}
	return &Broker{
		logger:        logger.With(slog.String("component", "ws")),
		serverVersion: serverVersion,
		clientVersion: clientVersion,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The proxy carries no authentication; same-origin checks
			// would only break LAN dashboards.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers:    make(map[*peer]struct{}),
		handlers: make(map[string]Handler),
	}
}

// Register adds a command handler. Not safe after serving starts.
func (b *Broker) Register(command string, h Handler) {
	b.handlers[command] = h
}

// PeerCount returns the number of open connections.
func (b *Broker) PeerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.peers)
}

// ServeHTTP upgrades the request and runs the peer's read loop.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if len(b.handlers) == 0 {
		http.Error(w, "no command handlers registered", http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	p := &peer{conn: conn}
	b.mu.Lock()
	b.peers[p] = struct{}{}
	count := len(b.peers)
	b.mu.Unlock()
	b.logger.Info("websocket peer connected",
		slog.String("remote", r.RemoteAddr),
		slog.Int("peers", count))

	if err := p.writeJSON(versionFrame{
		Type:          "version",
		ServerVersion: b.serverVersion,
		ClientVersion: b.clientVersion(),
	}); err != nil {
		b.detach(p)
		return
	}

	go b.pingLoop(p)
	b.readLoop(r.Context(), p)
}

// Broadcast publishes an event object to every open peer. The frame is
// serialized once; a write error detaches the peer.
func (b *Broker) Broadcast(event any) {
	frame := eventFrame{Type: "event", Event: event}
	data, err := json.Marshal(frame)
	if err != nil {
		b.logger.Error("encoding event", slog.String("error", err.Error()))
		return
	}

	b.mu.Lock()
	peers := make([]*peer, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	b.mu.Unlock()

	for _, p := range peers {
		p.writeMu.Lock()
		p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := p.conn.WriteMessage(websocket.TextMessage, data)
		p.writeMu.Unlock()
		if err != nil {
			b.detach(p)
		}
	}
}

// Close drops every peer.
func (b *Broker) Close() {
	b.mu.Lock()
	peers := make([]*peer, 0, len(b.peers))
	for p := range b.peers {
		peers = append(peers, p)
	}
	b.peers = make(map[*peer]struct{})
	b.mu.Unlock()

	for _, p := range peers {
		p.conn.Close()
	}
}

func (b *Broker) readLoop(ctx context.Context, p *peer) {
	defer b.detach(p)

	p.conn.SetReadLimit(maxMessageSize)
	p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		p.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("websocket read ended", slog.String("error", err.Error()))
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			_ = p.writeJSON(errorFrame{
				Type:    "error",
				Error:   "invalid_json",
				Message: err.Error(),
			})
			continue
		}
		req.Payload = data

		if req.Command == "" {
			_ = p.writeJSON(errorFrame{
				Type:         "error",
				Error:        "invalid_message",
				Message:      "missing command",
				OriginalType: frameType(data),
			})
			continue
		}

		handler, ok := b.handlers[req.Command]
		if !ok {
			_ = p.writeJSON(resultFrame{
				Type:      "result",
				MessageID: req.MessageID,
				Success:   false,
				ErrorCode: "Unknown command",
			})
			continue
		}

		// Commands may block on the cloud driver; keep the read loop hot.
		go b.dispatch(ctx, p, handler, req)
	}
}

func (b *Broker) dispatch(ctx context.Context, p *peer, handler Handler, req Request) {
	result, err := handler(ctx, req)
	frame := resultFrame{
		Type:      "result",
		MessageID: req.MessageID,
		Success:   err == nil,
	}
	if err != nil {
		frame.ErrorCode = errorCodeOf(err)
		b.logger.Warn("command failed",
			slog.String("command", req.Command),
			slog.String("errorCode", frame.ErrorCode))
	} else {
		frame.Result = result
	}
	if werr := p.writeJSON(frame); werr != nil {
		b.detach(p)
	}
}

func (b *Broker) pingLoop(p *peer) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		p.writeMu.Lock()
		p.conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := p.conn.WriteMessage(websocket.PingMessage, nil)
		p.writeMu.Unlock()
		if err != nil {
			b.detach(p)
			return
		}
	}
}

func (b *Broker) detach(p *peer) {
	b.mu.Lock()
	_, ok := b.peers[p]
	if ok {
		delete(b.peers, p)
	}
	count := len(b.peers)
	b.mu.Unlock()

	if ok {
		p.conn.Close()
		b.logger.Info("websocket peer disconnected", slog.Int("peers", count))
	}
}

// frameType extracts a "type" field from a raw frame for error echoes.
func frameType(data []byte) string {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.Type
}
