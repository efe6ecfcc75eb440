// Package hub fans the live fMP4 byte stream out to HTTP subscribers
// with per-subscriber init-segment gating.
package hub

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// queueCapacity bounds each subscriber's delivery queue. The encoder pump
// never blocks on a subscriber: a full queue drops the subscriber instead.
const queueCapacity = 256

// Subscriber is one attached HTTP client. The hub is the only mutator;
// the owning handler drains Deliveries and observes Active.
type Subscriber struct {
	ID     string
	Serial string

	queue chan []byte

	// Guarded by the hub mutex.
	active          bool
	hasReceivedInit bool
	// awaitingFragment withholds media from a subscriber that joined
	// mid-fragment until the next fragment-start box, so it never sees a
	// trailing mdat whose moof predates it.
	awaitingFragment bool
	closed           bool
}

// Deliveries returns the ordered byte-chunk stream for this subscriber.
// The channel is closed when the subscriber is dropped or detached.
func (s *Subscriber) Deliveries() <-chan []byte {
	return s.queue
}

// Hub owns the subscriber set and the cached init segment for the
// current encoder session.
type Hub struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[string]*Subscriber
	init        []byte
	initReady   chan struct{}
}

// New creates an empty hub with no init segment cached.
func New(logger *slog.Logger) *Hub {
	return &Hub{
		logger:      logger.With(slog.String("component", "hub")),
		subscribers: make(map[string]*Subscriber),
		initReady:   make(chan struct{}),
	}
}

// Register creates a subscriber for serial. When the init segment is
// already cached it is enqueued immediately, so the first delivery a
// subscriber ever sees is always a complete init segment.
func (h *Hub) Register(serial string) *Subscriber {
	sub := &Subscriber{
		ID:     uuid.NewString(),
		Serial: serial,
		queue:  make(chan []byte, queueCapacity),
		active: true,
	}

	h.mu.Lock()
	h.subscribers[sub.ID] = sub
	if h.init != nil {
		h.enqueueLocked(sub, h.init)
		sub.hasReceivedInit = true
		// The session is mid-stream; start this subscriber on a fragment
		// boundary rather than wherever the pump happens to be.
		sub.awaitingFragment = true
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Info("subscriber joined",
		slog.String("subscriberId", sub.ID),
		slog.String("serial", serial),
		slog.Int("subscribers", count))
	return sub
}

// Detach removes the subscriber and closes its delivery channel.
func (h *Hub) Detach(sub *Subscriber) {
	h.mu.Lock()
	if _, ok := h.subscribers[sub.ID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.subscribers, sub.ID)
	sub.active = false
	if !sub.closed {
		sub.closed = true
		close(sub.queue)
	}
	count := len(h.subscribers)
	h.mu.Unlock()

	h.logger.Info("subscriber left",
		slog.String("subscriberId", sub.ID),
		slog.Int("subscribers", count))
}

// SetInit caches the init segment for the current session and delivers
// it once to every init-pending subscriber. Called exactly once per
// encoder session.
func (h *Hub) SetInit(init []byte) {
	h.mu.Lock()
	h.init = init
	close(h.initReady)
	for _, sub := range h.subscribers {
		if !sub.active || sub.hasReceivedInit {
			continue
		}
		h.enqueueLocked(sub, init)
		sub.hasReceivedInit = true
	}
	h.mu.Unlock()
}

// Broadcast delivers one box to every gated subscriber. fragmentStart
// marks a box opening a new fragment; subscribers that joined
// mid-fragment begin delivery there. A subscriber whose queue is full is
// dropped rather than stalling the pump.
func (h *Hub) Broadcast(box []byte, fragmentStart bool) {
	h.mu.Lock()
	for _, sub := range h.subscribers {
		if !sub.active || !sub.hasReceivedInit {
			continue
		}
		if sub.awaitingFragment {
			if !fragmentStart {
				continue
			}
			sub.awaitingFragment = false
		}
		h.enqueueLocked(sub, box)
	}
	h.mu.Unlock()
}

// ResetSession clears the init cache and every subscriber's init flag.
// Survivors of an encoder restart receive the new session's init segment
// before any of its media.
func (h *Hub) ResetSession() {
	h.mu.Lock()
	h.init = nil
	h.initReady = make(chan struct{})
	for _, sub := range h.subscribers {
		sub.hasReceivedInit = false
		// A fresh session opens with its own init and first fragment.
		sub.awaitingFragment = false
	}
	h.mu.Unlock()

	h.logger.Debug("hub session reset")
}

// CloseAll detaches every subscriber, ending their streams.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	for id, sub := range h.subscribers {
		delete(h.subscribers, id)
		sub.active = false
		if !sub.closed {
			sub.closed = true
			close(sub.queue)
		}
	}
	h.mu.Unlock()
}

// InitReady returns a channel closed once the current session's init
// segment is cached. After ResetSession a fresh channel is returned.
func (h *Hub) InitReady() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.initReady
}

// HasInit reports whether the init segment is cached.
func (h *Hub) HasInit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.init != nil
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// enqueueLocked delivers without blocking; a full queue marks the
// subscriber inactive and ends its stream. Caller holds h.mu.
func (h *Hub) enqueueLocked(sub *Subscriber, data []byte) {
	if sub.closed {
		return
	}
	select {
	case sub.queue <- data:
	default:
		sub.active = false
		sub.closed = true
		close(sub.queue)
		delete(h.subscribers, sub.ID)
		h.logger.Warn("dropping slow subscriber",
			slog.String("subscriberId", sub.ID),
			slog.String("serial", sub.Serial))
	}
}
