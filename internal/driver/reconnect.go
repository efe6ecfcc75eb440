package driver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
)

// Reconnector supervises a Client's connection: it establishes the initial
// session with capped exponential backoff, re-establishes it after a loss,
// and notifies observers on every state transition so cached entity lists
// can be dropped and broker events published.
type Reconnector struct {
	client Client
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc

	onState func(connected bool)
}

// NewReconnector wraps client with reconnect supervision.
func NewReconnector(client Client, logger *slog.Logger) *Reconnector {
	return &Reconnector{
		client: client,
		logger: logger.With(slog.String("component", "driver")),
	}
}

// OnStateChange registers the observer invoked after every transition.
// Must be set before Start.
func (r *Reconnector) OnStateChange(fn func(connected bool)) {
	r.onState = fn
}

// Client returns the supervised client.
func (r *Reconnector) Client() Client {
	return r.client
}

// Connected reports the supervised connection state.
func (r *Reconnector) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Start connects the driver, retrying with backoff until ctx is done.
// It returns once the first session is established or ctx expires.
func (r *Reconnector) Start(ctx context.Context) error {
	r.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.mu.Unlock()

	if err := r.connect(runCtx); err != nil {
		return fmt.Errorf("connecting driver: %w", err)
	}
	return nil
}

// NotifyDisconnected is called when the driver session is observed lost
// (by a disconnect event or a failed call). It flips the state, notifies,
// and kicks off a background reconnect.
func (r *Reconnector) NotifyDisconnected(ctx context.Context) {
	r.mu.Lock()
	wasConnected := r.connected
	r.connected = false
	r.mu.Unlock()

	if wasConnected {
		r.logger.Warn("driver connection lost")
		if r.onState != nil {
			r.onState(false)
		}
	}

	go func() {
		if err := r.connect(ctx); err != nil {
			r.logger.Error("driver reconnect abandoned", slog.String("error", err.Error()))
		}
	}()
}

// Reconnect tears the session down and builds a new one. Used when
// credential or region configuration changes.
func (r *Reconnector) Reconnect(ctx context.Context) error {
	r.mu.Lock()
	wasConnected := r.connected
	r.connected = false
	r.mu.Unlock()

	if wasConnected {
		if err := r.client.Close(); err != nil {
			r.logger.Warn("closing driver for reconnect", slog.String("error", err.Error()))
		}
		if r.onState != nil {
			r.onState(false)
		}
	}

	if err := r.connect(ctx); err != nil {
		return fmt.Errorf("reconnecting driver: %w", err)
	}
	return nil
}

// Stop closes the supervised client and cancels any pending reconnect.
func (r *Reconnector) Stop() error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	wasConnected := r.connected
	r.connected = false
	r.mu.Unlock()

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("closing driver: %w", err)
	}
	if wasConnected && r.onState != nil {
		r.onState(false)
	}
	return nil
}

func (r *Reconnector) connect(ctx context.Context) error {
	err := retry.Do(
		func() error {
			return r.client.Connect(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(0), // retry until ctx is done
		retry.Delay(time.Second),
		retry.MaxDelay(30*time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.OnRetry(func(n uint, err error) {
			r.logger.Warn("driver connect attempt failed",
				slog.Uint64("attempt", uint64(n+1)),
				slog.String("error", err.Error()))
		}),
	)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()

	r.logger.Info("driver connected")
	if r.onState != nil {
		r.onState(true)
	}
	return nil
}
