package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dukex/flightdeck/pkg/models"
)

// DefaultReconnectDelay is the fixed delay between reopen attempts. Sessions
// are short-lived and bounded by execution completion, so the delay stays
// constant instead of growing exponentially.
const DefaultReconnectDelay = 3 * time.Second

// Reconnector supervises one logical connection: it opens sessions through a
// Factory and, while enabled, schedules a replacement whenever a session
// closes for any reason other than Disable. Reconnect failures are never
// escalated; it keeps trying until disabled. This models best-effort
// following of a long-running job.
type Reconnector struct {
	factory   Factory
	callbacks Callbacks
	delay     backoff.BackOff
	logger    *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	enabled bool
	session Session
	timer   *time.Timer
	gen     uint64
}

// NewReconnector wires a supervisor around factory. A nil delay policy uses
// the constant default; tests inject backoff.ZeroBackOff.
func NewReconnector(factory Factory, callbacks Callbacks, logger *slog.Logger, delay backoff.BackOff) *Reconnector {
	if delay == nil {
		delay = backoff.NewConstantBackOff(DefaultReconnectDelay)
	}

	return &Reconnector{
		factory:   factory,
		callbacks: callbacks,
		delay:     delay,
		logger:    logger,
	}
}

// Enable opens a session now and turns automatic reopen on. Calling it while
// a reopen is pending supersedes the pending attempt.
func (r *Reconnector) Enable(ctx context.Context) error {
	r.mu.Lock()

	r.enabled = true
	r.ctx = ctx
	r.stopTimerLocked()

	if r.session != nil {
		// Replace, not append: the previous session is closed first.
		old := r.session
		r.session = nil
		r.mu.Unlock()
		_ = old.Close()
		r.mu.Lock()
	}

	err := r.openLocked(ctx)
	r.mu.Unlock()

	return err
}

// Disable cancels any pending reopen and closes the live session. It is
// idempotent; spontaneous closes arriving afterwards are ignored.
func (r *Reconnector) Disable() {
	r.mu.Lock()
	r.enabled = false
	r.stopTimerLocked()
	r.gen++

	session := r.session
	r.session = nil
	r.mu.Unlock()

	if session != nil {
		_ = session.Close()
	}
}

// State reports the connection state of the current session, or disconnected
// when none is live.
func (r *Reconnector) State() models.ConnectionState {
	r.mu.Lock()
	session := r.session
	pending := r.timer != nil
	r.mu.Unlock()

	if session != nil {
		return session.State()
	}

	if pending {
		return models.ConnectionConnecting
	}

	return models.ConnectionDisconnected
}

// Session returns the live session, if any. Used for sending on duplex
// transports.
func (r *Reconnector) Session() Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.session
}

func (r *Reconnector) openLocked(ctx context.Context) error {
	r.gen++
	gen := r.gen

	session := r.factory(Callbacks{
		OnOpen: func() {
			r.delay.Reset()

			if r.callbacks.OnOpen != nil {
				r.callbacks.OnOpen()
			}
		},
		OnFrame: r.callbacks.OnFrame,
		OnError: r.callbacks.OnError,
		OnClose: func(reason error) {
			r.onSessionClose(gen, reason)
		},
	})

	r.session = session

	// Open without the lock: it dials the network and may fire callbacks.
	r.mu.Unlock()
	err := session.Open(ctx)
	r.mu.Lock()

	if err != nil {
		if r.gen == gen {
			r.session = nil
			r.scheduleLocked()
		}

		return err
	}

	return nil
}

// onSessionClose runs when a session ends. Stale generations (already
// replaced or disabled) are ignored.
func (r *Reconnector) onSessionClose(gen uint64, reason error) {
	if r.callbacks.OnClose != nil {
		r.callbacks.OnClose(reason)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen || !r.enabled {
		return
	}

	r.session = nil
	r.scheduleLocked()
}

func (r *Reconnector) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// scheduleLocked arms the reopen timer, debounced to one pending attempt.
func (r *Reconnector) scheduleLocked() {
	if !r.enabled || r.timer != nil {
		return
	}

	wait := r.delay.NextBackOff()
	if wait == backoff.Stop {
		r.logger.Warn("reconnect delay policy stopped, giving up")

		return
	}

	r.logger.Info("scheduling session reopen", "delay", wait)

	r.timer = time.AfterFunc(wait, func() {
		r.mu.Lock()
		r.timer = nil

		if !r.enabled {
			r.mu.Unlock()

			return
		}

		ctx := r.ctx
		if ctx == nil {
			ctx = context.Background()
		}

		if err := r.openLocked(ctx); err != nil {
			r.logger.Warn("session reopen failed", "error", err)
		}

		r.mu.Unlock()
	})
}
