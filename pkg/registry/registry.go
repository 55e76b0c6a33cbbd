// Package registry shares one transport session per followed execution among
// any number of console subscribers, reference counted, and fans out decoded
// events and projected status snapshots in arrival order.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flightdeck/pkg/eventbus"
	"github.com/dukex/flightdeck/pkg/events"
	"github.com/dukex/flightdeck/pkg/models"
	"github.com/dukex/flightdeck/pkg/otelhelper"
	"github.com/dukex/flightdeck/pkg/projection"
	"github.com/dukex/flightdeck/pkg/snapshot"
	"github.com/dukex/flightdeck/pkg/transport"
)

// Subscriber observes one followed execution. Callbacks run sequentially in
// frame arrival order and must not block.
type Subscriber struct {
	OnStatus func(status *models.ExecutionStatus)
	OnEvent  func(event events.ExecutionEvent)
}

// SessionFactory mints a session bound to one execution id.
type SessionFactory func(executionID string, callbacks transport.Callbacks) transport.Session

// Config wires the registry's collaborators. Bus, Snapshots and Tracer are
// optional; Delay defaults to the constant reconnect delay.
type Config struct {
	Sessions  SessionFactory
	Logger    *slog.Logger
	Delay     func() backoff.BackOff
	Bus       eventbus.EventPublisher
	Snapshots snapshot.Store
	Tracer    trace.Tracer
}

type Registry struct {
	cfg     Config
	logger  *slog.Logger
	decoder *events.Decoder

	mu      sync.Mutex
	entries map[string]*entry
}

// entry exclusively owns the transport session for one execution id. Its
// mutex serializes frame handling, folding and fan-out, so every subscriber
// observes events in the exact order the transport delivered them.
type entry struct {
	mu sync.Mutex

	executionID string
	reconnector *transport.Reconnector
	status      *models.ExecutionStatus
	subscribers map[string]Subscriber
	order       []string
	wrongFrames int
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:     cfg,
		logger:  cfg.Logger.With("module", "registry"),
		decoder: events.NewDecoder(),
		entries: make(map[string]*entry),
	}
}

// Subscribe follows an execution. The first subscriber for an id opens the
// session; later ones share it and start from the current projected status
// (no event backfill). The returned function unsubscribes; the last
// unsubscribe synchronously stops reconnection and closes the session.
func (r *Registry) Subscribe(ctx context.Context, executionID string, sub Subscriber) (func(), error) {
	r.mu.Lock()

	e, exists := r.entries[executionID]
	if !exists {
		e = &entry{
			executionID: executionID,
			subscribers: make(map[string]Subscriber),
		}

		delay := backoff.BackOff(nil)
		if r.cfg.Delay != nil {
			delay = r.cfg.Delay()
		}

		logger := r.logger.With("executionId", executionID)

		e.reconnector = transport.NewReconnector(
			func(callbacks transport.Callbacks) transport.Session {
				return r.cfg.Sessions(executionID, callbacks)
			},
			transport.Callbacks{
				OnFrame: func(raw []byte) { r.handleFrame(e, raw) },
				OnError: func(err error) {
					logger.Warn("session error", "error", err)
				},
				OnClose: func(reason error) {
					if reason != nil {
						logger.Info("session closed", "reason", reason)
					}
				},
			},
			logger,
			delay,
		)

		r.entries[executionID] = e
	}

	subID := uuid.New().String()

	e.mu.Lock()
	e.subscribers[subID] = sub
	e.order = append(e.order, subID)
	current := e.status.Clone()
	e.mu.Unlock()

	r.mu.Unlock()

	if !exists {
		seeded := r.seed(ctx, e)

		if seeded != nil && seeded.Phase.IsTerminal() {
			// Nothing more will arrive for a terminal execution; serve the
			// stored projection without opening a session.
			current = seeded.Clone()
		} else {
			if err := e.reconnector.Enable(ctx); err != nil {
				r.logger.Warn("session open failed, retrying",
					"executionId", executionID, "error", err)
			}
		}
	}

	// A late subscriber starts from the current projection, then receives
	// events from this point forward.
	if current != nil && sub.OnStatus != nil {
		sub.OnStatus(current)
	}

	return func() { r.unsubscribe(executionID, subID) }, nil
}

func (r *Registry) unsubscribe(executionID, subID string) {
	r.mu.Lock()

	e, ok := r.entries[executionID]
	if !ok {
		r.mu.Unlock()

		return
	}

	e.mu.Lock()
	delete(e.subscribers, subID)

	for i, id := range e.order {
		if id == subID {
			e.order = append(e.order[:i], e.order[i+1:]...)

			break
		}
	}

	last := len(e.subscribers) == 0
	e.mu.Unlock()

	if last {
		delete(r.entries, executionID)
	}

	r.mu.Unlock()

	if last {
		// Cancellation: no further scheduled reopen, no leaked connection.
		e.reconnector.Disable()
	}
}

// seed pulls the last persisted projection, carrying status forward across
// console restarts. Best effort.
func (r *Registry) seed(ctx context.Context, e *entry) *models.ExecutionStatus {
	if r.cfg.Snapshots == nil {
		return nil
	}

	status, err := r.cfg.Snapshots.Load(ctx, e.executionID)
	if err != nil {
		if !snapshot.IsNotFound(err) {
			r.logger.Warn("snapshot load failed",
				"executionId", e.executionID, "error", err)
		}

		return nil
	}

	e.mu.Lock()
	e.status = status
	e.mu.Unlock()

	return status
}

// handleFrame runs to completion per frame: decode, fold, fan out. The entry
// lock guarantees in-order application even across a reconnect.
func (r *Registry) handleFrame(e *entry, raw []byte) {
	ctx := context.Background()

	var span trace.Span
	if r.cfg.Tracer != nil {
		ctx, span = otelhelper.StartSpan(ctx, r.cfg.Tracer, "registry.frame",
			attribute.String(otelhelper.ExecutionIDKey, e.executionID))
		defer span.End()
	}

	event, err := r.decoder.Decode(raw)
	if err != nil {
		// A bad frame is dropped; the stream continues.
		r.logger.WarnContext(ctx, "dropping malformed frame",
			"executionId", e.executionID, "error", err)

		if span != nil {
			otelhelper.SetError(span, err)
		}

		return
	}

	e.mu.Lock()

	if id := event.GetExecutionID(); id != "" && id != e.executionID {
		// Protocol violation: never silently merge another execution's
		// events into this projection.
		e.wrongFrames++
		e.mu.Unlock()

		r.logger.WarnContext(ctx, "dropping frame for wrong execution",
			"executionId", e.executionID, "frameExecutionId", id)

		return
	}

	wasTerminal := e.status != nil && e.status.Phase.IsTerminal()

	var updated *models.ExecutionStatus

	if !wasTerminal {
		before := e.status
		e.status = projection.Apply(e.status, event)
		updated = e.status.Clone()

		if before != nil && e.status.ProgressRegressions > before.ProgressRegressions {
			r.logger.WarnContext(ctx, "progress regressed",
				"executionId", e.executionID, "progress", e.status.Progress)
		}
	}

	subscribers := make([]Subscriber, 0, len(e.order))
	for _, id := range e.order {
		subscribers = append(subscribers, e.subscribers[id])
	}

	nowTerminal := e.status != nil && e.status.Phase.IsTerminal()
	e.mu.Unlock()

	// Raw events reach subscribers even after the projection froze.
	for _, sub := range subscribers {
		if sub.OnEvent != nil {
			sub.OnEvent(event)
		}
	}

	if updated != nil {
		for _, sub := range subscribers {
			if sub.OnStatus != nil {
				sub.OnStatus(updated.Clone())
			}
		}
	}

	if r.cfg.Bus != nil {
		if err := r.cfg.Bus.Publish(ctx, e.executionID, event); err != nil {
			r.logger.WarnContext(ctx, "event republish failed",
				"executionId", e.executionID, "error", err)
		}
	}

	if r.cfg.Snapshots != nil && updated != nil {
		if err := r.cfg.Snapshots.Save(ctx, updated); err != nil {
			r.logger.WarnContext(ctx, "snapshot save failed",
				"executionId", e.executionID, "error", err)
		}
	}

	if nowTerminal && !wasTerminal {
		r.logger.InfoContext(ctx, "execution reached terminal phase",
			"executionId", e.executionID, "phase", updated.Phase)

		// No further frames are expected; stop following.
		e.reconnector.Disable()
	}
}

// Status returns the current projection for a followed execution.
func (r *Registry) Status(executionID string) (*models.ExecutionStatus, bool) {
	r.mu.Lock()
	e, ok := r.entries[executionID]
	r.mu.Unlock()

	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.status.Clone(), true
}

// ConnectionState reports the transport state for a followed execution.
func (r *Registry) ConnectionState(executionID string) (models.ConnectionState, bool) {
	r.mu.Lock()
	e, ok := r.entries[executionID]
	r.mu.Unlock()

	if !ok {
		return models.ConnectionDisconnected, false
	}

	return e.reconnector.State(), true
}

// Following lists the execution ids with at least one subscriber.
func (r *Registry) Following() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}

	return ids
}

// Close unsubscribes everything, for process shutdown.
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))

	for id, e := range r.entries {
		entries = append(entries, e)
		delete(r.entries, id)
	}
	r.mu.Unlock()

	for _, e := range entries {
		e.reconnector.Disable()
	}

	return nil
}
