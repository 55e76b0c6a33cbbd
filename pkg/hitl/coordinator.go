// Package hitl coordinates human-in-the-loop request/response handshakes over
// a platform-wide side channel, independent of any single execution session.
package hitl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/dukex/flightdeck/pkg/events"
	"github.com/dukex/flightdeck/pkg/models"
	"github.com/dukex/flightdeck/pkg/transport"
)

// ErrUnknownRequest is returned when responding to a request id that is not
// currently answerable: never seen, already resolved, or mid-send.
var ErrUnknownRequest = errors.New("unknown or already resolved request")

// ErrNotConnected is returned when no side-channel session is live to carry
// the response.
var ErrNotConnected = errors.New("hitl channel is not connected")

// Record is the local bookkeeping for one received request.
type Record struct {
	Request models.HITLRequest
	State   models.HITLRequestState

	// RespondedAfterExpiry marks a delivery attempted past the timeout. The
	// server stays authoritative on the outcome; the tag is observability.
	RespondedAfterExpiry bool
}

// RequestHandler observes newly registered requests.
type RequestHandler func(request models.HITLRequest)

// Coordinator maintains the singleton HITL session, tracks requests by id and
// correlates responses to them. It tolerates any number of Subscribe calls
// without opening duplicate physical sessions; teardown is an explicit Close.
type Coordinator struct {
	logger  *slog.Logger
	decoder *events.Decoder

	mu          sync.Mutex
	reconnector *transport.Reconnector
	factory     transport.Factory
	delay       backoff.BackOff
	started     bool
	closed      bool
	records     map[string]*Record
	timers      map[string]*time.Timer
	handlers    map[string]RequestHandler
}

// NewCoordinator builds a coordinator around the side-channel session
// factory. A nil delay uses the transport default.
func NewCoordinator(factory transport.Factory, logger *slog.Logger, delay backoff.BackOff) *Coordinator {
	return &Coordinator{
		logger:   logger.With("module", "hitl"),
		decoder:  events.NewDecoder(),
		factory:  factory,
		delay:    delay,
		records:  make(map[string]*Record),
		timers:   make(map[string]*time.Timer),
		handlers: make(map[string]RequestHandler),
	}
}

// Subscribe registers a handler for incoming requests and lazily opens the
// shared session on first use. The returned function removes the handler; the
// session stays up until Close.
func (c *Coordinator) Subscribe(ctx context.Context, handler RequestHandler) (func(), error) {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return nil, errors.New("coordinator is closed")
	}

	id := uuid.New().String()
	c.handlers[id] = handler

	start := !c.started
	if start {
		c.started = true
		c.reconnector = transport.NewReconnector(c.factory, transport.Callbacks{
			OnFrame: c.handleFrame,
			OnError: func(err error) {
				c.logger.Warn("hitl channel error", "error", err)
			},
		}, c.logger, c.delay)
	}

	reconnector := c.reconnector
	c.mu.Unlock()

	if start {
		if err := reconnector.Enable(ctx); err != nil {
			// The reconnector keeps retrying; surface the first failure but
			// keep the subscription.
			c.logger.Warn("hitl channel open failed, retrying", "error", err)
		}
	}

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}, nil
}

// handleFrame registers hitl_request events; other side-channel frames are
// ignored here.
func (c *Coordinator) handleFrame(raw []byte) {
	event, err := c.decoder.Decode(raw)
	if err != nil {
		c.logger.Warn("dropping malformed hitl frame", "error", err)

		return
	}

	request, ok := event.(*events.HITLRequest)
	if !ok {
		return
	}

	c.register(request.Request())
}

func (c *Coordinator) register(request models.HITLRequest) {
	c.mu.Lock()

	if _, exists := c.records[request.RequestID]; exists {
		c.mu.Unlock()
		c.logger.Warn("duplicate hitl request dropped", "requestId", request.RequestID)

		return
	}

	c.records[request.RequestID] = &Record{
		Request: request,
		State:   models.HITLStateAwaitingResponse,
	}

	// timeout_seconds of zero is immediately eligible for expiry.
	timeout := time.Duration(request.TimeoutSeconds) * time.Second
	c.timers[request.RequestID] = time.AfterFunc(timeout, func() {
		c.expire(request.RequestID)
	})

	handlers := make([]RequestHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}

	c.mu.Unlock()

	c.logger.Info("hitl request received",
		"requestId", request.RequestID,
		"executionId", request.ExecutionID,
		"kind", request.Kind)

	for _, handler := range handlers {
		if handler != nil {
			handler(request)
		}
	}
}

// expire marks a request expired locally. The server stays authoritative on
// any further timeout action; the client never assumes an outcome.
func (c *Coordinator) expire(requestID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.timers, requestID)

	record, ok := c.records[requestID]
	if !ok || record.State != models.HITLStateAwaitingResponse {
		return
	}

	record.State = models.HITLStateExpired
	c.logger.Info("hitl request expired", "requestId", requestID)
}

// Respond sends a correlated response for an answerable request. The local
// transition to responding happens before the network send and is not rolled
// back to awaiting on failure: the workflow may already have reacted to a
// partially delivered response, so a retry reuses the same request id from
// the send_failed state. An expired request still gets a delivery attempt.
func (c *Coordinator) Respond(ctx context.Context, requestID string, response models.HITLResponse) error {
	response.RequestID = requestID

	c.mu.Lock()

	record, ok := c.records[requestID]
	if !ok {
		c.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	switch record.State {
	case models.HITLStateAwaitingResponse, models.HITLStateSendFailed:
	case models.HITLStateExpired:
		record.RespondedAfterExpiry = true
	default:
		c.mu.Unlock()

		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}

	wasExpired := record.State == models.HITLStateExpired
	record.State = models.HITLStateResponding

	if timer, ok := c.timers[requestID]; ok {
		timer.Stop()
		delete(c.timers, requestID)
	}

	var session transport.Session
	if c.reconnector != nil {
		session = c.reconnector.Session()
	}

	c.mu.Unlock()

	payload, err := json.Marshal(events.NewResponseFrame(response))
	if err != nil {
		c.setState(requestID, models.HITLStateSendFailed)

		return fmt.Errorf("encode response: %w", err)
	}

	if session == nil {
		c.setState(requestID, models.HITLStateSendFailed)

		return ErrNotConnected
	}

	if err := session.Send(ctx, payload); err != nil {
		c.setState(requestID, models.HITLStateSendFailed)

		return fmt.Errorf("send response: %w", err)
	}

	c.setState(requestID, models.HITLStateResolved)

	c.logger.Info("hitl response sent",
		"requestId", requestID,
		"action", response.Action,
		"afterExpiry", wasExpired)

	return nil
}

func (c *Coordinator) setState(requestID string, state models.HITLRequestState) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if record, ok := c.records[requestID]; ok {
		record.State = state
	}
}

// Record returns a copy of the local bookkeeping for a request id.
func (c *Coordinator) Record(requestID string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record, ok := c.records[requestID]
	if !ok {
		return Record{}, false
	}

	return *record, true
}

// Pending lists requests still awaiting a response, oldest first.
func (c *Coordinator) Pending() []models.HITLRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make([]models.HITLRequest, 0, len(c.records))

	for _, record := range c.records {
		if record.State == models.HITLStateAwaitingResponse {
			pending = append(pending, record.Request)
		}
	}

	sort.Slice(pending, func(i, j int) bool {
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	return pending
}

// ConnectionState reports the side-channel connection state.
func (c *Coordinator) ConnectionState() models.ConnectionState {
	c.mu.Lock()
	reconnector := c.reconnector
	c.mu.Unlock()

	if reconnector == nil {
		return models.ConnectionDisconnected
	}

	return reconnector.State()
}

// Close tears down the singleton session and cancels every expiry timer.
// Meant for process shutdown; idempotent.
func (c *Coordinator) Close() error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return nil
	}

	c.closed = true

	for id, timer := range c.timers {
		timer.Stop()
		delete(c.timers, id)
	}

	reconnector := c.reconnector
	c.reconnector = nil
	c.mu.Unlock()

	if reconnector != nil {
		reconnector.Disable()
	}

	return nil
}
