// Package events defines the typed execution event stream and its wire codec.
package events

import (
	"encoding/json"
	"time"

	"github.com/dukex/flightdeck/pkg/models"
)

type EventType string

// Topic is the watermill topic decoded execution events are republished on.
const Topic = "flightdeck.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Node lifecycle events.
	NodeStartedEvent   EventType = "node_started"
	NodeCompletedEvent EventType = "node_completed"
	NodeFailedEvent    EventType = "node_failed"

	// Execution lifecycle events.
	ProgressEvent           EventType = "progress"
	ExecutionCompletedEvent EventType = "execution_completed"
	ExecutionFailedEvent    EventType = "execution_failed"

	// Human-in-the-loop side channel.
	HITLRequestEvent EventType = "hitl_request"

	// UnknownEvent tags frames with a type this client does not know yet.
	// They are forwarded, never rejected, so old clients survive new servers.
	UnknownEvent EventType = "unknown"
)

// ExecutionEvent is one decoded frame of the server push stream.
type ExecutionEvent interface {
	GetType() EventType
	GetExecutionID() string
	GetTimestamp() time.Time
}

type BaseEvent struct {
	Type        EventType `json:"type"`
	ExecutionID string    `json:"execution_id" validate:"required"`
	Timestamp   time.Time `json:"ts"`
}

func (b BaseEvent) GetExecutionID() string {
	return b.ExecutionID
}

func (b BaseEvent) GetTimestamp() time.Time {
	return b.Timestamp
}

type NodeStarted struct {
	BaseEvent

	NodeID string `json:"node_id" validate:"required"`
}

func (e NodeStarted) GetType() EventType {
	return NodeStartedEvent
}

type NodeCompleted struct {
	BaseEvent

	NodeID string         `json:"node_id" validate:"required"`
	Data   map[string]any `json:"data,omitempty"`
}

func (e NodeCompleted) GetType() EventType {
	return NodeCompletedEvent
}

type NodeFailed struct {
	BaseEvent

	NodeID string `json:"node_id" validate:"required"`
	Error  string `json:"error"`
}

func (e NodeFailed) GetType() EventType {
	return NodeFailedEvent
}

type Progress struct {
	BaseEvent

	Progress float64 `json:"progress" validate:"gte=0,lte=1"`
}

func (e Progress) GetType() EventType {
	return ProgressEvent
}

type ExecutionCompleted struct {
	BaseEvent

	Results map[string]any `json:"results,omitempty"`
}

func (e ExecutionCompleted) GetType() EventType {
	return ExecutionCompletedEvent
}

type ExecutionFailed struct {
	BaseEvent

	Error string `json:"error"`
}

func (e ExecutionFailed) GetType() EventType {
	return ExecutionFailedEvent
}

// HITLRequest announces a pause point waiting on a human decision.
type HITLRequest struct {
	BaseEvent

	RequestID      string          `json:"request_id" validate:"required"`
	NodeID         string          `json:"node_id,omitempty"`
	Kind           models.HITLKind `json:"kind"       validate:"required"`
	Title          string          `json:"title,omitempty"`
	Message        string          `json:"message,omitempty"`
	Options        []string        `json:"options,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds"`
}

func (e HITLRequest) GetType() EventType {
	return HITLRequestEvent
}

// Request converts the wire event into the local request model.
func (e HITLRequest) Request() models.HITLRequest {
	createdAt := e.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	return models.HITLRequest{
		RequestID:      e.RequestID,
		ExecutionID:    e.ExecutionID,
		NodeID:         e.NodeID,
		Kind:           e.Kind,
		Title:          e.Title,
		Message:        e.Message,
		Options:        e.Options,
		TimeoutSeconds: e.TimeoutSeconds,
		CreatedAt:      createdAt,
	}
}

// Unknown carries a frame whose tag this client does not recognize. The raw
// payload is kept so raw-event subscribers still see the whole frame.
type Unknown struct {
	BaseEvent

	Tag EventType       `json:"-"`
	Raw json.RawMessage `json:"-"`
}

func (e Unknown) GetType() EventType {
	return UnknownEvent
}

const ResponseFrameType = "hitl_response"

// ResponseFrame is the outbound HITL response envelope.
type ResponseFrame struct {
	Type      string              `json:"type"`
	RequestID string              `json:"request_id"`
	Response  models.HITLResponse `json:"response"`
}

// NewResponseFrame wraps a response in the outbound envelope.
func NewResponseFrame(response models.HITLResponse) ResponseFrame {
	return ResponseFrame{
		Type:      ResponseFrameType,
		RequestID: response.RequestID,
		Response:  response,
	}
}
