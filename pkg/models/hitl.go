package models

import "time"

// HITLKind classifies what the server is asking the human for.
type HITLKind string

const (
	HITLKindApproval      HITLKind = "approval"
	HITLKindClarification HITLKind = "clarification"
	HITLKindError         HITLKind = "error"
)

// HITLAction is the decision carried by a response.
type HITLAction string

const (
	HITLActionApprove HITLAction = "approve"
	HITLActionReject  HITLAction = "reject"
	HITLActionRespond HITLAction = "respond"
	HITLActionRetry   HITLAction = "retry"
	HITLActionSkip    HITLAction = "skip"
	HITLActionStop    HITLAction = "stop"
)

// HITLRequestState is the local lifecycle of a received request. Responding
// is deliberately its own state so the optimistic transition ahead of network
// confirmation stays observable.
type HITLRequestState string

const (
	HITLStateAwaitingResponse HITLRequestState = "awaiting_response"
	HITLStateResponding       HITLRequestState = "responding"
	HITLStateResolved         HITLRequestState = "resolved"
	HITLStateExpired          HITLRequestState = "expired"
	HITLStateSendFailed       HITLRequestState = "send_failed"
)

// HITLRequest is a pause point where the server asks for a human decision
// before the execution continues.
type HITLRequest struct {
	RequestID      string    `json:"request_id"  validate:"required"`
	ExecutionID    string    `json:"execution_id"`
	NodeID         string    `json:"node_id,omitempty"`
	Kind           HITLKind  `json:"kind"        validate:"required,oneof=approval clarification error"`
	Title          string    `json:"title,omitempty"`
	Message        string    `json:"message,omitempty"`
	Options        []string  `json:"options,omitempty"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	CreatedAt      time.Time `json:"created_at"`
}

// HITLResponse is the human decision sent back on the side channel.
type HITLResponse struct {
	RequestID string         `json:"request_id" validate:"required"`
	Action    HITLAction     `json:"action"     validate:"required,oneof=approve reject respond retry skip stop"`
	Response  string         `json:"response,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}
