package web

import "github.com/dukex/flightdeck/pkg/models"

// RespondRequest is the body of POST /hitl/requests/:id/respond. The request
// id comes from the path; a body id, if present, must match.
type RespondRequest struct {
	RequestID string             `json:"request_id,omitempty"`
	Action    models.HITLAction  `json:"action"   validate:"required,oneof=approve reject respond retry skip stop"`
	Response  string             `json:"response,omitempty"`
	Data      map[string]any     `json:"data,omitempty"`
}

// ConnectionResponse reports the transport state for a followed execution.
type ConnectionResponse struct {
	ExecutionID string                 `json:"execution_id"`
	State       models.ConnectionState `json:"state"`
}
