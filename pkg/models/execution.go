// Package models defines the data model for execution following and HITL coordination.
package models

import (
	"maps"
	"time"
)

// ExecutionPhase is the derived lifecycle phase of a followed execution.
type ExecutionPhase string

const (
	PhasePending   ExecutionPhase = "pending"
	PhaseRunning   ExecutionPhase = "running"
	PhasePaused    ExecutionPhase = "paused"
	PhaseCompleted ExecutionPhase = "completed"
	PhaseFailed    ExecutionPhase = "failed"
	PhaseCancelled ExecutionPhase = "cancelled"
)

// IsTerminal reports whether no further events can change the phase.
func (p ExecutionPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseCancelled
}

// ConnectionState describes the transport session lifecycle. It is owned by
// the session and only observed by everything above it.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionError        ConnectionState = "error"
)

// ExecutionStatus is the projection derived from the ordered event stream of
// one execution. It is never transmitted; it is built locally by folding
// events in arrival order.
type ExecutionStatus struct {
	ExecutionID string         `json:"execution_id" validate:"required"`
	Phase       ExecutionPhase `json:"phase"        validate:"required"`
	CurrentNode string         `json:"current_node,omitempty"`
	Progress    float64        `json:"progress"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Error       string         `json:"error,omitempty"`
	Results     map[string]any `json:"results,omitempty"`

	// ProgressRegressions counts progress frames that reported a lower value
	// than the one already recorded. The value is still overwritten (server
	// is authoritative); the counter exists for observability.
	ProgressRegressions int `json:"progress_regressions,omitempty"`
}

// Clone returns an independent copy safe to hand to a subscriber.
func (s *ExecutionStatus) Clone() *ExecutionStatus {
	if s == nil {
		return nil
	}

	out := *s

	if s.CompletedAt != nil {
		completedAt := *s.CompletedAt
		out.CompletedAt = &completedAt
	}

	if s.Results != nil {
		out.Results = make(map[string]any, len(s.Results))
		maps.Copy(out.Results, s.Results)
	}

	return &out
}
