// Package projection folds ordered execution events into an ExecutionStatus.
package projection

import (
	"maps"
	"time"

	"github.com/dukex/flightdeck/pkg/events"
	"github.com/dukex/flightdeck/pkg/models"
)

// Apply folds one event into the status and returns the updated projection.
// It is a pure function: the input status is never mutated, no I/O happens
// here. A nil status means this is the first event seen for the execution.
//
// Once the phase is terminal the projection is frozen: later events return
// the status unchanged. Unknown events are always a no-op on the status.
func Apply(status *models.ExecutionStatus, event events.ExecutionEvent) *models.ExecutionStatus {
	if event == nil {
		return status
	}

	if status == nil {
		status = &models.ExecutionStatus{
			ExecutionID: event.GetExecutionID(),
			Phase:       models.PhasePending,
			StartedAt:   eventTime(event),
		}
	} else {
		status = status.Clone()
	}

	if status.Phase.IsTerminal() {
		return status
	}

	switch e := event.(type) {
	case *events.NodeStarted:
		status.CurrentNode = e.NodeID
		status.Phase = models.PhaseRunning

	case *events.NodeCompleted:
		if status.CurrentNode == e.NodeID {
			status.CurrentNode = ""
		}

		status.Results = merge(status.Results, e.Data)

	case *events.NodeFailed:
		if status.CurrentNode == e.NodeID {
			status.CurrentNode = ""
		}

		status.Error = e.Error

	case *events.Progress:
		if e.Progress < status.Progress {
			// Server is authoritative: keep the lower value, count the
			// regression so observers can flag it.
			status.ProgressRegressions++
		}

		status.Progress = e.Progress
		if status.Phase == models.PhasePending {
			status.Phase = models.PhaseRunning
		}

	case *events.HITLRequest:
		status.Phase = models.PhasePaused
		if e.NodeID != "" {
			status.CurrentNode = e.NodeID
		}

	case *events.ExecutionCompleted:
		status.Phase = models.PhaseCompleted
		status.CurrentNode = ""
		status.Progress = 1
		status.Results = merge(status.Results, e.Results)
		completedAt := eventTime(event)
		status.CompletedAt = &completedAt

	case *events.ExecutionFailed:
		status.Phase = models.PhaseFailed
		status.Error = e.Error
		completedAt := eventTime(event)
		status.CompletedAt = &completedAt
	}

	return status
}

func merge(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}

	if dst == nil {
		dst = make(map[string]any, len(src))
	}

	maps.Copy(dst, src)

	return dst
}

func eventTime(event events.ExecutionEvent) time.Time {
	if ts := event.GetTimestamp(); !ts.IsZero() {
		return ts
	}

	return time.Now().UTC()
}
