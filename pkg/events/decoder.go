package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// DecodeError marks a frame that could not be turned into an event. Callers
// log and drop the frame; a bad frame never closes the session.
type DecodeError struct {
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Cause)
	}

	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

// IsDecodeError reports whether err is a frame decode failure.
func IsDecodeError(err error) bool {
	var target *DecodeError

	return errors.As(err, &target)
}

// Decoder parses raw transport frames into typed execution events.
type Decoder struct {
	validate *validator.Validate
}

func NewDecoder() *Decoder {
	return &Decoder{
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

type envelope struct {
	Type EventType `json:"type"`
}

// Decode parses one frame. Unrecognized tags come back as *Unknown so newer
// server event kinds pass through instead of breaking older clients.
func (d *Decoder) Decode(raw []byte) (ExecutionEvent, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &DecodeError{Reason: "malformed JSON", Cause: err}
	}

	if env.Type == "" {
		return nil, &DecodeError{Reason: "missing event type"}
	}

	switch env.Type {
	case NodeStartedEvent:
		return d.unmarshal(raw, &NodeStarted{})
	case NodeCompletedEvent:
		return d.unmarshal(raw, &NodeCompleted{})
	case NodeFailedEvent:
		return d.unmarshal(raw, &NodeFailed{})
	case ProgressEvent:
		return d.unmarshal(raw, &Progress{})
	case ExecutionCompletedEvent:
		return d.unmarshal(raw, &ExecutionCompleted{})
	case ExecutionFailedEvent:
		return d.unmarshal(raw, &ExecutionFailed{})
	case HITLRequestEvent:
		return d.unmarshal(raw, &HITLRequest{})
	default:
		unknown := &Unknown{Tag: env.Type, Raw: append([]byte(nil), raw...)}
		if err := json.Unmarshal(raw, &unknown.BaseEvent); err != nil {
			return nil, &DecodeError{Reason: "malformed JSON", Cause: err}
		}

		return unknown, nil
	}
}

func (d *Decoder) unmarshal(raw []byte, target ExecutionEvent) (ExecutionEvent, error) {
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, &DecodeError{Reason: "malformed JSON", Cause: err}
	}

	if err := d.validate.Struct(target); err != nil {
		return nil, &DecodeError{Reason: "missing required fields", Cause: err}
	}

	return target, nil
}

// Empty returns a zero event value for the given tag, used by bus consumers
// to unmarshal republished payloads.
func Empty(eventType EventType) (ExecutionEvent, bool) {
	switch eventType {
	case NodeStartedEvent:
		return &NodeStarted{}, true
	case NodeCompletedEvent:
		return &NodeCompleted{}, true
	case NodeFailedEvent:
		return &NodeFailed{}, true
	case ProgressEvent:
		return &Progress{}, true
	case ExecutionCompletedEvent:
		return &ExecutionCompleted{}, true
	case ExecutionFailedEvent:
		return &ExecutionFailed{}, true
	case HITLRequestEvent:
		return &HITLRequest{}, true
	case UnknownEvent:
		return &Unknown{}, true
	default:
		return nil, false
	}
}
