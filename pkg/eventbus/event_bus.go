// Package eventbus republishes decoded execution events onto a watermill
// pub/sub so other console surfaces and downstream tooling can consume the
// same feed the stream core received.
package eventbus

import (
	"context"

	"github.com/dukex/flightdeck/pkg/events"
)

type EventPublisher interface {
	Publish(ctx context.Context, key string, event events.ExecutionEvent) error
}

type EventHandler func(ctx context.Context, event events.ExecutionEvent) error

type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler)
	Subscribe(ctx context.Context) error
}

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
