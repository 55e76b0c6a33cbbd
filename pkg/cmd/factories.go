// Package cmd carries the factory helpers shared by the flightdeck binaries.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/dukex/flightdeck/pkg/channels/gochannel"
	"github.com/dukex/flightdeck/pkg/channels/kafka"
	"github.com/dukex/flightdeck/pkg/eventbus"
	"github.com/dukex/flightdeck/pkg/registry"
	"github.com/dukex/flightdeck/pkg/snapshot"
	"github.com/dukex/flightdeck/pkg/transport"
)

// NewEventBus creates the republish bridge for the given provider.
func NewEventBus(provider string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), "console")
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "memory":
		pub, sub, err := gochannel.CreateChannel(watermill.NewSlogLogger(logger))
		if err != nil {
			panic(fmt.Errorf("failed to create in-memory pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	default:
		panic("Unsupported event bus provider: " + provider)
	}
}

// NewSnapshotStore creates the status snapshot store for a redis:// URL. An
// empty URL disables persistence.
func NewSnapshotStore(url string) snapshot.Store {
	if url == "" {
		return nil
	}

	store, err := snapshot.NewRedisStore(url, 0)
	if err != nil {
		panic(fmt.Errorf("failed to create snapshot store: %w", err))
	}

	return store
}

// NewSessionFactory builds per-execution sessions against the gateway
// endpoint, on the chosen transport kind.
func NewSessionFactory(kind, gatewayURL string, tokens transport.TokenProvider, logger *slog.Logger) registry.SessionFactory {
	return func(executionID string, callbacks transport.Callbacks) transport.Session {
		cfg := transport.Config{
			URL:         gatewayURL,
			ExecutionID: executionID,
			Tokens:      tokens,
		}

		switch kind {
		case "sse":
			return transport.NewSSESession(cfg, callbacks, logger)
		default:
			return transport.NewWebSocketSession(cfg, callbacks, logger)
		}
	}
}

// NewHITLFactory builds side-channel sessions against the fixed HITL
// endpoint. The side channel must be duplex, so it is always a websocket.
func NewHITLFactory(hitlURL string, tokens transport.TokenProvider, logger *slog.Logger) transport.Factory {
	return transport.WebSocketFactory(transport.Config{
		URL:    hitlURL,
		Tokens: tokens,
	}, logger)
}
