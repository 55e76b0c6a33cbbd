package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flightdeck/pkg/channels/gochannel"
	"github.com/dukex/flightdeck/pkg/events"
)

func newTestBus(t *testing.T) *WatermillEventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_PublishSubscribeRoundTrip(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan events.ExecutionEvent, 1)

	bus.Handle(events.NodeStartedEvent, func(_ context.Context, event events.ExecutionEvent) error {
		received <- event

		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	published := &events.NodeStarted{
		BaseEvent: events.BaseEvent{
			Type:        events.NodeStartedEvent,
			ExecutionID: "exec-1",
			Timestamp:   time.Now().UTC(),
		},
		NodeID: "fetch",
	}

	require.NoError(t, bus.Publish(ctx, "exec-1", published))

	select {
	case event := <-received:
		started, ok := event.(*events.NodeStarted)
		require.True(t, ok)
		assert.Equal(t, "exec-1", started.ExecutionID)
		assert.Equal(t, "fetch", started.NodeID)
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestWatermillEventBus_UnhandledTypesAreSkipped(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan events.ExecutionEvent, 2)

	bus.Handle(events.ProgressEvent, func(_ context.Context, event events.ExecutionEvent) error {
		received <- event

		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	require.NoError(t, bus.Publish(ctx, "exec-1", &events.NodeStarted{
		BaseEvent: events.BaseEvent{Type: events.NodeStartedEvent, ExecutionID: "exec-1"},
		NodeID:    "fetch",
	}))
	require.NoError(t, bus.Publish(ctx, "exec-1", &events.Progress{
		BaseEvent: events.BaseEvent{Type: events.ProgressEvent, ExecutionID: "exec-1"},
		Progress:  0.5,
	}))

	select {
	case event := <-received:
		progress, ok := event.(*events.Progress)
		require.True(t, ok, "only the handled type reaches the handler")
		assert.InDelta(t, 0.5, progress.Progress, 0.0001)
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
