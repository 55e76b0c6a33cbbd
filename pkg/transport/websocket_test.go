package transport

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flightdeck/pkg/models"
)

type frameSink struct {
	mu     sync.Mutex
	frames [][]byte
	closed chan error
	opened chan struct{}
}

func newFrameSink() *frameSink {
	return &frameSink{
		closed: make(chan error, 1),
		opened: make(chan struct{}, 1),
	}
}

func (s *frameSink) callbacks() Callbacks {
	return Callbacks{
		OnOpen: func() {
			select {
			case s.opened <- struct{}{}:
			default:
			}
		},
		OnFrame: func(raw []byte) {
			s.mu.Lock()
			s.frames = append(s.frames, append([]byte(nil), raw...))
			s.mu.Unlock()
		},
		OnClose: func(reason error) {
			select {
			case s.closed <- reason:
			default:
			}
		},
	}
}

func (s *frameSink) collected() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([][]byte(nil), s.frames...)
}

var upgrader = websocket.Upgrader{}

func TestWebSocketSession_DeliversFramesInOrder(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "token-1", r.URL.Query().Get("access_token"))
		assert.Equal(t, "exec-1", r.URL.Query().Get("execution_id"))

		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		defer conn.Close()

		for _, frame := range []string{`{"type":"node_started"}`, `{"type":"progress"}`, `{"type":"node_completed"}`} {
			require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
		}

		// Hold the connection until the client leaves.
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	sink := newFrameSink()
	session := NewWebSocketSession(Config{
		URL:         server.URL,
		ExecutionID: "exec-1",
		Tokens:      StaticToken("token-1"),
	}, sink.callbacks(), slog.Default())

	require.NoError(t, session.Open(context.Background()))
	assert.Equal(t, models.ConnectionConnected, session.State())

	require.Eventually(t, func() bool {
		return len(sink.collected()) == 3
	}, time.Second, 5*time.Millisecond)

	frames := sink.collected()
	assert.JSONEq(t, `{"type":"node_started"}`, string(frames[0]))
	assert.JSONEq(t, `{"type":"progress"}`, string(frames[1]))
	assert.JSONEq(t, `{"type":"node_completed"}`, string(frames[2]))

	require.NoError(t, session.Close())
	assert.Equal(t, models.ConnectionDisconnected, session.State())
}

func TestWebSocketSession_SendRoundTrip(t *testing.T) {
	t.Parallel()

	echoed := make(chan []byte, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		defer conn.Close()

		_, payload, err := conn.ReadMessage()
		if err == nil {
			echoed <- payload
		}
	}))
	defer server.Close()

	sink := newFrameSink()
	session := NewWebSocketSession(Config{
		URL:    server.URL,
		Tokens: StaticToken("token-1"),
	}, sink.callbacks(), slog.Default())

	require.NoError(t, session.Open(context.Background()))

	defer session.Close()

	require.NoError(t, session.Send(context.Background(), []byte(`{"type":"hitl_response","request_id":"req-1"}`)))

	select {
	case payload := <-echoed:
		assert.JSONEq(t, `{"type":"hitl_response","request_id":"req-1"}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("server did not receive the frame")
	}
}

func TestWebSocketSession_MissingCredential(t *testing.T) {
	t.Parallel()

	sink := newFrameSink()
	session := NewWebSocketSession(Config{
		URL:    "ws://127.0.0.1:1",
		Tokens: StaticToken(""),
	}, sink.callbacks(), slog.Default())

	err := session.Open(context.Background())
	require.ErrorIs(t, err, ErrMissingCredential)
	assert.Equal(t, models.ConnectionError, session.State())
	assert.Empty(t, sink.collected(), "no connection attempt without a credential")
}

func TestWebSocketSession_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	sink := newFrameSink()
	session := NewWebSocketSession(Config{
		URL:    server.URL,
		Tokens: StaticToken("token-1"),
	}, sink.callbacks(), slog.Default())

	require.NoError(t, session.Open(context.Background()))
	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	select {
	case reason := <-sink.closed:
		assert.NoError(t, reason, "local close reports a nil reason")
	case <-time.After(time.Second):
		t.Fatal("OnClose never fired")
	}

	assert.Error(t, session.Send(context.Background(), []byte("x")))
}

func TestWebSocketSession_RemoteCloseFiresOnClose(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		conn.Close()
	}))
	defer server.Close()

	sink := newFrameSink()
	session := NewWebSocketSession(Config{
		URL:    server.URL,
		Tokens: StaticToken("token-1"),
	}, sink.callbacks(), slog.Default())

	require.NoError(t, session.Open(context.Background()))

	select {
	case reason := <-sink.closed:
		assert.Error(t, reason, "remote drop carries a reason")
	case <-time.After(time.Second):
		t.Fatal("OnClose never fired")
	}

	assert.Equal(t, models.ConnectionError, session.State())
}

func TestWebSocketSession_OpenTwiceFails(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	sink := newFrameSink()
	session := NewWebSocketSession(Config{
		URL:    server.URL,
		Tokens: StaticToken("token-1"),
	}, sink.callbacks(), slog.Default())

	require.NoError(t, session.Open(context.Background()))

	defer session.Close()

	require.ErrorIs(t, session.Open(context.Background()), ErrAlreadyOpen)
}
