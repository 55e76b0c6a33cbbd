package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dukex/flightdeck/pkg/models"
)

const writeTimeout = 10 * time.Second

// WebSocketSession is the duplex transport. It carries execution frames
// inbound and HITL response frames outbound on the same connection.
type WebSocketSession struct {
	cfg       Config
	callbacks Callbacks
	logger    *slog.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	state   models.ConnectionState
	opened  bool
	closed  bool

	closeOnce sync.Once
}

// NewWebSocketSession builds an unopened session. Use it through a Factory so
// the reconnection policy can mint fresh sessions.
func NewWebSocketSession(cfg Config, callbacks Callbacks, logger *slog.Logger) *WebSocketSession {
	return &WebSocketSession{
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger.With("executionId", cfg.ExecutionID),
		state:     models.ConnectionDisconnected,
	}
}

// WebSocketFactory returns a Factory minting websocket sessions for cfg.
func WebSocketFactory(cfg Config, logger *slog.Logger) Factory {
	return func(callbacks Callbacks) Session {
		return NewWebSocketSession(cfg, callbacks, logger)
	}
}

func (s *WebSocketSession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()

		return ErrAlreadyOpen
	}

	s.opened = true
	s.state = models.ConnectionConnecting
	s.mu.Unlock()

	endpoint, err := s.cfg.endpoint(ctx, "wss", "ws")
	if err != nil {
		s.fail(err)

		return err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}

		s.fail(err)

		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()

		return ErrSessionClosed
	}

	s.conn = conn
	s.state = models.ConnectionConnected
	s.mu.Unlock()

	if s.callbacks.OnOpen != nil {
		s.callbacks.OnOpen()
	}

	go s.readLoop(conn)

	return nil
}

func (s *WebSocketSession) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			local := s.closed
			if !local {
				s.state = models.ConnectionError
			}
			s.mu.Unlock()

			if local {
				return
			}

			if s.callbacks.OnError != nil {
				s.callbacks.OnError(err)
			}

			s.finish(err)

			return
		}

		if s.callbacks.OnFrame != nil {
			s.callbacks.OnFrame(raw)
		}
	}
}

func (s *WebSocketSession) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	conn := s.conn
	closed := s.closed
	s.mu.Unlock()

	if closed || conn == nil {
		return ErrSessionClosed
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	return conn.WriteMessage(websocket.TextMessage, payload)
}

// Close tears the connection down. Calling it on an already closed session is
// a no-op.
func (s *WebSocketSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	conn := s.conn
	s.conn = nil
	s.state = models.ConnectionDisconnected
	s.mu.Unlock()

	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeTimeout))
		s.writeMu.Unlock()

		_ = conn.Close()
	}

	s.finish(nil)

	return nil
}

func (s *WebSocketSession) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// fail records a connect failure and surfaces it without firing OnClose,
// which never fires for a session that was not established.
func (s *WebSocketSession) fail(err error) {
	s.mu.Lock()
	s.state = models.ConnectionError
	s.mu.Unlock()

	if s.callbacks.OnError != nil {
		s.callbacks.OnError(err)
	}
}

// finish fires OnClose exactly once for the lifetime of the session.
func (s *WebSocketSession) finish(reason error) {
	s.closeOnce.Do(func() {
		if s.callbacks.OnClose != nil {
			s.callbacks.OnClose(reason)
		}
	})
}
