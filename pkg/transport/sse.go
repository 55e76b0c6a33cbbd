package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/dukex/flightdeck/pkg/models"
)

// SSESession is the server push stream transport. It delivers the same
// logical frames as the websocket, differing only in framing, and cannot
// send: HITL responses need the duplex transport.
type SSESession struct {
	cfg       Config
	callbacks Callbacks
	logger    *slog.Logger
	client    *http.Client

	mu     sync.Mutex
	body   io.ReadCloser
	cancel context.CancelFunc
	state  models.ConnectionState
	opened bool
	closed bool

	closeOnce sync.Once
}

func NewSSESession(cfg Config, callbacks Callbacks, logger *slog.Logger) *SSESession {
	return &SSESession{
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger.With("executionId", cfg.ExecutionID),
		client:    http.DefaultClient,
		state:     models.ConnectionDisconnected,
	}
}

// SSEFactory returns a Factory minting event-stream sessions for cfg.
func SSEFactory(cfg Config, logger *slog.Logger) Factory {
	return func(callbacks Callbacks) Session {
		return NewSSESession(cfg, callbacks, logger)
	}
}

func (s *SSESession) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()

		return ErrAlreadyOpen
	}

	s.opened = true
	s.state = models.ConnectionConnecting
	s.mu.Unlock()

	endpoint, err := s.cfg.endpoint(ctx, "https", "http")
	if err != nil {
		s.fail(err)

		return err
	}

	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		s.fail(err)

		return err
	}

	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.client.Do(req)
	if err != nil {
		cancel()
		s.fail(err)

		return err
	}

	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		cancel()

		err := fmt.Errorf("event stream returned status %d", resp.StatusCode)
		s.fail(err)

		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = resp.Body.Close()
		cancel()

		return ErrSessionClosed
	}

	s.body = resp.Body
	s.cancel = cancel
	s.state = models.ConnectionConnected
	s.mu.Unlock()

	if s.callbacks.OnOpen != nil {
		s.callbacks.OnOpen()
	}

	go s.readLoop(resp.Body)

	return nil
}

// readLoop scans the event stream, emitting each data payload as one frame.
func (s *SSESession) readLoop(body io.ReadCloser) {
	reader := bufio.NewReader(body)

	var data bytes.Buffer

	for {
		line, err := reader.ReadBytes('\n')
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

			if err != io.EOF && s.callbacks.OnError != nil {
				s.callbacks.OnError(err)
			}

			s.finish(err)

			return
		}

		line = bytes.TrimSpace(line)

		// A blank line terminates one event.
		if len(line) == 0 {
			if data.Len() > 0 && s.callbacks.OnFrame != nil {
				s.callbacks.OnFrame(append([]byte(nil), data.Bytes()...))
			}

			data.Reset()

			continue
		}

		if rest, ok := bytes.CutPrefix(line, []byte("data:")); ok {
			data.Write(bytes.TrimSpace(rest))
		}
		// "event:", "id:", comments and retry hints carry no payload here.
	}
}

func (s *SSESession) Send(_ context.Context, _ []byte) error {
	return ErrSendUnsupported
}

func (s *SSESession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()

		return nil
	}

	s.closed = true
	body := s.body
	cancel := s.cancel
	s.body = nil
	s.cancel = nil
	s.state = models.ConnectionDisconnected
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if body != nil {
		_ = body.Close()
	}

	s.finish(nil)

	return nil
}

func (s *SSESession) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *SSESession) fail(err error) {
	s.mu.Lock()
	s.state = models.ConnectionError
	s.mu.Unlock()

	if s.callbacks.OnError != nil {
		s.callbacks.OnError(err)
	}
}

func (s *SSESession) finish(reason error) {
	s.closeOnce.Do(func() {
		if s.callbacks.OnClose != nil {
			s.callbacks.OnClose(reason)
		}
	})
}
