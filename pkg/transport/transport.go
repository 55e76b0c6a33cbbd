// Package transport owns the push-channel sessions that deliver execution
// frames, and the reconnection policy that keeps them alive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/dukex/flightdeck/pkg/models"
)

var (
	// ErrMissingCredential means no access token was available; no connection
	// attempt is made in that case.
	ErrMissingCredential = errors.New("missing access token")

	// ErrSendUnsupported is returned by one-directional transports.
	ErrSendUnsupported = errors.New("transport does not support sending")

	// ErrSessionClosed is returned when sending on a closed session.
	ErrSessionClosed = errors.New("session is closed")

	// ErrAlreadyOpen is returned when Open is called twice on one session.
	ErrAlreadyOpen = errors.New("session already opened")
)

// TokenProvider supplies the bearer credential attached at open time. A
// session never refreshes its own token; an auth failure surfaces through
// OnError and is left to the reconnection policy.
type TokenProvider interface {
	AccessToken(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider for a fixed credential.
type StaticToken string

func (t StaticToken) AccessToken(_ context.Context) (string, error) {
	return string(t), nil
}

// Callbacks receive session lifecycle signals and raw inbound frames. They
// are invoked sequentially from the session's read loop; a callback must not
// block. OnClose fires exactly once per session, with a nil reason for a
// locally requested close. Open never invokes OnClose synchronously.
type Callbacks struct {
	OnOpen  func()
	OnFrame func(raw []byte)
	OnError func(err error)
	OnClose func(reason error)
}

// Session is one physical push channel. A session is single use: Open once,
// Close once (Close is idempotent).
type Session interface {
	Open(ctx context.Context) error
	Send(ctx context.Context, payload []byte) error
	Close() error
	State() models.ConnectionState
}

// Factory builds a fresh session wired to the given callbacks. The
// reconnection policy calls it for every (re)open.
type Factory func(callbacks Callbacks) Session

// Config addresses one endpoint. ExecutionID is empty for the HITL side
// channel, which is a fixed endpoint.
type Config struct {
	URL         string
	ExecutionID string
	Tokens      TokenProvider
}

// endpoint resolves the connection URL with the credential attached as a
// query parameter. The transports cannot set custom headers, so the bearer
// token travels as a connection parameter.
func (c Config) endpoint(ctx context.Context, scheme, insecureScheme string) (string, error) {
	if c.Tokens == nil {
		return "", ErrMissingCredential
	}

	token, err := c.Tokens.AccessToken(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMissingCredential, err)
	}

	if token == "" {
		return "", ErrMissingCredential
	}

	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", c.URL, err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = insecureScheme
	default:
		u.Scheme = scheme
	}

	q := u.Query()
	q.Set("access_token", token)

	if c.ExecutionID != "" {
		q.Set("execution_id", c.ExecutionID)
	}

	u.RawQuery = q.Encode()

	return u.String(), nil
}
