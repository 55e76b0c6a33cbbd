package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukex/flightdeck/pkg/hitl"
	"github.com/dukex/flightdeck/pkg/models"
	"github.com/dukex/flightdeck/pkg/registry"
	"github.com/dukex/flightdeck/pkg/transport"
	"github.com/dukex/flightdeck/pkg/web"
)

type stubSession struct {
	mu        sync.Mutex
	callbacks transport.Callbacks
	state     models.ConnectionState
	sendErr   error
	sent      [][]byte
}

func (s *stubSession) Open(_ context.Context) error {
	s.mu.Lock()
	s.state = models.ConnectionConnected
	s.mu.Unlock()

	if s.callbacks.OnOpen != nil {
		s.callbacks.OnOpen()
	}

	return nil
}

func (s *stubSession) Send(_ context.Context, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sendErr != nil {
		return s.sendErr
	}

	s.sent = append(s.sent, append([]byte(nil), payload...))

	return nil
}

func (s *stubSession) Close() error {
	s.mu.Lock()
	s.state = models.ConnectionDisconnected
	s.mu.Unlock()

	return nil
}

func (s *stubSession) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

func (s *stubSession) push(frame string) {
	s.callbacks.OnFrame([]byte(frame))
}

type testHarness struct {
	registry    *registry.Registry
	coordinator *hitl.Coordinator
	hitlChannel *stubSession
	sessions    map[string]*stubSession
	mu          sync.Mutex
}

func (h *testHarness) session(executionID string) *stubSession {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.sessions[executionID]
}

func setupTestApp(t *testing.T) (*fiber.App, *testHarness) {
	t.Helper()

	harness := &testHarness{
		hitlChannel: &stubSession{state: models.ConnectionDisconnected},
		sessions:    make(map[string]*stubSession),
	}

	reg := registry.NewRegistry(registry.Config{
		Sessions: func(executionID string, callbacks transport.Callbacks) transport.Session {
			session := &stubSession{callbacks: callbacks, state: models.ConnectionDisconnected}

			harness.mu.Lock()
			harness.sessions[executionID] = session
			harness.mu.Unlock()

			return session
		},
		Logger: slog.Default(),
		Delay:  func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) },
	})

	coordinator := hitl.NewCoordinator(func(callbacks transport.Callbacks) transport.Session {
		harness.hitlChannel.mu.Lock()
		harness.hitlChannel.callbacks = callbacks
		harness.hitlChannel.mu.Unlock()

		return harness.hitlChannel
	}, slog.Default(), nil)

	_, err := coordinator.Subscribe(context.Background(), nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = coordinator.Close()
		_ = reg.Close()
	})

	harness.registry = reg
	harness.coordinator = coordinator

	validate := validator.New(validator.WithRequiredStructEnabled())
	handlers := web.NewAPIHandlers(reg, coordinator, validate, slog.Default())

	app := fiber.New()

	e := app.Group("/executions")
	e.Post("/:id/follow", handlers.FollowExecution)
	e.Delete("/:id/follow", handlers.UnfollowExecution)
	e.Get("/:id/status", handlers.GetExecutionStatus)
	e.Get("/:id/connection", handlers.GetExecutionConnection)

	h := app.Group("/hitl")
	h.Get("/requests", handlers.ListHITLRequests)
	h.Post("/requests/:id/respond", handlers.RespondHITLRequest)

	app.Get("/health", handlers.HealthCheck)

	return app, harness
}

func doJSON(t *testing.T, app *fiber.App, method, path string, body any) *http.Response {
	t.Helper()

	var reader io.Reader

	if body != nil {
		if str, ok := body.(string); ok {
			reader = bytes.NewBufferString(str)
		} else {
			payload, err := json.Marshal(body)
			require.NoError(t, err)
			reader = bytes.NewBuffer(payload)
		}
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(payload, &body))

	return body
}

func TestAPIHandlers_FollowUnfollow(t *testing.T) {
	t.Parallel()

	app, harness := setupTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/executions/exec-1/follow", nil)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	require.NotNil(t, harness.session("exec-1"), "follow opens a session")

	// Following again is idempotent.
	resp = doJSON(t, app, http.MethodPost, "/executions/exec-1/follow", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, app, http.MethodDelete, "/executions/exec-1/follow", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, app, http.MethodDelete, "/executions/exec-1/follow", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAPIHandlers_GetExecutionStatus(t *testing.T) {
	t.Parallel()

	app, harness := setupTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/executions/exec-1/status", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, app, http.MethodPost, "/executions/exec-1/follow", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	// Followed but nothing received yet reads as pending.
	resp = doJSON(t, app, http.MethodGet, "/executions/exec-1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, string(models.PhasePending), body["phase"])

	harness.session("exec-1").push(`{"type":"node_started","execution_id":"exec-1","node_id":"fetch"}`)
	harness.session("exec-1").push(`{"type":"progress","execution_id":"exec-1","progress":0.25}`)

	resp = doJSON(t, app, http.MethodGet, "/executions/exec-1/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, string(models.PhaseRunning), body["phase"])
	assert.Equal(t, "fetch", body["current_node"])
	assert.InDelta(t, 0.25, body["progress"], 0.0001)
}

func TestAPIHandlers_GetExecutionConnection(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/executions/exec-1/connection", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, app, http.MethodPost, "/executions/exec-1/follow", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, app, http.MethodGet, "/executions/exec-1/connection", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "exec-1", body["execution_id"])
	assert.Equal(t, string(models.ConnectionConnected), body["state"])
}

func TestAPIHandlers_RespondHITLRequest(t *testing.T) {
	t.Parallel()

	app, harness := setupTestApp(t)

	harness.hitlChannel.push(`{
		"type": "hitl_request",
		"execution_id": "exec-1",
		"request_id": "req-1",
		"kind": "approval",
		"timeout_seconds": 300
	}`)

	resp := doJSON(t, app, http.MethodGet, "/hitl/requests", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.InDelta(t, 1, body["total_count"], 0.0001)

	resp = doJSON(t, app, http.MethodPost, "/hitl/requests/req-1/respond", web.RespondRequest{
		Action: models.HITLActionApprove,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody(t, resp)
	assert.Equal(t, string(models.HITLStateResolved), body["state"])
	assert.Equal(t, false, body["responded_after_expiry"])

	require.Len(t, harness.hitlChannel.sent, 1)

	// Second respond hits an already resolved request.
	resp = doJSON(t, app, http.MethodPost, "/hitl/requests/req-1/respond", web.RespondRequest{
		Action: models.HITLActionApprove,
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestAPIHandlers_RespondValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		path           string
		body           any
		expectedStatus int
	}{
		{
			name:           "unknown request id",
			path:           "/hitl/requests/nope/respond",
			body:           web.RespondRequest{Action: models.HITLActionApprove},
			expectedStatus: http.StatusNotFound,
		},
		{
			name:           "invalid action",
			path:           "/hitl/requests/req-1/respond",
			body:           map[string]string{"action": "shrug"},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "missing action",
			path:           "/hitl/requests/req-1/respond",
			body:           map[string]string{},
			expectedStatus: http.StatusBadRequest,
		},
		{
			name:           "invalid JSON",
			path:           "/hitl/requests/req-1/respond",
			body:           "not-json",
			expectedStatus: http.StatusBadRequest,
		},
		{
			name: "body id mismatch",
			path: "/hitl/requests/req-1/respond",
			body: web.RespondRequest{
				RequestID: "req-2",
				Action:    models.HITLActionApprove,
			},
			expectedStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			app, harness := setupTestApp(t)
			harness.hitlChannel.push(`{
				"type": "hitl_request",
				"execution_id": "exec-1",
				"request_id": "req-1",
				"kind": "approval",
				"timeout_seconds": 300
			}`)

			resp := doJSON(t, app, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
			_ = resp.Body.Close()
		})
	}
}

func TestAPIHandlers_RespondSendFailure(t *testing.T) {
	t.Parallel()

	app, harness := setupTestApp(t)

	harness.hitlChannel.push(`{
		"type": "hitl_request",
		"execution_id": "exec-1",
		"request_id": "req-1",
		"kind": "approval",
		"timeout_seconds": 300
	}`)

	harness.hitlChannel.mu.Lock()
	harness.hitlChannel.sendErr = fmt.Errorf("broken pipe")
	harness.hitlChannel.mu.Unlock()

	resp := doJSON(t, app, http.MethodPost, "/hitl/requests/req-1/respond", web.RespondRequest{
		Action: models.HITLActionApprove,
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	_ = resp.Body.Close()

	harness.hitlChannel.mu.Lock()
	harness.hitlChannel.sendErr = nil
	harness.hitlChannel.mu.Unlock()

	// The same id stays answerable after a failed delivery.
	resp = doJSON(t, app, http.MethodPost, "/hitl/requests/req-1/respond", web.RespondRequest{
		Action: models.HITLActionApprove,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, string(models.HITLStateResolved), body["state"])
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	t.Parallel()

	app, _ := setupTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody(t, resp)
	assert.Equal(t, "healthy", body["status"])
}
