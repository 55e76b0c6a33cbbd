// Package web exposes the console backend surface: projected execution
// status, follow management and HITL responses over HTTP. The stream core
// never depends on this package.
package web

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/dukex/flightdeck/pkg/hitl"
	"github.com/dukex/flightdeck/pkg/models"
	"github.com/dukex/flightdeck/pkg/registry"
)

type APIHandlers struct {
	registry    *registry.Registry
	coordinator *hitl.Coordinator
	validator   *validator.Validate
	logger      *slog.Logger

	mu      sync.Mutex
	follows map[string]func()
}

func NewAPIHandlers(
	reg *registry.Registry,
	coordinator *hitl.Coordinator,
	validate *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		registry:    reg,
		coordinator: coordinator,
		validator:   validate,
		logger:      logger,
		follows:     make(map[string]func()),
	}
}

// FollowExecution subscribes the console process to an execution stream.
// Idempotent: following an already followed id succeeds without opening a
// second session.
func (h *APIHandlers) FollowExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	h.mu.Lock()
	_, already := h.follows[id]
	h.mu.Unlock()

	if already {
		return c.Status(fiber.StatusOK).JSON(fiber.Map{"execution_id": id, "following": true})
	}

	unsubscribe, err := h.registry.Subscribe(c.Context(), id, registry.Subscriber{})
	if err != nil {
		return internalError(c, err)
	}

	h.mu.Lock()
	if _, raced := h.follows[id]; raced {
		h.mu.Unlock()
		unsubscribe()
	} else {
		h.follows[id] = unsubscribe
		h.mu.Unlock()
	}

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"execution_id": id, "following": true})
}

// UnfollowExecution drops the console's subscription for an execution.
func (h *APIHandlers) UnfollowExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	h.mu.Lock()
	unsubscribe, ok := h.follows[id]
	delete(h.follows, id)
	h.mu.Unlock()

	if !ok {
		return notFound(c, "execution_not_followed", "execution is not being followed")
	}

	unsubscribe()

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetExecutionStatus(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	status, ok := h.registry.Status(id)
	if !ok {
		return notFound(c, "execution_not_followed", "execution is not being followed")
	}

	if status == nil {
		// Followed but no event arrived yet.
		status = &models.ExecutionStatus{ExecutionID: id, Phase: models.PhasePending}
	}

	return c.JSON(status)
}

func (h *APIHandlers) GetExecutionConnection(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	state, ok := h.registry.ConnectionState(id)
	if !ok {
		return notFound(c, "execution_not_followed", "execution is not being followed")
	}

	return c.JSON(ConnectionResponse{ExecutionID: id, State: state})
}

// ListHITLRequests returns requests still awaiting a human decision.
func (h *APIHandlers) ListHITLRequests(c fiber.Ctx) error {
	pending := h.coordinator.Pending()

	return c.JSON(fiber.Map{
		"requests":    pending,
		"total_count": len(pending),
	})
}

// RespondHITLRequest delivers a human decision for a pending request.
func (h *APIHandlers) RespondHITLRequest(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Request ID is required")
	}

	var req RespondRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	if req.RequestID != "" && req.RequestID != id {
		return badRequest(c, "Body request_id does not match path")
	}

	response := models.HITLResponse{
		RequestID: id,
		Action:    req.Action,
		Response:  req.Response,
		Data:      req.Data,
	}

	if err := h.coordinator.Respond(c.Context(), id, response); err != nil {
		return handleRespondError(c, err)
	}

	record, _ := h.coordinator.Record(id)

	return c.JSON(fiber.Map{
		"request_id":             id,
		"state":                  record.State,
		"responded_after_expiry": record.RespondedAfterExpiry,
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"status":    "healthy",
		"following": h.registry.Following(),
		"hitl":      h.coordinator.ConnectionState(),
		"timestamp": time.Now().UTC(),
	})
}

// Shutdown releases every follow subscription held on behalf of the API.
func (h *APIHandlers) Shutdown() {
	h.mu.Lock()
	follows := h.follows
	h.follows = make(map[string]func())
	h.mu.Unlock()

	for _, unsubscribe := range follows {
		unsubscribe()
	}
}
