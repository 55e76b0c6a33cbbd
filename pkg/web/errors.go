package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/dukex/flightdeck/pkg/hitl"
	"github.com/dukex/flightdeck/pkg/transport"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, problemType, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType(problemType).
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleRespondError maps coordinator and transport failures onto problem
// responses.
func handleRespondError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, hitl.ErrUnknownRequest):
		return notFound(c, "request_not_found", "request is unknown or already resolved")

	case errors.Is(err, hitl.ErrNotConnected),
		errors.Is(err, transport.ErrSessionClosed),
		errors.Is(err, transport.ErrSendUnsupported):
		problem := problems.NewStatusProblem(503).
			WithInstance(c.Path()).
			WithType("channel_unavailable").
			WithDetail("hitl channel cannot deliver the response right now, retry with the same request id")

		return c.Status(fiber.StatusServiceUnavailable).JSON(problem)

	default:
		return internalError(c, err)
	}
}
