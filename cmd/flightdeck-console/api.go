// Package main provides the Flightdeck console backend server.
package main

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	fiberlogger "github.com/gofiber/fiber/v3/middleware/logger"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel/trace"

	"github.com/dukex/flightdeck/pkg/cmd"
	"github.com/dukex/flightdeck/pkg/eventbus"
	"github.com/dukex/flightdeck/pkg/hitl"
	"github.com/dukex/flightdeck/pkg/otelhelper"
	"github.com/dukex/flightdeck/pkg/registry"
	"github.com/dukex/flightdeck/pkg/snapshot"
	"github.com/dukex/flightdeck/pkg/transport"
	"github.com/dukex/flightdeck/pkg/web"
)

type API struct {
	logger      *slog.Logger
	registry    *registry.Registry
	coordinator *hitl.Coordinator
	handlers    *web.APIHandlers
	bus         eventbus.EventBus
	snapshots   snapshot.Store
	app         *fiber.App
}

func NewAPI(ctx context.Context, logger *slog.Logger, command *cli.Command, tokens transport.TokenProvider) *API {
	var bus eventbus.EventBus
	if provider := command.String("event-bus"); provider != "" && provider != "none" {
		bus = cmd.NewEventBus(provider, logger)
	}

	snapshots := cmd.NewSnapshotStore(command.String("snapshot-url"))

	var tracer trace.Tracer

	if command.Bool("tracing") {
		t, err := otelhelper.NewTracer(ctx, "flightdeck-console")
		if err != nil {
			logger.WarnContext(ctx, "Tracing disabled, exporter setup failed", "error", err)
		} else {
			tracer = t
		}
	}

	reg := registry.NewRegistry(registry.Config{
		Sessions: cmd.NewSessionFactory(
			command.String("transport"),
			command.String("gateway-url"),
			tokens,
			logger,
		),
		Logger:    logger,
		Bus:       bus,
		Snapshots: snapshots,
		Tracer:    tracer,
	})

	coordinator := hitl.NewCoordinator(
		cmd.NewHITLFactory(command.String("hitl-url"), tokens, logger),
		logger,
		nil,
	)

	// The console always listens for HITL requests; UI surfaces read them
	// through the API.
	if _, err := coordinator.Subscribe(ctx, nil); err != nil {
		logger.WarnContext(ctx, "HITL channel subscribe failed", "error", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	handlers := web.NewAPIHandlers(reg, coordinator, validate, logger)

	return &API{
		logger:      logger,
		registry:    reg,
		coordinator: coordinator,
		handlers:    handlers,
		bus:         bus,
		snapshots:   snapshots,
	}
}

func (a *API) App() *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Flightdeck Console")
	})

	e := app.Group("/executions")
	e.Post("/:id/follow", a.handlers.FollowExecution)
	e.Delete("/:id/follow", a.handlers.UnfollowExecution)
	e.Get("/:id/status", a.handlers.GetExecutionStatus)
	e.Get("/:id/connection", a.handlers.GetExecutionConnection)

	h := app.Group("/hitl")
	h.Get("/requests", a.handlers.ListHITLRequests)
	h.Post("/requests/:id/respond", a.handlers.RespondHITLRequest)

	app.Get("/health", a.handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	a.app = a.App()

	return a.app.Listen(":" + strconv.Itoa(port))
}

func (a *API) Shutdown(ctx context.Context) {
	a.handlers.Shutdown()

	if err := a.coordinator.Close(); err != nil {
		a.logger.ErrorContext(ctx, "Failed to close HITL coordinator", "error", err)
	}

	if err := a.registry.Close(); err != nil {
		a.logger.ErrorContext(ctx, "Failed to close execution registry", "error", err)
	}

	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
		}
	}

	if a.snapshots != nil {
		if err := a.snapshots.Close(); err != nil {
			a.logger.ErrorContext(ctx, "Failed to close snapshot store", "error", err)
		}
	}
}
