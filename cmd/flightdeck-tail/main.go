// flightdeck-tail follows one workflow execution from the terminal, logging
// every event and status transition until the execution ends.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/flightdeck/pkg/cmd"
	"github.com/dukex/flightdeck/pkg/events"
	"github.com/dukex/flightdeck/pkg/log"
	"github.com/dukex/flightdeck/pkg/models"
	"github.com/dukex/flightdeck/pkg/registry"
	"github.com/dukex/flightdeck/pkg/transport"
)

func main() {
	command := &cli.Command{
		Name:                  "flightdeck-tail",
		Usage:                 "Follow a workflow execution event stream",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "execution-id",
				Aliases:  []string{"e"},
				Usage:    "Execution to follow",
				Required: true,
				Sources:  cli.EnvVars("EXECUTION_ID"),
			},
			&cli.StringFlag{
				Name:     "gateway-url",
				Usage:    "Execution stream endpoint",
				Required: true,
				Sources:  cli.EnvVars("GATEWAY_URL"),
			},
			&cli.StringFlag{
				Name:     "access-token",
				Usage:    "Bearer credential attached when opening the session",
				Required: true,
				Sources:  cli.EnvVars("ACCESS_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "transport",
				Usage:   "Stream transport (websocket, sse)",
				Value:   "websocket",
				Sources: cli.EnvVars("TRANSPORT"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Republish bridge provider (kafka, memory, none)",
				Value:   "none",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "snapshot-url",
				Usage:   "Redis URL for status snapshots (empty disables persistence)",
				Sources: cli.EnvVars("SNAPSHOT_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, pretty)",
				Value:   "pretty",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"), command.String("log-format"))

	executionID := command.String("execution-id")
	logger := log.WithModule("flightdeck-tail").With("executionId", executionID)

	tokens := transport.StaticToken(command.String("access-token"))

	cfg := registry.Config{
		Sessions: cmd.NewSessionFactory(
			command.String("transport"),
			command.String("gateway-url"),
			tokens,
			logger,
		),
		Logger:    logger,
		Snapshots: cmd.NewSnapshotStore(command.String("snapshot-url")),
	}

	if provider := command.String("event-bus"); provider != "" && provider != "none" {
		cfg.Bus = cmd.NewEventBus(provider, logger)
	}

	reg := registry.NewRegistry(cfg)

	done := make(chan models.ExecutionPhase, 1)

	unsubscribe, err := reg.Subscribe(ctx, executionID, registry.Subscriber{
		OnEvent: func(event events.ExecutionEvent) {
			logger.InfoContext(ctx, "event",
				"type", event.GetType(),
				"ts", event.GetTimestamp())
		},
		OnStatus: func(status *models.ExecutionStatus) {
			logger.InfoContext(ctx, "status",
				"phase", status.Phase,
				"currentNode", status.CurrentNode,
				"progress", status.Progress)

			if status.Phase.IsTerminal() {
				select {
				case done <- status.Phase:
				default:
				}
			}
		},
	})
	if err != nil {
		return err
	}

	defer unsubscribe()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case phase := <-done:
		logger.InfoContext(ctx, "execution finished", "phase", phase)
	case <-interrupt:
		logger.InfoContext(ctx, "interrupted, closing session")
	case <-ctx.Done():
	}

	return nil
}
