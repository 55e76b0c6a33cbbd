package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/dukex/flightdeck/pkg/log"
	"github.com/dukex/flightdeck/pkg/transport"
)

const defaultPort = 9081

func main() {
	command := &cli.Command{
		Name:                  "flightdeck-console",
		Usage:                 "Follow workflow executions and coordinate HITL decisions for the console UI",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to serve the console API on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:     "gateway-url",
				Usage:    "Execution stream endpoint (one session per execution id)",
				Required: true,
				Sources:  cli.EnvVars("GATEWAY_URL"),
			},
			&cli.StringFlag{
				Name:     "hitl-url",
				Usage:    "Fixed HITL side-channel endpoint",
				Required: true,
				Sources:  cli.EnvVars("HITL_URL"),
			},
			&cli.StringFlag{
				Name:     "access-token",
				Usage:    "Bearer credential attached when opening sessions",
				Required: true,
				Sources:  cli.EnvVars("ACCESS_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "transport",
				Usage:   "Execution stream transport (websocket, sse)",
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
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export traces via OTLP",
				Sources: cli.EnvVars("TRACING_ENABLED"),
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
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("flightdeck-console")

			logger.InfoContext(ctx, "Initializing Flightdeck Console")

			tokens := transport.StaticToken(command.String("access-token"))

			api := NewAPI(ctx, logger, command, tokens)
			defer api.Shutdown(ctx)

			if err := api.Start(command.Int("port")); err != nil {
				logger.ErrorContext(ctx, "Failed to start console API", "error", err)
			}

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
