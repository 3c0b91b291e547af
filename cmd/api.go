package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/foiaflow/internal/api"
)

// APICommand returns the CLI command for starting the API server
func APICommand() *cli.Command {
	return &cli.Command{
		Name:  "api",
		Usage: "Start the FOIAFlow API server and job workers",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port for the API server",
			},
		},
		Action: func(c *cli.Context) error {
			ctx := context.Background()

			s, err := buildStack(ctx, c)
			if err != nil {
				return err
			}

			if err := s.queue.Start(ctx); err != nil {
				return fmt.Errorf("failed to start job queue: %w", err)
			}
			defer s.queue.Stop(context.Background())

			port := s.cfg.Server.Port
			if c.IsSet("port") {
				port = c.Int("port")
			}
			s.logger.Info().Int("port", port).Msg("Starting FOIAFlow API server")

			server := api.NewServer(port, s.store, s.decisions, s.queue, s.tokens, s.logger)
			return server.Start()
		},
	}
}
