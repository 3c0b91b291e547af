package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// WorkerCommand returns the CLI command for running job workers without the
// HTTP surface, for scaling run processing independently of the API.
func WorkerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Run pipeline job workers",
		Action: func(c *cli.Context) error {
			ctx := context.Background()

			s, err := buildStack(ctx, c)
			if err != nil {
				return err
			}

			if err := s.queue.Start(ctx); err != nil {
				return fmt.Errorf("failed to start job queue: %w", err)
			}
			s.logger.Info().Msg("FOIAFlow workers started")

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			<-quit

			s.logger.Info().Msg("Shutting down workers")
			return s.queue.Stop(context.Background())
		},
	}
}
