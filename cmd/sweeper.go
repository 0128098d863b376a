package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"campusrun/internal/config"
	"campusrun/internal/engine"
	"campusrun/internal/infra/redisstore"
	"campusrun/internal/sweeper"
)

func sweeperCmd() *cobra.Command {
	var (
		interval    time.Duration
		baseBackoff time.Duration
		maxBackoff  time.Duration
	)

	var command = &cobra.Command{
		Use:   "sweeper",
		Short: "Start expired-offer sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			cfg := config.Load()

			cli := redisstore.New(cfg.Redis)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := cli.Connect(ctx); err != nil {
				return err
			}

			s := &sweeper.Sweeper{
				Index:       cli,
				Engine:      engine.New(cli, cli, cli, cli, cfg.Match),
				Window:      cfg.Match.DecisionWindow,
				Interval:    interval,
				BaseBackoff: baseBackoff,
				MaxBackoff:  maxBackoff,
			}
			return s.Run(ctx)
		},
	}

	command.Flags().DurationVar(&interval, "interval", 1*time.Second, "Sweep interval")
	command.Flags().DurationVar(&baseBackoff, "base-backoff", 500*time.Millisecond, "Base backoff duration")
	command.Flags().DurationVar(&maxBackoff, "max-backoff", 30*time.Second, "Max backoff duration")

	return command
}
