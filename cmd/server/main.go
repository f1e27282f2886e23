// Command matchd runs the proximity matching API.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/example/proximity-matching/internal/config"
	"github.com/example/proximity-matching/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "matchd",
		Short:        "Proximity matching service",
		Version:      version,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newCheckSeedCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		addr       string
		seedPath   string
		migrations string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start the HTTP API. Configuration comes from the environment
(HTTP_ADDR, SEARCH_TTL, STORE_BACKEND, REDIS_ADDR, KAFKA_BROKERS, ...).`,
		Example: "  matchd serve --seed configs/participants.yaml",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadServerConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger, migrations)
			if err != nil {
				return err
			}
			if seedPath != "" {
				n, err := seedParticipants(ctx, a.presence, seedPath)
				if err != nil {
					a.close(context.Background())
					return err
				}
				logger.Info("participants seeded", "path", seedPath, "count", n)
			}
			return a.run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	cmd.Flags().StringVar(&seedPath, "seed", "", "YAML file of participants to load at start-up")
	cmd.Flags().StringVar(&migrations, "migrations", "migrations/001_create_schema.sql", "schema script applied when MIGRATE=true")
	return cmd
}

func newCheckSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-seed <file>",
		Short: "Validate a participant seed file without starting the server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ps, err := loadSeed(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d participants\n", args[0], len(ps))
			return nil
		},
	}
}
