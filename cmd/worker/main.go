package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"courier/internal/config"
	"courier/internal/logger"
	"courier/pkg/logging"
)

var (
	configFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "worker",
		Short: "Courier worker",
		Long:  "Consumes an organization's request queue and executes handlers",
		RunE:  serveCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")

	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			earlyLog := logging.NewEarlyLog()

			if configFile == "" {
				configFile = os.Getenv("CONFIG_FILE")
			}

			cfg, err := config.Load(configFile)
			if err != nil {
				earlyLog.Error("Failed to load config: %v", err)
				os.Exit(2)
			}
			if cfg.Worker.OrgID == "" {
				earlyLog.Error("ORG_ID is required for the worker role")
				os.Exit(2)
			}

			log, err := logger.New(cfg.Logging.Level)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.InfowCtx(ctx, "Starting worker", "org_id", cfg.Worker.OrgID)

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.Errorf("Failed to initialize application: %v", err)
				os.Exit(app.exitCode(err))
			}

			if err := app.Run(ctx); err != nil && err != context.Canceled {
				log.ErrorwCtx(ctx, "Worker stopped with error", "error", err)
				return fmt.Errorf("worker failed: %w", err)
			}
			log.InfowCtx(ctx, "Shutdown complete")
			return nil
		},
	}
}
