package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"courier/internal/config"
	"courier/internal/logger"
	apperrors "courier/pkg/errors"
	"courier/pkg/logging"
)

var (
	configFile string
	flags      publishFlags
)

type publishFlags struct {
	orgID      string
	agentID    string
	msgType    string
	priority   int
	dedupKey   string
	payload    string
	count      int
	noDemote   bool
	forceError bool
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "producer",
		Short: "Courier producer",
		Long:  "Validates and publishes request messages to an organization's queue",
		RunE:  publishCmd().RunE,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	bindPublishFlags(rootCmd)

	pub := publishCmd()
	bindPublishFlags(pub)
	rootCmd.AddCommand(pub)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func bindPublishFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&flags.orgID, "org", "", "Organization ID (defaults to ORG_ID)")
	cmd.Flags().StringVar(&flags.agentID, "agent", "", "Destination agent ID for responses")
	cmd.Flags().StringVar(&flags.msgType, "type", "agent_message", "Message type")
	cmd.Flags().IntVar(&flags.priority, "priority", 2, "Logical priority 0-3")
	cmd.Flags().StringVar(&flags.dedupKey, "dedup-key", "", "Idempotency key")
	cmd.Flags().StringVar(&flags.payload, "payload", "{}", "JSON payload")
	cmd.Flags().IntVar(&flags.count, "count", 1, "Number of messages to publish")
	cmd.Flags().BoolVar(&flags.noDemote, "no-demote", false, "Preserve priority across retries")
	cmd.Flags().BoolVar(&flags.forceError, "force-error", false, "Ask the handler to fail (retry testing)")
}

func publishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish",
		Short: "Publish one or more messages",
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

			log, err := logger.New(cfg.Logging.Level)
			if err != nil {
				earlyLog.Error("Failed to init logger: %v", err)
				return err
			}
			defer log.Sync()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			app := NewApp(cfg, log)
			if err := app.Initialize(ctx); err != nil {
				log.Errorf("Failed to initialize producer: %v", err)
				os.Exit(exitCodeFor(err))
			}
			defer app.Shutdown(context.Background())

			return app.PublishFromFlags(ctx, flags)
		},
	}
}

func exitCodeFor(err error) int {
	switch apperrors.Kind(err) {
	case apperrors.ErrBrokerUnavailable.Code:
		return 3
	case apperrors.ErrStoreUnavailable.Code:
		return 4
	case apperrors.ErrValidation.Code, apperrors.ErrUnsupportedSchema.Code:
		return 2
	}
	return 1
}
