package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/audit"
	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/dlq"
	"courier/internal/idempotency"
	"courier/internal/logger"
	"courier/internal/store"
	"courier/internal/topology"
	apperrors "courier/pkg/errors"
	"courier/pkg/logging"
	"courier/pkg/migrations"
)

var (
	configFile string
	orgID      string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "courierctl",
		Short: "Courier operations CLI",
		Long:  "Topology bootstrap and DLQ maintenance for the courier message bus",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&orgID, "org", "", "Organization ID (defaults to ORG_ID)")

	rootCmd.AddCommand(initTopologyCmd())
	rootCmd.AddCommand(dlqReplayCmd())
	rootCmd.AddCommand(dlqPurgeCmd())
	rootCmd.AddCommand(idempotencyCleanupCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	switch apperrors.Kind(err) {
	case apperrors.ErrBrokerUnavailable.Code:
		return 3
	case apperrors.ErrStoreUnavailable.Code:
		return 4
	}
	return 1
}

type env struct {
	cfg   *config.Config
	log   logger.Logger
	ctx   context.Context
	close func()
}

func setup() (*env, error) {
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
		return nil, err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &env{cfg: cfg, log: log, ctx: ctx, close: func() {
		cancel()
		log.Sync()
	}}, nil
}

func resolveOrg(cfg *config.Config) (string, error) {
	if orgID != "" {
		return orgID, nil
	}
	if cfg.Producer.OrgID != "" {
		return cfg.Producer.OrgID, nil
	}
	return "", fmt.Errorf("org is required (flag --org or ORG_ID)")
}

func initTopologyCmd() *cobra.Command {
	var agents string

	cmd := &cobra.Command{
		Use:   "init-topology",
		Short: "Declare broker topology for an org and its agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			org, err := resolveOrg(e.cfg)
			if err != nil {
				os.Exit(2)
			}

			client, err := broker.Dial(e.ctx, e.cfg.Broker, e.log)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrBrokerUnavailable)
			}
			defer client.Close()

			topo := topology.NewManager(client, e.log)
			if err := topo.DeclareOrg(e.ctx, org); err != nil {
				return err
			}

			agentList := e.cfg.Coordinator.AgentIDs
			if agents != "" {
				agentList = strings.Split(agents, ",")
			}
			for _, agentID := range agentList {
				agentID = strings.TrimSpace(agentID)
				if agentID == "" {
					continue
				}
				if err := topo.DeclareAgent(e.ctx, org, agentID); err != nil {
					return err
				}
			}

			e.log.Infow("Topology initialized", "org_id", org, "agents", agentList)
			return nil
		},
	}

	cmd.Flags().StringVar(&agents, "agents", "", "Comma-separated agent IDs to declare")
	return cmd
}

func dlqReplayCmd() *cobra.Command {
	var (
		filter   string
		batch    int
		dryRun   bool
		priority int
		since    string
		until    string
	)

	cmd := &cobra.Command{
		Use:   "dlq-replay",
		Short: "Replay remediated DLQ records onto the org queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			org, err := resolveOrg(e.cfg)
			if err != nil {
				os.Exit(2)
			}

			st, err := store.Open(e.ctx, e.cfg.EventStore, e.cfg.CircuitBreaker, e.log)
			if err != nil {
				return err
			}
			defer st.Close()

			client, err := broker.Dial(e.ctx, e.cfg.Broker, e.log)
			if err != nil {
				return apperrors.Wrap(err, apperrors.ErrBrokerUnavailable)
			}
			defer client.Close()

			auditWriter := audit.NewWriter(st, e.cfg.Audit, e.log)
			publisher := broker.NewPublisher(client, e.log, true)

			svc, err := dlq.NewService(st, publisher, auditWriter, e.log)
			if err != nil {
				return err
			}

			opts := dlq.ReplayOptions{
				Filter: filter,
				Batch:  batch,
				DryRun: dryRun,
			}
			if cmd.Flags().Changed("priority") {
				if priority < 0 || priority > 3 {
					e.log.Error("priority must be between 0 and 3")
					os.Exit(2)
				}
				opts.PriorityOverride = &priority
			}
			if since != "" {
				t, err := time.Parse(time.RFC3339, since)
				if err != nil {
					e.log.Errorf("invalid --since: %v", err)
					os.Exit(2)
				}
				opts.Since = t
			}
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					e.log.Errorf("invalid --until: %v", err)
					os.Exit(2)
				}
				opts.Until = t
			}

			outcome, err := svc.Replay(e.ctx, org, opts)
			if err != nil {
				return err
			}
			if err := auditWriter.FlushNow(e.ctx); err != nil {
				e.log.Warnw("Audit flush failed after replay", "error", err)
			}

			e.log.Infow("DLQ replay finished",
				"org_id", org,
				"matched", outcome.Matched,
				"replayed", outcome.Replayed,
				"skipped", outcome.Skipped,
				"dry_run", dryRun,
			)
			return nil
		},
	}

	cmd.Flags().StringVar(&filter, "filter", "", "CEL filter over DLQ records (e.g. type == 'model_call' && age_seconds > 3600)")
	cmd.Flags().IntVar(&batch, "batch", 10, "Maximum records to replay")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report matches without replaying")
	cmd.Flags().IntVar(&priority, "priority", 2, "Override priority for replayed messages")
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound on dlq_timestamp")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 upper bound on dlq_timestamp")
	return cmd
}

func dlqPurgeCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "dlq-purge",
		Short: "Delete DLQ records past retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			org, err := resolveOrg(e.cfg)
			if err != nil {
				os.Exit(2)
			}

			st, err := store.Open(e.ctx, e.cfg.EventStore, e.cfg.CircuitBreaker, e.log)
			if err != nil {
				return err
			}
			defer st.Close()

			auditWriter := audit.NewWriter(st, e.cfg.Audit, e.log)
			svc, err := dlq.NewService(st, nil, auditWriter, e.log)
			if err != nil {
				return err
			}

			cutoff := olderThan
			if cutoff <= 0 {
				cutoff = time.Duration(e.cfg.DLQ.RetentionDays) * 24 * time.Hour
			}

			removed, err := svc.Purge(e.ctx, org, cutoff)
			if err != nil {
				return err
			}

			e.log.Infow("DLQ purge finished", "org_id", org, "removed", removed)
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "Purge records older than this (default: dlq.retention_days)")
	return cmd
}

func idempotencyCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "idempotency-cleanup",
		Short: "Drop idempotency keys past their retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			st, err := store.Open(e.ctx, e.cfg.EventStore, e.cfg.CircuitBreaker, e.log)
			if err != nil {
				return err
			}
			defer st.Close()

			svc := idempotency.NewService(st, e.cfg.EventStore.IdempotencyTTLDays, e.log)
			removed, err := svc.Cleanup(e.ctx)
			if err != nil {
				return err
			}

			e.log.Infow("Idempotency cleanup finished", "removed", removed)
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply event store schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup()
			if err != nil {
				return err
			}
			defer e.close()

			st, err := store.Open(e.ctx, e.cfg.EventStore, e.cfg.CircuitBreaker, e.log)
			if err != nil {
				return err
			}
			defer st.Close()

			return migrations.Run(st.DB(), e.log)
		},
	}
}
