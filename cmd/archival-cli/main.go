// The archival-cli binary is the operator surface for retention, GDPR, and
// integrity work: applying retention policies, exporting subject data,
// erasure, queue and table statistics, and hash validation sweeps.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/config"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/database"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/queue"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/repository"
	"github.com/medlogix/compliant-audit-backend/internal/logging"
	"github.com/medlogix/compliant-audit-backend/internal/metrics"
	"github.com/medlogix/compliant-audit-backend/internal/service/alerts"
	"github.com/medlogix/compliant-audit-backend/internal/service/gdpr"
	"github.com/medlogix/compliant-audit-backend/internal/service/integrity"
)

var (
	configPath   string
	secureConfig bool
)

// toolkit bundles the shared wiring the subcommands draw from. Connections
// are opened lazily so redis-only commands never touch postgres and vice
// versa.
type toolkit struct {
	cfg    *config.Config
	logger *zap.Logger
	reg    *metrics.Registry

	pool  *database.ConnectionPool
	redis *redis.Client
}

func newToolkit() (*toolkit, error) {
	cfg, err := config.Load(config.LoadOptions{Path: configPath, Secure: secureConfig})
	if err != nil {
		return nil, err
	}
	appLogger, err := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    logging.FormatText,
		Component: "archival-cli",
	})
	if err != nil {
		return nil, err
	}
	return &toolkit{
		cfg:    cfg,
		logger: appLogger.Zap(),
		reg:    metrics.NewRegistry(),
	}, nil
}

func (t *toolkit) database(ctx context.Context) (*database.ConnectionPool, error) {
	if t.pool != nil {
		return t.pool, nil
	}
	pool, err := database.NewConnectionPool(ctx, t.cfg.Database, t.logger)
	if err != nil {
		return nil, err
	}
	t.pool = pool
	return pool, nil
}

func (t *toolkit) queue() (*queue.Queue, error) {
	if t.redis == nil {
		redisOpts, err := redis.ParseURL(t.cfg.Redis.URL)
		if err != nil {
			return nil, errors.NewConfigValidationError("redis.url", t.cfg.Redis.URL,
				"must be a valid redis URL").WithCause(err)
		}
		t.redis = redis.NewClient(redisOpts)
	}
	return queue.New(t.redis, queue.Config{
		Name:                t.cfg.Worker.QueueName,
		DeadLetterName:      t.cfg.DeadLetter.QueueName,
		MaxRetries:          t.cfg.Retry.MaxAttempts,
		DeadLetterRetention: t.cfg.DeadLetter.MaxRetentionTime.Duration(),
	}, t.logger), nil
}

func (t *toolkit) engine(ctx context.Context) (*gdpr.Engine, error) {
	pool, err := t.database(ctx)
	if err != nil {
		return nil, err
	}
	repos := repository.NewRepositories(pool.Pool())
	registry, err := gdpr.NewRegistry(repos.Pseudonym,
		t.cfg.Security.PseudonymSalt, t.cfg.Security.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return gdpr.NewEngine(pool, repos.AuditLog, repos.Retention,
		registry, t.logger, t.reg), nil
}

func (t *toolkit) close() {
	if t.pool != nil {
		t.pool.Close()
	}
	if t.redis != nil {
		t.redis.Close()
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "archival-cli",
		Short:         "Audit retention and compliance operations",
		Long:          "Operator tooling for the audit platform: apply retention policies, export or erase data-subject records, inspect queue and table statistics, and validate stored hashes.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to JSON configuration file")
	rootCmd.PersistentFlags().BoolVar(&secureConfig, "secure-config", false, "Treat the config file as an encrypted envelope")

	rootCmd.AddCommand(newArchiveCmd())
	rootCmd.AddCommand(newCleanupCmd())
	rootCmd.AddCommand(newDeadLettersCmd())
	rootCmd.AddCommand(newDeleteCmd())
	rootCmd.AddCommand(newRequeueCmd())
	rootCmd.AddCommand(newRetrieveCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newValidateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "archival-cli: %v\n", err)
		if errors.IsType(err, errors.ErrorTypeConfigValidation) ||
			errors.IsType(err, errors.ErrorTypeConfigEncryption) ||
			errors.IsType(err, errors.ErrorTypeValidation) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func newArchiveCmd() *cobra.Command {
	var appliedBy string
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Apply active retention policies (archive and delete phases)",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newToolkit()
			if err != nil {
				return err
			}
			defer t.close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			engine, err := t.engine(ctx)
			if err != nil {
				return err
			}
			results, err := engine.ApplyRetention(ctx, appliedBy)
			if err != nil {
				return err
			}
			for _, result := range results {
				fmt.Printf("policy %-24s archived %6d  deleted %6d\n",
					result.PolicyName, result.RecordsArchived, result.RecordsDeleted)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&appliedBy, "applied-by", "archival-cli", "Identity recorded on the retention audit event")
	return cmd
}

func newCleanupCmd() *cobra.Command {
	var (
		organizationID string
		olderThanDays  int
	)
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove resolved alerts older than a threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newToolkit()
			if err != nil {
				return err
			}
			defer t.close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			pool, err := t.database(ctx)
			if err != nil {
				return err
			}
			service := alerts.NewService(
				repository.NewAlertRepository(pool.Pool()), t.logger, t.reg)
			removed, err := service.CleanupResolvedAlerts(ctx, organizationID, olderThanDays)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d resolved alerts older than %d days\n",
				removed, olderThanDays)
			return nil
		},
	}
	cmd.Flags().StringVar(&organizationID, "organization", "", "Organization whose alerts are cleaned (required)")
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", 30, "Only remove alerts resolved before this many days ago")
	cmd.MarkFlagRequired("organization")
	return cmd
}

func newDeadLettersCmd() *cobra.Command {
	var limit int64
	cmd := &cobra.Command{
		Use:   "dead-letters",
		Short: "List dead-lettered jobs, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newToolkit()
			if err != nil {
				return err
			}
			defer t.close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			q, err := t.queue()
			if err != nil {
				return err
			}
			jobs, err := q.DeadLetters(ctx, limit)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Println("dead-letter queue is empty")
				return nil
			}
			for _, job := range jobs {
				deadAt := ""
				if job.DeadLetteredAt != nil {
					deadAt = job.DeadLetteredAt.UTC().Format(time.RFC3339)
				}
				fmt.Printf("%s  attempts=%d  dead=%s  reason=%s\n",
					job.ID, job.Attempts, deadAt, job.DeadReason)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&limit, "limit", 20, "Maximum jobs to list")
	return cmd
}

func newRequeueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <job-id>",
		Short: "Move a dead-lettered job back to the pending queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newToolkit()
			if err != nil {
				return err
			}
			defer t.close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			q, err := t.queue()
			if err != nil {
				return err
			}
			if err := q.Requeue(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("job %s requeued\n", args[0])
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	var (
		principalID string
		requestedBy string
		preserve    bool
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Erase a data subject's events (right to be forgotten)",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newToolkit()
			if err != nil {
				return err
			}
			defer t.close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			engine, err := t.engine(ctx)
			if err != nil {
				return err
			}
			result, err := engine.Erase(ctx, &gdpr.ErasureRequest{
				PrincipalID:              principalID,
				RequestedBy:              requestedBy,
				PreserveComplianceAudits: preserve,
			})
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d events, preserved %d compliance records, severed %d mappings\n",
				result.RecordsDeleted, result.ComplianceRecordsPreserved, result.MappingsSevered)
			return nil
		},
	}
	cmd.Flags().StringVar(&principalID, "principal", "", "Data subject identifier (required)")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "Identity recorded on the erasure audit event (required)")
	cmd.Flags().BoolVar(&preserve, "preserve-compliance", true, "Pseudonymize compliance-critical events instead of deleting them")
	cmd.MarkFlagRequired("principal")
	cmd.MarkFlagRequired("requested-by")
	return cmd
}

func newRetrieveCmd() *cobra.Command {
	var (
		principalID string
		requestedBy string
		format      string
		output      string
	)
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Export a data subject's events (subject access request)",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newToolkit()
			if err != nil {
				return err
			}
			defer t.close()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			engine, err := t.engine(ctx)
			if err != nil {
				return err
			}
			result, err := engine.Export(ctx, &gdpr.ExportRequest{
				PrincipalID:     principalID,
				RequestType:     "access",
				Format:          gdpr.ExportFormat(format),
				IncludeMetadata: true,
				RequestedBy:     requestedBy,
			})
			if err != nil {
				return err
			}

			if output == "" {
				output = fmt.Sprintf("export-%s.%s", result.RequestID, format)
			}
			if err := os.WriteFile(output, result.Data, 0o600); err != nil {
				return fmt.Errorf("write export: %w", err)
			}
			fmt.Printf("exported %d records (%d bytes) to %s\n",
				result.RecordCount, result.DataSize, output)
			return nil
		},
	}
	cmd.Flags().StringVar(&principalID, "principal", "", "Data subject identifier (required)")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "", "Identity recorded on the export audit event (required)")
	cmd.Flags().StringVar(&format, "format", "json", "Export format: json, csv, or xml")
	cmd.Flags().StringVar(&output, "output", "", "Output file (default export-<requestId>.<format>)")
	cmd.MarkFlagRequired("principal")
	cmd.MarkFlagRequired("requested-by")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Report audit table and queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newToolkit()
			if err != nil {
				return err
			}
			defer t.close()
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()

			pool, err := t.database(ctx)
			if err != nil {
				return err
			}
			stats, err := repository.NewAuditLogRepository(pool.Pool()).CollectStats(ctx)
			if err != nil {
				return err
			}

			report := map[string]interface{}{"auditLog": stats}
			if q, err := t.queue(); err == nil {
				if depths, err := q.Depths(ctx); err == nil {
					report["queue"] = depths
				} else {
					t.logger.Warn("queue depth sample failed", zap.Error(err))
				}
			}

			encoded, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(encoded))
			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	var (
		afterID      int64
		maxEvents    int
		failuresDays int
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Verify stored event hashes against their canonical form",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := newToolkit()
			if err != nil {
				return err
			}
			defer t.close()
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
			defer cancel()

			pool, err := t.database(ctx)
			if err != nil {
				return err
			}
			repos := repository.NewRepositories(pool.Pool())
			alertService := alerts.NewService(repos.Alert, t.logger, t.reg)
			verifier := integrity.NewVerifier(repos.AuditLog, repos.Integrity,
				alertService, t.logger, t.reg)

			summary, err := verifier.Sweep(ctx, integrity.SweepOptions{
				AfterID:    afterID,
				MaxEvents:  maxEvents,
				VerifiedBy: "archival-cli",
			})
			if err != nil {
				return err
			}
			fmt.Printf("checked %d  ok %d  mismatched %d  missing-hash %d\n",
				summary.Checked, summary.OK, summary.Mismatched, summary.MissingHash)

			if failuresDays > 0 {
				since := time.Now().UTC().AddDate(0, 0, -failuresDays)
				failures, err := repos.Integrity.MismatchesSince(ctx, since, 100)
				if err != nil {
					return err
				}
				for _, f := range failures {
					fmt.Printf("event %d  %s  verified %s by %s\n",
						f.AuditLogID, f.Status,
						f.VerifiedAt.Format(time.RFC3339), f.VerifiedBy)
				}
			}

			if summary.Mismatched > 0 {
				return fmt.Errorf("%d events failed hash verification", summary.Mismatched)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&afterID, "after", -1, "Start past this event id (-1 resumes after the last verified id)")
	cmd.Flags().IntVar(&maxEvents, "max", 0, "Maximum events to verify (0 = to the end of the table)")
	cmd.Flags().IntVar(&failuresDays, "failures-days", 0, "Also list verification failures recorded in the last N days")
	return cmd
}
