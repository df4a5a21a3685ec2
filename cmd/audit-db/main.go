// The audit-db binary manages the audit database: schema migrations,
// retention policy seeding, and schema/compliance verification.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medlogix/compliant-audit-backend/internal/domain/audit"
	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/config"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/database"
	"github.com/medlogix/compliant-audit-backend/internal/infrastructure/repository"
	"github.com/medlogix/compliant-audit-backend/internal/logging"
)

var (
	configPath    string
	secureConfig  bool
	migrationsDir string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "audit-db",
		Short:         "Audit database administration",
		Long:          "Manage the audit database: run schema migrations, seed retention policies, and verify schema and compliance posture.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to JSON configuration file")
	rootCmd.PersistentFlags().BoolVar(&secureConfig, "secure-config", false, "Treat the config file as an encrypted envelope")
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "migrations", "migrations", "Directory containing SQL migrations")

	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newRollbackCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newSeedPoliciesCmd())
	rootCmd.AddCommand(newSeedPresetsCmd())
	rootCmd.AddCommand(newVerifyCmd())
	rootCmd.AddCommand(newVerifyComplianceCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "audit-db: %v\n", err)
		if errors.IsType(err, errors.ErrorTypeConfigValidation) ||
			errors.IsType(err, errors.ErrorTypeConfigEncryption) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(config.LoadOptions{Path: configPath, Secure: secureConfig})
	if err != nil {
		return nil, nil, err
	}
	appLogger, err := logging.New(logging.Config{
		Level:     cfg.Logging.Level,
		Format:    logging.FormatText,
		Component: "audit-db",
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, appLogger.Zap(), nil
}

// migrateURL rewrites a postgres connection URL for the pgx/v5 migrate
// driver.
func migrateURL(databaseURL string) string {
	if strings.HasPrefix(databaseURL, "postgresql://") {
		return "pgx5://" + strings.TrimPrefix(databaseURL, "postgresql://")
	}
	if strings.HasPrefix(databaseURL, "postgres://") {
		return "pgx5://" + strings.TrimPrefix(databaseURL, "postgres://")
	}
	return databaseURL
}

func newMigrator(cfg *config.Config) (*migrate.Migrate, error) {
	m, err := migrate.New("file://"+migrationsDir, migrateURL(cfg.Database.URL))
	if err != nil {
		return nil, fmt.Errorf("open migrator: %w", err)
	}
	return m, nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply all pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := newMigrator(cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Up(); err != nil {
				if stderrors.Is(err, migrate.ErrNoChange) {
					logger.Info("schema already up to date")
					return nil
				}
				return fmt.Errorf("migrate up: %w", err)
			}
			version, dirty, err := m.Version()
			if err != nil {
				return err
			}
			logger.Info("migrations applied",
				zap.Uint("version", version), zap.Bool("dirty", dirty))
			return nil
		},
	}
}

func newRollbackCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Roll back schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := newMigrator(cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.Steps(-steps); err != nil {
				if stderrors.Is(err, migrate.ErrNoChange) {
					logger.Info("nothing to roll back")
					return nil
				}
				return fmt.Errorf("rollback: %w", err)
			}
			logger.Info("rollback complete", zap.Int("steps", steps))
			return nil
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	return cmd
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			m, err := newMigrator(cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			version, dirty, err := m.Version()
			if stderrors.Is(err, migrate.ErrNilVersion) {
				fmt.Println("schema version: none (no migrations applied)")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Printf("schema version: %d (dirty: %t)\n", version, dirty)
			return nil
		},
	}
}

// defaultPolicies is the baseline every deployment gets: the "standard"
// policy backs the schema default on audit_log.retention_policy.
func defaultPolicies(retentionDays int) []*audit.RetentionPolicy {
	return []*audit.RetentionPolicy{
		{
			PolicyName:         "standard",
			DataClassification: audit.ClassificationInternal,
			RetentionDays:      retentionDays,
			ArchiveAfterDays:   audit.IntPtr(365),
			DeleteAfterDays:    audit.IntPtr(retentionDays),
			IsActive:           true,
		},
		{
			PolicyName:         "public-short",
			DataClassification: audit.ClassificationPublic,
			RetentionDays:      365,
			ArchiveAfterDays:   audit.IntPtr(90),
			DeleteAfterDays:    audit.IntPtr(365),
			IsActive:           true,
		},
	}
}

// presetPolicies carries the regulatory presets: HIPAA requires seven years
// for PHI; confidential data follows the GDPR storage-limitation baseline.
func presetPolicies() []*audit.RetentionPolicy {
	return []*audit.RetentionPolicy{
		{
			PolicyName:         "hipaa-phi",
			DataClassification: audit.ClassificationPHI,
			RetentionDays:      2555,
			ArchiveAfterDays:   audit.IntPtr(730),
			DeleteAfterDays:    audit.IntPtr(2555),
			IsActive:           true,
		},
		{
			PolicyName:         "gdpr-confidential",
			DataClassification: audit.ClassificationConfidential,
			RetentionDays:      1095,
			ArchiveAfterDays:   audit.IntPtr(365),
			DeleteAfterDays:    audit.IntPtr(1095),
			IsActive:           true,
		},
	}
}

func seedPolicies(policies []*audit.RetentionPolicy) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := database.NewConnectionPool(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer pool.Close()

	repo := repository.NewRetentionPolicyRepository(pool.Pool())
	for _, policy := range policies {
		if err := policy.Validate(); err != nil {
			return err
		}
		if err := repo.Upsert(ctx, policy); err != nil {
			return err
		}
		logger.Info("retention policy seeded",
			zap.String("policy", policy.PolicyName),
			zap.String("classification", string(policy.DataClassification)),
			zap.Int("retention_days", policy.RetentionDays))
	}
	return nil
}

func newSeedPoliciesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-policies",
		Short: "Seed the baseline retention policies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			return seedPolicies(defaultPolicies(cfg.Compliance.DefaultRetentionDays))
		},
	}
}

func newSeedPresetsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed-presets",
		Short: "Seed regulatory retention presets (HIPAA PHI, GDPR)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return seedPolicies(presetPolicies())
		},
	}
}

// requiredTables is the schema surface the pipeline depends on.
var requiredTables = []string{
	"audit_log",
	"pseudonym_mappings",
	"audit_integrity_log",
	"audit_retention_policy",
	"audit_alerts",
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify database connectivity and schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			pool, err := database.NewConnectionPool(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			var missing []string
			for _, table := range requiredTables {
				var exists bool
				err := pool.Pool().QueryRow(ctx,
					`SELECT EXISTS (
						SELECT 1 FROM information_schema.tables
						WHERE table_schema = 'public' AND table_name = $1
					)`, table).Scan(&exists)
				if err != nil {
					return err
				}
				if !exists {
					missing = append(missing, table)
				}
			}
			if len(missing) > 0 {
				return fmt.Errorf("schema incomplete, missing tables: %s",
					strings.Join(missing, ", "))
			}
			fmt.Println("database ok: connectivity and schema verified")
			return nil
		},
	}
}

func newVerifyComplianceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify-compliance",
		Short: "Verify that every data classification has an active retention policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			pool, err := database.NewConnectionPool(ctx, cfg.Database, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			repo := repository.NewRetentionPolicyRepository(pool.Pool())
			policies, err := repo.ListActive(ctx)
			if err != nil {
				return err
			}

			covered := make(map[audit.DataClassification]bool, len(policies))
			for _, policy := range policies {
				covered[policy.DataClassification] = true
			}

			classifications := []audit.DataClassification{
				audit.ClassificationPublic,
				audit.ClassificationInternal,
				audit.ClassificationConfidential,
				audit.ClassificationPHI,
			}
			var uncovered []string
			for _, c := range classifications {
				if !covered[c] {
					uncovered = append(uncovered, string(c))
				}
			}
			if len(uncovered) > 0 {
				return fmt.Errorf("classifications without an active retention policy: %s",
					strings.Join(uncovered, ", "))
			}
			fmt.Printf("compliance ok: %d active policies cover all classifications\n",
				len(policies))
			return nil
		},
	}
}
