package config

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/medlogix/compliant-audit-backend/internal/domain/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate applies schema validation, cross-field rules, and
// environment-specific rules. The first violation is returned as a
// ConfigValidation error carrying {field, value, constraint}.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if stderrors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			constraint := fe.Tag()
			if fe.Param() != "" {
				constraint = fmt.Sprintf("%s=%s", fe.Tag(), fe.Param())
			}
			return errors.NewConfigValidationError(
				fieldPath(fe.Namespace()), fe.Value(), constraint)
		}
		return errors.NewConfigValidationError("", nil, err.Error())
	}

	if err := validateCrossField(cfg); err != nil {
		return err
	}
	return validateEnvironmentRules(cfg)
}

func validateCrossField(cfg *Config) error {
	if cfg.Retry.MaxDelayMs < cfg.Retry.InitialDelayMs {
		return errors.NewConfigValidationError("retry.maxDelayMs",
			cfg.Retry.MaxDelayMs, ">= retry.initialDelayMs")
	}
	if rate := cfg.Monitoring.AlertThresholds.ErrorRate; rate < 0 || rate > 1 {
		return errors.NewConfigValidationError("monitoring.alertThresholds.errorRate",
			rate, "within [0,1]")
	}
	if cfg.Security.EnableLogEncryption && cfg.Security.EncryptionKey == "" {
		return errors.NewConfigValidationError("security.encryptionKey",
			"", "required when enableLogEncryption")
	}
	if cfg.Compliance.ReportingSchedule.Enabled &&
		len(cfg.Compliance.ReportingSchedule.Recipients) == 0 {
		return errors.NewConfigValidationError("compliance.reportingSchedule.recipients",
			nil, "non-empty when reporting enabled")
	}
	return nil
}

func validateEnvironmentRules(cfg *Config) error {
	if cfg.Environment != EnvProduction {
		return nil
	}
	if !cfg.Security.EnableIntegrityVerification {
		return errors.NewConfigValidationError("security.enableIntegrityVerification",
			false, "must be true in production")
	}
	if !cfg.Database.SSL {
		return errors.NewConfigValidationError("database.ssl",
			false, "must be true in production")
	}
	if cfg.Logging.Level == "debug" {
		return errors.NewConfigValidationError("logging.level",
			"debug", "must not be debug in production")
	}
	return nil
}

// fieldPath converts a validator namespace like "Config.Retry.MaxDelayMs"
// into the config file's dotted camelCase path.
func fieldPath(namespace string) string {
	parts := strings.Split(namespace, ".")
	if len(parts) > 1 {
		parts = parts[1:] // drop the root struct name
	}
	for i, part := range parts {
		if part == "" {
			continue
		}
		parts[i] = strings.ToLower(part[:1]) + part[1:]
	}
	return strings.Join(parts, ".")
}
