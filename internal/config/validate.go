package config

import (
	"fmt"
	"strconv"
	"time"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

func (e *ValidationErrors) add(field, format string, args ...any) {
	*e = append(*e, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			errs.add("DATABASE_URL", "required when STORE_DRIVER=postgres")
		}
	case DriverSQLite:
		if cfg.SQLitePath == "" {
			errs.add("SQLITE_PATH", "required when STORE_DRIVER=sqlite")
		}
	case DriverMemory:
	default:
		errs.add("STORE_DRIVER", "must be 'postgres', 'sqlite' or 'memory', got %q", cfg.StoreDriver)
	}

	switch cfg.RuleStore {
	case RuleStoreSQL:
		if cfg.StoreDriver == DriverMemory {
			errs.add("RULE_STORE", "'sql' requires a SQL STORE_DRIVER")
		}
	case RuleStoreRedis:
		if cfg.RedisAddr == "" {
			errs.add("REDIS_ADDR", "required when RULE_STORE=redis")
		}
	case RuleStoreMemory:
		// Rules kept in memory would vanish on restart while their jobs persist.
		if cfg.StoreDriver != DriverMemory {
			errs.add("RULE_STORE", "'memory' requires STORE_DRIVER=memory")
		}
	default:
		errs.add("RULE_STORE", "must be 'sql', 'redis' or 'memory', got %q", cfg.RuleStore)
	}

	if cfg.AnalyticsEnabled && cfg.RedisAddr == "" {
		errs.add("REDIS_ADDR", "required when ANALYTICS_ENABLED=true")
	}

	parsed := make(map[string]time.Duration)
	for _, d := range cfg.durations() {
		if *d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(*d.raw)
		if err != nil {
			errs.add(d.env, "invalid duration: %v", err)
			continue
		}
		if v <= 0 {
			errs.add(d.env, "must be positive")
			continue
		}
		parsed[d.env] = v
	}

	if cfg.ReconcileEnabled {
		threshold, okT := parsed["RECONCILE_THRESHOLD"]
		timeout, okE := parsed["EXECUTION_TIMEOUT"]
		if okT && okE && threshold <= timeout {
			errs.add("RECONCILE_THRESHOLD", "must exceed EXECUTION_TIMEOUT (%s), got %s", timeout, threshold)
		}
	}

	if cfg.DispatchRateLimitStr != "" {
		f, err := strconv.ParseFloat(cfg.DispatchRateLimitStr, 64)
		if err != nil {
			errs.add("DISPATCH_RATE_LIMIT", "invalid number: %q", cfg.DispatchRateLimitStr)
		} else if f < 0 {
			errs.add("DISPATCH_RATE_LIMIT", "must not be negative")
		}
	}

	switch cfg.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		errs.add("LOG_LEVEL", "must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "", "json", "console":
	default:
		errs.add("LOG_FORMAT", "must be 'json' or 'console', got %q", cfg.LogFormat)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
