package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"

	RuleStoreSQL    = "sql"
	RuleStoreRedis  = "redis"
	RuleStoreMemory = "memory"
)

// Config holds all configuration for the easyjobs application.
// Values are loaded from environment variables; see printUsage() for the full list.
type Config struct {
	StoreDriver string `json:"store_driver"`
	DatabaseURL string `json:"database_url"`
	SQLitePath  string `json:"sqlite_path"`
	AutoMigrate bool   `json:"auto_migrate"`

	RuleStore   string `json:"rule_store"`
	RedisAddr   string `json:"redis_addr,omitempty"`
	RedisPrefix string `json:"redis_prefix"`

	HTTPAddr string `json:"http_addr"`

	TickInterval    time.Duration `json:"-"`
	TickIntervalStr string        `json:"tick_interval"`
	RuleBatchSize   int           `json:"rule_batch_size"`

	ExecutionTimeout    time.Duration `json:"-"`
	ExecutionTimeoutStr string        `json:"execution_timeout"`
	DispatcherWorkers   int           `json:"dispatcher_workers"`

	// DispatchRateLimit caps dispatches per second across workers. 0 disables it.
	DispatchRateLimit    float64 `json:"dispatch_rate_limit"`
	DispatchRateLimitStr string  `json:"-"`

	EventBusBufferSize int `json:"eventbus_buffer_size"`

	DBOpTimeout    time.Duration `json:"-"`
	DBOpTimeoutStr string        `json:"db_op_timeout"`

	DBMaxOpenConns       int           `json:"db_max_open_conns"`
	DBMaxIdleConns       int           `json:"db_max_idle_conns"`
	DBConnMaxLifetime    time.Duration `json:"-"`
	DBConnMaxLifetimeStr string        `json:"db_conn_max_lifetime"`
	DBConnMaxIdleTime    time.Duration `json:"-"`
	DBConnMaxIdleTimeStr string        `json:"db_conn_max_idle_time"`

	HTTPShutdownTimeout       time.Duration `json:"-"`
	HTTPShutdownTimeoutStr    string        `json:"http_shutdown_timeout"`
	DispatcherDrainTimeout    time.Duration `json:"-"`
	DispatcherDrainTimeoutStr string        `json:"dispatcher_drain_timeout"`

	MetricsEnabled bool   `json:"metrics_enabled"`
	MetricsPath    string `json:"metrics_path"`

	ReconcileEnabled     bool          `json:"reconcile_enabled"`
	ReconcileInterval    time.Duration `json:"-"`
	ReconcileIntervalStr string        `json:"reconcile_interval"`

	// ReconcileThreshold must exceed ExecutionTimeout, otherwise running
	// invocations get abandoned while still executing.
	ReconcileThreshold    time.Duration `json:"-"`
	ReconcileThresholdStr string        `json:"reconcile_threshold"`

	ReconcileBatchSize int `json:"reconcile_batch_size"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int           `json:"circuit_breaker_threshold"`
	CircuitBreakerCooldown    time.Duration `json:"-"`
	CircuitBreakerCooldownStr string        `json:"circuit_breaker_cooldown"`

	WebhookSecret string `json:"webhook_secret,omitempty"`

	AnalyticsEnabled   bool          `json:"analytics_enabled"`
	AnalyticsWindow    time.Duration `json:"-"`
	AnalyticsWindowStr string        `json:"analytics_window"`

	// LeaderElection only applies to the postgres driver.
	LeaderElection bool `json:"leader_election"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64 `json:"leader_lock_key"`

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval    time.Duration `json:"-"`
	LeaderRetryIntervalStr string        `json:"leader_retry_interval"`

	// LeaderHeartbeatInterval: pings the dedicated connection to detect local
	// connection death. Does NOT renew the advisory lock.
	LeaderHeartbeatInterval    time.Duration `json:"-"`
	LeaderHeartbeatIntervalStr string        `json:"leader_heartbeat_interval"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	// Warnings collects values Load ignored in favour of a default.
	Warnings []string `json:"-"`
}

// LoadDotEnv loads variables from path into the process environment.
// A missing file is not an error; variables already set are not overridden.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		StoreDriver:                os.Getenv("STORE_DRIVER"),
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		SQLitePath:                 os.Getenv("SQLITE_PATH"),
		AutoMigrate:                os.Getenv("AUTO_MIGRATE") != "false",
		RuleStore:                  os.Getenv("RULE_STORE"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		RedisPrefix:                os.Getenv("REDIS_PREFIX"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		TickIntervalStr:            os.Getenv("TICK_INTERVAL"),
		ExecutionTimeoutStr:        os.Getenv("EXECUTION_TIMEOUT"),
		DispatchRateLimitStr:       os.Getenv("DISPATCH_RATE_LIMIT"),
		DBOpTimeoutStr:             os.Getenv("DB_OP_TIMEOUT"),
		DBConnMaxLifetimeStr:       os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:       os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		HTTPShutdownTimeoutStr:     os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		DispatcherDrainTimeoutStr:  os.Getenv("DISPATCHER_DRAIN_TIMEOUT"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") != "false",
		MetricsPath:                os.Getenv("METRICS_PATH"),
		ReconcileEnabled:           os.Getenv("RECONCILE_ENABLED") != "false",
		ReconcileIntervalStr:       os.Getenv("RECONCILE_INTERVAL"),
		ReconcileThresholdStr:      os.Getenv("RECONCILE_THRESHOLD"),
		CircuitBreakerCooldownStr:  os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		WebhookSecret:              os.Getenv("WEBHOOK_SECRET"),
		AnalyticsEnabled:           os.Getenv("ANALYTICS_ENABLED") == "true",
		AnalyticsWindowStr:         os.Getenv("ANALYTICS_WINDOW"),
		LeaderElection:             os.Getenv("LEADER_ELECTION") != "false",
		LeaderRetryIntervalStr:     os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
		LogLevel:                   os.Getenv("LOG_LEVEL"),
		LogFormat:                  os.Getenv("LOG_FORMAT"),
	}

	if cfg.StoreDriver == "" {
		if cfg.DatabaseURL != "" {
			cfg.StoreDriver = DriverPostgres
		} else {
			cfg.StoreDriver = DriverSQLite
		}
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = "data/easyjobs.db"
	}
	if cfg.RuleStore == "" {
		if cfg.StoreDriver == DriverMemory {
			cfg.RuleStore = RuleStoreMemory
		} else {
			cfg.RuleStore = RuleStoreSQL
		}
	}
	if cfg.RedisPrefix == "" {
		cfg.RedisPrefix = "easyjobs:"
	}

	cfg.RuleBatchSize = cfg.positiveInt("RULE_BATCH_SIZE", 100)
	cfg.DispatcherWorkers = cfg.positiveInt("DISPATCHER_WORKERS", 4)
	cfg.EventBusBufferSize = cfg.positiveInt("EVENTBUS_BUFFER_SIZE", 100)
	cfg.ReconcileBatchSize = cfg.positiveInt("RECONCILE_BATCH_SIZE", 100)
	cfg.DBMaxOpenConns = cfg.positiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = cfg.positiveInt("DB_MAX_IDLE_CONNS", 5)

	// 0 is meaningful here: it disables the breaker.
	cfg.CircuitBreakerThreshold = 5
	if s := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			cfg.CircuitBreakerThreshold = n
		} else {
			cfg.warnf("invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", s)
		}
	}

	cfg.LeaderLockKey = 471112
	if s := os.Getenv("LEADER_LOCK_KEY"); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
			cfg.LeaderLockKey = n
		} else {
			cfg.warnf("invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 471112", s)
		}
	}

	// Parsed here but validated in Validate(), which reports the raw value.
	if cfg.DispatchRateLimitStr != "" {
		if f, err := strconv.ParseFloat(cfg.DispatchRateLimitStr, 64); err == nil {
			cfg.DispatchRateLimit = f
		}
	}

	// Support the PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}

	for _, d := range cfg.durations() {
		if *d.raw == "" {
			*d.raw = d.def
		}
		// Validation is handled separately by Validate().
		if v, err := time.ParseDuration(*d.raw); err == nil {
			*d.dst = v
		}
	}

	return cfg
}

type durationField struct {
	env string
	def string
	raw *string
	dst *time.Duration
}

func (c *Config) durations() []durationField {
	return []durationField{
		{"TICK_INTERVAL", "1s", &c.TickIntervalStr, &c.TickInterval},
		{"EXECUTION_TIMEOUT", "30s", &c.ExecutionTimeoutStr, &c.ExecutionTimeout},
		{"DB_OP_TIMEOUT", "5s", &c.DBOpTimeoutStr, &c.DBOpTimeout},
		{"DB_CONN_MAX_LIFETIME", "30m", &c.DBConnMaxLifetimeStr, &c.DBConnMaxLifetime},
		{"DB_CONN_MAX_IDLE_TIME", "5m", &c.DBConnMaxIdleTimeStr, &c.DBConnMaxIdleTime},
		{"HTTP_SHUTDOWN_TIMEOUT", "10s", &c.HTTPShutdownTimeoutStr, &c.HTTPShutdownTimeout},
		{"DISPATCHER_DRAIN_TIMEOUT", "30s", &c.DispatcherDrainTimeoutStr, &c.DispatcherDrainTimeout},
		{"RECONCILE_INTERVAL", "5m", &c.ReconcileIntervalStr, &c.ReconcileInterval},
		{"RECONCILE_THRESHOLD", "10m", &c.ReconcileThresholdStr, &c.ReconcileThreshold},
		{"CIRCUIT_BREAKER_COOLDOWN", "2m", &c.CircuitBreakerCooldownStr, &c.CircuitBreakerCooldown},
		{"ANALYTICS_WINDOW", "1h", &c.AnalyticsWindowStr, &c.AnalyticsWindow},
		{"LEADER_RETRY_INTERVAL", "5s", &c.LeaderRetryIntervalStr, &c.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", "2s", &c.LeaderHeartbeatIntervalStr, &c.LeaderHeartbeatInterval},
	}
}

func (c *Config) positiveInt(env string, def int) int {
	s := os.Getenv(env)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		c.warnf("invalid %s %q (must be a positive integer), using default %d", env, s, def)
		return def
	}
	return n
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

// UsesLeaderElection reports whether the rule engine and reconciler should
// run only on the advisory-lock holder.
func (c Config) UsesLeaderElection() bool {
	return c.LeaderElection && c.StoreDriver == DriverPostgres
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := c
	masked.DatabaseURL = maskSecret(c.DatabaseURL)
	masked.WebhookSecret = ""
	if c.WebhookSecret != "" {
		masked.WebhookSecret = "***"
	}
	return json.MarshalIndent(masked, "", "  ")
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if len(s) >= len(scheme) && s[:len(scheme)] == scheme {
			return scheme + "***"
		}
	}
	return "***"
}
