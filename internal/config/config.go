// Package config defines the global configuration structure for the
// BillFetch orchestrator. Configuration is loaded once at process start and
// is immutable thereafter; per-run tunables (retry budget, batch size,
// parallelism) live in the orchestration_settings table instead, so they can
// change between runs without a restart.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File (Lowest)
//
// Any missing required value or invalid format causes startup to fail fast.
package config

import (
	"time"

	"billfetch/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the specific subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"billfetch-orchestrator"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server        ServerConfig
	Database      DatabaseConfig
	Vendor        VendorConfig
	Orchestration OrchestrationConfig
	Security      SecurityConfig
	Observability ObservabilityConfig
	Logging       LoggingConfig
}

// ServerConfig holds HTTP trigger-surface settings.
type ServerConfig struct {
	Port           string        `envconfig:"PORT" default:"8080"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"29s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// VendorConfig holds the vendor portal API endpoint and client tuning.
type VendorConfig struct {
	BaseURL  string       `envconfig:"VENDOR_BASE_URL" validate:"required,url"`
	APIToken SecretString `envconfig:"VENDOR_API_TOKEN" validate:"required"`

	Timeout    time.Duration `envconfig:"VENDOR_TIMEOUT" default:"30s"`
	UserAgent  string        `envconfig:"VENDOR_USER_AGENT" default:"BillFetch-Orchestrator/1.0"`
	MaxRetries int           `envconfig:"VENDOR_HTTP_MAX_RETRIES" default:"3"`
}

// OrchestrationConfig tunes the run queue and the periodic trigger.
type OrchestrationConfig struct {
	// QueueCapacity bounds the number of pending run requests. Enqueue
	// waits (backpressure) when the queue is full.
	QueueCapacity int `envconfig:"RUN_QUEUE_CAPACITY" default:"8"`
	// EnqueueWait is how long an enqueue blocks on a full queue before the
	// trigger surface reports saturation.
	EnqueueWait time.Duration `envconfig:"RUN_ENQUEUE_WAIT" default:"5s"`
	// TriggerInterval is the cadence of the built-in timer trigger.
	// Zero disables the timer (manual triggers only).
	TriggerInterval time.Duration `envconfig:"RUN_TRIGGER_INTERVAL" default:"1h"`
	// HistorySize is how many finished runs the in-memory status store
	// retains for GET /v1/runs.
	HistorySize int `envconfig:"RUN_HISTORY_SIZE" default:"50"`
}

// SecurityConfig holds the credential sealer key.
type SecurityConfig struct {
	// CredentialKey is the 32-byte hex-encoded secretbox key used to seal
	// stored portal credentials.
	CredentialKey SecretString `envconfig:"CREDENTIAL_KEY" validate:"required,len=64,hexadecimal"`
}

// ObservabilityConfig holds telemetry settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"BillFetch"`
	EnableMetrics   bool   `envconfig:"ENABLE_METRICS" default:"true"`
	AWSRegion       string `envconfig:"AWS_REGION" default:"us-east-1"`
}

// LoggingConfig holds the rotating file sink settings. Logs always go to
// stdout; the file sink is added when Path is non-empty.
type LoggingConfig struct {
	Path       string `envconfig:"LOG_FILE"`
	MaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"100"`
	MaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"5"`
	MaxAgeDays int    `envconfig:"LOG_MAX_AGE_DAYS" default:"30"`
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
