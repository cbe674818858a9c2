package config

import (
	"time"

	"github.com/evalgo/approvalflow/pkg/logging"
)

// Config is the orchestrator's full runtime configuration, loaded from the
// environment variables fixed by spec section 6. SigningKey is
// deliberately allowed to be empty: the service still starts, and every
// token/signature verification call fails closed instead (spec section
// 8's "missing signing key" scenario).
type Config struct {
	SigningKey         string
	OperatorSigningKey string
	DatabaseURL        string
	RedisURL           string

	HTTPPort int
	BaseURL  string

	TimeoutScanIntervalSeconds int
	DefaultApprovalTimeoutSeconds int

	EventBusMaxRetries        int
	EventBusBackoffInitial    time.Duration
	EventBusBackoffMultiplier float64

	LogLevel  logging.Level
	LogFormat string
}

// Load reads Config from the process environment. No variable is
// required for Load to succeed; SigningKey being empty is a valid,
// deliberately fail-closed configuration rather than a load error.
func Load() Config {
	e := newEnv("")
	return Config{
		SigningKey:         e.str("SIGNING_KEY", ""),
		OperatorSigningKey: e.str("OPERATOR_SIGNING_KEY", ""),
		DatabaseURL:        e.str("DATABASE_URL", ""),
		RedisURL:           e.str("REDIS_URL", ""),

		HTTPPort: e.int("PORT", 8080),
		BaseURL:  e.str("BASE_URL", "http://localhost:8080"),

		TimeoutScanIntervalSeconds:    e.int("TIMEOUT_SCAN_INTERVAL_SECONDS", 10),
		DefaultApprovalTimeoutSeconds: e.int("DEFAULT_APPROVAL_TIMEOUT_SECONDS", 86400),

		EventBusMaxRetries:        e.int("EVENT_BUS_MAX_RETRIES", 4),
		EventBusBackoffInitial:    e.duration("EVENT_BUS_BACKOFF_INITIAL", 200*time.Millisecond),
		EventBusBackoffMultiplier: e.float("EVENT_BUS_BACKOFF_MULTIPLIER", 2.0),

		LogLevel:  logging.Level(e.str("LOG_LEVEL", "info")),
		LogFormat: e.str("LOG_FORMAT", "text"),
	}
}

// TimeoutScanInterval is TimeoutScanIntervalSeconds as a time.Duration.
func (c Config) TimeoutScanInterval() time.Duration {
	return time.Duration(c.TimeoutScanIntervalSeconds) * time.Second
}
