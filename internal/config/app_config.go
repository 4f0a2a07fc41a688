package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/shaharia-lab/notiq/internal/notification"
)

// Broker backend names accepted by NOTIQ_BROKER.
const (
	BrokerMemory = "memory"
	BrokerRedis  = "redis"
)

// Status store backend names accepted by NOTIQ_STATUS_STORE.
const (
	StatusStoreSQLite = "sqlite"
	StatusStoreRedis  = "redis"
)

// AppConfig holds all application-level configuration loaded from environment variables.
type AppConfig struct {
	// DataDir is the root data directory. Defaults to ~/.notiq.
	DataDir string `envconfig:"NOTIQ_DATA_DIR"`

	// LogLevel sets the minimum log level (debug, info, warn, error). Defaults to info.
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// Broker selects the queue backend: "memory" or "redis".
	Broker string `envconfig:"NOTIQ_BROKER" default:"memory"`

	// StatusStore selects where job status is tracked: "sqlite" or "redis".
	StatusStore string `envconfig:"NOTIQ_STATUS_STORE" default:"sqlite"`

	// SQLitePath is the status database file. Defaults to <DataDir>/notiq.db.
	SQLitePath string `envconfig:"NOTIQ_SQLITE_PATH"`

	// RedisAddr is the host:port of the Redis server backing the broker
	// and/or status store.
	RedisAddr     string `envconfig:"NOTIQ_REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"NOTIQ_REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"NOTIQ_REDIS_DB" default:"0"`

	// RedisStream is the stream holding ready jobs; the delayed set and the
	// dead-letter stream derive their keys from it.
	RedisStream string `envconfig:"NOTIQ_REDIS_STREAM" default:"notiq:jobs"`

	// StatusTTL expires Redis-tracked job status after this duration.
	// Zero keeps records forever. Ignored by the SQLite store.
	StatusTTL time.Duration `envconfig:"NOTIQ_STATUS_TTL" default:"168h"`

	// MaxAttempts is the default delivery attempt budget for jobs that do
	// not set their own.
	MaxAttempts int `envconfig:"NOTIQ_MAX_ATTEMPTS" default:"3"`

	// BackoffBase is the retry delay after the first failed attempt; it
	// doubles per attempt up to BackoffCap.
	BackoffBase   time.Duration `envconfig:"NOTIQ_BACKOFF_BASE" default:"1s"`
	BackoffCap    time.Duration `envconfig:"NOTIQ_BACKOFF_CAP" default:"2m"`
	BackoffJitter bool          `envconfig:"NOTIQ_BACKOFF_JITTER" default:"true"`

	// VisibilityTimeout is how long a consumed job stays invisible before
	// the broker hands it to another worker.
	VisibilityTimeout time.Duration `envconfig:"NOTIQ_VISIBILITY_TIMEOUT" default:"30s"`

	// PollInterval bounds how long a worker blocks waiting for new jobs.
	PollInterval time.Duration `envconfig:"NOTIQ_POLL_INTERVAL" default:"5s"`

	// WorkerCount is the number of concurrent delivery loops.
	WorkerCount int `envconfig:"NOTIQ_WORKER_COUNT" default:"3"`

	// SendTimeout bounds a single provider delivery attempt.
	SendTimeout time.Duration `envconfig:"NOTIQ_SEND_TIMEOUT" default:"30s"`

	// ReleaseInterval is how often the scheduler moves due scheduled jobs
	// onto the ready queue.
	ReleaseInterval time.Duration `envconfig:"NOTIQ_RELEASE_INTERVAL" default:"1s"`

	// SMTP configures the email provider.
	SMTP notification.SMTPConfig

	// MetricsAddr is the listen address for the Prometheus /metrics
	// endpoint. Empty disables the listener.
	MetricsAddr string `envconfig:"NOTIQ_METRICS_ADDR" default:":9464"`

	// OTLPEndpoint, when set, exports metrics, traces and logs to an OTLP
	// gRPC collector at this host:port.
	OTLPEndpoint string `envconfig:"NOTIQ_OTLP_ENDPOINT"`
}

// Load reads AppConfig from environment variables using envconfig.
// DataDir defaults to ~/.notiq and SQLitePath to <DataDir>/notiq.db.
func Load() (*AppConfig, error) {
	var c AppConfig
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, ".notiq")
	}
	if c.SQLitePath == "" {
		c.SQLitePath = filepath.Join(c.DataDir, "notiq.db")
	}

	switch c.Broker {
	case BrokerMemory, BrokerRedis:
	default:
		return nil, fmt.Errorf("unknown broker backend %q (want %q or %q)", c.Broker, BrokerMemory, BrokerRedis)
	}
	switch c.StatusStore {
	case StatusStoreSQLite, StatusStoreRedis:
	default:
		return nil, fmt.Errorf("unknown status store backend %q (want %q or %q)", c.StatusStore, StatusStoreSQLite, StatusStoreRedis)
	}
	if c.WorkerCount < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", c.WorkerCount)
	}
	if c.MaxAttempts < 1 {
		return nil, fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts)
	}

	return &c, nil
}

// SlogLevel converts the LogLevel string to a slog.Level.
// Unknown values default to slog.LevelInfo.
func (c *AppConfig) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogDir returns the path to the log directory (~/.notiq/logs).
func (c *AppConfig) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}
