package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName            string        `env:"APP_NAME" env-default:"reconciler"`
	Version            string        `env:"APP_VERSION" env-default:"dev"`
	OpsPort            int           `env:"OPS_PORT" env-default:"3005"`
	LogLevel           string        `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs         bool          `env:"PRETTY_LOGS" env-default:"false"`
	StartupMaxAttempts int           `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" env-default:"30s"`

	// PostgreSQL
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:"localhost"`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"reconciler"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10m"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Redis (locks and the workflow queue)
	RedisHost      string `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort      int    `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword  string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB        int    `env:"REDIS_DB" env-default:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" env-default:"reconciler:"`
	// WorkflowBackend is "redis" for the shared stream queue or "local" for in-process runs.
	WorkflowBackend     string        `env:"WORKFLOW_BACKEND" env-default:"redis"`
	WorkflowStream      string        `env:"WORKFLOW_STREAM" env-default:"reconciler:workflows"`
	WorkflowGroup       string        `env:"WORKFLOW_GROUP" env-default:"reconciler"`
	WorkflowConcurrency int64         `env:"WORKFLOW_CONCURRENCY" env-default:"4"`
	WorkflowRetention   time.Duration `env:"WORKFLOW_RETENTION" env-default:"10m"`

	// Kafka (search sync events)
	KafkaEnabled      bool          `env:"KAFKA_ENABLED" env-default:"true"`
	KafkaBrokers      []string      `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaSyncTopic    string        `env:"KAFKA_SYNC_TOPIC" env-default:"search-sync"`
	KafkaBatchSize    int           `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout time.Duration `env:"KAFKA_BATCH_TIMEOUT" env-default:"50ms"`
	KafkaRequiredAcks int           `env:"KAFKA_REQUIRED_ACKS" env-default:"-1"`
	KafkaCompression  string        `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Graph Database (merge lineage)
	GraphDBEnabled  bool   `env:"GRAPH_DB_ENABLED" env-default:"false"`
	GraphDBHost     string `env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort     int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUsername string `env:"GRAPH_DB_USERNAME" env-default:""`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD" env-default:""`
	GraphDBDatabase string `env:"GRAPH_DB_DATABASE" env-default:""`

	// S3 (backup archive)
	ArchiveEnabled         bool   `env:"ARCHIVE_ENABLED" env-default:"false"`
	ArchiveBucket          string `env:"ARCHIVE_BUCKET" env-default:""`
	ArchivePrefix          string `env:"ARCHIVE_PREFIX" env-default:"merge-backups"`
	ArchiveRegion          string `env:"ARCHIVE_REGION" env-default:"us-east-1"`
	ArchiveEndpoint        string `env:"ARCHIVE_ENDPOINT" env-default:""`
	ArchivePathStyle       bool   `env:"ARCHIVE_PATH_STYLE" env-default:"false"`
	ArchiveAccessKeyID     string `env:"ARCHIVE_ACCESS_KEY_ID" env-default:""`
	ArchiveSecretAccessKey string `env:"ARCHIVE_SECRET_ACCESS_KEY" env-default:""`

	// Processing
	RelationBatchSize    int           `env:"RELATION_BATCH_SIZE" env-default:"1000"`
	RecalcBatchSize      int           `env:"RECALC_BATCH_SIZE" env-default:"5000"`
	CursorPageSize       int           `env:"CURSOR_PAGE_SIZE" env-default:"500"`
	CursorConcurrency    int           `env:"CURSOR_CONCURRENCY" env-default:"20"`
	CursorMaxPagesPerRun int           `env:"CURSOR_MAX_PAGES_PER_RUN" env-default:"0"`
	RecalcDryRun         bool          `env:"RECALC_DRY_RUN" env-default:"false"`
	RetryMaxAttempts     int           `env:"RETRY_MAX_ATTEMPTS" env-default:"5"`
	RetryInitialInterval time.Duration `env:"RETRY_INITIAL_INTERVAL" env-default:"200ms"`
	RetryMaxInterval     time.Duration `env:"RETRY_MAX_INTERVAL" env-default:"10s"`
	RetryAttemptTimeout  time.Duration `env:"RETRY_ATTEMPT_TIMEOUT" env-default:"30s"`
	PairLockTTL          time.Duration `env:"PAIR_LOCK_TTL" env-default:"5m"`
	ActionLockTTL        time.Duration `env:"ACTION_LOCK_TTL" env-default:"1m"`
	MemberLockTTL        time.Duration `env:"MEMBER_LOCK_TTL" env-default:"10m"`
	MemberLockWait       time.Duration `env:"MEMBER_LOCK_WAIT" env-default:"2m"`
	RecalcInterval       time.Duration `env:"RECALC_INTERVAL" env-default:"5m"`
	RecalcLockTTL        time.Duration `env:"RECALC_LOCK_TTL" env-default:"30m"`

	// Tracing
	TracingSampleRatio  float64       `env:"TRACING_SAMPLE_RATIO" env-default:"0.1"`
	TracingOTLPEndpoint string        `env:"TRACING_OTLP_ENDPOINT" env-default:""`
	TracingOTLPProtocol string        `env:"TRACING_OTLP_PROTOCOL" env-default:"grpc"`
	TracingOTLPInsecure bool          `env:"TRACING_OTLP_INSECURE" env-default:"true"`
	TracingOTLPTimeout  time.Duration `env:"TRACING_OTLP_TIMEOUT" env-default:"10s"`
}

// Load reads .env files, when present, and then the environment.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load env files: %w", err)
	}
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.WorkflowBackend {
	case "redis", "local":
	default:
		return fmt.Errorf("WORKFLOW_BACKEND must be redis or local, got %q", c.WorkflowBackend)
	}
	if c.ArchiveEnabled && c.ArchiveBucket == "" {
		return errors.New("ARCHIVE_BUCKET is required when the archive is enabled")
	}
	if c.TracingSampleRatio < 0 || c.TracingSampleRatio > 1 {
		return fmt.Errorf("TRACING_SAMPLE_RATIO must be within [0, 1], got %v", c.TracingSampleRatio)
	}
	switch c.TracingOTLPProtocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("TRACING_OTLP_PROTOCOL must be grpc or http, got %q", c.TracingOTLPProtocol)
	}
	return nil
}
