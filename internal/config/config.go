package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTPPort string `env:"HTTP_PORT" envDefault:"8080"`

	DBDriver    string `env:"DB_DRIVER"    envDefault:"sqlite"`
	SQLitePath  string `env:"SQLITE_PATH"  envDefault:"./bookinglab.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	RedisAddr string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	CacheTTL  time.Duration `env:"CACHE_TTL"  envDefault:"5m"`

	UseKafka     bool     `env:"USE_KAFKA"     envDefault:"false"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:9092" envSeparator:","`
	KafkaPrefix  string   `env:"KAFKA_TOPIC_PREFIX" envDefault:"bookinglab."`

	MongoURI       string `env:"MONGO_URI"`
	MongoDB        string `env:"MONGO_DB" envDefault:"bookinglab"`
	ClickHouseAddr string `env:"CLICKHOUSE_ADDR"`
	ClickHouseDB   string `env:"CLICKHOUSE_DB" envDefault:"default"`

	IdempotencyTTLSeconds    int           `env:"IDEMPOTENCY_TTL_SECONDS"    envDefault:"86400"`
	IdempotencySweepInterval time.Duration `env:"IDEMPOTENCY_SWEEP_INTERVAL" envDefault:"1h"`
	IdempotencyLease         time.Duration `env:"IDEMPOTENCY_PROCESSING_LEASE" envDefault:"2m"`
	CommandMaxRetries        int           `env:"COMMAND_MAX_RETRIES"        envDefault:"3"`

	OutboxPollInterval       time.Duration `env:"OUTBOX_POLL_INTERVAL"        envDefault:"1s"`
	OutboxBatchSize          int           `env:"OUTBOX_BATCH_SIZE"           envDefault:"10"`
	OutboxLeaseSeconds       int           `env:"OUTBOX_LEASE_SECONDS"        envDefault:"30"`
	OutboxWorkers            int           `env:"OUTBOX_WORKERS"              envDefault:"1"`
	OutboxMaxAttempts        int           `env:"OUTBOX_MAX_ATTEMPTS"         envDefault:"3"`
	OutboxBackoffBaseSeconds int           `env:"OUTBOX_BACKOFF_BASE_SECONDS" envDefault:"60"`
	OutboxBackoffCapSeconds  int           `env:"OUTBOX_BACKOFF_CAP_SECONDS"  envDefault:"3600"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadConfig lee la configuración del entorno y la valida.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.DBDriver {
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for sqlite driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required for postgres driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.OutboxWorkers < 1 {
		return fmt.Errorf("OUTBOX_WORKERS must be >= 1")
	}
	if c.OutboxMaxAttempts < 1 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be >= 1")
	}
	if c.OutboxBackoffBaseSeconds < 1 || c.OutboxBackoffCapSeconds < c.OutboxBackoffBaseSeconds {
		return fmt.Errorf("outbox backoff must satisfy 1 <= base <= cap")
	}
	if c.IdempotencyTTLSeconds < 1 {
		return fmt.Errorf("IDEMPOTENCY_TTL_SECONDS must be >= 1")
	}
	if c.IdempotencyLease <= 0 {
		return fmt.Errorf("IDEMPOTENCY_PROCESSING_LEASE must be > 0")
	}
	return nil
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLSeconds) * time.Second
}

func (c *Config) OutboxLease() time.Duration {
	return time.Duration(c.OutboxLeaseSeconds) * time.Second
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.OutboxBackoffBaseSeconds) * time.Second
}

func (c *Config) BackoffCap() time.Duration {
	return time.Duration(c.OutboxBackoffCapSeconds) * time.Second
}
