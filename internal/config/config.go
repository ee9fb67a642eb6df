package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "LEDGER"

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StorePebble   = "pebble"
	StoreRedis    = "redis"

	LockMemory = "memory"
	LockRedis  = "redis"

	PublisherNoop   = "noop"
	PublisherKafka  = "kafka"
	PublisherRedis  = "redis"
	PublisherPubSub = "pubsub"

	CacheNoop   = "noop"
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

// Config is read from LEDGER_-prefixed variables; the bare names are accepted
// as a fallback.
type Config struct {
	Port          string `envconfig:"PORT" default:"8080"`
	AllowedOrigin string `envconfig:"ALLOWED_ORIGIN" default:"*"`
	ServiceName   string `envconfig:"SERVICE_NAME" default:"vanityhub-ledger"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat     string `envconfig:"LOG_FORMAT" default:"json"`
	LogWarnStack  bool   `envconfig:"LOG_WARN_STACK" default:"false"`

	StoreDriver string `envconfig:"STORE_DRIVER" default:"memory"`
	SeedDemo    bool   `envconfig:"SEED_DEMO" default:"false"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
	SQLitePath  string `envconfig:"SQLITE_PATH" default:"ledger.db"`
	PebbleDir   string `envconfig:"PEBBLE_DIR" default:"ledger-data"`
	RedisKey    string `envconfig:"REDIS_STORE_KEY" default:"ledger:events"`

	RedisAddr     string `envconfig:"REDIS_ADDR"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	LockDriver string        `envconfig:"LOCK_DRIVER" default:"memory"`
	LockTTL    time.Duration `envconfig:"LOCK_TTL" default:"5s"`

	FuzzyWindow     time.Duration `envconfig:"FUZZY_WINDOW" default:"2h"`
	RaceWindow      time.Duration `envconfig:"RACE_WINDOW" default:"3s"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	PublisherDriver string   `envconfig:"PUBLISHER_DRIVER" default:"noop"`
	PublishAsync    bool     `envconfig:"PUBLISH_ASYNC" default:"true"`
	KafkaBrokers    []string `envconfig:"KAFKA_BROKERS"`
	KafkaTopic      string   `envconfig:"KAFKA_TOPIC" default:"ledger.sales"`
	RedisChannel    string   `envconfig:"REDIS_CHANNEL" default:"ledger:events"`
	GCPProjectID    string   `envconfig:"GCP_PROJECT_ID"`
	PubSubTopic     string   `envconfig:"PUBSUB_TOPIC" default:"ledger-sales"`

	CacheDriver string        `envconfig:"CACHE_DRIVER" default:"memory"`
	CacheTTL    time.Duration `envconfig:"CACHE_TTL" default:"10m"`
}

func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.LockDriver = strings.ToLower(strings.TrimSpace(cfg.LockDriver))
	cfg.PublisherDriver = strings.ToLower(strings.TrimSpace(cfg.PublisherDriver))
	cfg.CacheDriver = strings.ToLower(strings.TrimSpace(cfg.CacheDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks driver names and the settings each driver needs.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case StoreMemory, StoreSQLite, StorePebble:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("store driver postgres requires %s_DATABASE_URL", EnvPrefix)
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("store driver redis requires %s_REDIS_ADDR", EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}

	switch c.LockDriver {
	case LockMemory:
	case LockRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("lock driver redis requires %s_REDIS_ADDR", EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown lock driver %q", c.LockDriver)
	}

	switch c.PublisherDriver {
	case PublisherNoop:
	case PublisherKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("publisher kafka requires %s_KAFKA_BROKERS", EnvPrefix)
		}
	case PublisherRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("publisher redis requires %s_REDIS_ADDR", EnvPrefix)
		}
	case PublisherPubSub:
		if c.GCPProjectID == "" {
			return fmt.Errorf("publisher pubsub requires %s_GCP_PROJECT_ID", EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown publisher driver %q", c.PublisherDriver)
	}

	switch c.CacheDriver {
	case CacheNoop, CacheMemory:
	case CacheRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("cache driver redis requires %s_REDIS_ADDR", EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown cache driver %q", c.CacheDriver)
	}
	return nil
}

// NeedsRedis reports whether any component is configured to use Redis.
func (c Config) NeedsRedis() bool {
	return c.StoreDriver == StoreRedis || c.LockDriver == LockRedis ||
		c.PublisherDriver == PublisherRedis || c.CacheDriver == CacheRedis
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}
