// Package app assembles the ledger from configuration. Both binaries use it so
// a sale written by the server and one cleaned up by ledgerctl go through the
// same store, lock and publisher setup.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"vanityhub/ledger/internal/cache"
	"vanityhub/ledger/internal/config"
	"vanityhub/ledger/internal/dedup"
	"vanityhub/ledger/internal/events"
	"vanityhub/ledger/internal/lock"
	"vanityhub/ledger/internal/logger"
	"vanityhub/ledger/internal/matching"
	"vanityhub/ledger/internal/metrics"
	"vanityhub/ledger/internal/service"
	"vanityhub/ledger/internal/store"
	"vanityhub/ledger/internal/store/kv"
	"vanityhub/ledger/internal/store/memory"
	pgstore "vanityhub/ledger/internal/store/postgres"
	"vanityhub/ledger/internal/store/redisstore"
	"vanityhub/ledger/internal/store/sqlite"
)

type App struct {
	Config       config.Config
	Store        *store.EventStore
	Orchestrator *dedup.Orchestrator
	Service      *service.Service
	Notifier     *events.Notifier
	Locker       lock.Locker
	Metrics      *metrics.LedgerMetrics

	closers []func() error
}

// Build wires every component but does not load the store; call Service.Init.
func Build(ctx context.Context, cfg config.Config, logg *logger.Logger, reg prometheus.Registerer) (*App, error) {
	if logg == nil {
		logg = logger.Nop()
	}
	a := &App{Config: cfg, Metrics: metrics.NewLedgerMetrics(reg)}

	var redisClient *redis.Client
	if cfg.NeedsRedis() {
		client, err := NewRedisClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		redisClient = client
		a.closers = append(a.closers, client.Close)
	}

	backend, closeBackend, err := OpenBackend(ctx, cfg, redisClient)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if closeBackend != nil {
		a.closers = append(a.closers, closeBackend)
	}
	logg.Info(logg.WithField(ctx, "driver", cfg.StoreDriver), "event store backend ready")

	locker, err := NewLocker(cfg, redisClient)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	a.Locker = locker

	pub, closePub, err := NewPublisher(ctx, cfg, redisClient)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	if closePub != nil {
		a.closers = append(a.closers, closePub)
	}
	a.Notifier = events.NewNotifier(pub, events.NotifierOptions{
		Logger:  logg,
		Metrics: a.Metrics,
		Async:   cfg.PublishAsync,
	})

	a.Store = store.New(backend)
	a.Orchestrator = dedup.New(a.Store, dedup.Options{
		Finder:   matching.New(matching.Options{FuzzyWindow: cfg.FuzzyWindow, RaceWindow: cfg.RaceWindow}),
		Locker:   locker,
		LockTTL:  cfg.LockTTL,
		Notifier: a.Notifier,
		Metrics:  a.Metrics,
		Logger:   logg,
	})
	a.Service, err = service.New(service.Params{
		Store:        a.Store,
		Orchestrator: a.Orchestrator,
		Notifier:     a.Notifier,
		Cache:        NewProjectionCache(cfg, redisClient),
		CacheTTL:     cfg.CacheTTL,
		Logger:       logg,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// Close drains background work and releases connections in reverse order.
func (a *App) Close() error {
	if a.Service != nil {
		a.Service.Wait()
	}
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}

func NewRedisClient(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis unavailable at %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// OpenBackend returns the durable backend for cfg.StoreDriver and, when the
// backend holds a connection or file handle, its close function.
func OpenBackend(ctx context.Context, cfg config.Config, redisClient *redis.Client) (store.Backend, func() error, error) {
	switch cfg.StoreDriver {
	case config.StoreMemory:
		if cfg.SeedDemo {
			return memory.NewSeeded(), nil, nil
		}
		return memory.New(), nil, nil
	case config.StorePostgres:
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres: %w", err)
		}
		return pg, pg.Close, nil
	case config.StoreSQLite:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite: %w", err)
		}
		return db, db.Close, nil
	case config.StorePebble:
		db, err := kv.OpenPebble(cfg.PebbleDir)
		if err != nil {
			return nil, nil, fmt.Errorf("pebble: %w", err)
		}
		return db, db.Close, nil
	case config.StoreRedis:
		if redisClient == nil {
			return nil, nil, errors.New("redis store requires a redis client")
		}
		return redisstore.New(redisClient, cfg.RedisKey), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

func NewLocker(cfg config.Config, redisClient *redis.Client) (lock.Locker, error) {
	if cfg.LockDriver == config.LockRedis {
		if redisClient == nil {
			return nil, errors.New("redis lock requires a redis client")
		}
		l, err := lock.NewRedis(lock.FromClient(redisClient), "")
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	return lock.NewMemory(), nil
}

func NewPublisher(ctx context.Context, cfg config.Config, redisClient *redis.Client) (events.Publisher, func() error, error) {
	switch cfg.PublisherDriver {
	case config.PublisherKafka:
		k, err := events.NewKafka(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, nil, err
		}
		return k, k.Close, nil
	case config.PublisherRedis:
		if redisClient == nil {
			return nil, nil, errors.New("redis publisher requires a redis client")
		}
		return events.NewRedisChannel(redisClient, cfg.RedisChannel), nil, nil
	case config.PublisherPubSub:
		p, err := events.NewPubSub(ctx, cfg.GCPProjectID, cfg.PubSubTopic)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub: %w", err)
		}
		return p, p.Close, nil
	default:
		return events.Noop{}, nil, nil
	}
}

func NewProjectionCache(cfg config.Config, redisClient *redis.Client) cache.ProjectionCache {
	switch {
	case cfg.CacheDriver == config.CacheRedis && redisClient != nil:
		return cache.NewRedisProjectionCache(redisClient)
	case cfg.CacheDriver == config.CacheMemory:
		return cache.NewMemoryProjectionCache()
	default:
		return cache.NoopProjectionCache{}
	}
}
