package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"offlinequeue/internal/config"
	"offlinequeue/internal/connectivity"
	"offlinequeue/internal/database"
	"offlinequeue/internal/domain"
	"offlinequeue/internal/events"
	"offlinequeue/internal/janitor"
	"offlinequeue/internal/logging"
	"offlinequeue/internal/models"
	"offlinequeue/internal/offline"
	"offlinequeue/internal/remote"
	"offlinequeue/internal/repository"
	"offlinequeue/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const deadLetterLimit = 1000

var (
	errRemoteNotConfigured = errors.New("remote.base_url is not configured")
	errRedisNotConfigured  = errors.New("redis is not configured or unreachable")
)

// app holds the components shared by the CLI commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	closer io.Closer

	db          *database.DB
	store       domain.QueueStore
	redis       *redis.Client
	redisDLQ    *repository.RedisDeadLetter
	deadLetters domain.DeadLetterSink
	bus         *events.EventBus
	monitor     *connectivity.Monitor
	syncer      *worker.Syncer
	janitor     *janitor.Janitor
	service     *offline.Service
}

func loadConfigAndLogger(opts *RootOptions) (*config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "main").Logger()

	return cfg, logger, closer, nil
}

// newApp loads configuration and builds the queue stack. Without a connectivity
// monitor the service treats the host as always online.
func newApp(ctx context.Context, opts *RootOptions, withMonitor bool) (*app, error) {
	cfg, logger, closer, err := loadConfigAndLogger(opts)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, closer: closer, bus: events.NewEventBus()}

	if err := a.initStore(); err != nil {
		a.Close()
		return nil, err
	}

	if withMonitor {
		a.monitor = connectivity.NewMonitor(connectivity.Options{
			Debounce:    config.Duration(cfg.Connectivity.Debounce, models.DefaultDebounce),
			FireOnStart: cfg.Connectivity.FireOnStart,
			StartOnline: cfg.Connectivity.StartOnline,
		}, &logger)
	}

	a.redis = initRedis(ctx, cfg, &logger)
	a.deadLetters = a.initDeadLetters()

	a.janitor = janitor.New(a.store, a.deadLetters, a.bus, janitor.Policy{
		Horizon:    config.Duration(cfg.Retention.Horizon, models.DefaultRetentionHorizon),
		MaxRetries: cfg.Retention.MaxRetries,
		Interval:   config.Duration(cfg.Retention.Interval, models.DefaultCleanupInterval),
	}, &logger)

	if cfg.Remote.BaseURL != "" {
		client := remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.APIKey, config.Duration(cfg.Remote.Timeout, 10*time.Second))
		a.syncer = worker.NewSyncer(a.store, client, a.bus, worker.Options{
			ApplyTimeout: config.Duration(cfg.Sync.ApplyTimeout, models.DefaultApplyTimeout),
			MaxRetries:   cfg.Retention.MaxRetries,
			Limiter:      newLimiter(cfg.Sync),
		}, &logger)
	}

	a.service = offline.NewService(offline.Deps{
		Store:   a.store,
		Syncer:  a.syncer,
		Janitor: a.janitor,
		Monitor: a.monitor,
		Bus:     a.bus,
		Retry:   worker.NewRetryPolicy(cfg.Sync.Retry),
	}, &logger)

	return a, nil
}

func (a *app) initStore() error {
	switch a.cfg.Database.Driver {
	case config.DriverMemory:
		a.logger.Warn().Msg("memory driver selected, queued operations will not survive a restart")
		a.store = repository.NewMemoryStore()
	default:
		db, err := database.NewDB(a.cfg.Database.Path, &a.logger)
		if err != nil {
			a.logger.Error().Err(err).Str("db_path", a.cfg.Database.Path).Msg("init database")
			return err
		}
		a.db = db
		a.store = db
	}
	return nil
}

func (a *app) initDeadLetters() domain.DeadLetterSink {
	memory := repository.NewMemoryDeadLetter(deadLetterLimit)
	if a.redis == nil {
		return memory
	}
	a.redisDLQ = repository.NewRedisDeadLetter(a.redis, a.cfg.Redis.DeadLetterKey, deadLetterLimit)
	return repository.NewFailoverDeadLetter(a.redisDLQ, memory, &a.logger)
}

func (a *app) Close() {
	if a.service != nil {
		a.service.Close()
	}
	if a.redis != nil {
		_ = repository.Close(a.redis)
	}
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.closer != nil {
		_ = a.closer.Close()
	}
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func newLimiter(cfg config.SyncConfig) *rate.Limiter {
	if cfg.RateLimitRPS <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
}
