// Package app initializes and holds the long-lived engine services, acting
// as the dependency injection container for the seriesd commands.
package app

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/econgraph/seriesd/internal/attempts"
	attemptsmemory "github.com/econgraph/seriesd/internal/attempts/memory"
	attemptspostgres "github.com/econgraph/seriesd/internal/attempts/postgres"
	"github.com/econgraph/seriesd/internal/clock/system"
	"github.com/econgraph/seriesd/internal/config"
	"github.com/econgraph/seriesd/internal/engine"
	"github.com/econgraph/seriesd/internal/fetcher"
	"github.com/econgraph/seriesd/internal/id/uuid"
	"github.com/econgraph/seriesd/internal/observations"
	obsmemory "github.com/econgraph/seriesd/internal/observations/memory"
	obspostgres "github.com/econgraph/seriesd/internal/observations/postgres"
	"github.com/econgraph/seriesd/internal/publisher/pubsub"
	"github.com/econgraph/seriesd/internal/queue"
	queuememory "github.com/econgraph/seriesd/internal/queue/memory"
	queuepostgres "github.com/econgraph/seriesd/internal/queue/postgres"
	"github.com/econgraph/seriesd/internal/ratelimit"
	"github.com/econgraph/seriesd/internal/sources"
)

// App holds the shared, long-lived services. It is initialized once at
// startup and handed to the components that need it. An empty db.dsn wires
// the in-memory backends, which is the development and test mode.
type App struct {
	Cfg          config.Config
	Logger       *zap.Logger
	Clock        engine.Clock
	IDGen        engine.IDGenerator
	Limiter      *ratelimit.Limiter
	Registry     *sources.Registry
	Manager      queue.Manager
	Observations observations.Store
	Attempts     attempts.Store
	Recorder     *attempts.Recorder
	Publisher    engine.Publisher
	Fetchers     *fetcher.Registry

	closers []func()
}

// New builds the service graph from configuration. It fails fast if any
// critical backend cannot be initialized.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &App{
		Cfg:      cfg,
		Logger:   logger,
		Clock:    system.New(),
		IDGen:    uuid.New(),
		Fetchers: fetcher.NewRegistry(),
	}

	a.Limiter = ratelimit.New(cfg.RateLimit.DefaultPerMinute, a.Clock)
	a.Registry = sources.NewRegistry(registrySources(cfg))
	a.Registry.ApplyLimits(a.Limiter)

	backoff := engine.BackoffPolicy{
		BaseDelay:          time.Duration(cfg.Queue.BackoffBaseSeconds) * time.Second,
		PermanentBaseDelay: time.Duration(cfg.Queue.BackoffPermBaseSecs) * time.Second,
		MaxDelay:           time.Duration(cfg.Queue.BackoffMaxSeconds) * time.Second,
	}

	if cfg.DB.DSN != "" {
		manager, err := queuepostgres.NewManager(ctx, queuepostgres.Config{
			DSN:         cfg.DB.DSN,
			MaxConns:    int32(cfg.DB.MaxOpenConns),
			MinConns:    int32(cfg.DB.MinIdleConns),
			MaxAttempts: cfg.Queue.MaxAttempts,
			Backoff:     backoff,
		}, a.Limiter, a.Clock, a.IDGen)
		if err != nil {
			return nil, fmt.Errorf("init postgres queue: %w", err)
		}
		a.Manager = manager
		a.closers = append(a.closers, manager.Close)

		attemptStore, err := attemptspostgres.NewStore(ctx, attemptspostgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
			MinConns: int32(cfg.DB.MinIdleConns),
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init postgres attempt store: %w", err)
		}
		a.Attempts = attemptStore
		a.closers = append(a.closers, attemptStore.Close)

		obsStore, err := obspostgres.NewStore(ctx, obspostgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
			MinConns: int32(cfg.DB.MinIdleConns),
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init postgres observation store: %w", err)
		}
		a.Observations = obsStore
		a.closers = append(a.closers, obsStore.Close)
		logger.Info("postgres backends initialized")
	} else {
		a.Manager = queuememory.NewManager(a.Limiter, a.Clock, a.IDGen, queuememory.Config{
			MaxAttempts: cfg.Queue.MaxAttempts,
			Backoff:     backoff,
		})
		a.Attempts = attemptsmemory.NewStore()
		a.Observations = obsmemory.NewStore()
		logger.Info("in-memory backends initialized")
	}

	a.Recorder = attempts.NewRecorder(a.Attempts, a.Clock, cfg.Queue.ChronicFailureCutoff, logger.Named("recorder"))

	if cfg.PubSub.ProjectID != "" {
		pub, err := pubsub.New(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.Publisher = pub
		a.closers = append(a.closers, func() {
			if err := pub.Close(); err != nil {
				logger.Warn("pubsub close failed", zap.Error(err))
			}
		})
	}

	return a, nil
}

// Close releases all backend resources in reverse initialization order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func registrySources(cfg config.Config) []sources.Source {
	out := make([]sources.Source, 0, len(cfg.Sources))
	for _, s := range cfg.Sources {
		out = append(out, sources.Source{
			ID:                 s.ID,
			RateLimitPerMinute: s.RateLimitPerMinute,
			CrawlFrequency:     time.Duration(s.CrawlFrequencyHrs) * time.Hour,
			Enabled:            s.Enabled,
		})
	}
	return out
}
