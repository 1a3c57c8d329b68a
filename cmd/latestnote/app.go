package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sharkey-go/latestnote/internal/cache"
	"github.com/sharkey-go/latestnote/internal/config"
	"github.com/sharkey-go/latestnote/internal/database"
	"github.com/sharkey-go/latestnote/internal/events"
	"github.com/sharkey-go/latestnote/internal/latestnote"
	"github.com/sharkey-go/latestnote/internal/logging"
	"github.com/sharkey-go/latestnote/internal/notes"
	"github.com/sharkey-go/latestnote/internal/social"
	"github.com/sharkey-go/latestnote/internal/tracing"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serviceName = "latestnote"

// application holds what every command shares: configuration, logger, database and metrics.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	registry *prometheus.Registry
	metrics  *latestnote.Metrics
	closers  []func(context.Context) error
}

func newApplication(ctx context.Context) (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}
	app := &application{config: appConfig, logger: logger}
	app.closers = append(app.closers, func(context.Context) error {
		_ = logger.Sync()
		return nil
	})

	shutdownTracing, err := tracing.Init(serviceName, "", appConfig.JaegerEndpoint)
	if err != nil {
		app.close(ctx)
		return nil, fmt.Errorf("tracing: %w", err)
	}
	app.closers = append(app.closers, shutdownTracing)

	db, err := database.OpenAndMigrate(ctx, database.Config{
		Driver: appConfig.DatabaseDriver,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		app.close(ctx)
		return nil, err
	}
	app.db = db
	app.closers = append(app.closers, func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	app.metrics, err = latestnote.NewMetrics(app.registry)
	if err != nil {
		app.close(ctx)
		return nil, err
	}
	return app, nil
}

// close runs the registered closers in reverse order.
func (a *application) close(ctx context.Context) {
	for index := len(a.closers) - 1; index >= 0; index-- {
		if err := a.closers[index](ctx); err != nil {
			a.logger.Warn("shutdown step failed", zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *application) newScheduler() *latestnote.Scheduler {
	return latestnote.NewScheduler(latestnote.SchedulerConfig{
		Workers:   a.config.SchedulerWorkers,
		QueueSize: a.config.SchedulerQueueSize,
		Logger:    a.logger.Named("Scheduler"),
		Metrics:   a.metrics,
	})
}

func (a *application) newProjection(scheduler *latestnote.Scheduler, observer latestnote.ChangeObserver) (*latestnote.Service, error) {
	return latestnote.NewService(latestnote.ServiceConfig{
		Store:         latestnote.NewStore(a.db),
		Notes:         notes.NewStore(a.db),
		PruneDangling: a.config.PruneDangling,
		Observer:      observer,
		Metrics:       a.metrics,
		Scheduler:     scheduler,
		Logger:        a.logger,
	})
}

func (a *application) newRebuilder() (*latestnote.Rebuilder, error) {
	return latestnote.NewRebuilder(latestnote.RebuilderConfig{
		Store:         latestnote.NewStore(a.db),
		Notes:         notes.NewStore(a.db),
		PruneDangling: a.config.PruneDangling,
		Metrics:       a.metrics,
		Logger:        a.logger,
	})
}

func (a *application) newFolloweeCache(ctx context.Context, store *social.Store) (social.FolloweeCache, error) {
	switch a.config.CacheBackend {
	case config.CacheBackendRedis:
		client, err := cache.NewRedisClient(ctx, a.config.RedisAddress, a.config.RedisPassword, a.config.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		return cache.NewRedis[[]string](cache.RedisConfig{
			Client: client,
			Prefix: "latestnote:followees:",
			TTL:    a.config.CacheTTL,
			Logger: a.logger.Named("FolloweeCache"),
		}, store.Followees)
	default:
		return cache.NewLRU[[]string](a.config.CacheSize, a.config.CacheTTL, store.Followees)
	}
}

// dialBroker connects to AMQP and declares the event queue.
func (a *application) dialBroker() (*events.Connection, error) {
	if err := a.config.RequireAMQP(); err != nil {
		return nil, err
	}
	connection, err := events.Dial(a.config.AMQPURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func(context.Context) error { return connection.Close() })
	if err := events.DeclareQueue(connection.Channel(), a.config.AMQPQueue); err != nil {
		return nil, err
	}
	return connection, nil
}
