package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sharkey-go/latestnote/internal/auth"
	"github.com/sharkey-go/latestnote/internal/events"
	"github.com/sharkey-go/latestnote/internal/feed"
	"github.com/sharkey-go/latestnote/internal/latestnote"
	"github.com/sharkey-go/latestnote/internal/notes"
	"github.com/sharkey-go/latestnote/internal/server"
	"github.com/sharkey-go/latestnote/internal/social"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const httpShutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func runServer(ctx context.Context) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close(context.Background())

	if err := app.config.RequireAuth(); err != nil {
		return err
	}
	sessions, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(app.config.AuthSigningSecret),
		Issuer:        app.config.AuthIssuer,
		CookieName:    app.config.AuthCookieName,
	})
	if err != nil {
		return err
	}

	realtime := server.NewRealtimeDispatcher()
	scheduler := app.newScheduler()
	projection, err := app.newProjection(scheduler, realtime)
	if err != nil {
		return err
	}

	var hooks notes.LifecycleHooks = projection
	if app.config.AMQPURL != "" {
		connection, err := app.dialBroker()
		if err != nil {
			return err
		}
		publisher, err := events.NewPublisher(events.PublisherConfig{
			Channel:  connection.Channel(),
			Queue:    app.config.AMQPQueue,
			Fallback: projection,
			Logger:   app.logger.Named("EventPublisher"),
		})
		if err != nil {
			return err
		}
		hooks = publisher
	}

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   app.db,
		IDProvider: notes.NewUUIDProvider(),
		Hooks:      hooks,
		Logger:     app.logger,
	})
	if err != nil {
		return err
	}

	socialStore := social.NewStore(app.db)
	followees, err := app.newFolloweeCache(ctx, socialStore)
	if err != nil {
		return err
	}
	socialService, err := social.NewService(social.ServiceConfig{
		Store:  socialStore,
		Cache:  followees,
		Logger: app.logger,
	})
	if err != nil {
		return err
	}
	feedService, err := feed.NewService(feed.ServiceConfig{
		Rows:   latestnote.NewStore(app.db),
		Notes:  notesService.Store(),
		Graph:  socialService,
		Logger: app.logger,
	})
	if err != nil {
		return err
	}

	sqlDB, err := app.db.DB()
	if err != nil {
		return err
	}
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions: sessions,
		Notes:    notesService,
		Social:   socialService,
		Feed:     feedService,
		Realtime: realtime,
		Metrics:  promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{}),
		Health:   sqlDB.PingContext,
		Logger:   app.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    app.config.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		serveErr = httpServer.Shutdown(shutdownCtx)
		cancel()
	case serveErr = <-errCh:
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), app.config.SchedulerShutdownTimeout)
	defer cancel()
	if err := scheduler.Shutdown(drainCtx); err != nil {
		app.logger.Warn("projection tasks abandoned at shutdown", zap.Int64("pending", scheduler.Pending()), zap.Error(err))
	}
	return serveErr
}
