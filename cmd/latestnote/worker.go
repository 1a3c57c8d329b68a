package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/sharkey-go/latestnote/internal/events"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newWorkerCommand() *cobra.Command {
	var consumerName string
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Apply queued note lifecycle events to the projection",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker(cmd.Context(), consumerName)
		},
	}
	cmd.Flags().StringVar(&consumerName, "consumer-name", "", "AMQP consumer tag (broker generated when empty)")
	return cmd
}

func runWorker(ctx context.Context, consumerName string) error {
	app, err := newApplication(ctx)
	if err != nil {
		return err
	}
	defer app.close(context.Background())

	connection, err := app.dialBroker()
	if err != nil {
		return err
	}
	scheduler := app.newScheduler()
	projection, err := app.newProjection(scheduler, nil)
	if err != nil {
		return err
	}
	consumer, err := events.NewConsumer(events.ConsumerConfig{
		Channel: connection.Channel(),
		Queue:   app.config.AMQPQueue,
		Name:    consumerName,
		Handler: projection,
		Logger:  app.logger.Named("EventConsumer"),
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runErr := consumer.Run(signalCtx)

	drainCtx, cancel := context.WithTimeout(context.Background(), app.config.SchedulerShutdownTimeout)
	defer cancel()
	if err := scheduler.Shutdown(drainCtx); err != nil {
		app.logger.Warn("projection tasks abandoned at shutdown", zap.Error(err))
	}
	return runErr
}
