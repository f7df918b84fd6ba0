// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/bootstrap"
	"github.com/unclebandit/crm-messaging/internal/config"
	"github.com/unclebandit/crm-messaging/internal/logger"
	"github.com/unclebandit/crm-messaging/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	zlog, closer, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer closer.Close()
	defer zlog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("bootstrap failed", zap.Error(err))
	}
	defer app.Close()

	if err := run(ctx, app); err != nil {
		zlog.Error("worker stopped", zap.Error(err))
	}
}

// run feeds domain events into the automation runner and ticks the scheduler
// until ctx is cancelled.
func run(ctx context.Context, app *bootstrap.App) error {
	if err := app.SubscribeAutomation(); err != nil {
		return err
	}
	go app.Scheduler.Start(ctx)

	amqpBus, ok := app.Bus.(*queue.AMQPBus)
	if !ok {
		app.Log.Warn("in-memory event bus: only events published by this process are consumed")
		<-ctx.Done()
		return nil
	}

	app.Log.Info("worker running, waiting for events")
	if err := amqpBus.Consume(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
