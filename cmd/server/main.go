// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/unclebandit/crm-messaging/internal/bootstrap"
	"github.com/unclebandit/crm-messaging/internal/config"
	"github.com/unclebandit/crm-messaging/internal/logger"
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

	for _, w := range cfg.Warnings() {
		zlog.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, zlog)
	if err != nil {
		zlog.Fatal("bootstrap failed", zap.Error(err))
	}
	defer app.Close()

	// With the in-memory bus nobody else can consume events, so the server
	// runs the automation worker itself.
	if cfg.EventBus == "memory" {
		if err := app.SubscribeAutomation(); err != nil {
			zlog.Fatal("subscribe automation", zap.Error(err))
		}
		go app.Scheduler.Start(ctx)
	} else {
		// Statuses that arrive before the worker's send is acknowledged are
		// buffered in this process, so it replays them on its own ticker.
		go app.Scheduler.StartStatusRetry(ctx)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		zlog.Info("server listening", zap.String("addr", srv.Addr), zap.String("env", cfg.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	zlog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("graceful shutdown failed", zap.Error(err))
	}
}
