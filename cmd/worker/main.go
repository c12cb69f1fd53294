package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/dealflow/internal/bootstrap"
	"github.com/kirillkom/dealflow/internal/config"
	"github.com/kirillkom/dealflow/internal/core/domain"
	"github.com/kirillkom/dealflow/internal/observability/logging"
	"github.com/kirillkom/dealflow/internal/observability/metrics"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("dealflow-worker", cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, "worker", logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metrics.Handler(app.Registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker_metrics_server_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	schedulers := app.SnoozeSchedulers()
	for _, s := range schedulers {
		if err := s.Start(ctx); err != nil {
			log.Fatalf("start snooze scheduler: %v", err)
		}
	}
	defer func() {
		for _, s := range schedulers {
			s.Stop()
		}
	}()

	logger.Info("worker_subscribed", "subject", cfg.NATSEventsSubject, "snooze_schedulers", len(schedulers))
	err = app.Queue.SubscribeScoreEvents(ctx, func(handlerCtx context.Context, events []domain.ScoreEvent) error {
		done := app.Pipeline.StartBatch(events, time.Now())
		defer done()

		batchCtx, cancel := context.WithTimeout(handlerCtx, 2*time.Minute)
		defer cancel()
		return appendBatch(batchCtx, app.ScoreUC, events, logger)
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}
}
