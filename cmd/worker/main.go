package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oculab/fundus-assistant/internal/bootstrap"
	"github.com/oculab/fundus-assistant/internal/config"
	"github.com/oculab/fundus-assistant/internal/core/domain"
	"github.com/oculab/fundus-assistant/internal/core/usecase"
	"github.com/oculab/fundus-assistant/internal/observability/logging"
	"github.com/oculab/fundus-assistant/internal/observability/metrics"
)

const serviceName = "worker"

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger(serviceName, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	go serveMetrics(cfg.WorkerMetricsPort, workerMetrics, logger)

	processUC := usecase.NewProcessBatchUseCase(app.Registry, app.Storage, app.Parser, usecase.ProcessOptions{
		Delay:          app.RowDelay(),
		RowFailureRate: cfg.BatchRowFailureRate,
		OnComplete: func(taskID string, results []domain.ResultRecord) {
			workerMetrics.AddRowsProcessed(serviceName, len(results))
			logger.Info("batch_completed", "task_id", taskID, "rows", len(results))
		},
	})

	logger.Info("worker_subscribed", "subject", cfg.NATSSubject)
	err = app.Queue.SubscribeBatchSubmitted(ctx, func(handlerCtx context.Context, taskID string) error {
		if task, ok := app.Registry.Get(handlerCtx, taskID); ok {
			workerMetrics.ObserveQueueLag(serviceName, time.Since(task.StartedAt))
		}

		workerMetrics.StartBatch()
		start := time.Now()
		processErr := processUC.ProcessByID(handlerCtx, taskID)
		workerMetrics.FinishBatch(serviceName, time.Since(start), processErr)
		return processErr
	})
	if err != nil {
		log.Fatalf("worker subscribe error: %v", err)
	}
}

func serveMetrics(port string, m *metrics.WorkerMetrics, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	logger.Info("worker_metrics_listening", "port", port)
	if err := http.ListenAndServe(":"+port, mux); err != nil {
		logger.Error("worker_metrics_server_error", "error", err)
	}
}
