package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpadapter "github.com/oculab/fundus-assistant/internal/adapters/http"
	"github.com/oculab/fundus-assistant/internal/bootstrap"
	"github.com/oculab/fundus-assistant/internal/config"
	"github.com/oculab/fundus-assistant/internal/core/usecase"
	"github.com/oculab/fundus-assistant/internal/observability/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.NewJSONLogger("api", cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("bootstrap error: %v", err)
	}
	defer app.Close()

	submitUC := usecase.NewSubmitBatchUseCase(app.Registry, app.Parser, app.Storage, app.Queue)
	router := httpadapter.NewRouter(httpadapter.Dependencies{
		Submit:   submitUC,
		Registry: app.Registry,
		Parser:   app.Parser,
		Exporter: app.Exporter,
		Chat:     app.Chat,
	}, cfg)

	server := &http.Server{
		Addr:         ":" + cfg.APIPort,
		Handler:      router.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("api server error: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("api_shutdown_error", "error", err)
	}
}
