package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oculab/fundus-assistant/internal/config"
	"github.com/oculab/fundus-assistant/internal/core/ports"
	"github.com/oculab/fundus-assistant/internal/core/usecase"
	"github.com/oculab/fundus-assistant/internal/infrastructure/llm/inference"
	"github.com/oculab/fundus-assistant/internal/infrastructure/queue/nats"
	"github.com/oculab/fundus-assistant/internal/infrastructure/repository/postgres"
	"github.com/oculab/fundus-assistant/internal/infrastructure/resilience"
	"github.com/oculab/fundus-assistant/internal/infrastructure/spreadsheet"
	"github.com/oculab/fundus-assistant/internal/infrastructure/storage/localfs"
	"github.com/oculab/fundus-assistant/internal/infrastructure/taskstore"
)

// App wires the shared infrastructure both binaries run on. The API and the
// worker each build their own use cases on top of these.
type App struct {
	Config config.Config

	Queue    ports.MessageQueue
	Registry *taskstore.Registry
	Storage  ports.ObjectStorage
	Parser   ports.WorkbookParser
	Exporter ports.ResultExporter
	Chat     *usecase.ChatEngine

	closeFn func()
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	db, err := postgres.OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	historyRepo := postgres.NewTaskHistoryRepository(db)
	if err := historyRepo.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	kvStore := postgres.NewKVRepository(db)

	storage, err := localfs.New(cfg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}

	queue, err := nats.New(cfg.NATSURL, cfg.NATSSubject)
	if err != nil {
		return nil, fmt.Errorf("init message queue: %w", err)
	}

	registry := taskstore.New(taskstore.WithMirror(historyRepo))
	if err := registry.Hydrate(ctx); err != nil {
		logger.Warn("task_registry_hydrate_failed", "error", err)
	}

	executor := resilience.NewExecutor(resilience.DefaultConfig())
	assistant := inference.New(cfg.InferenceURL, inference.WithResilienceExecutor(executor))

	chat := usecase.NewChatEngine(kvStore, assistant, usecase.ChatConfig{
		InferenceMode:      cfg.InferenceMode,
		ContextMessages:    cfg.ChatContextMessages,
		ContextMaxChars:    cfg.ChatContextMaxChars,
		KeepContextDefault: cfg.ChatKeepContextDefault,
	}, logger)
	chat.Hydrate(ctx)

	return &App{
		Config:   cfg,
		Queue:    queue,
		Registry: registry,
		Storage:  storage,
		Parser:   spreadsheet.NewIngestor(),
		Exporter: spreadsheet.NewExporter(),
		Chat:     chat,

		closeFn: func() {
			queue.Close()
			_ = db.Close()
		},
	}, nil
}

// RowDelay builds the per-row delay from the configured bounds.
func (a *App) RowDelay() usecase.DelayFunc {
	min := time.Duration(a.Config.BatchRowDelayMinMS) * time.Millisecond
	max := time.Duration(a.Config.BatchRowDelayMaxMS) * time.Millisecond
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return usecase.RandomDelay(min, max, rng)
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}
