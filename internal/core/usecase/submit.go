package usecase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/oculab/fundus-assistant/internal/core/domain"
	"github.com/oculab/fundus-assistant/internal/core/ports"
)

type SubmitBatchUseCase struct {
	registry ports.TaskRegistry
	parser   ports.WorkbookParser
	storage  ports.ObjectStorage
	queue    ports.MessageQueue
}

func NewSubmitBatchUseCase(
	registry ports.TaskRegistry,
	parser ports.WorkbookParser,
	storage ports.ObjectStorage,
	queue ports.MessageQueue,
) *SubmitBatchUseCase {
	return &SubmitBatchUseCase{
		registry: registry,
		parser:   parser,
		storage:  storage,
		queue:    queue,
	}
}

// Submit validates the uploaded workbook, persists it, registers a pending
// task and hands it to the worker. Ingest errors surface synchronously so the
// caller can show why a file was rejected. Submissions are single-flight by
// convention: a new batch is refused only while one is actively processing.
func (uc *SubmitBatchUseCase) Submit(ctx context.Context, filename string, body io.Reader) (*domain.BatchTask, error) {
	if live, ok := uc.registry.Live(ctx); ok && live.Status == domain.TaskProcessing {
		return nil, domain.WrapError(domain.ErrConflict, "submit batch", fmt.Errorf("task %s is still processing", live.ID))
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}

	rows, err := uc.parser.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	storageKey := fmt.Sprintf("%s_%s", uuid.NewString(), sanitizeFilename(filename))
	if err := uc.storage.Save(ctx, storageKey, bytes.NewReader(raw)); err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "save workbook", err)
	}

	task, err := uc.registry.Create(ctx, len(rows), storageKey)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if err := uc.queue.PublishBatchSubmitted(ctx, task.ID); err != nil {
		return nil, fmt.Errorf("publish submission event: %w", err)
	}
	return task, nil
}

func sanitizeFilename(name string) string {
	base := filepath.Base(name)
	base = strings.ReplaceAll(base, " ", "_")
	base = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r
		case r >= 'A' && r <= 'Z':
			return r
		case r >= '0' && r <= '9':
			return r
		case r == '.', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, base)
	if base == "" {
		return "batch.xlsx"
	}
	return base
}
