package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/oculab/fundus-assistant/internal/core/domain"
)

type submitRegistryFake struct {
	live    *domain.BatchTask
	created *domain.BatchTask
}

func (f *submitRegistryFake) Create(_ context.Context, totalItems int, sourceKey string) (*domain.BatchTask, error) {
	f.created = &domain.BatchTask{
		ID:         "task-1",
		Status:     domain.TaskPending,
		TotalItems: totalItems,
		SourceKey:  sourceKey,
	}
	return f.created, nil
}

func (f *submitRegistryFake) Update(context.Context, string, domain.TaskPatch) {}

func (f *submitRegistryFake) Get(context.Context, string) (*domain.BatchTask, bool) {
	return nil, false
}

func (f *submitRegistryFake) Live(context.Context) (*domain.BatchTask, bool) {
	return f.live, f.live != nil
}

func (f *submitRegistryFake) History(context.Context) []*domain.BatchTask {
	return nil
}

type submitParserFake struct {
	rows []domain.RowRecord
	err  error
}

func (f *submitParserFake) Parse(io.Reader) ([]domain.RowRecord, error) {
	return f.rows, f.err
}

func (f *submitParserFake) Preview(io.Reader, int) (*domain.BatchPreview, error) {
	return nil, errors.New("not implemented")
}

type submitStorageFake struct {
	savedKey  string
	savedBody string
	err       error
}

func (f *submitStorageFake) Save(_ context.Context, key string, data io.Reader) error {
	if f.err != nil {
		return f.err
	}
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.savedKey = key
	f.savedBody = string(raw)
	return nil
}

func (f *submitStorageFake) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}

type submitQueueFake struct {
	taskID string
	err    error
}

func (f *submitQueueFake) PublishBatchSubmitted(_ context.Context, taskID string) error {
	if f.err != nil {
		return f.err
	}
	f.taskID = taskID
	return nil
}

func (f *submitQueueFake) SubscribeBatchSubmitted(context.Context, func(context.Context, string) error) error {
	return errors.New("not implemented")
}

func TestSubmitSuccess(t *testing.T) {
	registry := &submitRegistryFake{}
	parser := &submitParserFake{rows: []domain.RowRecord{
		{PatientID: "P1", LeftEyePath: "l.jpg"},
		{PatientID: "P2", RightEyePath: "r.jpg"},
	}}
	storage := &submitStorageFake{}
	queue := &submitQueueFake{}
	uc := NewSubmitBatchUseCase(registry, parser, storage, queue)

	task, err := uc.Submit(context.Background(), "batch 2026.xlsx", bytes.NewBufferString("xlsx-bytes"))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if task.TotalItems != 2 {
		t.Fatalf("expected 2 total items, got %d", task.TotalItems)
	}
	if queue.taskID != task.ID {
		t.Fatalf("expected queued task id %s, got %s", task.ID, queue.taskID)
	}
	if !strings.HasSuffix(storage.savedKey, "_batch_2026.xlsx") {
		t.Fatalf("expected sanitized key suffix, got %s", storage.savedKey)
	}
	if storage.savedBody != "xlsx-bytes" {
		t.Fatalf("expected the raw upload persisted, got %q", storage.savedBody)
	}
	if registry.created.SourceKey != storage.savedKey {
		t.Fatalf("task source key %s does not match storage key %s", registry.created.SourceKey, storage.savedKey)
	}
}

func TestSubmitRefusedWhileProcessing(t *testing.T) {
	registry := &submitRegistryFake{live: &domain.BatchTask{ID: "busy", Status: domain.TaskProcessing}}
	uc := NewSubmitBatchUseCase(registry, &submitParserFake{}, &submitStorageFake{}, &submitQueueFake{})

	_, err := uc.Submit(context.Background(), "batch.xlsx", bytes.NewBufferString("x"))
	if !domain.IsKind(err, domain.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSubmitAllowedAfterTerminalTask(t *testing.T) {
	registry := &submitRegistryFake{live: &domain.BatchTask{ID: "done", Status: domain.TaskSuccess}}
	parser := &submitParserFake{rows: []domain.RowRecord{{PatientID: "P1", LeftEyePath: "l.jpg"}}}
	uc := NewSubmitBatchUseCase(registry, parser, &submitStorageFake{}, &submitQueueFake{})

	if _, err := uc.Submit(context.Background(), "batch.xlsx", bytes.NewBufferString("x")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
}

func TestSubmitSurfacesIngestErrors(t *testing.T) {
	parser := &submitParserFake{err: domain.WrapError(domain.ErrMissingField, "ingest", errors.New("row 3: patient id is empty"))}
	uc := NewSubmitBatchUseCase(&submitRegistryFake{}, parser, &submitStorageFake{}, &submitQueueFake{})

	_, err := uc.Submit(context.Background(), "batch.xlsx", bytes.NewBufferString("x"))
	if !domain.IsKind(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if !strings.Contains(err.Error(), "row 3") {
		t.Fatalf("expected row detail surfaced, got %v", err)
	}
}

func TestSubmitQueueError(t *testing.T) {
	parser := &submitParserFake{rows: []domain.RowRecord{{PatientID: "P1", LeftEyePath: "l.jpg"}}}
	queue := &submitQueueFake{err: errors.New("nats down")}
	uc := NewSubmitBatchUseCase(&submitRegistryFake{}, parser, &submitStorageFake{}, queue)

	_, err := uc.Submit(context.Background(), "batch.xlsx", bytes.NewBufferString("x"))
	if err == nil || !strings.Contains(err.Error(), "publish submission event") {
		t.Fatalf("expected publish error, got %v", err)
	}
}
