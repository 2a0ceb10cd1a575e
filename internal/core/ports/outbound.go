package ports

import (
	"context"
	"io"

	"github.com/oculab/fundus-assistant/internal/core/domain"
)

// TaskRegistry is the single source of truth for batch task state. One task
// is live at a time; every task ever created stays in history, newest first.
type TaskRegistry interface {
	Create(ctx context.Context, totalItems int, sourceKey string) (*domain.BatchTask, error)
	// Update merges the patch into both the live slot and the history
	// entry. Unknown ids are a silent no-op: task identity is always
	// self-issued by Create.
	Update(ctx context.Context, taskID string, patch domain.TaskPatch)
	Get(ctx context.Context, taskID string) (*domain.BatchTask, bool)
	Live(ctx context.Context) (*domain.BatchTask, bool)
	History(ctx context.Context) []*domain.BatchTask
}

// TaskHistoryRepository is the durable mirror behind the registry.
type TaskHistoryRepository interface {
	Save(ctx context.Context, task *domain.BatchTask) error
	Get(ctx context.Context, taskID string) (*domain.BatchTask, error)
	List(ctx context.Context) ([]domain.BatchTask, error)
}

// WorkbookParser decodes an uploaded workbook into validated row records.
type WorkbookParser interface {
	Parse(r io.Reader) ([]domain.RowRecord, error)
	Preview(r io.Reader, limit int) (*domain.BatchPreview, error)
}

// ResultExporter serializes completed results into a downloadable workbook.
type ResultExporter interface {
	Export(results []domain.ResultRecord) ([]byte, error)
}

// ObjectStorage stores uploaded source workbooks.
type ObjectStorage interface {
	Save(ctx context.Context, key string, data io.Reader) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// MessageQueue hands submitted batches from the API to the worker.
type MessageQueue interface {
	PublishBatchSubmitted(ctx context.Context, taskID string) error
	SubscribeBatchSubmitted(ctx context.Context, handler func(context.Context, string) error) error
}

// KeyValueStore is the chat persistence adapter: string keys to JSON string
// values. SetMany is atomic; either every key is written or none are.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	SetMany(ctx context.Context, values map[string]string) error
}

// AssistantClient calls the external inference endpoint.
type AssistantClient interface {
	Generate(ctx context.Context, content string) (string, error)
	ChatComplete(ctx context.Context, messages []domain.PromptMessage) (string, error)
}
