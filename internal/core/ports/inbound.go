package ports

import (
	"context"
	"io"

	"github.com/oculab/fundus-assistant/internal/core/domain"
)

// BatchSubmitter is the inbound contract for batch submission orchestration.
type BatchSubmitter interface {
	Submit(ctx context.Context, filename string, body io.Reader) (*domain.BatchTask, error)
}

// BatchProcessor is the inbound contract for asynchronous batch processing.
type BatchProcessor interface {
	ProcessByID(ctx context.Context, taskID string) error
}
