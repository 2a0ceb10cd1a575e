package usecase

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/oculab/fundus-assistant/internal/core/domain"
	"github.com/oculab/fundus-assistant/internal/core/ports"
)

// DelayFunc is the engine's single suspension point, injected so tests can
// run with zero latency.
type DelayFunc func(ctx context.Context) error

// CompletionFunc receives the full result sequence after a successful run.
type CompletionFunc func(taskID string, results []domain.ResultRecord)

// RandomDelay waits a uniformly random duration in [min, max], honoring
// context cancellation.
func RandomDelay(min, max time.Duration, rng *rand.Rand) DelayFunc {
	if max < min {
		max = min
	}
	return func(ctx context.Context) error {
		wait := min
		if span := max - min; span > 0 {
			wait += time.Duration(rng.Int63n(int64(span) + 1))
		}
		if wait <= 0 {
			return ctx.Err()
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
}

// ProcessBatchUseCase is the simulated processing engine: a strictly
// sequential per-row loop that owns the task for the duration of the run and
// pushes every transition through the registry.
type ProcessBatchUseCase struct {
	registry ports.TaskRegistry
	storage  ports.ObjectStorage
	parser   ports.WorkbookParser

	delay          DelayFunc
	rng            *rand.Rand
	rowFailureRate float64
	onComplete     CompletionFunc
	nowFunc        func() time.Time
}

type ProcessOptions struct {
	Delay DelayFunc
	// Rand drives the per-row coin flip and the synthesized diagnostic
	// values; seed it for deterministic tests.
	Rand           *rand.Rand
	RowFailureRate float64
	OnComplete     CompletionFunc
	Now            func() time.Time
}

func NewProcessBatchUseCase(
	registry ports.TaskRegistry,
	storage ports.ObjectStorage,
	parser ports.WorkbookParser,
	opts ProcessOptions,
) *ProcessBatchUseCase {
	uc := &ProcessBatchUseCase{
		registry:       registry,
		storage:        storage,
		parser:         parser,
		delay:          opts.Delay,
		rng:            opts.Rand,
		rowFailureRate: opts.RowFailureRate,
		onComplete:     opts.OnComplete,
		nowFunc:        opts.Now,
	}
	if uc.delay == nil {
		uc.delay = func(context.Context) error { return nil }
	}
	if uc.rng == nil {
		uc.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if uc.rowFailureRate <= 0 || uc.rowFailureRate >= 1 {
		uc.rowFailureRate = 0.15
	}
	if uc.nowFunc == nil {
		uc.nowFunc = func() time.Time { return time.Now().UTC() }
	}
	return uc
}

func (uc *ProcessBatchUseCase) ProcessByID(ctx context.Context, taskID string) error {
	task, ok := uc.registry.Get(ctx, taskID)
	if !ok {
		return domain.WrapError(domain.ErrTaskNotFound, "process batch", fmt.Errorf("id=%s", taskID))
	}

	// Loading the stored workbook is part of the run: the task enters
	// Processing first, so a load failure still walks through Processing
	// before settling in Error.
	uc.markProcessing(ctx, taskID)

	rows, err := uc.loadRows(ctx, task)
	if err != nil {
		uc.markFailed(ctx, taskID, 0, 0, err)
		return err
	}

	results, completed, err := uc.runLoop(ctx, taskID, rows)
	if err != nil {
		// Partial results are discarded on purpose: the task exposes no
		// results in the error state.
		uc.markFailed(ctx, taskID, completed, len(rows), err)
		return err
	}

	uc.markSucceeded(ctx, taskID, results)
	if uc.onComplete != nil {
		uc.onComplete(taskID, results)
	}
	return nil
}

func (uc *ProcessBatchUseCase) loadRows(ctx context.Context, task *domain.BatchTask) ([]domain.RowRecord, error) {
	src, err := uc.storage.Open(ctx, task.SourceKey)
	if err != nil {
		return nil, domain.WrapError(domain.ErrStorage, "open workbook", err)
	}
	defer src.Close()

	rows, err := uc.parser.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("reparse workbook: %w", err)
	}
	return rows, nil
}

// runLoop returns the synthesized results and the number of rows that fully
// completed before any failure.
func (uc *ProcessBatchUseCase) runLoop(ctx context.Context, taskID string, rows []domain.RowRecord) ([]domain.ResultRecord, int, error) {
	total := len(rows)
	results := make([]domain.ResultRecord, 0, total)

	for i, row := range rows {
		processed := i + 1
		progress := int(math.Round(float64(processed) / float64(total) * 100))
		uc.registry.Update(ctx, taskID, domain.TaskPatch{
			ProcessedItems: &processed,
			Progress:       &progress,
		})

		if err := uc.delay(ctx); err != nil {
			return nil, i, fmt.Errorf("row %d: %w", processed, err)
		}

		results = append(results, uc.synthesize(row))
	}
	return results, total, nil
}

// synthesize fabricates one diagnostic outcome. The row's own status flag is
// cosmetic data: it never stops the loop or affects the task's terminal
// state.
func (uc *ProcessBatchUseCase) synthesize(row domain.RowRecord) domain.ResultRecord {
	status := domain.RowSuccess
	if uc.rng.Float64() < uc.rowFailureRate {
		status = domain.RowError
	}

	class := domain.DiagnosisClasses[uc.rng.Intn(len(domain.DiagnosisClasses))]
	result := domain.ResultRecord{
		PatientID:       row.PatientID,
		Status:          status,
		Label:           class.Label,
		LabelConfidence: uc.confidence(),
		Grade:           class.Grade,
		ProcessedAt:     uc.nowFunc(),
	}
	if row.LeftEyePath != "" {
		result.LeftSeverity = uc.severity()
		result.LeftConfidence = uc.confidence()
	}
	if row.RightEyePath != "" {
		result.RightSeverity = uc.severity()
		result.RightConfidence = uc.confidence()
	}
	return result
}

func (uc *ProcessBatchUseCase) severity() domain.Severity {
	return domain.Severities[uc.rng.Intn(len(domain.Severities))]
}

func (uc *ProcessBatchUseCase) confidence() float64 {
	return 0.5 + uc.rng.Float64()*0.5
}

func (uc *ProcessBatchUseCase) markProcessing(ctx context.Context, taskID string) {
	status := domain.TaskProcessing
	zero := 0
	uc.registry.Update(ctx, taskID, domain.TaskPatch{
		Status:         &status,
		Progress:       &zero,
		ProcessedItems: &zero,
	})
}

func (uc *ProcessBatchUseCase) markSucceeded(ctx context.Context, taskID string, results []domain.ResultRecord) {
	status := domain.TaskSuccess
	full := 100
	now := uc.nowFunc()
	uc.registry.Update(ctx, taskID, domain.TaskPatch{
		Status:      &status,
		Progress:    &full,
		CompletedAt: &now,
		Results:     results,
	})
}

// markFailed settles the task in the error state. Progress is wound back to
// the last fully completed row and capped at 99: exactly 100 belongs to the
// success state alone.
func (uc *ProcessBatchUseCase) markFailed(ctx context.Context, taskID string, completed, total int, processErr error) {
	status := domain.TaskError
	now := uc.nowFunc()
	message := processErr.Error()
	progress := failureProgress(completed, total)
	uc.registry.Update(ctx, taskID, domain.TaskPatch{
		Status:         &status,
		Progress:       &progress,
		ProcessedItems: &completed,
		CompletedAt:    &now,
		Error:          &message,
	})
}

func failureProgress(completed, total int) int {
	if completed <= 0 || total <= 0 {
		return 0
	}
	progress := int(math.Round(float64(completed) / float64(total) * 100))
	if progress > 99 {
		progress = 99
	}
	return progress
}
