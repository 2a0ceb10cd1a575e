package taskstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/oculab/fundus-assistant/internal/core/domain"
)

type mirrorFake struct {
	saved   map[string]*domain.BatchTask
	listed  []domain.BatchTask
	saveErr error
	getErr  error
	listErr error
}

func newMirrorFake() *mirrorFake {
	return &mirrorFake{saved: map[string]*domain.BatchTask{}}
}

func (f *mirrorFake) Save(_ context.Context, task *domain.BatchTask) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	copyTask := *task
	f.saved[task.ID] = &copyTask
	return nil
}

func (f *mirrorFake) Get(_ context.Context, taskID string) (*domain.BatchTask, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	task, ok := f.saved[taskID]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	copyTask := *task
	return &copyTask, nil
}

func (f *mirrorFake) List(context.Context) ([]domain.BatchTask, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.listed, nil
}

func TestCreateSetsLiveAndHistory(t *testing.T) {
	registry := New()
	ctx := context.Background()

	first, err := registry.Create(ctx, 3, "a.xlsx")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	second, err := registry.Create(ctx, 5, "b.xlsx")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	live, ok := registry.Live(ctx)
	if !ok || live.ID != second.ID {
		t.Fatalf("expected newest task live, got %+v", live)
	}
	if live.Status != domain.TaskPending {
		t.Fatalf("expected pending, got %s", live.Status)
	}

	history := registry.History(ctx)
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].ID != second.ID || history[1].ID != first.ID {
		t.Fatalf("expected newest-first history order")
	}
}

func TestUpdateMergesPatch(t *testing.T) {
	registry := New()
	ctx := context.Background()
	task, _ := registry.Create(ctx, 4, "a.xlsx")

	status := domain.TaskProcessing
	progress := 50
	registry.Update(ctx, task.ID, domain.TaskPatch{Status: &status, Progress: &progress})

	got, ok := registry.Get(ctx, task.ID)
	if !ok {
		t.Fatalf("expected task")
	}
	if got.Status != domain.TaskProcessing || got.Progress != 50 {
		t.Fatalf("patch not applied: %+v", got)
	}
	if got.TotalItems != 4 {
		t.Fatalf("untouched field changed: %+v", got)
	}
}

func TestUpdateUnknownIDIsNoOp(t *testing.T) {
	registry := New()
	ctx := context.Background()
	registry.Create(ctx, 1, "a.xlsx")

	status := domain.TaskError
	registry.Update(ctx, "no-such-task", domain.TaskPatch{Status: &status})

	live, _ := registry.Live(ctx)
	if live.Status != domain.TaskPending {
		t.Fatalf("unknown-id update must not touch other tasks, got %s", live.Status)
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	registry := New()
	ctx := context.Background()
	task, _ := registry.Create(ctx, 1, "a.xlsx")

	results := []domain.ResultRecord{{PatientID: "P1", Status: domain.RowSuccess}}
	registry.Update(ctx, task.ID, domain.TaskPatch{Results: results})

	got, _ := registry.Get(ctx, task.ID)
	got.Results[0].PatientID = "mutated"
	got.Status = domain.TaskError

	again, _ := registry.Get(ctx, task.ID)
	if again.Results[0].PatientID != "P1" || again.Status != domain.TaskPending {
		t.Fatalf("snapshot mutation leaked into registry: %+v", again)
	}
}

func TestMirrorReceivesEveryWrite(t *testing.T) {
	mirror := newMirrorFake()
	registry := New(WithMirror(mirror))
	ctx := context.Background()

	task, _ := registry.Create(ctx, 2, "a.xlsx")
	if _, ok := mirror.saved[task.ID]; !ok {
		t.Fatalf("expected create mirrored")
	}

	status := domain.TaskSuccess
	registry.Update(ctx, task.ID, domain.TaskPatch{Status: &status})
	if mirror.saved[task.ID].Status != domain.TaskSuccess {
		t.Fatalf("expected update mirrored, got %s", mirror.saved[task.ID].Status)
	}
}

func TestMirrorFailureDoesNotSurface(t *testing.T) {
	mirror := newMirrorFake()
	mirror.saveErr = errors.New("db down")
	registry := New(WithMirror(mirror))

	task, err := registry.Create(context.Background(), 2, "a.xlsx")
	if err != nil {
		t.Fatalf("Create() must survive mirror failure: %v", err)
	}
	if _, ok := registry.Get(context.Background(), task.ID); !ok {
		t.Fatalf("task must exist in memory despite mirror failure")
	}
}

func TestGetFallsBackToMirror(t *testing.T) {
	mirror := newMirrorFake()
	mirror.saved["remote"] = &domain.BatchTask{
		ID:         "remote",
		Status:     domain.TaskPending,
		TotalItems: 7,
		StartedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	registry := New(WithMirror(mirror))
	ctx := context.Background()

	got, ok := registry.Get(ctx, "remote")
	if !ok {
		t.Fatalf("expected mirror fallback hit")
	}
	if got.TotalItems != 7 {
		t.Fatalf("unexpected mirrored task %+v", got)
	}

	// The mirrored task is installed; a follow-up update must stick.
	status := domain.TaskProcessing
	registry.Update(ctx, "remote", domain.TaskPatch{Status: &status})
	again, _ := registry.Get(ctx, "remote")
	if again.Status != domain.TaskProcessing {
		t.Fatalf("expected installed task updated, got %s", again.Status)
	}
}

func TestMirrorFallbackKeepsHistoryOrder(t *testing.T) {
	mirror := newMirrorFake()
	mirror.saved["old"] = &domain.BatchTask{
		ID:        "old",
		Status:    domain.TaskSuccess,
		StartedAt: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
	}

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	registry := New(WithMirror(mirror), WithClock(func() time.Time { return now }))
	ctx := context.Background()

	recent, err := registry.Create(ctx, 2, "recent.xlsx")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if _, ok := registry.Get(ctx, "old"); !ok {
		t.Fatalf("expected mirrored task to be found")
	}

	history := registry.History(ctx)
	if len(history) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(history))
	}
	if history[0].ID != recent.ID || history[1].ID != "old" {
		t.Fatalf("expected newest-first order, got %s then %s", history[0].ID, history[1].ID)
	}
}

func TestGetUnknownTask(t *testing.T) {
	registry := New(WithMirror(newMirrorFake()))
	if _, ok := registry.Get(context.Background(), "missing"); ok {
		t.Fatalf("expected miss for unknown task")
	}
}

func TestHydrateLoadsMirrorHistory(t *testing.T) {
	mirror := newMirrorFake()
	mirror.listed = []domain.BatchTask{
		{ID: "t2", Status: domain.TaskSuccess},
		{ID: "t1", Status: domain.TaskError},
	}
	registry := New(WithMirror(mirror))

	if err := registry.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate() error = %v", err)
	}

	history := registry.History(context.Background())
	if len(history) != 2 {
		t.Fatalf("expected 2 hydrated tasks, got %d", len(history))
	}
	if history[0].ID != "t2" {
		t.Fatalf("expected mirror order preserved, got %s first", history[0].ID)
	}
	if _, ok := registry.Live(context.Background()); ok {
		t.Fatalf("hydrated history must not claim the live slot")
	}
}
