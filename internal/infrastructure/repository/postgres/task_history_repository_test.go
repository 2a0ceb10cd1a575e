package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/oculab/fundus-assistant/internal/core/domain"
)

func TestTaskHistoryRepositorySaveUpserts(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewTaskHistoryRepository(db)
	completedAt := time.Now().UTC()
	task := &domain.BatchTask{
		ID:             "t-1",
		Status:         domain.TaskSuccess,
		Progress:       100,
		TotalItems:     2,
		ProcessedItems: 2,
		SourceKey:      "key.xlsx",
		StartedAt:      completedAt.Add(-time.Minute),
		CompletedAt:    &completedAt,
		Results:        []domain.ResultRecord{{PatientID: "P1", Status: domain.RowSuccess}},
	}

	mock.ExpectExec("INSERT INTO batch_tasks").
		WithArgs("t-1", "success", 100, 2, 2, "key.xlsx", task.StartedAt, task.CompletedAt, sqlmock.AnyArg(), "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Save(context.Background(), task); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTaskHistoryRepositoryGetScansResults(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewTaskHistoryRepository(db)
	startedAt := time.Now().UTC()
	completedAt := startedAt.Add(time.Minute)
	resultsJSON := `[{"patient_id":"P1","status":"success","label":"增殖期 PDR","label_confidence":0.91,"grade":4,"processed_at":"2026-03-01T10:00:00Z"}]`

	rows := sqlmock.NewRows([]string{
		"id", "status", "progress", "total_items", "processed_items",
		"source_key", "started_at", "completed_at", "results", "error_message",
	}).AddRow("t-1", "success", 100, 1, 1, "key.xlsx", startedAt, completedAt, []byte(resultsJSON), "")

	mock.ExpectQuery("FROM batch_tasks").
		WithArgs("t-1").
		WillReturnRows(rows)

	task, err := repo.Get(context.Background(), "t-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if task.Status != domain.TaskSuccess {
		t.Fatalf("unexpected status %s", task.Status)
	}
	if task.CompletedAt == nil || !task.CompletedAt.Equal(completedAt) {
		t.Fatalf("unexpected completed_at %v", task.CompletedAt)
	}
	if len(task.Results) != 1 || task.Results[0].Grade != 4 {
		t.Fatalf("unexpected results %+v", task.Results)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTaskHistoryRepositoryGetMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewTaskHistoryRepository(db)
	mock.ExpectQuery("FROM batch_tasks").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = repo.Get(context.Background(), "missing")
	if !domain.IsKind(err, domain.ErrTaskNotFound) {
		t.Fatalf("expected task not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestTaskHistoryRepositoryListOrdersNewestFirst(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	repo := NewTaskHistoryRepository(db)
	startedAt := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "status", "progress", "total_items", "processed_items",
		"source_key", "started_at", "completed_at", "results", "error_message",
	}).
		AddRow("t-2", "processing", 40, 5, 2, "b.xlsx", startedAt, nil, nil, "").
		AddRow("t-1", "error", 0, 3, 0, "a.xlsx", startedAt.Add(-time.Hour), nil, nil, "open workbook: boom")

	mock.ExpectQuery("ORDER BY started_at DESC").
		WillReturnRows(rows)

	tasks, err := repo.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "t-2" {
		t.Fatalf("unexpected list %+v", tasks)
	}
	if tasks[1].Error != "open workbook: boom" {
		t.Fatalf("expected error message preserved, got %q", tasks[1].Error)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}
