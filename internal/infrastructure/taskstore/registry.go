package taskstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oculab/fundus-assistant/internal/core/domain"
	"github.com/oculab/fundus-assistant/internal/core/ports"
)

// Registry is the in-memory source of truth for batch tasks: one live slot,
// plus a newest-first history of every task created in the session. When a
// mirror is configured every write goes through to it best-effort, and Get
// falls back to it for tasks created by another process.
type Registry struct {
	mu      sync.RWMutex
	live    string
	tasks   map[string]*domain.BatchTask
	order   []string
	mirror  ports.TaskHistoryRepository
	nowFunc func() time.Time
}

type Option func(*Registry)

// WithMirror attaches a durable history repository behind the registry.
func WithMirror(mirror ports.TaskHistoryRepository) Option {
	return func(r *Registry) {
		r.mirror = mirror
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.nowFunc = now
	}
}

func New(opts ...Option) *Registry {
	r := &Registry{
		tasks:   make(map[string]*domain.BatchTask),
		nowFunc: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hydrate loads existing history from the mirror, oldest last. Tasks already
// registered in memory win over their mirrored copies.
func (r *Registry) Hydrate(ctx context.Context) error {
	if r.mirror == nil {
		return nil
	}
	tasks, err := r.mirror.List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range tasks {
		task := tasks[i]
		if _, ok := r.tasks[task.ID]; ok {
			continue
		}
		r.tasks[task.ID] = &task
		r.order = append(r.order, task.ID)
	}
	return nil
}

func (r *Registry) Create(ctx context.Context, totalItems int, sourceKey string) (*domain.BatchTask, error) {
	task := &domain.BatchTask{
		ID:         uuid.NewString(),
		Status:     domain.TaskPending,
		TotalItems: totalItems,
		SourceKey:  sourceKey,
		StartedAt:  r.nowFunc(),
	}

	r.mu.Lock()
	r.tasks[task.ID] = task
	r.order = append([]string{task.ID}, r.order...)
	r.live = task.ID
	r.mu.Unlock()

	r.mirrorSave(ctx, task)
	return snapshot(task), nil
}

// Update merges the patch into the registered task. Unknown ids are a silent
// no-op: task identity is always self-issued by Create.
func (r *Registry) Update(ctx context.Context, taskID string, patch domain.TaskPatch) {
	r.mu.Lock()
	task, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return
	}
	patch.Apply(task)
	updated := snapshot(task)
	r.mu.Unlock()

	r.mirrorSave(ctx, updated)
}

func (r *Registry) Get(ctx context.Context, taskID string) (*domain.BatchTask, bool) {
	r.mu.RLock()
	task, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if ok {
		return snapshot(task), true
	}
	if r.mirror == nil {
		return nil, false
	}

	mirrored, err := r.mirror.Get(ctx, taskID)
	if err != nil {
		return nil, false
	}

	r.mu.Lock()
	if existing, ok := r.tasks[mirrored.ID]; ok {
		mirrored = snapshot(existing)
	} else {
		r.tasks[mirrored.ID] = mirrored
		r.insertOrderedLocked(mirrored.ID, mirrored.StartedAt)
	}
	r.mu.Unlock()
	return snapshot(mirrored), true
}

// insertOrderedLocked places a task installed from the mirror at its
// newest-first position by start time, so an old task read back by id after a
// restart does not jump above more recent history.
func (r *Registry) insertOrderedLocked(taskID string, startedAt time.Time) {
	idx := len(r.order)
	for i, id := range r.order {
		existing, ok := r.tasks[id]
		if !ok {
			continue
		}
		if startedAt.After(existing.StartedAt) {
			idx = i
			break
		}
	}
	r.order = append(r.order, "")
	copy(r.order[idx+1:], r.order[idx:])
	r.order[idx] = taskID
}

func (r *Registry) Live(_ context.Context) (*domain.BatchTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[r.live]
	if !ok {
		return nil, false
	}
	return snapshot(task), true
}

func (r *Registry) History(_ context.Context) []*domain.BatchTask {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.BatchTask, 0, len(r.order))
	for _, id := range r.order {
		if task, ok := r.tasks[id]; ok {
			out = append(out, snapshot(task))
		}
	}
	return out
}

// mirrorSave is best-effort: in-memory state stays authoritative and a mirror
// write failure must not interrupt the processing loop.
func (r *Registry) mirrorSave(ctx context.Context, task *domain.BatchTask) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.Save(ctx, task); err != nil {
		slog.Warn("task_mirror_write_failed", "task_id", task.ID, "error", err)
	}
}

func snapshot(task *domain.BatchTask) *domain.BatchTask {
	out := *task
	if task.Results != nil {
		out.Results = make([]domain.ResultRecord, len(task.Results))
		copy(out.Results, task.Results)
	}
	return &out
}
