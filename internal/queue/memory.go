package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/calsync-bridge/backend/internal/storage/models"
)

// Memory is the fast in-process backend. Tasks do not survive a restart;
// the store backend is the durable counterpart.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*models.DeletionCheckTask
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]*models.DeletionCheckTask)}
}

// Enqueue adds a task, collapsing duplicates that are still pending.
func (q *Memory) Enqueue(ctx context.Context, task *models.DeletionCheckTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, t := range q.tasks {
		if t.Status == models.TaskStatusPending &&
			t.CalendarID == task.CalendarID && t.EventID == task.EventID {
			return nil
		}
	}

	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	task.Status = models.TaskStatusPending

	cp := *task
	q.tasks[task.ID] = &cp
	return nil
}

// Claim takes ownership of up to limit pending tasks, oldest first.
func (q *Memory) Claim(ctx context.Context, limit int) ([]models.DeletionCheckTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var pending []*models.DeletionCheckTask
	for _, t := range q.tasks {
		if t.Status == models.TaskStatusPending {
			pending = append(pending, t)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
	})

	if len(pending) > limit {
		pending = pending[:limit]
	}

	now := time.Now().UTC()
	out := make([]models.DeletionCheckTask, 0, len(pending))
	for _, t := range pending {
		t.Status = models.TaskStatusProcessing
		t.Attempts++
		t.ClaimedAt = &now
		out = append(out, *t)
	}
	return out, nil
}

// Complete removes the task. Unknown ids report ErrTaskNotFound so the
// fallback chain can try the other backend.
func (q *Memory) Complete(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.tasks[taskID]; !ok {
		return fmt.Errorf("completing task %s: %w", taskID, ErrTaskNotFound)
	}
	delete(q.tasks, taskID)
	return nil
}

// Fail returns the task to pending.
func (q *Memory) Fail(ctx context.Context, taskID string, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return fmt.Errorf("failing task %s: %w", taskID, ErrTaskNotFound)
	}
	t.Status = models.TaskStatusPending
	t.LastError = &reason
	t.ClaimedAt = nil
	return nil
}

// PendingCount reports unclaimed tasks.
func (q *Memory) PendingCount(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, t := range q.tasks {
		if t.Status == models.TaskStatusPending {
			n++
		}
	}
	return n, nil
}
