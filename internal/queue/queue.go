// Package queue provides the deletion-check task queue with a fast
// in-memory backend and a durable store-backed backend. Consumers only
// depend on enqueue/claim/complete semantics, never on which backend is
// active.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/calsync-bridge/backend/internal/storage/models"
)

// ErrBackendUnavailable marks a failure of the queue backend itself, as
// opposed to a bad task. Producers fall back to the durable backend
// rather than dropping the task.
var ErrBackendUnavailable = errors.New("queue backend unavailable")

// ErrTaskNotFound marks a task id the backend does not hold. The
// fallback chain relies on it to route completion to the backend that
// owns the claim; swallowing an unknown id would leave the owning row
// processing until it goes stale, forever.
var ErrTaskNotFound = errors.New("task not found")

// Queue is the contract shared by all backends. Delivery is
// at-least-once: a claimed task that is never completed or failed will be
// reclaimed after its claim expires (store backend) or on restart
// (memory backend).
type Queue interface {
	// Enqueue adds a task. Duplicate (calendar_id, event_id) pairs with a
	// pending task are collapsed.
	Enqueue(ctx context.Context, task *models.DeletionCheckTask) error

	// Claim atomically takes ownership of up to limit pending tasks. A
	// task is never owned by two consumers at once.
	Claim(ctx context.Context, limit int) ([]models.DeletionCheckTask, error)

	// Complete marks a claimed task done.
	Complete(ctx context.Context, taskID string) error

	// Fail records an error on a claimed task and returns it to pending
	// for a later attempt.
	Fail(ctx context.Context, taskID string, reason string) error

	// PendingCount reports the number of unclaimed tasks.
	PendingCount(ctx context.Context) (int, error)
}

// WithFallback chains a primary queue to a durable fallback. Enqueue
// tries the primary first; on a backend failure the task goes to the
// fallback instead of being dropped. Claims drain both.
type WithFallback struct {
	primary  Queue
	fallback Queue
}

// NewWithFallback builds the chained queue.
func NewWithFallback(primary, fallback Queue) *WithFallback {
	return &WithFallback{primary: primary, fallback: fallback}
}

// Enqueue adds the task to the primary queue, falling back on backend error.
func (q *WithFallback) Enqueue(ctx context.Context, task *models.DeletionCheckTask) error {
	err := q.primary.Enqueue(ctx, task)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	if fbErr := q.fallback.Enqueue(ctx, task); fbErr != nil {
		return fmt.Errorf("fallback enqueue after %v: %w", err, fbErr)
	}
	return nil
}

// Claim drains the primary first, topping up from the fallback.
func (q *WithFallback) Claim(ctx context.Context, limit int) ([]models.DeletionCheckTask, error) {
	tasks, err := q.primary.Claim(ctx, limit)
	if err != nil && !errors.Is(err, ErrBackendUnavailable) {
		return nil, err
	}
	if len(tasks) < limit {
		more, fbErr := q.fallback.Claim(ctx, limit-len(tasks))
		if fbErr != nil {
			if len(tasks) > 0 {
				return tasks, nil
			}
			return nil, fbErr
		}
		tasks = append(tasks, more...)
	}
	return tasks, nil
}

// Complete forwards to whichever backend owns the task.
func (q *WithFallback) Complete(ctx context.Context, taskID string) error {
	err := q.primary.Complete(ctx, taskID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrTaskNotFound) && !errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return q.fallback.Complete(ctx, taskID)
}

// Fail forwards to whichever backend owns the task.
func (q *WithFallback) Fail(ctx context.Context, taskID string, reason string) error {
	err := q.primary.Fail(ctx, taskID, reason)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrTaskNotFound) && !errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	return q.fallback.Fail(ctx, taskID, reason)
}

// PendingCount sums both backends.
func (q *WithFallback) PendingCount(ctx context.Context) (int, error) {
	total := 0
	if n, err := q.primary.PendingCount(ctx); err == nil {
		total += n
	}
	n, err := q.fallback.PendingCount(ctx)
	if err != nil {
		return total, err
	}
	return total + n, nil
}
