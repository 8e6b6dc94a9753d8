package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/calsync-bridge/backend/internal/storage"
	"github.com/calsync-bridge/backend/internal/storage/models"
)

const taskColumns = `id, bridge_name, calendar_id, event_id, change_type, status,
	attempts, last_error, enqueued_at, claimed_at`

// Store is the durable sqlite-backed queue. Survives restarts; claims
// left dangling past the stale window return to pending.
type Store struct {
	storage.BaseRepository
	staleClaim time.Duration
}

// NewStore creates a store-backed queue. staleClaim bounds how long a
// claim can dangle before the task is reclaimable; zero means 10 minutes.
func NewStore(db *storage.DB, staleClaim time.Duration) *Store {
	if staleClaim <= 0 {
		staleClaim = 10 * time.Minute
	}
	return &Store{BaseRepository: storage.NewBaseRepository(db), staleClaim: staleClaim}
}

// Enqueue inserts the task unless a pending duplicate already exists.
func (q *Store) Enqueue(ctx context.Context, task *models.DeletionCheckTask) error {
	if task.ID == "" {
		task.ID = storage.GenerateID()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.Now()
	}
	task.Status = models.TaskStatusPending

	_, err := q.DB().ExecContext(ctx, `
		INSERT INTO deletion_check_tasks (`+taskColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM deletion_check_tasks
			WHERE calendar_id = ? AND event_id = ? AND status = 'pending'
		)
	`, task.ID, task.BridgeName, task.CalendarID, task.EventID, task.ChangeType,
		task.Status, task.Attempts, task.LastError, task.EnqueuedAt, task.ClaimedAt,
		task.CalendarID, task.EventID)
	if err != nil {
		return fmt.Errorf("%w: enqueue: %v", ErrBackendUnavailable, err)
	}
	return nil
}

// Claim atomically flips up to limit pending rows to processing. The
// row-scoped conditional update is what guarantees single ownership;
// stale claims past the window are picked up again.
func (q *Store) Claim(ctx context.Context, limit int) ([]models.DeletionCheckTask, error) {
	now := q.Now()
	staleBefore := now.Add(-q.staleClaim)

	rows, err := q.DB().QueryContext(ctx, `
		SELECT id FROM deletion_check_tasks
		WHERE status = 'pending'
		   OR (status = 'processing' AND claimed_at < ?)
		ORDER BY enqueued_at
		LIMIT ?
	`, staleBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: claim select: %v", ErrBackendUnavailable, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning task id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: claim select: %v", ErrBackendUnavailable, err)
	}

	var claimed []models.DeletionCheckTask
	for _, id := range ids {
		res, err := q.DB().ExecContext(ctx, `
			UPDATE deletion_check_tasks
			SET status = 'processing', attempts = attempts + 1, claimed_at = ?
			WHERE id = ? AND (status = 'pending' OR (status = 'processing' AND claimed_at < ?))
		`, now, id, staleBefore)
		if err != nil {
			return claimed, fmt.Errorf("claiming task %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race to another consumer.
			continue
		}

		t := models.DeletionCheckTask{}
		err = q.DB().QueryRowContext(ctx,
			`SELECT `+taskColumns+` FROM deletion_check_tasks WHERE id = ?`, id,
		).Scan(&t.ID, &t.BridgeName, &t.CalendarID, &t.EventID, &t.ChangeType,
			&t.Status, &t.Attempts, &t.LastError, &t.EnqueuedAt, &t.ClaimedAt)
		if err != nil {
			return claimed, fmt.Errorf("reading claimed task %s: %w", id, err)
		}
		claimed = append(claimed, t)
	}
	return claimed, nil
}

// Complete marks a claimed task done.
func (q *Store) Complete(ctx context.Context, taskID string) error {
	res, err := q.DB().ExecContext(ctx, `
		UPDATE deletion_check_tasks SET status = 'done' WHERE id = ? AND status = 'processing'
	`, taskID)
	if err != nil {
		return fmt.Errorf("completing task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("completing task %s: %w", taskID, ErrTaskNotFound)
	}
	return nil
}

// Fail records the error and returns the task to pending.
func (q *Store) Fail(ctx context.Context, taskID string, reason string) error {
	res, err := q.DB().ExecContext(ctx, `
		UPDATE deletion_check_tasks
		SET status = 'pending', last_error = ?, claimed_at = NULL
		WHERE id = ?
	`, reason, taskID)
	if err != nil {
		return fmt.Errorf("failing task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("failing task %s: %w", taskID, ErrTaskNotFound)
	}
	return nil
}

// PendingCount reports unclaimed tasks.
func (q *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := q.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM deletion_check_tasks WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting pending tasks: %w", err)
	}
	return n, nil
}
