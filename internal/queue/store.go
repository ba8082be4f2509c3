package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrTaskNotFound = errors.New("task not found")

type postgresStore struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) Store {
	return &postgresStore{db: db}
}

func backoffToSeconds(backoff []time.Duration) []int64 {
	secs := make([]int64, len(backoff))
	for i, d := range backoff {
		secs[i] = int64(d / time.Second)
	}
	return secs
}

func secondsToBackoff(secs []int64) []time.Duration {
	backoff := make([]time.Duration, len(secs))
	for i, s := range secs {
		backoff[i] = time.Duration(s) * time.Second
	}
	return backoff
}

func (s *postgresStore) Insert(ctx context.Context, t *Task) error {
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now
	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (id, kind, payload, status, attempts, max_attempts, backoff_seconds, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, t.ID, t.Kind, []byte(t.Payload), string(TaskPending), 0, t.MaxAttempts,
		backoffToSeconds(t.Backoff), t.RunAt.UTC(), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("queue: failed to insert task %s: %w", t.ID, err)
	}
	return nil
}

// ClaimDue flips due pending tasks to running in one statement. SKIP LOCKED
// keeps concurrent pollers from double-claiming.
func (s *postgresStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE tasks
		SET status = 'running', updated_at = $1
		WHERE id IN (
			SELECT id FROM tasks
			WHERE status = 'pending' AND run_at <= $1
			ORDER BY run_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, kind, payload, status, attempts, max_attempts, backoff_seconds, run_at, COALESCE(last_error, ''), created_at, updated_at
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("queue: failed to claim due tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]Task, 0)
	for rows.Next() {
		var t Task
		var status string
		var backoffSecs []int64
		if err := rows.Scan(&t.ID, &t.Kind, &t.Payload, &status, &t.Attempts, &t.MaxAttempts,
			&backoffSecs, &t.RunAt, &t.LastError, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("queue: failed to scan task: %w", err)
		}
		t.Status = TaskStatus(status)
		t.Backoff = secondsToBackoff(backoffSecs)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: error iterating claimed tasks: %w", err)
	}
	return tasks, nil
}

func (s *postgresStore) setFinal(ctx context.Context, id uuid.UUID, status TaskStatus, lastError string) error {
	cmdTag, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET status = $1, attempts = attempts + 1, last_error = NULLIF($2, ''), updated_at = $3
		WHERE id = $4
	`, string(status), lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("queue: failed to mark task %s %s: %w", id, status, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *postgresStore) MarkSucceeded(ctx context.Context, id uuid.UUID) error {
	return s.setFinal(ctx, id, TaskSucceeded, "")
}

func (s *postgresStore) MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.setFinal(ctx, id, TaskFailed, lastError)
}

func (s *postgresStore) MarkExhausted(ctx context.Context, id uuid.UUID, lastError string) error {
	return s.setFinal(ctx, id, TaskExhausted, lastError)
}

func (s *postgresStore) Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	cmdTag, err := s.db.Exec(ctx, `
		UPDATE tasks
		SET status = 'pending', attempts = attempts + 1, run_at = $1, last_error = NULLIF($2, ''), updated_at = $3
		WHERE id = $4
	`, runAt.UTC(), lastError, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("queue: failed to reschedule task %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}
