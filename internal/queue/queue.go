// Package queue is a postgres-backed task queue with at-least-once delivery
// and fixed per-kind backoff schedules. The queue owns retry scheduling;
// handlers own only the business logic of one attempt.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
)

// RetryPolicy is a fixed backoff schedule, not exponential-with-jitter.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     []time.Duration
}

// BackoffFor returns the delay before the next run after a failed attempt
// (1-based). Attempts past the schedule reuse its last entry.
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// Retry schedules from the reference system.
var (
	PaymentRetryPolicy = RetryPolicy{MaxAttempts: 3, Backoff: []time.Duration{1 * time.Minute, 5 * time.Minute, 15 * time.Minute}}
	RefundRetryPolicy  = RetryPolicy{MaxAttempts: 3, Backoff: []time.Duration{1 * time.Minute, 5 * time.Minute, 15 * time.Minute}}
	LabelRetryPolicy   = RetryPolicy{MaxAttempts: 3, Backoff: []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute}}
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	// TaskFailed marks a terminal error: the handler decided further
	// attempts are pointless (e.g. a declined card).
	TaskFailed TaskStatus = "failed"
	// TaskExhausted means all retry attempts were consumed.
	TaskExhausted TaskStatus = "exhausted"
)

type Task struct {
	ID          uuid.UUID
	Kind        string
	Payload     json.RawMessage
	Status      TaskStatus
	Attempts    int
	MaxAttempts int
	Backoff     []time.Duration
	RunAt       time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Store interface {
	Insert(ctx context.Context, t *Task) error
	// ClaimDue atomically claims up to limit due pending tasks.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]Task, error)
	MarkSucceeded(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
	MarkExhausted(ctx context.Context, id uuid.UUID, lastError string) error
	Reschedule(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error
}

// Handler executes one attempt of a task kind.
type Handler interface {
	Execute(ctx context.Context, payload json.RawMessage, attempt int) error
	// OnExhausted runs once after the final attempt has failed.
	OnExhausted(ctx context.Context, payload json.RawMessage, lastErr error)
}

type terminalError struct {
	err error
}

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal wraps an error so the queue stops retrying the task immediately.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

// Client enqueues tasks.
type Client struct {
	store Store
}

func NewClient(store Store) *Client {
	return &Client{store: store}
}

func (c *Client) Enqueue(ctx context.Context, kind string, payload any, policy RetryPolicy) (uuid.UUID, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return uuid.Nil, fmt.Errorf("queue: failed to marshal payload for %q: %w", kind, err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return uuid.Nil, fmt.Errorf("queue: failed to generate task id: %w", err)
	}
	t := &Task{
		ID:          id,
		Kind:        kind,
		Payload:     data,
		Status:      TaskPending,
		MaxAttempts: policy.MaxAttempts,
		Backoff:     policy.Backoff,
		RunAt:       time.Now().UTC(),
	}
	if err := c.store.Insert(ctx, t); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}
