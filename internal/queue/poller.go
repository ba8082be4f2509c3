package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Poller drains due tasks on a ticker and dispatches them to registered
// handlers. One failing task never aborts the batch.
type Poller struct {
	store     Store
	handlers  map[string]Handler
	tick      time.Duration
	batchSize int
	now       func() time.Time
}

func NewPoller(store Store, tick time.Duration) *Poller {
	if tick <= 0 {
		tick = time.Second
	}
	return &Poller{
		store:     store,
		handlers:  make(map[string]Handler),
		tick:      tick,
		batchSize: 100,
		now:       time.Now,
	}
}

func (p *Poller) Register(kind string, h Handler) {
	p.handlers[kind] = h
}

func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.processDue(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Poller) processDue(ctx context.Context) {
	tasks, err := p.store.ClaimDue(ctx, p.now().UTC(), p.batchSize)
	if err != nil {
		log.Error().Err(err).Msg("queue: failed to claim due tasks")
		return
	}

	for i := range tasks {
		p.dispatch(ctx, &tasks[i])
	}
}

func (p *Poller) dispatch(ctx context.Context, t *Task) {
	h, ok := p.handlers[t.Kind]
	if !ok {
		log.Error().Str("kind", t.Kind).Stringer("task_id", t.ID).Msg("queue: no handler registered, marking failed")
		if err := p.store.MarkFailed(ctx, t.ID, "no handler registered"); err != nil {
			log.Error().Err(err).Stringer("task_id", t.ID).Msg("queue: failed to mark task failed")
		}
		return
	}

	attempt := t.Attempts + 1
	execErr := h.Execute(ctx, t.Payload, attempt)
	if execErr == nil {
		if err := p.store.MarkSucceeded(ctx, t.ID); err != nil {
			log.Error().Err(err).Stringer("task_id", t.ID).Msg("queue: failed to mark task succeeded")
		}
		return
	}

	log.Warn().Err(execErr).
		Str("kind", t.Kind).
		Stringer("task_id", t.ID).
		Int("attempt", attempt).
		Int("max_attempts", t.MaxAttempts).
		Msg("queue: task attempt failed")

	switch {
	case IsTerminal(execErr):
		if err := p.store.MarkFailed(ctx, t.ID, execErr.Error()); err != nil {
			log.Error().Err(err).Stringer("task_id", t.ID).Msg("queue: failed to mark task failed")
		}
	case attempt >= t.MaxAttempts:
		if err := p.store.MarkExhausted(ctx, t.ID, execErr.Error()); err != nil {
			log.Error().Err(err).Stringer("task_id", t.ID).Msg("queue: failed to mark task exhausted")
		}
		h.OnExhausted(ctx, t.Payload, execErr)
	default:
		policy := RetryPolicy{MaxAttempts: t.MaxAttempts, Backoff: t.Backoff}
		runAt := p.now().UTC().Add(policy.BackoffFor(attempt))
		if err := p.store.Reschedule(ctx, t.ID, runAt, execErr.Error()); err != nil {
			log.Error().Err(err).Stringer("task_id", t.ID).Msg("queue: failed to reschedule task")
		}
	}
}
