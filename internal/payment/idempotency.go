package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// ErrAcquireRaced is returned when concurrent requests keep winning the
// insert race; callers should back off and retry.
var ErrAcquireRaced = errors.New("idempotency acquire lost repeated races")

// Guard is the only mechanism preventing duplicate charges on client retry.
// Check-and-create is atomic: the unique constraint on the key decides the
// winner when two requests with the same key race.
type Guard struct {
	store IdempotencyStore
	now   func() time.Time
}

func NewGuard(store IdempotencyStore) *Guard {
	return &Guard{store: store, now: time.Now}
}

type AcquireResult struct {
	// IsNew is true when this caller owns the key and must execute the
	// charge. When false the caller MUST NOT re-execute side effects and
	// should replay the stored response instead.
	IsNew  bool
	Record *IdempotencyRecord
}

func (g *Guard) Acquire(ctx context.Context, key string, userID uuid.UUID, requestData json.RawMessage) (AcquireResult, error) {
	if key == "" {
		return AcquireResult{}, errors.New("idempotency key is required")
	}

	// Bounded: a lost insert race means someone else just created a live
	// record, which the next lookup returns.
	for attempt := 0; attempt < 3; attempt++ {
		existing, err := g.store.GetIdempotencyByKey(ctx, key)
		if err == nil {
			if !existing.Expired(g.now()) {
				return AcquireResult{IsNew: false, Record: existing}, nil
			}
			// Expired records are dead; remove and take the key over.
			if delErr := g.store.DeleteIdempotency(ctx, existing.ID); delErr != nil {
				return AcquireResult{}, fmt.Errorf("guard: failed to delete expired record for key %q: %w", key, delErr)
			}
		} else if !errors.Is(err, ErrRecordNotFound) {
			return AcquireResult{}, fmt.Errorf("guard: failed to look up key %q: %w", key, err)
		}

		rec := &IdempotencyRecord{
			Key:         key,
			UserID:      userID,
			Status:      IdemPending,
			RequestData: requestData,
			ExpiresAt:   g.now().Add(IdempotencyTTL),
		}
		err = g.store.InsertIdempotency(ctx, rec)
		if errors.Is(err, ErrDuplicateKey) {
			log.Debug().Str("key", key).Msg("guard: lost insert race, fetching winner")
			continue
		}
		if err != nil {
			return AcquireResult{}, fmt.Errorf("guard: failed to insert record for key %q: %w", key, err)
		}
		return AcquireResult{IsNew: true, Record: rec}, nil
	}
	return AcquireResult{}, ErrAcquireRaced
}

func (g *Guard) Complete(ctx context.Context, rec *IdempotencyRecord, responseData json.RawMessage, gatewayID string) error {
	rec.Status = IdemCompleted
	rec.ResponseData = responseData
	if gatewayID != "" {
		rec.GatewayID = &gatewayID
	}
	if err := g.store.UpdateIdempotency(ctx, rec); err != nil {
		return fmt.Errorf("guard: failed to complete record for key %q: %w", rec.Key, err)
	}
	return nil
}

func (g *Guard) Fail(ctx context.Context, rec *IdempotencyRecord, errorData json.RawMessage) error {
	rec.Status = IdemFailed
	rec.ResponseData = errorData
	if err := g.store.UpdateIdempotency(ctx, rec); err != nil {
		return fmt.Errorf("guard: failed to mark record failed for key %q: %w", rec.Key, err)
	}
	return nil
}

// Sweep garbage-collects expired records; runs on a schedule.
func (g *Guard) Sweep(ctx context.Context) (int64, error) {
	deleted, err := g.store.DeleteExpiredIdempotencies(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("guard: sweep failed: %w", err)
	}
	if deleted > 0 {
		log.Info().Int64("deleted", deleted).Msg("guard: swept expired idempotency records")
	}
	return deleted, nil
}
