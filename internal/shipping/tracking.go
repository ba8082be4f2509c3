package shipping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/freshmart/fulfillment-service/internal/order"
	"github.com/rs/zerolog/log"
)

// StaleAfter is how long tracking data may sit before the periodic sweep
// refreshes it from the carrier.
const StaleAfter = 6 * time.Hour

// RawEvent is the carrier webhook payload shape.
type RawEvent struct {
	TrackingCode string    `json:"tracking_code"`
	Status       string    `json:"status"`
	StatusCode   string    `json:"status_code"`
	StatusDetail string    `json:"status_detail"`
	Message      string    `json:"message"`
	Location     string    `json:"location"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// TrackingService ingests carrier tracking updates and reflects terminal
// ones back onto the order.
type TrackingService struct {
	orders        order.Repository
	events        EventRepository
	carrier       CarrierClient
	reconciler    *order.Reconciler
	interCallWait time.Duration
	sweepLimit    int
}

func NewTrackingService(orders order.Repository, events EventRepository, carrier CarrierClient, reconciler *order.Reconciler, interCallWait time.Duration) *TrackingService {
	if interCallWait <= 0 {
		interCallWait = 500 * time.Millisecond
	}
	return &TrackingService{
		orders:        orders,
		events:        events,
		carrier:       carrier,
		reconciler:    reconciler,
		interCallWait: interCallWait,
		sweepLimit:    200,
	}
}

// IngestEvent normalizes and appends one tracking update. Re-ingesting the
// same event is safe: the event log deduplicates on
// (tracking_code, carrier_status_code, occurred_at).
func (s *TrackingService) IngestEvent(ctx context.Context, raw json.RawMessage, source EventSource) error {
	var in RawEvent
	if err := json.Unmarshal(raw, &in); err != nil {
		return fmt.Errorf("tracking: failed to decode event payload: %w", err)
	}
	if in.TrackingCode == "" {
		return errors.New("tracking: event has no tracking code")
	}
	if in.OccurredAt.IsZero() {
		// Carrier timestamp is authoritative; fall back to now only when it
		// is missing entirely.
		in.OccurredAt = time.Now().UTC()
	}

	ord, err := s.orders.GetByTrackingCode(ctx, in.TrackingCode)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			log.Warn().Str("tracking_code", in.TrackingCode).Msg("tracking: event for unknown tracking code")
			return order.ErrOrderNotFound
		}
		return fmt.Errorf("tracking: failed to resolve order for %s: %w", in.TrackingCode, err)
	}

	status := NormalizeStatus(in.Status)
	event := &Event{
		OrderID:             ord.ID,
		TrackingCode:        in.TrackingCode,
		Status:              status,
		Message:             in.Message,
		Location:            in.Location,
		CarrierStatusCode:   in.StatusCode,
		CarrierStatusDetail: in.StatusDetail,
		OccurredAt:          in.OccurredAt,
		Source:              source,
		RawPayload:          raw,
	}

	inserted, err := s.events.Insert(ctx, event)
	if err != nil {
		return fmt.Errorf("tracking: failed to append event for %s: %w", in.TrackingCode, err)
	}
	if !inserted {
		log.Debug().Str("tracking_code", in.TrackingCode).Str("status_code", in.StatusCode).
			Msg("tracking: duplicate event dropped")
		return nil
	}

	// Carriers deliver out of order. The log keeps every event, but the
	// order state only moves on events at least as new as everything already
	// recorded, so a late in_transit cannot undo a delivered.
	latest, err := s.events.LatestOccurredAt(ctx, in.TrackingCode)
	if err != nil {
		return fmt.Errorf("tracking: failed to read latest event time for %s: %w", in.TrackingCode, err)
	}
	if event.OccurredAt.Before(latest) {
		log.Debug().Str("tracking_code", in.TrackingCode).Time("occurred_at", event.OccurredAt).
			Msg("tracking: late event logged without status change")
		return nil
	}

	return s.applyStatus(ctx, ord, event)
}

func (s *TrackingService) applyStatus(ctx context.Context, ord *order.Order, event *Event) error {
	var deliveredAt *time.Time
	if event.Status == TrackDelivered {
		t := event.OccurredAt
		deliveredAt = &t
	}

	if err := s.orders.UpdateDelivery(ctx, ord.ID, string(event.Status), deliveredAt); err != nil {
		return fmt.Errorf("tracking: failed to update delivery state for order %s: %w", ord.ID, err)
	}

	if !event.Status.Terminal() {
		return nil
	}

	if event.Status == TrackDelivered {
		if err := s.orders.MarkItemsDelivered(ctx, ord.ID); err != nil {
			return fmt.Errorf("tracking: failed to mark items delivered for order %s: %w", ord.ID, err)
		}
	}

	if err := s.reconciler.Recompute(ctx, ord.ID, order.ActorSystem); err != nil {
		return fmt.Errorf("tracking: failed to reconcile order %s: %w", ord.ID, err)
	}

	log.Info().
		Stringer("order_id", ord.ID).
		Stringer("status", event.Status).
		Msg("tracking: terminal tracking status applied")
	return nil
}

// SyncStaleTracking refreshes orders whose tracking data is older than
// StaleAfter. Orders are refreshed serially with a small delay to respect
// carrier rate limits, and one failing order never aborts the sweep.
func (s *TrackingService) SyncStaleTracking(ctx context.Context) error {
	stale, err := s.orders.ListStaleTracking(ctx, time.Now().UTC().Add(-StaleAfter), s.sweepLimit)
	if err != nil {
		return fmt.Errorf("tracking: failed to list stale orders: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	log.Info().Int("count", len(stale)).Msg("tracking: refreshing stale orders")

	for i := range stale {
		ord := &stale[i]
		if err := s.refreshOrder(ctx, ord); err != nil {
			log.Error().Err(err).Stringer("order_id", ord.ID).Msg("tracking: failed to refresh order, continuing")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.interCallWait):
		}
	}
	return nil
}

func (s *TrackingService) refreshOrder(ctx context.Context, ord *order.Order) error {
	if ord.TrackingCode == nil || *ord.TrackingCode == "" {
		return nil
	}

	events, err := s.carrier.GetTracker(ctx, *ord.TrackingCode)
	if err != nil {
		return fmt.Errorf("tracking: tracker lookup failed for %s: %w", *ord.TrackingCode, err)
	}

	for _, ev := range events {
		raw, err := json.Marshal(RawEvent{
			TrackingCode: *ord.TrackingCode,
			Status:       ev.Status,
			StatusCode:   ev.StatusCode,
			Message:      ev.Message,
			Location:     ev.Location,
			OccurredAt:   ev.OccurredAt,
		})
		if err != nil {
			return fmt.Errorf("tracking: failed to marshal tracker event: %w", err)
		}
		if err := s.IngestEvent(ctx, raw, SourceManualCheck); err != nil {
			return err
		}
	}
	return nil
}
