package shipping

import (
	"context"
	"errors"
	"fmt"

	"github.com/freshmart/fulfillment-service/internal/notify"
	"github.com/freshmart/fulfillment-service/internal/order"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// LabelService buys carrier labels for orders. It runs as a retryable
// background task; transient carrier failures bubble up to the queue's
// backoff, and exhausting all attempts notifies an administrator for manual
// label creation.
type LabelService struct {
	orders   order.Repository
	carrier  CarrierClient
	notifier notify.Dispatcher
}

func NewLabelService(orders order.Repository, carrier CarrierClient, notifier notify.Dispatcher) *LabelService {
	return &LabelService{orders: orders, carrier: carrier, notifier: notifier}
}

// CreateLabel buys a label for the order's chosen rate. Idempotent: an order
// that already has a tracking code short-circuits as succeeded. The label
// result is persisted atomically with the rate id, so the half-written
// "rated but never labelled" state cannot be produced by this path.
func (s *LabelService) CreateLabel(ctx context.Context, orderID uuid.UUID, rateID string) error {
	ord, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, order.ErrOrderNotFound) {
			log.Warn().Stringer("order_id", orderID).Msg("labels: order not found, dropping label task")
			return nil
		}
		return fmt.Errorf("labels: failed to load order %s: %w", orderID, err)
	}

	if ord.TrackingCode != nil && *ord.TrackingCode != "" {
		log.Info().Stringer("order_id", orderID).Str("tracking_code", *ord.TrackingCode).
			Msg("labels: order already has a label")
		return nil
	}

	label, err := s.carrier.BuyLabel(ctx, rateID)
	if err != nil {
		return fmt.Errorf("labels: failed to buy label for order %s: %w", orderID, err)
	}

	info := order.TrackingInfo{
		TrackingCode: label.TrackingCode,
		Carrier:      label.Carrier,
		Service:      label.Service,
		LabelURL:     label.LabelURL,
		RateID:       rateID,
	}
	err = s.orders.UpdateTracking(ctx, orderID, info, ord.Version)
	if errors.Is(err, order.ErrVersionConflict) {
		reloaded, loadErr := s.orders.GetByID(ctx, orderID)
		if loadErr != nil {
			return fmt.Errorf("labels: failed to reload order %s after conflict: %w", orderID, loadErr)
		}
		if reloaded.TrackingCode != nil && *reloaded.TrackingCode != "" {
			// Someone else persisted a label first.
			return nil
		}
		if err := s.orders.UpdateTracking(ctx, orderID, info, reloaded.Version); err != nil {
			return fmt.Errorf("labels: label bought but tracking not persisted for order %s: %w", orderID, err)
		}
	} else if err != nil {
		return fmt.Errorf("labels: label bought but tracking not persisted for order %s: %w", orderID, err)
	}

	log.Info().
		Stringer("order_id", orderID).
		Str("tracking_code", label.TrackingCode).
		Str("carrier", label.Carrier).
		Msg("labels: label created")
	return nil
}

// OnExhausted notifies an administrator so the label is created by hand.
func (s *LabelService) OnExhausted(ctx context.Context, orderID uuid.UUID, lastErr error) {
	ref := orderID.String()
	if ord, err := s.orders.GetByID(ctx, orderID); err == nil {
		ref = ord.Number
	}
	s.notifier.NotifyAdmins(ctx, "Shipping label creation failed after all retries",
		fmt.Sprintf("Order %s needs a manually created label: %v", ref, lastErr))
}

// FindBrokenLabels reports orders carrying a rate id but no tracking code, a
// partial-failure signature left by older code paths. The rate id does not
// map back to a shipment, so these need manual reconciliation; new labels
// persist atomically and cannot enter this state.
func (s *LabelService) FindBrokenLabels(ctx context.Context) ([]order.Order, error) {
	broken, err := s.orders.ListBrokenLabels(ctx)
	if err != nil {
		return nil, fmt.Errorf("labels: failed to list broken labels: %w", err)
	}
	for i := range broken {
		log.Warn().
			Stringer("order_id", broken[i].ID).
			Str("number", broken[i].Number).
			Msg("labels: order has a rate but no tracking code, manual reconciliation required")
	}
	return broken, nil
}
