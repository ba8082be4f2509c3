package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/freshmart/fulfillment-service/internal/notify"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// PaymentReader reports the payment state of an order, defined as the status
// of its most recently created payment transaction.
type PaymentReader interface {
	LatestState(ctx context.Context, orderID uuid.UUID) (PaymentState, error)
}

// Reconciler derives the aggregate order status from the per-item
// fulfillment statuses and the current payment state. It is the only writer
// of Order.Status: callers mutating item statuses or payment transactions
// invoke Recompute afterwards.
type Reconciler struct {
	orders   Repository
	payments PaymentReader
	notifier notify.Dispatcher
}

func NewReconciler(orders Repository, payments PaymentReader, notifier notify.Dispatcher) *Reconciler {
	return &Reconciler{orders: orders, payments: payments, notifier: notifier}
}

// reloadAttempts bounds the reload-and-recompute loop on version conflicts
// with concurrent admin writes.
const reloadAttempts = 3

// Recompute recalculates the order's aggregate status and persists it if it
// changed and the transition is legal. An illegal transition is a logged
// no-op, not an error: this runs as background reconciliation, not as a
// user-facing command.
func (r *Reconciler) Recompute(ctx context.Context, orderID uuid.UUID, actor string) error {
	for attempt := 1; attempt <= reloadAttempts; attempt++ {
		ord, err := r.orders.GetByID(ctx, orderID)
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) {
				log.Warn().Stringer("order_id", orderID).Msg("reconciler: order not found, nothing to recompute")
				return ErrOrderNotFound
			}
			return fmt.Errorf("reconciler: failed to load order %s: %w", orderID, err)
		}

		state, err := r.payments.LatestState(ctx, orderID)
		if err != nil {
			return fmt.Errorf("reconciler: failed to read payment state for order %s: %w", orderID, err)
		}

		candidate := candidateStatus(ord, state)
		if candidate == ord.Status {
			return nil
		}
		if !CanTransition(ord.Status, candidate) {
			log.Warn().
				Stringer("order_id", orderID).
				Stringer("current_status", ord.Status).
				Stringer("candidate_status", candidate).
				Msg("reconciler: illegal status transition, skipping")
			return nil
		}

		err = r.orders.UpdateStatus(ctx, orderID, candidate, ord.Version)
		if errors.Is(err, ErrVersionConflict) {
			log.Debug().
				Stringer("order_id", orderID).
				Int("attempt", attempt).
				Msg("reconciler: version conflict, reloading")
			continue
		}
		if err != nil {
			return fmt.Errorf("reconciler: failed to persist status for order %s: %w", orderID, err)
		}

		if histErr := r.orders.AppendStatusHistory(ctx, &StatusHistory{
			OrderID:    orderID,
			FromStatus: ord.Status,
			ToStatus:   candidate,
			Actor:      actor,
		}); histErr != nil {
			log.Error().Err(histErr).Stringer("order_id", orderID).Msg("reconciler: failed to append status history")
		}

		log.Info().
			Stringer("order_id", orderID).
			Stringer("old_status", ord.Status).
			Stringer("new_status", candidate).
			Str("actor", actor).
			Msg("reconciler: order status updated")

		if kind := notifyKind(candidate); kind != "" {
			r.notifier.NotifyUser(ctx, ord.UserID, kind, map[string]any{
				"order_id":     orderID.String(),
				"order_number": ord.Number,
				"status":       candidate.String(),
			})
		}
		return nil
	}
	return fmt.Errorf("reconciler: gave up on order %s after %d version conflicts", orderID, reloadAttempts)
}

// notifyKind maps customer-visible milestones to notification templates.
// Payment failures and refunds are announced by the payment flows that
// caused them, not here.
func notifyKind(s Status) string {
	switch s {
	case StatusConfirmed:
		return notify.KindOrderConfirmed
	case StatusShipped:
		return notify.KindOrderShipped
	case StatusDelivered:
		return notify.KindOrderDelivered
	default:
		return ""
	}
}

// candidateStatus applies payment gating before looking at items:
// fulfillment must never advance an order past confirmed while payment is
// not completed.
func candidateStatus(ord *Order, state PaymentState) Status {
	switch state {
	case PaymentStateFailed:
		return StatusPaymentFailed
	case PaymentStateRefunded:
		return StatusRefunded
	case PaymentStateCompleted:
		return deriveFromItems(ord.Items)
	default:
		return StatusPendingPayment
	}
}

// deriveFromItems picks the aggregate status from item buckets. The policy
// is conservative: the order is only as advanced as its slowest item.
func deriveFromItems(items []Item) Status {
	if len(items) == 0 {
		return StatusConfirmed
	}

	allAtLeast := func(s ItemStatus) bool {
		for _, item := range items {
			if item.Status.Rank() < s.Rank() {
				return false
			}
		}
		return true
	}
	anyBeyond := func(s ItemStatus) bool {
		for _, item := range items {
			if item.Status.Rank() > s.Rank() {
				return true
			}
		}
		return false
	}

	switch {
	case allAtLeast(ItemDelivered):
		return StatusDelivered
	case allAtLeast(ItemShipped):
		return StatusShipped
	case allAtLeast(ItemPackaged):
		return StatusShipped
	case allAtLeast(ItemCollected):
		return StatusProcessing
	case allAtLeast(ItemReady):
		return StatusProcessing
	case anyBeyond(ItemPending):
		return StatusProcessing
	default:
		return StatusConfirmed
	}
}
