package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/freshmart/fulfillment-service/internal/gateway"
	"github.com/freshmart/fulfillment-service/internal/money"
	"github.com/freshmart/fulfillment-service/internal/notify"
	"github.com/freshmart/fulfillment-service/internal/order"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNothingToRefund means no refundable transaction exists for the order.
// Logged as a data-integrity warning and the operation is aborted.
var ErrNothingToRefund = errors.New("no refundable payment transaction")

// RefundOrchestrator reconciles failed or cancelled payments by issuing
// refunds. It runs as a retryable background task; exhausting all retries
// hands the case to a human instead of failing silently.
type RefundOrchestrator struct {
	store      TransactionStore
	orders     order.Repository
	reconciler *order.Reconciler
	gw         gateway.PaymentGateway
	notifier   notify.Dispatcher
}

func NewRefundOrchestrator(store TransactionStore, orders order.Repository, reconciler *order.Reconciler, gw gateway.PaymentGateway, notifier notify.Dispatcher) *RefundOrchestrator {
	return &RefundOrchestrator{store: store, orders: orders, reconciler: reconciler, gw: gw, notifier: notifier}
}

// RefundByOrder refunds the latest completed transaction of an order.
func (o *RefundOrchestrator) RefundByOrder(ctx context.Context, orderID uuid.UUID, reason string) error {
	latest, err := o.store.LatestTransactionByOrder(ctx, orderID)
	if err == nil && latest.Status == TxRefunded {
		log.Info().Stringer("order_id", orderID).Msg("refund: latest transaction already refunded, nothing to do")
		return nil
	}

	txn, err := o.store.LatestCompletedByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			log.Warn().Stringer("order_id", orderID).Msg("refund: no completed transaction for order")
			return ErrNothingToRefund
		}
		return fmt.Errorf("refund: failed to resolve transaction for order %s: %w", orderID, err)
	}
	return o.refundTransaction(ctx, txn, reason)
}

// RefundByPaymentIntent refunds by gateway payment-intent id, e.g. when a
// dispute webhook arrives with no local order context. If no local record
// exists, the charge amount is fetched from the gateway and a transaction is
// synthesized for the audit trail before refunding.
func (o *RefundOrchestrator) RefundByPaymentIntent(ctx context.Context, paymentIntentID, reason string) error {
	txn, err := o.store.GetTransactionByGatewayID(ctx, paymentIntentID)
	if errors.Is(err, ErrTransactionNotFound) {
		intent, gwErr := o.gw.RetrievePaymentIntent(ctx, paymentIntentID)
		if gwErr != nil {
			return fmt.Errorf("refund: failed to look up intent %s at gateway: %w", paymentIntentID, gwErr)
		}
		txn = &Transaction{
			Amount:    money.FromCents(intent.AmountCents),
			Method:    "unknown",
			GatewayID: paymentIntentID,
			Status:    TxCompleted,
			Metadata: map[string]any{
				"synthesized": true,
				"reason":      reason,
			},
		}
		if createErr := o.store.CreateTransaction(ctx, txn); createErr != nil {
			return fmt.Errorf("refund: failed to synthesize transaction for intent %s: %w", paymentIntentID, createErr)
		}
		log.Info().Str("gateway_id", paymentIntentID).Stringer("transaction_id", txn.ID).
			Msg("refund: synthesized transaction for unknown intent")
	} else if err != nil {
		return fmt.Errorf("refund: failed to resolve transaction for intent %s: %w", paymentIntentID, err)
	}
	return o.refundTransaction(ctx, txn, reason)
}

func (o *RefundOrchestrator) refundTransaction(ctx context.Context, txn *Transaction, reason string) error {
	// Refunding an already refunded transaction is a no-op; checked before
	// the gateway is ever called.
	if txn.Status == TxRefunded {
		log.Info().Stringer("transaction_id", txn.ID).Msg("refund: transaction already refunded")
		return nil
	}
	if txn.GatewayID == "" {
		return fmt.Errorf("refund: transaction %s has no gateway id: %w", txn.ID, ErrNothingToRefund)
	}

	if txn.Status != TxPendingRefund {
		if err := o.store.UpdateTransactionStatus(ctx, txn.ID, TxPendingRefund, txn.Version); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				reloaded, loadErr := o.store.GetTransaction(ctx, txn.ID)
				if loadErr != nil {
					return fmt.Errorf("refund: failed to reload transaction %s: %w", txn.ID, loadErr)
				}
				if reloaded.Status == TxRefunded {
					return nil
				}
				txn = reloaded
			} else {
				return fmt.Errorf("refund: failed to mark transaction %s pending refund: %w", txn.ID, err)
			}
		} else {
			txn.Version++
		}
	}

	// The transaction id doubles as the idempotency key: a retried refund of
	// the same transaction dedupes at the provider.
	_, err := o.gw.Refund(ctx, txn.GatewayID, txn.Amount.Cents(), map[string]string{
		"transaction_id":  txn.ID.String(),
		"idempotency_key": "refund-" + txn.ID.String(),
		"reason":          reason,
	})
	if err != nil {
		if gateway.IsTransient(err) {
			// Stay in pending_refund; the task queue retries with backoff.
			return fmt.Errorf("refund: gateway unavailable for transaction %s: %w", txn.ID, err)
		}
		if markErr := o.store.UpdateTransactionStatus(ctx, txn.ID, TxRefundFailed, txn.Version); markErr != nil {
			log.Error().Err(markErr).Stringer("transaction_id", txn.ID).Msg("refund: failed to mark refund_failed")
		}
		return fmt.Errorf("refund: gateway rejected refund for transaction %s: %w", txn.ID, err)
	}

	if err := o.store.UpdateTransactionStatus(ctx, txn.ID, TxRefunded, txn.Version); err != nil {
		return fmt.Errorf("refund: refund issued but status not persisted for transaction %s: %w", txn.ID, err)
	}

	if txn.OrderID != nil {
		if err := o.reconciler.Recompute(ctx, *txn.OrderID, order.ActorSystem); err != nil {
			log.Error().Err(err).Stringer("order_id", *txn.OrderID).Msg("refund: failed to reconcile order after refund")
		}
		if ord, loadErr := o.orders.GetByID(ctx, *txn.OrderID); loadErr == nil {
			o.notifier.NotifyUser(ctx, ord.UserID, notify.KindOrderRefunded, map[string]any{
				"order_number": ord.Number,
				"amount":       txn.Amount.String(),
			})
		}
	}

	log.Info().Stringer("transaction_id", txn.ID).Str("reason", reason).Msg("refund: completed")
	return nil
}

// OnExhausted is the fail-open-to-human path: after all retries are spent an
// administrator gets the order number and the error for manual handling.
func (o *RefundOrchestrator) OnExhausted(ctx context.Context, orderID *uuid.UUID, paymentIntentID string, lastErr error) {
	subject := "Refund failed after all retries"
	ref := paymentIntentID
	if orderID != nil {
		if ord, err := o.orders.GetByID(ctx, *orderID); err == nil {
			ref = ord.Number
		} else {
			ref = orderID.String()
		}
	}
	o.notifier.NotifyAdmins(ctx, subject,
		fmt.Sprintf("Refund for %s requires manual handling: %v", ref, lastErr))
}
