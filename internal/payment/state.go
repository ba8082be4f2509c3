package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/freshmart/fulfillment-service/internal/order"
	"github.com/gofrs/uuid"
)

// StateReader adapts the transaction store to the order package's
// PaymentReader: the payment state of an order is the status of its most
// recently created transaction.
type StateReader struct {
	store TransactionStore
}

func NewStateReader(store TransactionStore) *StateReader {
	return &StateReader{store: store}
}

func (s *StateReader) LatestState(ctx context.Context, orderID uuid.UUID) (order.PaymentState, error) {
	txn, err := s.store.LatestTransactionByOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrTransactionNotFound) {
			return order.PaymentStateNone, nil
		}
		return "", fmt.Errorf("payment: failed to read latest transaction for order %s: %w", orderID, err)
	}

	switch txn.Status {
	case TxCompleted, TxPendingRefund, TxRefundFailed:
		// Money is captured until a refund actually lands.
		return order.PaymentStateCompleted, nil
	case TxFailed:
		return order.PaymentStateFailed, nil
	case TxRefunded:
		return order.PaymentStateRefunded, nil
	default:
		return order.PaymentStatePending, nil
	}
}
