package payment

import (
	"context"
	"testing"

	"github.com/freshmart/fulfillment-service/internal/gateway"
	"github.com/freshmart/fulfillment-service/internal/money"
	"github.com/freshmart/fulfillment-service/internal/order"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProcessorFixture(t *testing.T, gw gateway.PaymentGateway) (*Processor, *memStore, *orderRepoStub) {
	t.Helper()
	store := newMemStore()
	orders := &orderRepoStub{ord: &order.Order{ID: mustUUID(t), Status: order.StatusPendingPayment, Version: 1}}
	reconciler := order.NewReconciler(orders, NewStateReader(store), &mockNotifier{})
	return NewProcessor(NewGuard(store), store, gw, reconciler), store, orders
}

func chargeReq(orders *orderRepoStub, key string) ChargeRequest {
	return ChargeRequest{
		OrderID:        orders.ord.ID,
		UserID:         orders.ord.UserID,
		Amount:         money.FromCents(1580),
		Method:         "card",
		MethodToken:    "tok_visa",
		IdempotencyKey: key,
	}
}

func TestChargeSuccess(t *testing.T) {
	calls := 0
	gw := &mockGateway{
		CreatePaymentIntentFunc: func(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*gateway.PaymentIntent, error) {
			calls++
			assert.Equal(t, int64(1580), amountCents)
			assert.Equal(t, "usd", currency)
			return &gateway.PaymentIntent{ID: "pi_1", Status: gateway.IntentSucceeded, AmountCents: amountCents}, nil
		},
	}
	p, store, orders := newProcessorFixture(t, gw)

	outcome, err := p.Charge(context.Background(), chargeReq(orders, "key-1"))
	require.NoError(t, err)
	assert.Equal(t, TxCompleted, outcome.Status)
	assert.Equal(t, "pi_1", outcome.GatewayID)
	assert.False(t, outcome.Duplicate)
	assert.Equal(t, 1, calls)

	require.Len(t, store.txns, 1)
	assert.Equal(t, TxCompleted, store.txns[0].Status)
	assert.Equal(t, IdemCompleted, store.records["key-1"].Status)
	assert.Equal(t, order.StatusConfirmed, orders.ord.Status)
}

func TestChargeSameKeyTwiceChargesOnce(t *testing.T) {
	calls := 0
	gw := &mockGateway{
		CreatePaymentIntentFunc: func(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*gateway.PaymentIntent, error) {
			calls++
			return &gateway.PaymentIntent{ID: "pi_1", Status: gateway.IntentSucceeded}, nil
		},
	}
	p, store, orders := newProcessorFixture(t, gw)
	ctx := context.Background()
	req := chargeReq(orders, "key-1")

	first, err := p.Charge(ctx, req)
	require.NoError(t, err)
	second, err := p.Charge(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, 1, calls, "gateway must be hit exactly once")
	require.Len(t, store.txns, 1, "one transaction per idempotency key")
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.GatewayID, second.GatewayID)
}

func TestChargeDeclined(t *testing.T) {
	calls := 0
	gw := &mockGateway{
		CreatePaymentIntentFunc: func(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*gateway.PaymentIntent, error) {
			calls++
			return nil, gateway.NewError(gateway.ClassDeclined, "card_declined", "insufficient funds")
		},
	}
	p, store, orders := newProcessorFixture(t, gw)
	ctx := context.Background()

	outcome, err := p.Charge(ctx, chargeReq(orders, "key-1"))
	require.Error(t, err)
	assert.True(t, gateway.IsDeclined(err))
	require.NotNil(t, outcome)
	assert.Equal(t, TxFailed, outcome.Status)
	assert.True(t, outcome.Declined)

	assert.Equal(t, TxFailed, store.txns[0].Status)
	assert.Equal(t, IdemFailed, store.records["key-1"].Status)
	assert.Equal(t, order.StatusPaymentFailed, orders.ord.Status)

	// A repeat with the same key replays the stored failure, no second charge.
	replay, err := p.Charge(ctx, chargeReq(orders, "key-1"))
	require.NoError(t, err)
	assert.True(t, replay.Duplicate)
	assert.Equal(t, TxFailed, replay.Status)
	assert.True(t, replay.Declined)
	assert.Equal(t, 1, calls)
}

func TestChargeTransientFailureLeavesPending(t *testing.T) {
	// A timeout is never a definitive failure: the attempt stays pending and
	// the retry resumes it instead of opening a second transaction.
	fail := true
	calls := 0
	gw := &mockGateway{
		CreatePaymentIntentFunc: func(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*gateway.PaymentIntent, error) {
			calls++
			if fail {
				return nil, gateway.NewError(gateway.ClassTransient, "timeout", "gateway timed out")
			}
			return &gateway.PaymentIntent{ID: "pi_1", Status: gateway.IntentSucceeded}, nil
		},
	}
	p, store, orders := newProcessorFixture(t, gw)
	ctx := context.Background()
	req := chargeReq(orders, "key-1")

	outcome, err := p.Charge(ctx, req)
	require.Error(t, err)
	assert.True(t, gateway.IsTransient(err))
	assert.Nil(t, outcome)

	require.Len(t, store.txns, 1)
	assert.Equal(t, TxPending, store.txns[0].Status)
	assert.Equal(t, IdemPending, store.records["key-1"].Status)
	assert.True(t, store.records["key-1"].Interrupted, "a cut-off attempt is handed to the retry")
	assert.Equal(t, order.StatusPendingPayment, orders.ord.Status, "a timeout must not fail the order")

	fail = false
	outcome, err = p.Charge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, TxCompleted, outcome.Status)
	require.Len(t, store.txns, 1, "retry resumes the pending transaction")
	assert.Equal(t, 2, calls)
	assert.Equal(t, order.StatusConfirmed, orders.ord.Status)
}

func TestChargeProcessingIntentConfirmedOnRetry(t *testing.T) {
	// The gateway accepted the intent but had not settled it when the first
	// request returned. The retry must confirm the existing intent, not
	// create another.
	creates, retrieves := 0, 0
	gw := &mockGateway{
		CreatePaymentIntentFunc: func(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*gateway.PaymentIntent, error) {
			creates++
			return &gateway.PaymentIntent{ID: "pi_9", Status: gateway.IntentProcessing}, nil
		},
		RetrievePaymentIntentFunc: func(ctx context.Context, id string) (*gateway.PaymentIntent, error) {
			retrieves++
			assert.Equal(t, "pi_9", id)
			return &gateway.PaymentIntent{ID: "pi_9", Status: gateway.IntentSucceeded}, nil
		},
	}
	p, store, orders := newProcessorFixture(t, gw)
	ctx := context.Background()
	req := chargeReq(orders, "key-1")

	_, err := p.Charge(ctx, req)
	require.Error(t, err)
	assert.True(t, gateway.IsTransient(err))
	assert.Equal(t, "pi_9", store.txns[0].GatewayID)

	outcome, err := p.Charge(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, TxCompleted, outcome.Status)
	assert.Equal(t, "pi_9", outcome.GatewayID)
	assert.Equal(t, 1, creates)
	assert.Equal(t, 1, retrieves)
	assert.Equal(t, order.StatusConfirmed, orders.ord.Status)
}

func TestChargeConcurrentSameKeySecondWaits(t *testing.T) {
	// While the first request is inside the gateway call, a second request
	// with the same key must wait, not open a second charge.
	var p *Processor
	var orders *orderRepoStub
	calls := 0
	var racedOutcome *ChargeOutcome
	var racedErr error
	gw := &mockGateway{
		CreatePaymentIntentFunc: func(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*gateway.PaymentIntent, error) {
			calls++
			if calls == 1 {
				racedOutcome, racedErr = p.Charge(ctx, chargeReq(orders, "key-1"))
			}
			return &gateway.PaymentIntent{ID: "pi_1", Status: gateway.IntentSucceeded}, nil
		},
	}
	var store *memStore
	p, store, orders = newProcessorFixture(t, gw)

	outcome, err := p.Charge(context.Background(), chargeReq(orders, "key-1"))
	require.NoError(t, err)
	assert.Equal(t, TxCompleted, outcome.Status)

	assert.ErrorIs(t, racedErr, ErrChargeInFlight)
	assert.Nil(t, racedOutcome)
	assert.Equal(t, 1, calls, "one gateway charge per key")
	require.Len(t, store.txns, 1)
}

func TestChargeStillInFlight(t *testing.T) {
	gw := &mockGateway{
		CreatePaymentIntentFunc: func(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*gateway.PaymentIntent, error) {
			return &gateway.PaymentIntent{ID: "pi_9", Status: gateway.IntentProcessing}, nil
		},
		RetrievePaymentIntentFunc: func(ctx context.Context, id string) (*gateway.PaymentIntent, error) {
			return &gateway.PaymentIntent{ID: "pi_9", Status: gateway.IntentProcessing}, nil
		},
	}
	p, _, orders := newProcessorFixture(t, gw)
	ctx := context.Background()
	req := chargeReq(orders, "key-1")

	_, err := p.Charge(ctx, req)
	require.Error(t, err)

	_, err = p.Charge(ctx, req)
	assert.ErrorIs(t, err, ErrChargeInFlight)
}

func TestChargeMissingKey(t *testing.T) {
	p, _, orders := newProcessorFixture(t, &mockGateway{})
	_, err := p.Charge(context.Background(), chargeReq(orders, ""))
	require.Error(t, err)
}
