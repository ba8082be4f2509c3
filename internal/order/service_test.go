package order

import (
	"context"
	"testing"
	"time"

	"github.com/freshmart/fulfillment-service/internal/money"
	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, s string) money.Money {
	t.Helper()
	m, err := money.Parse(s)
	require.NoError(t, err)
	return m
}

func TestCreateFromCartSplitsByStore(t *testing.T) {
	userID := mustUUID(t)
	storeA := mustUUID(t)
	storeB := mustUUID(t)

	var created []*Order
	repo := &mockRepository{
		CreateFunc: func(ctx context.Context, o *Order) error {
			o.ID = mustUUID(t)
			created = append(created, o)
			return nil
		},
	}
	svc := NewService(repo, NewReconciler(repo, staticState(PaymentStateNone), &stubNotifier{}))

	orders, err := svc.CreateFromCart(context.Background(), CheckoutInput{
		UserID: userID,
		Lines: []CartLine{
			{ProductID: mustUUID(t), StoreID: storeA, Quantity: 2, UnitPrice: money.FromCents(500)},
			{ProductID: mustUUID(t), StoreID: storeB, Quantity: 1, UnitPrice: money.FromCents(1200)},
			{ProductID: mustUUID(t), StoreID: storeA, Quantity: 1, UnitPrice: money.FromCents(250)},
		},
		ShippingMethod: MethodShipping,
		TaxRate:        mustParse(t, "0.08"),
		DeliveryFee:    money.FromCents(499),
	})
	require.NoError(t, err)
	require.Len(t, orders, 2)

	// Store order follows first appearance in the cart.
	first, second := orders[0], orders[1]
	assert.Equal(t, storeA, first.StoreID)
	assert.Equal(t, storeB, second.StoreID)

	// Siblings share one group.
	assert.Equal(t, first.GroupID, second.GroupID)
	assert.NotEqual(t, uuid.Nil, first.GroupID)

	// Store A: 2*5.00 + 1*2.50 = 12.50, tax 1.00, fee 4.99 -> 18.49.
	assert.Equal(t, int64(1250), first.Subtotal.Cents())
	assert.Equal(t, int64(100), first.Tax.Cents())
	assert.Equal(t, int64(1849), first.Total.Cents())
	assert.True(t, first.TotalsConsistent())
	require.Len(t, first.Items, 2)

	// Store B: 12.00, tax 0.96, fee 4.99 -> 17.95.
	assert.Equal(t, int64(1200), second.Subtotal.Cents())
	assert.Equal(t, int64(96), second.Tax.Cents())
	assert.True(t, second.TotalsConsistent())

	for _, o := range created {
		assert.Equal(t, StatusPendingPayment, o.Status)
		for _, item := range o.Items {
			assert.Equal(t, ItemPending, item.Status)
		}
	}
}

func TestCreateFromCartValidation(t *testing.T) {
	repo := &mockRepository{
		CreateFunc: func(ctx context.Context, o *Order) error {
			t.Fatal("create must not be called for an invalid cart")
			return nil
		},
	}
	svc := NewService(repo, NewReconciler(repo, staticState(PaymentStateNone), &stubNotifier{}))
	ctx := context.Background()

	_, err := svc.CreateFromCart(ctx, CheckoutInput{UserID: mustUUID(t)})
	assert.ErrorIs(t, err, ErrEmptyCart)

	_, err = svc.CreateFromCart(ctx, CheckoutInput{
		UserID: mustUUID(t),
		Lines:  []CartLine{{ProductID: mustUUID(t), StoreID: mustUUID(t), Quantity: 0, UnitPrice: money.FromCents(100)}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be positive")

	_, err = svc.CreateFromCart(ctx, CheckoutInput{
		UserID: mustUUID(t),
		Lines:  []CartLine{{ProductID: mustUUID(t), StoreID: mustUUID(t), Quantity: 1, UnitPrice: money.FromCents(-100)}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot be negative")
}

func TestAdvanceItem(t *testing.T) {
	orderID := mustUUID(t)
	itemID := mustUUID(t)

	newOrder := func(itemStatus ItemStatus) *Order {
		return &Order{
			ID:      orderID,
			Status:  StatusConfirmed,
			Version: 1,
			Items:   []Item{{ID: itemID, OrderID: orderID, Status: itemStatus}},
		}
	}

	t.Run("advances and reconciles", func(t *testing.T) {
		ord := newOrder(ItemPending)
		var updatedTo ItemStatus
		var statusWrites []Status
		repo := &mockRepository{
			GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*Order, error) { return ord, nil },
			UpdateItemStatusFunc: func(ctx context.Context, oID, iID uuid.UUID, status ItemStatus) error {
				updatedTo = status
				return nil
			},
			UpdateStatusFunc: func(ctx context.Context, id uuid.UUID, status Status, expectedVersion int64) error {
				statusWrites = append(statusWrites, status)
				return nil
			},
			MarkReadyFunc: func(ctx context.Context, id uuid.UUID, at time.Time) error { return nil },
		}
		svc := NewService(repo, NewReconciler(repo, staticState(PaymentStateCompleted), &stubNotifier{}))

		require.NoError(t, svc.AdvanceItem(context.Background(), orderID, itemID, ItemReady, "picker:7"))
		assert.Equal(t, ItemReady, updatedTo)
		// The single item moved to ready, so the reconciler advances the order.
		assert.Equal(t, []Status{StatusProcessing}, statusWrites)
	})

	t.Run("rejects backwards move", func(t *testing.T) {
		ord := newOrder(ItemPackaged)
		repo := &mockRepository{
			GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*Order, error) { return ord, nil },
			UpdateItemStatusFunc: func(ctx context.Context, oID, iID uuid.UUID, status ItemStatus) error {
				t.Fatal("item status must not be written on an illegal transition")
				return nil
			},
		}
		svc := NewService(repo, NewReconciler(repo, staticState(PaymentStateCompleted), &stubNotifier{}))

		err := svc.AdvanceItem(context.Background(), orderID, itemID, ItemReady, ActorSystem)
		assert.ErrorIs(t, err, ErrIllegalItemTransition)
	})

	t.Run("marks ready when all items packaged", func(t *testing.T) {
		ord := newOrder(ItemCollected)
		marked := false
		repo := &mockRepository{
			GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*Order, error) { return ord, nil },
			UpdateItemStatusFunc: func(ctx context.Context, oID, iID uuid.UUID, status ItemStatus) error {
				return nil
			},
			UpdateStatusFunc: func(ctx context.Context, id uuid.UUID, status Status, expectedVersion int64) error {
				return nil
			},
			MarkReadyFunc: func(ctx context.Context, id uuid.UUID, at time.Time) error {
				marked = true
				return nil
			},
		}
		svc := NewService(repo, NewReconciler(repo, staticState(PaymentStateCompleted), &stubNotifier{}))

		require.NoError(t, svc.AdvanceItem(context.Background(), orderID, itemID, ItemPackaged, ActorSystem))
		assert.True(t, marked)
	})

	t.Run("unknown item", func(t *testing.T) {
		ord := newOrder(ItemPending)
		repo := &mockRepository{
			GetByIDFunc: func(ctx context.Context, id uuid.UUID) (*Order, error) { return ord, nil },
		}
		svc := NewService(repo, NewReconciler(repo, staticState(PaymentStateCompleted), &stubNotifier{}))

		err := svc.AdvanceItem(context.Background(), orderID, mustUUID(t), ItemReady, ActorSystem)
		assert.ErrorIs(t, err, ErrItemNotFound)
	})
}
