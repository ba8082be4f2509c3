package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/freshmart/fulfillment-service/internal/money"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrEmptyCart             = errors.New("cart has no items")
	ErrIllegalItemTransition = errors.New("illegal order item status transition")
)

// CartLine is one product line of a checkout request, before the cart is
// split into per-store orders.
type CartLine struct {
	ProductID uuid.UUID
	StoreID   uuid.UUID
	Quantity  int
	UnitPrice money.Money
}

// CheckoutInput is everything needed to materialize orders at checkout.
// TaxRate and DeliveryFee come from the storefront, which owns pricing.
type CheckoutInput struct {
	UserID         uuid.UUID
	Lines          []CartLine
	ShippingMethod ShippingMethod
	TaxRate        money.Money // tax per whole unit of subtotal, e.g. "0.08"
	DeliveryFee    money.Money
}

type Service interface {
	// CreateFromCart splits a cart into one order per store. Sibling orders
	// share a group id.
	CreateFromCart(ctx context.Context, in CheckoutInput) ([]Order, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	// AdvanceItem moves one item forward and reconciles the aggregate order
	// status afterwards.
	AdvanceItem(ctx context.Context, orderID, itemID uuid.UUID, next ItemStatus, actor string) error
}

type service struct {
	repo       Repository
	reconciler *Reconciler
}

func NewService(repo Repository, reconciler *Reconciler) Service {
	return &service{repo: repo, reconciler: reconciler}
}

func (s *service) CreateFromCart(ctx context.Context, in CheckoutInput) ([]Order, error) {
	if len(in.Lines) == 0 {
		return nil, ErrEmptyCart
	}

	for _, line := range in.Lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("service: quantity for product %s must be positive", line.ProductID)
		}
		if line.UnitPrice.IsNegative() {
			return nil, fmt.Errorf("service: unit price for product %s cannot be negative", line.ProductID)
		}
		if line.ProductID == uuid.Nil || line.StoreID == uuid.Nil {
			return nil, errors.New("service: cart line is missing product or store id")
		}
	}

	groupID, err := uuid.NewV4()
	if err != nil {
		return nil, fmt.Errorf("service: failed to generate order group id: %w", err)
	}

	byStore := make(map[uuid.UUID][]CartLine)
	var storeOrder []uuid.UUID
	for _, line := range in.Lines {
		if _, seen := byStore[line.StoreID]; !seen {
			storeOrder = append(storeOrder, line.StoreID)
		}
		byStore[line.StoreID] = append(byStore[line.StoreID], line)
	}

	orders := make([]Order, 0, len(byStore))
	for _, storeID := range storeOrder {
		lines := byStore[storeID]

		subtotal := money.Zero()
		items := make([]Item, 0, len(lines))
		for _, line := range lines {
			lineTotal := line.UnitPrice.MulInt(line.Quantity)
			subtotal = subtotal.Add(lineTotal)
			items = append(items, Item{
				ProductID:  line.ProductID,
				StoreID:    storeID,
				Quantity:   line.Quantity,
				UnitPrice:  line.UnitPrice,
				TotalPrice: lineTotal,
				Status:     ItemPending,
			})
		}

		tax := money.FromDecimal(subtotal.Decimal().Mul(in.TaxRate.Decimal()).Round(2))
		o := Order{
			UserID:         in.UserID,
			GroupID:        groupID,
			StoreID:        storeID,
			Status:         StatusPendingPayment,
			Subtotal:       subtotal,
			Tax:            tax,
			DeliveryFee:    in.DeliveryFee,
			Total:          subtotal.Add(tax).Add(in.DeliveryFee),
			ShippingMethod: in.ShippingMethod,
			Items:          items,
		}

		if err := s.repo.Create(ctx, &o); err != nil {
			log.Error().Err(err).Stringer("user_id", in.UserID).Msg("service: failed to create order")
			return nil, fmt.Errorf("service: failed to create order: %w", err)
		}
		log.Info().
			Stringer("order_id", o.ID).
			Str("number", o.Number).
			Stringer("store_id", storeID).
			Msg("service: order created")
		orders = append(orders, o)
	}

	return orders, nil
}

func (s *service) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	o, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("service: failed to fetch order %s: %w", id, err)
	}
	return o, nil
}

func (s *service) AdvanceItem(ctx context.Context, orderID, itemID uuid.UUID, next ItemStatus, actor string) error {
	ord, err := s.repo.GetByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return ErrOrderNotFound
		}
		return fmt.Errorf("service: failed to load order %s: %w", orderID, err)
	}

	var current *Item
	for i := range ord.Items {
		if ord.Items[i].ID == itemID {
			current = &ord.Items[i]
			break
		}
	}
	if current == nil {
		return ErrItemNotFound
	}

	if !current.Status.CanAdvanceTo(next) {
		log.Warn().
			Stringer("order_id", orderID).
			Stringer("item_id", itemID).
			Stringer("current", current.Status).
			Stringer("next", next).
			Msg("service: rejected item status transition")
		return fmt.Errorf("%w: %s -> %s", ErrIllegalItemTransition, current.Status, next)
	}

	if err := s.repo.UpdateItemStatus(ctx, orderID, itemID, next); err != nil {
		return fmt.Errorf("service: failed to update item %s: %w", itemID, err)
	}
	current.Status = next

	if !ord.ReadyForPickup && allItemsAtLeast(ord.Items, ItemPackaged) {
		if err := s.repo.MarkReady(ctx, orderID, time.Now().UTC()); err != nil {
			log.Error().Err(err).Stringer("order_id", orderID).Msg("service: failed to mark order ready")
		}
	}

	if err := s.reconciler.Recompute(ctx, orderID, actor); err != nil {
		return fmt.Errorf("service: failed to reconcile order %s after item update: %w", orderID, err)
	}
	return nil
}

func allItemsAtLeast(items []Item, s ItemStatus) bool {
	for _, item := range items {
		if item.Status.Rank() < s.Rank() {
			return false
		}
	}
	return len(items) > 0
}
