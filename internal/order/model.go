package order

import (
	"fmt"
	"time"

	"github.com/freshmart/fulfillment-service/internal/money"
	"github.com/gofrs/uuid"
)

type Status string

const (
	StatusPendingPayment Status = "pending_payment"
	StatusPaymentFailed  Status = "payment_failed"
	StatusConfirmed      Status = "confirmed"
	StatusProcessing     Status = "processing"
	StatusShipped        Status = "shipped"
	StatusDelivered      Status = "delivered"
	StatusRefunded       Status = "refunded"
)

func (s Status) String() string {
	return string(s)
}

// statusRank orders the forward progression of an order. pending_payment and
// payment_failed share rank 0: they flip between each other until a payment
// lands. refunded sits outside the ranking and is reachable from any
// non-terminal status.
var statusRank = map[Status]int{
	StatusPendingPayment: 0,
	StatusPaymentFailed:  0,
	StatusConfirmed:      1,
	StatusProcessing:     2,
	StatusShipped:        3,
	StatusDelivered:      4,
}

func (s Status) Rank() int {
	return statusRank[s]
}

var allowedTransitions = map[Status]map[Status]bool{
	StatusPendingPayment: {
		StatusPaymentFailed: true,
		StatusConfirmed:     true,
		StatusProcessing:    true,
		StatusShipped:       true,
		StatusDelivered:     true,
		StatusRefunded:      true,
	},
	StatusPaymentFailed: {
		StatusPendingPayment: true,
		StatusConfirmed:      true,
		StatusRefunded:       true,
	},
	StatusConfirmed: {
		StatusProcessing: true,
		StatusShipped:    true,
		StatusDelivered:  true,
		StatusRefunded:   true,
	},
	StatusProcessing: {
		StatusShipped:   true,
		StatusDelivered: true,
		StatusRefunded:  true,
	},
	StatusShipped: {
		StatusDelivered: true,
		StatusRefunded:  true,
	},
	StatusDelivered: {
		StatusRefunded: true,
	},
	StatusRefunded: {},
}

// CanTransition reports whether an order may move from one status to
// another. Progression is forward-only; skipping ahead is allowed because a
// background recompute may observe several item advances at once.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	return ok && next[to]
}

type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemReady     ItemStatus = "ready"
	ItemCollected ItemStatus = "collected"
	ItemPackaged  ItemStatus = "packaged"
	ItemShipped   ItemStatus = "shipped"
	ItemDelivered ItemStatus = "delivered"
)

func (s ItemStatus) String() string {
	return string(s)
}

var itemRank = map[ItemStatus]int{
	ItemPending:   0,
	ItemReady:     1,
	ItemCollected: 2,
	ItemPackaged:  3,
	ItemShipped:   4,
	ItemDelivered: 5,
}

func (s ItemStatus) Rank() int {
	return itemRank[s]
}

// CanAdvanceTo reports whether an item may move to next. Item fulfillment
// only moves forward; going back is never allowed.
func (s ItemStatus) CanAdvanceTo(next ItemStatus) bool {
	_, okFrom := itemRank[s]
	_, okTo := itemRank[next]
	return okFrom && okTo && next.Rank() > s.Rank()
}

type ShippingMethod string

const (
	MethodShipping     ShippingMethod = "shipping"
	MethodFastDelivery ShippingMethod = "fast_delivery"
)

type Item struct {
	ID         uuid.UUID   `json:"id"`
	OrderID    uuid.UUID   `json:"order_id"`
	ProductID  uuid.UUID   `json:"product_id"`
	StoreID    uuid.UUID   `json:"store_id"`
	Quantity   int         `json:"quantity"`
	UnitPrice  money.Money `json:"unit_price"`
	TotalPrice money.Money `json:"total_price"`
	Status     ItemStatus  `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Order is one purchase transaction scoped to a single store. Multi-store
// carts are split into sibling orders sharing the same GroupID.
type Order struct {
	ID             uuid.UUID      `json:"id"`
	Number         string         `json:"number"`
	UserID         uuid.UUID      `json:"user_id"`
	GroupID        uuid.UUID      `json:"group_id"`
	StoreID        uuid.UUID      `json:"store_id"`
	Status         Status         `json:"status"`
	Subtotal       money.Money    `json:"subtotal"`
	Tax            money.Money    `json:"tax"`
	DeliveryFee    money.Money    `json:"delivery_fee"`
	Total          money.Money    `json:"total"`
	ShippingMethod ShippingMethod `json:"shipping_method"`

	// Carrier fields stay nil until a label exists.
	TrackingCode *string `json:"tracking_code,omitempty"`
	Carrier      *string `json:"carrier,omitempty"`
	Service      *string `json:"service,omitempty"`
	LabelURL     *string `json:"label_url,omitempty"`
	RateID       *string `json:"rate_id,omitempty"`

	DeliveryStatus    *string    `json:"delivery_status,omitempty"`
	DeliveredAt       *time.Time `json:"delivered_at,omitempty"`
	TrackingUpdatedAt *time.Time `json:"tracking_updated_at,omitempty"`

	ReadyForPickup bool       `json:"ready_for_pickup"`
	ReadyAt        *time.Time `json:"ready_at,omitempty"`

	Version   int64     `json:"version"`
	Items     []Item    `json:"items"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TotalsConsistent checks the monetary invariant
// total == subtotal + tax + delivery_fee, to the cent.
func (o *Order) TotalsConsistent() bool {
	return o.Total.Equal(o.Subtotal.Add(o.Tax).Add(o.DeliveryFee))
}

// FormatNumber renders the human-readable order number,
// ORD-YYYYMMDD-NNNN with a per-day sequence.
func FormatNumber(day time.Time, seq int64) string {
	return fmt.Sprintf("ORD-%s-%04d", day.UTC().Format("20060102"), seq)
}

// ActorSystem is the actor recorded for automatic status changes, as opposed
// to a named admin.
const ActorSystem = "system (auto)"

type StatusHistory struct {
	ID         uuid.UUID `json:"id"`
	OrderID    uuid.UUID `json:"order_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Actor      string    `json:"actor"`
	Note       string    `json:"note,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PaymentState is the order-level view of the most recent payment
// transaction for an order, as exposed by the payment package.
type PaymentState string

const (
	PaymentStateNone      PaymentState = "none"
	PaymentStatePending   PaymentState = "pending"
	PaymentStateCompleted PaymentState = "completed"
	PaymentStateFailed    PaymentState = "failed"
	PaymentStateRefunded  PaymentState = "refunded"
)
