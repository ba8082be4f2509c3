package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrItemNotFound    = errors.New("order item not found")
	ErrVersionConflict = errors.New("order version conflict")
)

// TrackingInfo is the carrier result persisted atomically onto an order once
// a label is bought.
type TrackingInfo struct {
	TrackingCode string
	Carrier      string
	Service      string
	LabelURL     string
	RateID       string
}

type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByTrackingCode(ctx context.Context, trackingCode string) (*Order, error)
	// UpdateStatus applies an optimistic-concurrency check: the write only
	// lands if the stored version still equals expectedVersion.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status, expectedVersion int64) error
	UpdateTracking(ctx context.Context, id uuid.UUID, info TrackingInfo, expectedVersion int64) error
	UpdateDelivery(ctx context.Context, id uuid.UUID, deliveryStatus string, deliveredAt *time.Time) error
	UpdateItemStatus(ctx context.Context, orderID, itemID uuid.UUID, status ItemStatus) error
	MarkItemsDelivered(ctx context.Context, orderID uuid.UUID) error
	MarkReady(ctx context.Context, orderID uuid.UUID, at time.Time) error
	ListStaleTracking(ctx context.Context, updatedBefore time.Time, limit int) ([]Order, error)
	ListBrokenLabels(ctx context.Context) ([]Order, error)
	AppendStatusHistory(ctx context.Context, h *StatusHistory) error
}

type postgresRepository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) Repository {
	return &postgresRepository{db: db}
}

const orderColumns = `
	id, number, user_id, group_id, store_id, status,
	subtotal, tax, delivery_fee, total, shipping_method,
	tracking_code, carrier, service, label_url, rate_id,
	delivery_status, delivered_at, tracking_updated_at,
	ready_for_pickup, ready_at, version, created_at, updated_at`

func (r *postgresRepository) Create(ctx context.Context, o *Order) (err error) {
	if !o.TotalsConsistent() {
		return fmt.Errorf("repository: order totals are inconsistent: %s != %s + %s + %s",
			o.Total, o.Subtotal, o.Tax, o.DeliveryFee)
	}

	if o.ID == uuid.Nil {
		id, genErr := uuid.NewV4()
		if genErr != nil {
			return fmt.Errorf("repository: failed to generate order id: %w", genErr)
		}
		o.ID = id
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("repository: failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil {
				log.Error().Err(rbErr).Stringer("order_id", o.ID).Msg("repository: failed to rollback create order")
			}
		}
	}()

	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	o.Version = 1
	if o.Status == "" {
		o.Status = StatusPendingPayment
	}

	// Per-day counter behind the human-readable number. The upsert holds a
	// row lock for the day, so concurrent checkouts get distinct sequences.
	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO order_number_counters (day, seq) VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET seq = order_number_counters.seq + 1
		RETURNING seq
	`, now.Format("2006-01-02")).Scan(&seq)
	if err != nil {
		return fmt.Errorf("repository: failed to allocate order number: %w", err)
	}
	o.Number = FormatNumber(now, seq)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, number, user_id, group_id, store_id, status,
			subtotal, tax, delivery_fee, total, shipping_method,
			ready_for_pickup, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, o.ID, o.Number, o.UserID, o.GroupID, o.StoreID, string(o.Status),
		o.Subtotal, o.Tax, o.DeliveryFee, o.Total, string(o.ShippingMethod),
		o.ReadyForPickup, o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to insert order %s: %w", o.ID, err)
	}

	for i := range o.Items {
		item := &o.Items[i]
		if item.ID == uuid.Nil {
			itemID, genErr := uuid.NewV4()
			if genErr != nil {
				return fmt.Errorf("repository: failed to generate order item id: %w", genErr)
			}
			item.ID = itemID
		}
		item.OrderID = o.ID
		if item.Status == "" {
			item.Status = ItemPending
		}
		item.CreatedAt = now
		item.UpdatedAt = now

		_, err = tx.Exec(ctx, `
			INSERT INTO order_items (id, order_id, product_id, store_id, quantity,
				unit_price, total_price, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		`, item.ID, o.ID, item.ProductID, item.StoreID, item.Quantity,
			item.UnitPrice, item.TotalPrice, string(item.Status), item.CreatedAt, item.UpdatedAt)
		if err != nil {
			return fmt.Errorf("repository: failed to insert order item for order %s: %w", o.ID, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("repository: failed to commit create order: %w", err)
	}
	return nil
}

func scanOrder(row pgx.Row, o *Order) error {
	var status, method string
	err := row.Scan(
		&o.ID, &o.Number, &o.UserID, &o.GroupID, &o.StoreID, &status,
		&o.Subtotal, &o.Tax, &o.DeliveryFee, &o.Total, &method,
		&o.TrackingCode, &o.Carrier, &o.Service, &o.LabelURL, &o.RateID,
		&o.DeliveryStatus, &o.DeliveredAt, &o.TrackingUpdatedAt,
		&o.ReadyForPickup, &o.ReadyAt, &o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	o.Status = Status(status)
	o.ShippingMethod = ShippingMethod(method)
	return nil
}

func (r *postgresRepository) getBy(ctx context.Context, where string, arg any) (*Order, error) {
	var o Order
	err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+where, arg), &o)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("repository: failed to select order: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, product_id, store_id, quantity, unit_price, total_price, status, created_at, updated_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at
	`, o.ID)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query order items for order %s: %w", o.ID, err)
	}
	defer rows.Close()

	items := make([]Item, 0)
	for rows.Next() {
		var item Item
		var itemStatus string
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.StoreID, &item.Quantity,
			&item.UnitPrice, &item.TotalPrice, &itemStatus, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repository: failed to scan order item for order %s: %w", o.ID, err)
		}
		item.Status = ItemStatus(itemStatus)
		items = append(items, item)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating order items for order %s: %w", o.ID, err)
	}
	o.Items = items

	return &o, nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return r.getBy(ctx, "id = $1", id)
}

func (r *postgresRepository) GetByTrackingCode(ctx context.Context, trackingCode string) (*Order, error) {
	return r.getBy(ctx, "tracking_code = $1", trackingCode)
}

func (r *postgresRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, expectedVersion int64) error {
	cmdTag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET status = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4
	`, string(status), time.Now().UTC(), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("repository: failed to update status for order %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id)
	}
	return nil
}

func (r *postgresRepository) UpdateTracking(ctx context.Context, id uuid.UUID, info TrackingInfo, expectedVersion int64) error {
	now := time.Now().UTC()
	cmdTag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET tracking_code = $1, carrier = $2, service = $3, label_url = $4, rate_id = $5,
		    tracking_updated_at = $6, version = version + 1, updated_at = $6
		WHERE id = $7 AND version = $8
	`, info.TrackingCode, info.Carrier, info.Service, info.LabelURL, info.RateID, now, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("repository: failed to update tracking for order %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return r.conflictOrNotFound(ctx, id)
	}
	return nil
}

func (r *postgresRepository) UpdateDelivery(ctx context.Context, id uuid.UUID, deliveryStatus string, deliveredAt *time.Time) error {
	cmdTag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET delivery_status = $1, delivered_at = COALESCE($2, delivered_at),
		    tracking_updated_at = $3, updated_at = $3
		WHERE id = $4
	`, deliveryStatus, deliveredAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("repository: failed to update delivery state for order %s: %w", id, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (r *postgresRepository) UpdateItemStatus(ctx context.Context, orderID, itemID uuid.UUID, status ItemStatus) error {
	cmdTag, err := r.db.Exec(ctx, `
		UPDATE order_items
		SET status = $1, updated_at = $2
		WHERE id = $3 AND order_id = $4
	`, string(status), time.Now().UTC(), itemID, orderID)
	if err != nil {
		return fmt.Errorf("repository: failed to update status for item %s: %w", itemID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (r *postgresRepository) MarkItemsDelivered(ctx context.Context, orderID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE order_items
		SET status = $1, updated_at = $2
		WHERE order_id = $3 AND status <> $1
	`, string(ItemDelivered), time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("repository: failed to mark items delivered for order %s: %w", orderID, err)
	}
	return nil
}

func (r *postgresRepository) MarkReady(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	cmdTag, err := r.db.Exec(ctx, `
		UPDATE orders
		SET ready_for_pickup = TRUE, ready_at = $1, updated_at = $1
		WHERE id = $2 AND ready_for_pickup = FALSE
	`, at.UTC(), orderID)
	if err != nil {
		return fmt.Errorf("repository: failed to mark order %s ready: %w", orderID, err)
	}
	if cmdTag.RowsAffected() == 0 {
		log.Debug().Stringer("order_id", orderID).Msg("repository: order already marked ready")
	}
	return nil
}

func (r *postgresRepository) listOrders(ctx context.Context, query string, args ...any) ([]Order, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]Order, 0)
	for rows.Next() {
		var o Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, fmt.Errorf("repository: failed to scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating orders: %w", err)
	}
	return orders, nil
}

func (r *postgresRepository) ListStaleTracking(ctx context.Context, updatedBefore time.Time, limit int) ([]Order, error) {
	return r.listOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE tracking_code IS NOT NULL
		  AND status NOT IN ('delivered', 'refunded')
		  AND (tracking_updated_at IS NULL OR tracking_updated_at < $1)
		ORDER BY tracking_updated_at NULLS FIRST
		LIMIT $2
	`, updatedBefore.UTC(), limit)
}

// ListBrokenLabels finds the partial-failure signature of label creation: a
// rate was captured but no tracking code was ever persisted.
func (r *postgresRepository) ListBrokenLabels(ctx context.Context) ([]Order, error) {
	return r.listOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE rate_id IS NOT NULL AND tracking_code IS NULL
		ORDER BY created_at
	`)
}

func (r *postgresRepository) AppendStatusHistory(ctx context.Context, h *StatusHistory) error {
	if h.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return fmt.Errorf("repository: failed to generate history id: %w", err)
		}
		h.ID = id
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.Exec(ctx, `
		INSERT INTO order_status_histories (id, order_id, from_status, to_status, actor, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, h.ID, h.OrderID, string(h.FromStatus), string(h.ToStatus), h.Actor, h.Note, h.CreatedAt)
	if err != nil {
		return fmt.Errorf("repository: failed to append status history for order %s: %w", h.OrderID, err)
	}
	return nil
}

func (r *postgresRepository) conflictOrNotFound(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("repository: failed to check order %s after zero-row update: %w", id, err)
	}
	if !exists {
		return ErrOrderNotFound
	}
	return ErrVersionConflict
}
