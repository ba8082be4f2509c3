package shipping

import (
	"context"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRepository is the append-only log of tracking events.
type EventRepository interface {
	// Insert appends an event. Returns false without error when the event
	// is a duplicate: the table carries a unique index on
	// (tracking_code, carrier_status_code, occurred_at) so redelivered
	// webhooks cannot append twice.
	Insert(ctx context.Context, e *Event) (bool, error)
	ListByTrackingCode(ctx context.Context, trackingCode string) ([]Event, error)
	// LatestOccurredAt reports the newest carrier timestamp in the log for
	// the tracking code; the zero time when no events exist yet.
	LatestOccurredAt(ctx context.Context, trackingCode string) (time.Time, error)
}

type postgresEventRepository struct {
	db *pgxpool.Pool
}

func NewEventRepository(db *pgxpool.Pool) EventRepository {
	return &postgresEventRepository{db: db}
}

func (r *postgresEventRepository) Insert(ctx context.Context, e *Event) (bool, error) {
	if e.ID == uuid.Nil {
		id, err := uuid.NewV4()
		if err != nil {
			return false, fmt.Errorf("repository: failed to generate event id: %w", err)
		}
		e.ID = id
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	cmdTag, err := r.db.Exec(ctx, `
		INSERT INTO shipment_tracking_events
			(id, order_id, tracking_code, status, message, location,
			 carrier_status_code, carrier_status_detail, occurred_at, source, raw_payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (tracking_code, carrier_status_code, occurred_at) DO NOTHING
	`, e.ID, e.OrderID, e.TrackingCode, string(e.Status), e.Message, e.Location,
		e.CarrierStatusCode, e.CarrierStatusDetail, e.OccurredAt.UTC(), string(e.Source), []byte(e.RawPayload), e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("repository: failed to insert tracking event for %s: %w", e.TrackingCode, err)
	}
	return cmdTag.RowsAffected() > 0, nil
}

func (r *postgresEventRepository) LatestOccurredAt(ctx context.Context, trackingCode string) (time.Time, error) {
	var latest *time.Time
	err := r.db.QueryRow(ctx, `
		SELECT MAX(occurred_at) FROM shipment_tracking_events WHERE tracking_code = $1
	`, trackingCode).Scan(&latest)
	if err != nil {
		return time.Time{}, fmt.Errorf("repository: failed to read latest event time for %s: %w", trackingCode, err)
	}
	if latest == nil {
		return time.Time{}, nil
	}
	return *latest, nil
}

func (r *postgresEventRepository) ListByTrackingCode(ctx context.Context, trackingCode string) ([]Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, tracking_code, status, message, location,
		       carrier_status_code, carrier_status_detail, occurred_at, source, raw_payload, created_at
		FROM shipment_tracking_events
		WHERE tracking_code = $1
		ORDER BY occurred_at
	`, trackingCode)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to query tracking events for %s: %w", trackingCode, err)
	}
	defer rows.Close()

	events := make([]Event, 0)
	for rows.Next() {
		var e Event
		var status, source string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.TrackingCode, &status, &e.Message, &e.Location,
			&e.CarrierStatusCode, &e.CarrierStatusDetail, &e.OccurredAt, &source, &e.RawPayload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository: failed to scan tracking event: %w", err)
		}
		e.Status = TrackingStatus(status)
		e.Source = EventSource(source)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: error iterating tracking events: %w", err)
	}
	return events, nil
}
