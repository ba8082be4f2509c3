package shipping

import (
	"context"
	"time"

	"github.com/freshmart/fulfillment-service/internal/order"
	"github.com/gofrs/uuid"
)

// orderStore is a single-order in-memory order.Repository.
type orderStore struct {
	ord             *order.Order
	statuses        []order.Status
	deliveryWrites  []string
	itemsDelivered  int
	trackingFailErr error
}

func (s *orderStore) Create(ctx context.Context, o *order.Order) error { return nil }

func (s *orderStore) GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	if s.ord == nil || s.ord.ID != id {
		return nil, order.ErrOrderNotFound
	}
	return s.ord, nil
}

func (s *orderStore) GetByTrackingCode(ctx context.Context, trackingCode string) (*order.Order, error) {
	if s.ord == nil || s.ord.TrackingCode == nil || *s.ord.TrackingCode != trackingCode {
		return nil, order.ErrOrderNotFound
	}
	return s.ord, nil
}

func (s *orderStore) UpdateStatus(ctx context.Context, id uuid.UUID, status order.Status, expectedVersion int64) error {
	if s.ord == nil || s.ord.ID != id {
		return order.ErrOrderNotFound
	}
	if s.ord.Version != expectedVersion {
		return order.ErrVersionConflict
	}
	s.ord.Status = status
	s.ord.Version++
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *orderStore) UpdateTracking(ctx context.Context, id uuid.UUID, info order.TrackingInfo, expectedVersion int64) error {
	if s.trackingFailErr != nil {
		return s.trackingFailErr
	}
	if s.ord == nil || s.ord.ID != id {
		return order.ErrOrderNotFound
	}
	if s.ord.Version != expectedVersion {
		return order.ErrVersionConflict
	}
	now := time.Now().UTC()
	s.ord.TrackingCode = &info.TrackingCode
	s.ord.Carrier = &info.Carrier
	s.ord.Service = &info.Service
	s.ord.LabelURL = &info.LabelURL
	s.ord.RateID = &info.RateID
	s.ord.TrackingUpdatedAt = &now
	s.ord.Version++
	return nil
}

func (s *orderStore) UpdateDelivery(ctx context.Context, id uuid.UUID, deliveryStatus string, deliveredAt *time.Time) error {
	if s.ord == nil || s.ord.ID != id {
		return order.ErrOrderNotFound
	}
	s.ord.DeliveryStatus = &deliveryStatus
	if deliveredAt != nil {
		s.ord.DeliveredAt = deliveredAt
	}
	s.deliveryWrites = append(s.deliveryWrites, deliveryStatus)
	return nil
}

func (s *orderStore) UpdateItemStatus(ctx context.Context, orderID, itemID uuid.UUID, status order.ItemStatus) error {
	return nil
}

func (s *orderStore) MarkItemsDelivered(ctx context.Context, orderID uuid.UUID) error {
	s.itemsDelivered++
	for i := range s.ord.Items {
		s.ord.Items[i].Status = order.ItemDelivered
	}
	return nil
}

func (s *orderStore) MarkReady(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	return nil
}

func (s *orderStore) ListStaleTracking(ctx context.Context, updatedBefore time.Time, limit int) ([]order.Order, error) {
	if s.ord == nil {
		return nil, nil
	}
	return []order.Order{*s.ord}, nil
}

func (s *orderStore) ListBrokenLabels(ctx context.Context) ([]order.Order, error) {
	if s.ord != nil && s.ord.RateID != nil && s.ord.TrackingCode == nil {
		return []order.Order{*s.ord}, nil
	}
	return nil, nil
}

func (s *orderStore) AppendStatusHistory(ctx context.Context, h *order.StatusHistory) error {
	return nil
}

// paidReader reports every order as paid so the reconciler derives status
// from items alone.
type paidReader struct{}

func (paidReader) LatestState(ctx context.Context, orderID uuid.UUID) (order.PaymentState, error) {
	return order.PaymentStateCompleted, nil
}

// memEventRepo deduplicates like the unique index does.
type memEventRepo struct {
	events []Event
}

func (r *memEventRepo) Insert(ctx context.Context, e *Event) (bool, error) {
	for _, existing := range r.events {
		if existing.TrackingCode == e.TrackingCode &&
			existing.CarrierStatusCode == e.CarrierStatusCode &&
			existing.OccurredAt.Equal(e.OccurredAt) {
			return false, nil
		}
	}
	id, err := uuid.NewV4()
	if err != nil {
		return false, err
	}
	e.ID = id
	r.events = append(r.events, *e)
	return true, nil
}

func (r *memEventRepo) LatestOccurredAt(ctx context.Context, trackingCode string) (time.Time, error) {
	var latest time.Time
	for _, e := range r.events {
		if e.TrackingCode == trackingCode && e.OccurredAt.After(latest) {
			latest = e.OccurredAt
		}
	}
	return latest, nil
}

func (r *memEventRepo) ListByTrackingCode(ctx context.Context, trackingCode string) ([]Event, error) {
	var out []Event
	for _, e := range r.events {
		if e.TrackingCode == trackingCode {
			out = append(out, e)
		}
	}
	return out, nil
}

// mockCarrier overrides carrier calls per test.
type mockCarrier struct {
	CreateShipmentFunc func(ctx context.Context, req ShipmentRequest) ([]Rate, error)
	BuyLabelFunc       func(ctx context.Context, rateID string) (*Label, error)
	GetTrackerFunc     func(ctx context.Context, trackingCode string) ([]TrackerEvent, error)
}

func (m *mockCarrier) CreateShipment(ctx context.Context, req ShipmentRequest) ([]Rate, error) {
	return m.CreateShipmentFunc(ctx, req)
}

func (m *mockCarrier) BuyLabel(ctx context.Context, rateID string) (*Label, error) {
	return m.BuyLabelFunc(ctx, rateID)
}

func (m *mockCarrier) GetTracker(ctx context.Context, trackingCode string) ([]TrackerEvent, error) {
	return m.GetTrackerFunc(ctx, trackingCode)
}

// recordingNotifier captures admin notifications.
type recordingNotifier struct {
	userKinds []string
	adminMsgs []string
}

func (n *recordingNotifier) NotifyUser(ctx context.Context, userID uuid.UUID, kind string, payload map[string]any) {
	n.userKinds = append(n.userKinds, kind)
}

func (n *recordingNotifier) NotifyAdmins(ctx context.Context, subject, body string) {
	n.adminMsgs = append(n.adminMsgs, subject+": "+body)
}

func mustUUID(t interface{ Fatalf(string, ...any) }) uuid.UUID {
	id, err := uuid.NewV4()
	if err != nil {
		t.Fatalf("failed to generate uuid: %v", err)
	}
	return id
}
