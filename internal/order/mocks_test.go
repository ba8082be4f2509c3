package order

import (
	"context"
	"time"

	"github.com/gofrs/uuid"
)

// mockRepository implements Repository with overridable function fields.
type mockRepository struct {
	CreateFunc              func(ctx context.Context, o *Order) error
	GetByIDFunc             func(ctx context.Context, id uuid.UUID) (*Order, error)
	GetByTrackingCodeFunc   func(ctx context.Context, trackingCode string) (*Order, error)
	UpdateStatusFunc        func(ctx context.Context, id uuid.UUID, status Status, expectedVersion int64) error
	UpdateTrackingFunc      func(ctx context.Context, id uuid.UUID, info TrackingInfo, expectedVersion int64) error
	UpdateDeliveryFunc      func(ctx context.Context, id uuid.UUID, deliveryStatus string, deliveredAt *time.Time) error
	UpdateItemStatusFunc    func(ctx context.Context, orderID, itemID uuid.UUID, status ItemStatus) error
	MarkItemsDeliveredFunc  func(ctx context.Context, orderID uuid.UUID) error
	MarkReadyFunc           func(ctx context.Context, orderID uuid.UUID, at time.Time) error
	ListStaleTrackingFunc   func(ctx context.Context, updatedBefore time.Time, limit int) ([]Order, error)
	ListBrokenLabelsFunc    func(ctx context.Context) ([]Order, error)
	AppendStatusHistoryFunc func(ctx context.Context, h *StatusHistory) error
}

func (m *mockRepository) Create(ctx context.Context, o *Order) error {
	return m.CreateFunc(ctx, o)
}

func (m *mockRepository) GetByID(ctx context.Context, id uuid.UUID) (*Order, error) {
	return m.GetByIDFunc(ctx, id)
}

func (m *mockRepository) GetByTrackingCode(ctx context.Context, trackingCode string) (*Order, error) {
	return m.GetByTrackingCodeFunc(ctx, trackingCode)
}

func (m *mockRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status, expectedVersion int64) error {
	return m.UpdateStatusFunc(ctx, id, status, expectedVersion)
}

func (m *mockRepository) UpdateTracking(ctx context.Context, id uuid.UUID, info TrackingInfo, expectedVersion int64) error {
	return m.UpdateTrackingFunc(ctx, id, info, expectedVersion)
}

func (m *mockRepository) UpdateDelivery(ctx context.Context, id uuid.UUID, deliveryStatus string, deliveredAt *time.Time) error {
	return m.UpdateDeliveryFunc(ctx, id, deliveryStatus, deliveredAt)
}

func (m *mockRepository) UpdateItemStatus(ctx context.Context, orderID, itemID uuid.UUID, status ItemStatus) error {
	return m.UpdateItemStatusFunc(ctx, orderID, itemID, status)
}

func (m *mockRepository) MarkItemsDelivered(ctx context.Context, orderID uuid.UUID) error {
	return m.MarkItemsDeliveredFunc(ctx, orderID)
}

func (m *mockRepository) MarkReady(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	return m.MarkReadyFunc(ctx, orderID, at)
}

func (m *mockRepository) ListStaleTracking(ctx context.Context, updatedBefore time.Time, limit int) ([]Order, error) {
	return m.ListStaleTrackingFunc(ctx, updatedBefore, limit)
}

func (m *mockRepository) ListBrokenLabels(ctx context.Context) ([]Order, error) {
	return m.ListBrokenLabelsFunc(ctx)
}

func (m *mockRepository) AppendStatusHistory(ctx context.Context, h *StatusHistory) error {
	if m.AppendStatusHistoryFunc != nil {
		return m.AppendStatusHistoryFunc(ctx, h)
	}
	return nil
}

type mockPaymentReader struct {
	LatestStateFunc func(ctx context.Context, orderID uuid.UUID) (PaymentState, error)
}

func (m *mockPaymentReader) LatestState(ctx context.Context, orderID uuid.UUID) (PaymentState, error) {
	return m.LatestStateFunc(ctx, orderID)
}

func staticState(state PaymentState) *mockPaymentReader {
	return &mockPaymentReader{
		LatestStateFunc: func(ctx context.Context, orderID uuid.UUID) (PaymentState, error) {
			return state, nil
		},
	}
}

// stubNotifier records dispatched notification kinds.
type stubNotifier struct {
	userKinds []string
	admin     []string
}

func (n *stubNotifier) NotifyUser(_ context.Context, _ uuid.UUID, kind string, _ map[string]any) {
	n.userKinds = append(n.userKinds, kind)
}

func (n *stubNotifier) NotifyAdmins(_ context.Context, subject, _ string) {
	n.admin = append(n.admin, subject)
}

func mustUUID(t interface{ Fatalf(string, ...any) }) uuid.UUID {
	id, err := uuid.NewV4()
	if err != nil {
		t.Fatalf("failed to generate uuid: %v", err)
	}
	return id
}
