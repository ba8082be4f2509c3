package payment

import (
	"context"
	"time"

	"github.com/freshmart/fulfillment-service/internal/gateway"
	"github.com/freshmart/fulfillment-service/internal/order"
	"github.com/gofrs/uuid"
)

// memStore is an in-memory Repository. It mirrors the postgres semantics the
// guard and processor rely on: unique keys, version checks and atomic
// finalization.
type memStore struct {
	records map[string]*IdempotencyRecord // by key
	txns    []*Transaction                // in creation order
	inserts int
	deletes int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*IdempotencyRecord)}
}

func (s *memStore) CreateTransaction(ctx context.Context, t *Transaction) error {
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	t.ID = id
	t.Version = 1
	t.CreatedAt = time.Now().UTC()
	if t.Status == "" {
		t.Status = TxPending
	}
	s.txns = append(s.txns, t)
	return nil
}

func (s *memStore) GetTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error) {
	for _, t := range s.txns {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (s *memStore) GetTransactionByGatewayID(ctx context.Context, gatewayID string) (*Transaction, error) {
	for i := len(s.txns) - 1; i >= 0; i-- {
		if s.txns[i].GatewayID == gatewayID {
			return s.txns[i], nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (s *memStore) LatestTransactionByOrder(ctx context.Context, orderID uuid.UUID) (*Transaction, error) {
	for i := len(s.txns) - 1; i >= 0; i-- {
		if s.txns[i].OrderID != nil && *s.txns[i].OrderID == orderID {
			return s.txns[i], nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (s *memStore) LatestCompletedByOrder(ctx context.Context, orderID uuid.UUID) (*Transaction, error) {
	for i := len(s.txns) - 1; i >= 0; i-- {
		t := s.txns[i]
		if t.OrderID == nil || *t.OrderID != orderID {
			continue
		}
		switch t.Status {
		case TxCompleted, TxPendingRefund, TxRefundFailed:
			return t, nil
		}
	}
	return nil, ErrTransactionNotFound
}

func (s *memStore) UpdateTransactionStatus(ctx context.Context, id uuid.UUID, status TransactionStatus, expectedVersion int64) error {
	t, err := s.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	if t.Version != expectedVersion {
		return ErrVersionConflict
	}
	t.Status = status
	t.Version++
	return nil
}

func (s *memStore) SetTransactionGatewayID(ctx context.Context, id uuid.UUID, gatewayID string) error {
	t, err := s.GetTransaction(ctx, id)
	if err != nil {
		return err
	}
	t.GatewayID = gatewayID
	return nil
}

func (s *memStore) FinalizeCharge(ctx context.Context, t *Transaction, rec *IdempotencyRecord) error {
	stored, err := s.GetTransaction(ctx, t.ID)
	if err != nil {
		return err
	}
	stored.Status = t.Status
	stored.GatewayID = t.GatewayID
	stored.Version++

	existing, ok := s.records[rec.Key]
	if !ok {
		return ErrRecordNotFound
	}
	existing.Status = rec.Status
	existing.ResponseData = rec.ResponseData
	existing.TransactionID = &t.ID
	existing.Interrupted = false
	if t.OrderID != nil {
		existing.OrderID = t.OrderID
	}
	return nil
}

func (s *memStore) InsertIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	if _, exists := s.records[rec.Key]; exists {
		return ErrDuplicateKey
	}
	id, err := uuid.NewV4()
	if err != nil {
		return err
	}
	rec.ID = id
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = time.Now().UTC().Add(IdempotencyTTL)
	}
	s.records[rec.Key] = rec
	s.inserts++
	return nil
}

func (s *memStore) GetIdempotencyByKey(ctx context.Context, key string) (*IdempotencyRecord, error) {
	rec, ok := s.records[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return rec, nil
}

func (s *memStore) UpdateIdempotency(ctx context.Context, rec *IdempotencyRecord) error {
	for key, existing := range s.records {
		if existing.ID == rec.ID {
			s.records[key] = rec
			return nil
		}
	}
	return ErrRecordNotFound
}

func (s *memStore) DeleteIdempotency(ctx context.Context, id uuid.UUID) error {
	for key, rec := range s.records {
		if rec.ID == id {
			delete(s.records, key)
			s.deletes++
			return nil
		}
	}
	return nil
}

func (s *memStore) DeleteExpiredIdempotencies(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	for key, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, key)
			deleted++
		}
	}
	return deleted, nil
}

// mockGateway overrides gateway calls per test.
type mockGateway struct {
	CreatePaymentIntentFunc   func(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*gateway.PaymentIntent, error)
	RefundFunc                func(ctx context.Context, paymentIntentID string, amountCents int64, metadata map[string]string) (*gateway.Refund, error)
	RetrievePaymentIntentFunc func(ctx context.Context, id string) (*gateway.PaymentIntent, error)
}

func (m *mockGateway) CreatePaymentIntent(ctx context.Context, amountCents int64, currency string, metadata map[string]string) (*gateway.PaymentIntent, error) {
	return m.CreatePaymentIntentFunc(ctx, amountCents, currency, metadata)
}

func (m *mockGateway) Refund(ctx context.Context, paymentIntentID string, amountCents int64, metadata map[string]string) (*gateway.Refund, error) {
	return m.RefundFunc(ctx, paymentIntentID, amountCents, metadata)
}

func (m *mockGateway) RetrievePaymentIntent(ctx context.Context, id string) (*gateway.PaymentIntent, error) {
	return m.RetrievePaymentIntentFunc(ctx, id)
}

// orderRepoStub backs the reconciler with a single in-memory order.
type orderRepoStub struct {
	ord      *order.Order
	statuses []order.Status
}

func (r *orderRepoStub) Create(ctx context.Context, o *order.Order) error { return nil }

func (r *orderRepoStub) GetByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	if r.ord == nil || r.ord.ID != id {
		return nil, order.ErrOrderNotFound
	}
	return r.ord, nil
}

func (r *orderRepoStub) GetByTrackingCode(ctx context.Context, trackingCode string) (*order.Order, error) {
	return nil, order.ErrOrderNotFound
}

func (r *orderRepoStub) UpdateStatus(ctx context.Context, id uuid.UUID, status order.Status, expectedVersion int64) error {
	if r.ord == nil || r.ord.ID != id {
		return order.ErrOrderNotFound
	}
	if r.ord.Version != expectedVersion {
		return order.ErrVersionConflict
	}
	r.ord.Status = status
	r.ord.Version++
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *orderRepoStub) UpdateTracking(ctx context.Context, id uuid.UUID, info order.TrackingInfo, expectedVersion int64) error {
	return nil
}

func (r *orderRepoStub) UpdateDelivery(ctx context.Context, id uuid.UUID, deliveryStatus string, deliveredAt *time.Time) error {
	return nil
}

func (r *orderRepoStub) UpdateItemStatus(ctx context.Context, orderID, itemID uuid.UUID, status order.ItemStatus) error {
	return nil
}

func (r *orderRepoStub) MarkItemsDelivered(ctx context.Context, orderID uuid.UUID) error { return nil }

func (r *orderRepoStub) MarkReady(ctx context.Context, orderID uuid.UUID, at time.Time) error {
	return nil
}

func (r *orderRepoStub) ListStaleTracking(ctx context.Context, updatedBefore time.Time, limit int) ([]order.Order, error) {
	return nil, nil
}

func (r *orderRepoStub) ListBrokenLabels(ctx context.Context) ([]order.Order, error) {
	return nil, nil
}

func (r *orderRepoStub) AppendStatusHistory(ctx context.Context, h *order.StatusHistory) error {
	return nil
}

// mockNotifier records dispatched notifications.
type mockNotifier struct {
	userKinds []string
	adminMsgs []string
}

func (n *mockNotifier) NotifyUser(ctx context.Context, userID uuid.UUID, kind string, payload map[string]any) {
	n.userKinds = append(n.userKinds, kind)
}

func (n *mockNotifier) NotifyAdmins(ctx context.Context, subject, body string) {
	n.adminMsgs = append(n.adminMsgs, subject+": "+body)
}

func mustUUID(t interface{ Fatalf(string, ...any) }) uuid.UUID {
	id, err := uuid.NewV4()
	if err != nil {
		t.Fatalf("failed to generate uuid: %v", err)
	}
	return id
}
