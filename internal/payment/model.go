package payment

import (
	"encoding/json"
	"time"

	"github.com/freshmart/fulfillment-service/internal/money"
	"github.com/gofrs/uuid"
)

type TransactionStatus string

const (
	TxPending       TransactionStatus = "pending"
	TxCompleted     TransactionStatus = "completed"
	TxFailed        TransactionStatus = "failed"
	TxRefunded      TransactionStatus = "refunded"
	TxPendingRefund TransactionStatus = "pending_refund"
	TxRefundFailed  TransactionStatus = "refund_failed"
)

func (s TransactionStatus) String() string {
	return string(s)
}

// Transaction is one attempt to charge or refund. Several transactions may
// exist per order across retries; the order's payment state is defined by
// the most recently created one.
type Transaction struct {
	ID      uuid.UUID   `json:"id"`
	OrderID *uuid.UUID  `json:"order_id,omitempty"` // nil for gateway-only records
	Amount  money.Money `json:"amount"`
	Method  string      `json:"method"`
	// GatewayID is the external payment-intent id.
	GatewayID string            `json:"gateway_id,omitempty"`
	Status    TransactionStatus `json:"status"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
	Version   int64             `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type IdempotencyStatus string

const (
	IdemPending   IdempotencyStatus = "pending"
	IdemCompleted IdempotencyStatus = "completed"
	IdemFailed    IdempotencyStatus = "failed"
)

// IdempotencyTTL is how long a key stays live. A repeated request inside the
// window replays the stored outcome instead of re-executing side effects.
const IdempotencyTTL = 24 * time.Hour

// IdempotencyRecord maps a caller-supplied key to the outcome of the charge
// it guarded.
type IdempotencyRecord struct {
	ID            uuid.UUID         `json:"id"`
	Key           string            `json:"key"`
	UserID        uuid.UUID         `json:"user_id"`
	OrderID       *uuid.UUID        `json:"order_id,omitempty"`
	TransactionID *uuid.UUID        `json:"transaction_id,omitempty"`
	GatewayID     *string           `json:"gateway_id,omitempty"`
	Status        IdempotencyStatus `json:"status"`
	// Interrupted marks an attempt cut off by a transient gateway failure.
	// Only such attempts may be resumed by a later request with the key;
	// a pending record without the marker is still owned by its creator.
	Interrupted  bool            `json:"interrupted,omitempty"`
	RequestData  json.RawMessage `json:"request_data,omitempty"`
	ResponseData json.RawMessage `json:"response_data,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (r *IdempotencyRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}
