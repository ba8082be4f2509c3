package shipping

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gofrs/uuid"
)

// TrackingStatus is the canonical, carrier-independent tracking status.
type TrackingStatus string

const (
	TrackPreTransit     TrackingStatus = "pre_transit"
	TrackInTransit      TrackingStatus = "in_transit"
	TrackOutForDelivery TrackingStatus = "out_for_delivery"
	TrackDelivered      TrackingStatus = "delivered"
	TrackReturnToSender TrackingStatus = "return_to_sender"
	TrackFailure        TrackingStatus = "failure"
	TrackCancelled      TrackingStatus = "cancelled"
	TrackError          TrackingStatus = "error"
)

func (s TrackingStatus) String() string {
	return string(s)
}

// Terminal reports whether a status ends the shipment's life.
func (s TrackingStatus) Terminal() bool {
	switch s {
	case TrackDelivered, TrackReturnToSender, TrackFailure, TrackCancelled:
		return true
	}
	return false
}

// carrier status spellings seen across carriers, folded to the canonical
// enum. Unknown spellings normalize to error so nothing is silently dropped.
var carrierStatusMap = map[string]TrackingStatus{
	"pre_transit":      TrackPreTransit,
	"pre-transit":      TrackPreTransit,
	"label_created":    TrackPreTransit,
	"accepted":         TrackPreTransit,
	"in_transit":       TrackInTransit,
	"in-transit":       TrackInTransit,
	"transit":          TrackInTransit,
	"arrived_at_hub":   TrackInTransit,
	"out_for_delivery": TrackOutForDelivery,
	"delivered":        TrackDelivered,
	"return_to_sender": TrackReturnToSender,
	"returned":         TrackReturnToSender,
	"failure":          TrackFailure,
	"failed":           TrackFailure,
	"delivery_failed":  TrackFailure,
	"cancelled":        TrackCancelled,
	"canceled":         TrackCancelled,
	"error":            TrackError,
	"unknown":          TrackError,
}

func NormalizeStatus(carrierStatus string) TrackingStatus {
	if s, ok := carrierStatusMap[strings.ToLower(strings.TrimSpace(carrierStatus))]; ok {
		return s
	}
	return TrackError
}

// EventSource identifies how a tracking event entered the system.
type EventSource string

const (
	SourceWebhook     EventSource = "webhook"
	SourceManualCheck EventSource = "manual_check"
	SourceAdmin       EventSource = "admin"
)

// Event is one append-only carrier-reported tracking update. Events for a
// tracking code are interpreted in OccurredAt order, not insertion order;
// webhooks may arrive out of order.
type Event struct {
	ID                  uuid.UUID       `json:"id"`
	OrderID             uuid.UUID       `json:"order_id"`
	TrackingCode        string          `json:"tracking_code"`
	Status              TrackingStatus  `json:"status"`
	Message             string          `json:"message,omitempty"`
	Location            string          `json:"location,omitempty"`
	CarrierStatusCode   string          `json:"carrier_status_code,omitempty"`
	CarrierStatusDetail string          `json:"carrier_status_detail,omitempty"`
	OccurredAt          time.Time       `json:"occurred_at"`
	Source              EventSource     `json:"source"`
	RawPayload          json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
}
